package repo

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"normflow/internal/logging"
)

// Sequence variant catalog (closed set). The catalog itself lives in the
// sequence package; the repo only validates membership.
var KnownSequences = map[string]bool{
	"simple":                     true,
	"imperative":                 true,
	"imperative_direct":          true,
	"imperative_input":           true,
	"imperative_python":          true,
	"imperative_python_indirect": true,
	"imperative_in_composition":  true,
	"grouping":                   true,
	"quantifying":                true,
	"looping":                    true,
	"assigning":                  true,
	"timing":                     true,
	"judgement":                  true,
	"judgement_direct":           true,
	"judgement_python":           true,
	"judgement_python_indirect":  true,
	"judgement_in_composition":   true,
}

// FlowInfo locates an inference inside the flow tree.
type FlowInfo struct {
	FlowIndex string `json:"flow_index"`
}

// InferenceEntry is the declarative description of one step in the graph.
type InferenceEntry struct {
	ConceptToInfer        string                 `json:"concept_to_infer"`
	ValueConcepts         []string               `json:"value_concepts"`
	ContextConcepts       []string               `json:"context_concepts"`
	FunctionConcept       string                 `json:"function_concept,omitempty"`
	WorkingInterpretation map[string]interface{} `json:"working_interpretation"`
	InferenceSequence     string                 `json:"inference_sequence"`
	FlowInfo              FlowInfo               `json:"flow_info"`

	Signature string `json:"-"`
}

// FlowIndex returns the dotted flow index.
func (e *InferenceEntry) FlowIndex() string { return e.FlowInfo.FlowIndex }

// InputConcepts returns value and context concepts in declaration order.
func (e *InferenceEntry) InputConcepts() []string {
	out := append([]string(nil), e.ValueConcepts...)
	out = append(out, e.ContextConcepts...)
	return out
}

// InterpretationString reads a string key from the working interpretation.
func (e *InferenceEntry) InterpretationString(key string) string {
	if e.WorkingInterpretation == nil {
		return ""
	}
	if v, ok := e.WorkingInterpretation[key].(string); ok {
		return v
	}
	return ""
}

// InferenceRepo holds the parsed inferences, indexed by flow index.
type InferenceRepo struct {
	mu      sync.RWMutex
	entries map[string]*InferenceEntry // flow_index -> entry
	order   []string                   // flow indices in file order
}

// NewInferenceRepo returns an empty repo.
func NewInferenceRepo() *InferenceRepo {
	return &InferenceRepo{entries: make(map[string]*InferenceEntry)}
}

// InferencesFromJSONList builds an InferenceRepo from the decoded
// inferences.json list, resolving concept references by name against the
// ConceptRepo and rejecting unknown sequence labels.
func InferencesFromJSONList(list []map[string]interface{}, concepts *ConceptRepo) (*InferenceRepo, error) {
	timer := logging.StartTimer(logging.CategoryRepo, "InferenceRepo.FromJSONList")
	defer timer.Stop()

	repo := NewInferenceRepo()
	for i, raw := range list {
		var entry InferenceEntry
		if err := remarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("inference entry %d: %w", i, err)
		}
		if entry.FlowInfo.FlowIndex == "" {
			return nil, fmt.Errorf("inference entry %d: flow_info.flow_index is required", i)
		}
		if !KnownSequences[entry.InferenceSequence] {
			return nil, fmt.Errorf("inference %s: unknown inference_sequence %q",
				entry.FlowInfo.FlowIndex, entry.InferenceSequence)
		}
		if _, dup := repo.entries[entry.FlowInfo.FlowIndex]; dup {
			return nil, fmt.Errorf("duplicate flow index %q", entry.FlowInfo.FlowIndex)
		}
		// Resolve concept names. Timing inferences name the guarded parent's
		// concept in their condition rather than concept_to_infer.
		for _, name := range entry.referencedConcepts() {
			if _, ok := concepts.GetConcept(name); !ok {
				return nil, fmt.Errorf("inference %s references unknown concept %q",
					entry.FlowInfo.FlowIndex, name)
			}
			concepts.RecordFlowIndex(name, entry.FlowInfo.FlowIndex)
		}
		sig, err := InferenceSignature(&entry)
		if err != nil {
			return nil, fmt.Errorf("inference %s signature: %w", entry.FlowInfo.FlowIndex, err)
		}
		entry.Signature = sig

		e := entry
		repo.entries[e.FlowInfo.FlowIndex] = &e
		repo.order = append(repo.order, e.FlowInfo.FlowIndex)
		logging.RepoDebug("Loaded inference %s -> %q (sequence=%s)",
			e.FlowInfo.FlowIndex, e.ConceptToInfer, e.InferenceSequence)
	}
	logging.Repo("InferenceRepo loaded: %d inferences", len(repo.order))
	return repo, nil
}

func (e *InferenceEntry) referencedConcepts() []string {
	var out []string
	if e.ConceptToInfer != "" {
		out = append(out, e.ConceptToInfer)
	}
	out = append(out, e.ValueConcepts...)
	out = append(out, e.ContextConcepts...)
	if e.FunctionConcept != "" {
		out = append(out, e.FunctionConcept)
	}
	return out
}

// Get retrieves an inference by flow index.
func (ir *InferenceRepo) Get(flowIndex string) (*InferenceEntry, bool) {
	ir.mu.RLock()
	defer ir.mu.RUnlock()
	e, ok := ir.entries[flowIndex]
	return e, ok
}

// All returns entries in file order.
func (ir *InferenceRepo) All() []*InferenceEntry {
	ir.mu.RLock()
	defer ir.mu.RUnlock()
	out := make([]*InferenceEntry, 0, len(ir.order))
	for _, fi := range ir.order {
		out = append(out, ir.entries[fi])
	}
	return out
}

// Add registers an entry directly (tests and programmatic graphs).
func (ir *InferenceRepo) Add(e *InferenceEntry) error {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	if e.FlowInfo.FlowIndex == "" {
		return fmt.Errorf("flow index required")
	}
	if _, dup := ir.entries[e.FlowInfo.FlowIndex]; dup {
		return fmt.Errorf("duplicate flow index %q", e.FlowInfo.FlowIndex)
	}
	if e.Signature == "" {
		sig, err := InferenceSignature(e)
		if err != nil {
			return err
		}
		e.Signature = sig
	}
	ir.entries[e.FlowInfo.FlowIndex] = e
	ir.order = append(ir.order, e.FlowInfo.FlowIndex)
	return nil
}

// ByConcept returns every inference whose concept_to_infer matches.
func (ir *InferenceRepo) ByConcept(name string) []*InferenceEntry {
	ir.mu.RLock()
	defer ir.mu.RUnlock()
	var out []*InferenceEntry
	for _, fi := range ir.order {
		if ir.entries[fi].ConceptToInfer == name {
			out = append(out, ir.entries[fi])
		}
	}
	return out
}

// Children returns the direct children of a flow index, in order.
func (ir *InferenceRepo) Children(flowIndex string) []*InferenceEntry {
	ir.mu.RLock()
	defer ir.mu.RUnlock()
	var out []*InferenceEntry
	for _, fi := range ir.order {
		if ParentFlowIndex(fi) == flowIndex {
			out = append(out, ir.entries[fi])
		}
	}
	return out
}

// =============================================================================
// FLOW INDEX HELPERS
// =============================================================================

// ParentFlowIndex returns the parent of a dotted flow index, or "".
func ParentFlowIndex(flowIndex string) string {
	i := strings.LastIndex(flowIndex, ".")
	if i < 0 {
		return ""
	}
	return flowIndex[:i]
}

// IsDescendant reports whether child sits strictly under ancestor in the
// flow tree ("1.2.3" descends from "1.2" and "1").
func IsDescendant(child, ancestor string) bool {
	return strings.HasPrefix(child, ancestor+".")
}

// Descendants returns every flow index in the repo under the given one.
func (ir *InferenceRepo) Descendants(flowIndex string) []string {
	ir.mu.RLock()
	defer ir.mu.RUnlock()
	var out []string
	for _, fi := range ir.order {
		if IsDescendant(fi, flowIndex) {
			out = append(out, fi)
		}
	}
	sort.Strings(out)
	return out
}
