// Package repo holds the declarative side of a normflow run: the typed
// concept nodes, their reference bindings, and the parsed inference entries
// with their dependency edges. Both repositories are loaded from JSON list
// forms once per run and are read-mostly afterwards.
package repo

import (
	"fmt"
	"sort"
	"sync"

	"normflow/internal/logging"
	"normflow/internal/reference"
)

// Concept type vocabulary. The type string classifies how the concept
// participates in sequences; it is declared, never inferred.
const (
	TypeSyntactical = "syntactical"
	TypeSemantical  = "semantical"
	TypeInferential = "inferential"
)

// Concept is a typed symbolic node. A concept is ground when it has an
// initial reference seeded from inputs and final when no downstream inference
// depends on it.
type Concept struct {
	Name     string `json:"concept_name"`
	Type     string `json:"type"`
	Context  string `json:"context"`
	AxisName string `json:"axis_name,omitempty"`

	// Declarative extras that feed the signature.
	ScriptPath string `json:"script_path,omitempty"`
	PromptFile string `json:"prompt_file,omitempty"`
	FaceValue  string `json:"face_value,omitempty"`
}

// ConceptEntry wraps a live concept with its runtime bookkeeping.
type ConceptEntry struct {
	Concept   *Concept
	Reference *reference.Reference
	IsGround  bool
	IsFinal   bool
	// FlowIndices lists every flow index where this concept appears.
	FlowIndices []string
	Signature   string
}

// ConceptRepo maps concept names to their entries.
type ConceptRepo struct {
	mu      sync.RWMutex
	entries map[string]*ConceptEntry
	order   []string
}

// NewConceptRepo returns an empty repo.
func NewConceptRepo() *ConceptRepo {
	return &ConceptRepo{entries: make(map[string]*ConceptEntry)}
}

// conceptJSON is the concepts.json list element.
type conceptJSON struct {
	ConceptName        string      `json:"concept_name"`
	Type               string      `json:"type"`
	Context            string      `json:"context"`
	AxisName           string      `json:"axis_name"`
	ScriptPath         string      `json:"script_path"`
	PromptFile         string      `json:"prompt_file"`
	FaceValue          string      `json:"face_value"`
	ReferenceData      interface{} `json:"reference_data"`
	ReferenceAxisNames []string    `json:"reference_axis_names"`
	IsGroundConcept    bool        `json:"is_ground_concept"`
	IsFinalConcept     bool        `json:"is_final_concept"`
}

// FromJSONList builds a ConceptRepo from the decoded concepts.json list.
// Validates: no duplicate names; declared reference axes are consistent.
func FromJSONList(list []map[string]interface{}) (*ConceptRepo, error) {
	timer := logging.StartTimer(logging.CategoryRepo, "ConceptRepo.FromJSONList")
	defer timer.Stop()

	repo := NewConceptRepo()
	for i, raw := range list {
		var cj conceptJSON
		if err := remarshal(raw, &cj); err != nil {
			return nil, fmt.Errorf("concept entry %d: %w", i, err)
		}
		if cj.ConceptName == "" {
			return nil, fmt.Errorf("concept entry %d: concept_name is required", i)
		}
		if _, exists := repo.entries[cj.ConceptName]; exists {
			return nil, fmt.Errorf("duplicate concept name %q", cj.ConceptName)
		}
		c := &Concept{
			Name:       cj.ConceptName,
			Type:       cj.Type,
			Context:    cj.Context,
			AxisName:   cj.AxisName,
			ScriptPath: cj.ScriptPath,
			PromptFile: cj.PromptFile,
			FaceValue:  cj.FaceValue,
		}
		entry := &ConceptEntry{
			Concept:  c,
			IsGround: cj.IsGroundConcept,
			IsFinal:  cj.IsFinalConcept,
		}
		if cj.ReferenceData != nil {
			axes := cj.ReferenceAxisNames
			if len(axes) == 0 && cj.AxisName != "" {
				axes = []string{cj.AxisName}
			}
			ref, err := reference.FromData(cj.ReferenceData, axes)
			if err != nil {
				return nil, fmt.Errorf("concept %q initial reference: %w", cj.ConceptName, err)
			}
			entry.Reference = ref
		}
		sig, err := ConceptSignature(c)
		if err != nil {
			return nil, fmt.Errorf("concept %q signature: %w", cj.ConceptName, err)
		}
		entry.Signature = sig
		repo.entries[cj.ConceptName] = entry
		repo.order = append(repo.order, cj.ConceptName)
		logging.RepoDebug("Loaded concept %q (type=%s ground=%v)", cj.ConceptName, cj.Type, cj.IsGroundConcept)
	}
	logging.Repo("ConceptRepo loaded: %d concepts", len(repo.order))
	return repo, nil
}

// GetConcept retrieves a concept entry by name.
func (cr *ConceptRepo) GetConcept(name string) (*ConceptEntry, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	e, ok := cr.entries[name]
	return e, ok
}

// GetAllConcepts returns entries in declaration order.
func (cr *ConceptRepo) GetAllConcepts() []*ConceptEntry {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	out := make([]*ConceptEntry, 0, len(cr.order))
	for _, name := range cr.order {
		out = append(out, cr.entries[name])
	}
	return out
}

// Names returns all concept names sorted.
func (cr *ConceptRepo) Names() []string {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	out := append([]string(nil), cr.order...)
	sort.Strings(out)
	return out
}

// AddConcept registers a concept entry directly (used by loaders and tests).
func (cr *ConceptRepo) AddConcept(c *Concept, ground, final bool) error {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if _, exists := cr.entries[c.Name]; exists {
		return fmt.Errorf("duplicate concept name %q", c.Name)
	}
	sig, err := ConceptSignature(c)
	if err != nil {
		return err
	}
	cr.entries[c.Name] = &ConceptEntry{Concept: c, IsGround: ground, IsFinal: final, Signature: sig}
	cr.order = append(cr.order, c.Name)
	return nil
}

// AddReference creates or updates the Reference attached to a concept.
func (cr *ConceptRepo) AddReference(name string, data interface{}, axisNames []string) error {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	entry, ok := cr.entries[name]
	if !ok {
		return fmt.Errorf("unknown concept %q", name)
	}
	ref, err := reference.FromData(data, axisNames)
	if err != nil {
		return fmt.Errorf("reference for %q: %w", name, err)
	}
	entry.Reference = ref
	logging.RepoDebug("AddReference: %q axes=%v shape=%v", name, ref.Axes(), ref.Shape())
	return nil
}

// SetReference attaches an already-built Reference to a concept.
func (cr *ConceptRepo) SetReference(name string, ref *reference.Reference) error {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	entry, ok := cr.entries[name]
	if !ok {
		return fmt.Errorf("unknown concept %q", name)
	}
	entry.Reference = ref
	return nil
}

// ClearReference discards a concept's reference (PATCH reconciliation).
func (cr *ConceptRepo) ClearReference(name string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if entry, ok := cr.entries[name]; ok {
		entry.Reference = nil
	}
}

// RecordFlowIndex remembers that the concept appears at the given flow index.
func (cr *ConceptRepo) RecordFlowIndex(name, flowIndex string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if entry, ok := cr.entries[name]; ok {
		for _, fi := range entry.FlowIndices {
			if fi == flowIndex {
				return
			}
		}
		entry.FlowIndices = append(entry.FlowIndices, flowIndex)
	}
}
