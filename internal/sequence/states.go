// Package sequence implements the staged state machines that execute one
// inference: a closed catalog of named variants, each an ordered list of step
// functions threading a shared States object.
package sequence

import (
	"context"
	"fmt"

	"normflow/internal/blackboard"
	"normflow/internal/reference"
	"normflow/internal/repo"
	"normflow/internal/syntax"
)

// Callable is the function an imperative sequence applies per value
// combination. Inputs arrive keyed input_1, input_2, ... plus any special
// keys declared in the working interpretation.
type Callable func(inputs map[string]interface{}) (interface{}, error)

// FunctionRequest carries everything a provider needs to produce a callable.
type FunctionRequest struct {
	Entry    *repo.InferenceEntry
	Function *repo.Concept // nil when no function concept is declared
	Interp   map[string]interface{}
}

// FunctionProvider turns a function concept (script, code string, or prompt)
// into a callable. The paradigm runner is the production implementation.
type FunctionProvider interface {
	ProvideFunction(ctx context.Context, req *FunctionRequest) (Callable, error)
}

// States is the mutable object threaded through a variant's steps. Each step
// reads what earlier steps produced and augments it.
type States struct {
	Entry     *repo.InferenceEntry
	Concepts  *repo.ConceptRepo
	Board     *blackboard.Blackboard
	Workspace *syntax.Workspace
	Provider  FunctionProvider
	Opts      reference.ApplyOptions

	// IWI products.
	Interp     map[string]interface{}
	ValueOrder map[string]int

	// IR products.
	OrderedValues []*reference.Reference
	ContextRefs   map[string]*reference.Reference

	// MFP product.
	Callable Callable

	// MVP product: cells are map[string]interface{} input dicts.
	Inputs *reference.Reference

	// TVA / TIP / TIA products.
	RawOutput *reference.Reference
	TruthMask *blackboard.TruthMask

	// MIA product: the %(...)-annotated form, kept as the item result.
	Annotated *reference.Reference

	// The reference OR publishes on concept_to_infer (nil when the variant
	// produces none, e.g. identity assignment or timing).
	Output *reference.Reference

	// Control flags the runner interprets.
	ToBeSkipped      bool
	NeedsRetry       bool
	CompletionStatus bool
	SkipPublish      bool
}

// interpString reads a string key from the working interpretation.
func (st *States) interpString(key string) string {
	if v, ok := st.Interp[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// interpStrings reads a string-list key from the working interpretation.
func (st *States) interpStrings(key string) []string {
	v, ok := st.Interp[key]
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, e := range list {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// functionConcept resolves the entry's declared function concept.
func (st *States) functionConcept() (*repo.Concept, error) {
	name := st.Entry.FunctionConcept
	if name == "" {
		return nil, nil
	}
	ce, ok := st.Concepts.GetConcept(name)
	if !ok {
		return nil, fmt.Errorf("sequence: function concept %q not in repo", name)
	}
	return ce.Concept, nil
}

// StepFunc is one stage of a variant.
type StepFunc func(ctx context.Context, st *States) error

// Step pairs a step code with its implementation for logging.
type Step struct {
	Code string
	Fn   StepFunc
}
