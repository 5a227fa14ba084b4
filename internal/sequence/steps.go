package sequence

import (
	"context"
	"fmt"

	"normflow/internal/logging"
	"normflow/internal/reference"
	"normflow/internal/syntax"
	"normflow/internal/types"
)

// stepIWI copies sequence configuration out of the working interpretation
// into States: value ordering, markers, conditions. Variants without an MFP
// step but with a declared function concept resolve their callable here.
func stepIWI(ctx context.Context, st *States) error {
	st.Interp = st.Entry.WorkingInterpretation
	if st.Interp == nil {
		st.Interp = map[string]interface{}{}
	}

	st.ValueOrder = map[string]int{}
	if raw, ok := st.Interp["value_order"]; ok {
		if m, ok := raw.(map[string]interface{}); ok {
			for axis, pos := range m {
				switch p := pos.(type) {
				case int:
					st.ValueOrder[axis] = p
				case float64:
					st.ValueOrder[axis] = int(p)
				}
			}
		}
	}

	if needsEarlyFunction(st.Entry.InferenceSequence) && st.Entry.FunctionConcept != "" {
		fc, err := st.functionConcept()
		if err != nil {
			return err
		}
		fn, err := st.Provider.ProvideFunction(ctx, &FunctionRequest{
			Entry:    st.Entry,
			Function: fc,
			Interp:   st.Interp,
		})
		if err != nil {
			return err
		}
		st.Callable = fn
	}
	logging.SequenceDebug("IWI %s: sequence=%s value_order=%v",
		st.Entry.FlowIndex(), st.Entry.InferenceSequence, st.ValueOrder)
	return nil
}

// needsEarlyFunction reports whether a variant applies a callable without
// running an MFP step (loop bodies).
func needsEarlyFunction(sequenceName string) bool {
	switch sequenceName {
	case "quantifying", "looping":
		return true
	}
	return false
}

// stepIR copies input concept references into States in declaration order and
// applies any filters injected by upstream timing. The filter workspace key
// is consumed here and never leaks to later cycles.
func stepIR(ctx context.Context, st *States) error {
	filters := st.Workspace.TakeFilters(st.Entry.FlowIndex())

	st.OrderedValues = make([]*reference.Reference, 0, len(st.Entry.ValueConcepts))
	for _, name := range st.Entry.ValueConcepts {
		ref, err := st.resolveReference(name)
		if err != nil {
			return err
		}
		if len(filters) > 0 {
			ref, err = syntax.ApplyFilters(ref, filters)
			if err != nil {
				return err
			}
		}
		st.OrderedValues = append(st.OrderedValues, ref)
	}

	st.ContextRefs = map[string]*reference.Reference{}
	for _, name := range st.Entry.ContextConcepts {
		ref, err := st.resolveReference(name)
		if err != nil {
			return err
		}
		st.ContextRefs[name] = ref
	}
	logging.SequenceDebug("IR %s: %d values, %d contexts, %d filters",
		st.Entry.FlowIndex(), len(st.OrderedValues), len(st.ContextRefs), len(filters))
	return nil
}

// resolveReference reads a concept's reference through identity aliases.
func (st *States) resolveReference(name string) (*reference.Reference, error) {
	ce, ok := st.Concepts.GetConcept(st.Board.Canonical(name))
	if !ok {
		ce, ok = st.Concepts.GetConcept(name)
	}
	if !ok {
		return nil, fmt.Errorf("sequence: input concept %q not in repo", name)
	}
	if ce.Reference == nil {
		return nil, fmt.Errorf("sequence: input concept %q has no reference", name)
	}
	return ce.Reference, nil
}

// stepOR publishes the produced reference on the concept to infer and, for
// judgement variants, the truth mask on the blackboard.
func stepOR(ctx context.Context, st *States) error {
	if st.TruthMask != nil {
		st.Board.SetTruthMask(st.Entry.ConceptToInfer, st.TruthMask)
	}
	if st.SkipPublish || st.ToBeSkipped {
		return nil
	}
	if st.Output == nil {
		// Pass-through variants (simple) publish their single value input.
		if len(st.OrderedValues) == 1 {
			st.Output = st.OrderedValues[0]
		} else {
			return nil
		}
	}
	if st.NeedsRetry && !st.CompletionStatus {
		return nil // loop not done, nothing final to publish
	}
	if err := st.Concepts.SetReference(st.Entry.ConceptToInfer, st.Output); err != nil {
		return err
	}
	logging.SequenceDebug("OR %s: published %q axes=%v",
		st.Entry.FlowIndex(), st.Entry.ConceptToInfer, st.Output.Axes())
	return nil
}

// stepOWI finalizes the item outcome: loops signal retry until their
// traversal completes.
func stepOWI(ctx context.Context, st *States) error {
	if st.CompletionStatus {
		st.NeedsRetry = false
	}
	return nil
}

// Outcome is the runner's verdict for one item attempt.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeNeedsRetry Outcome = "needs_retry"
	OutcomeFailed     Outcome = "failed"
)

// Result is what the orchestrator receives per attempt.
type Result struct {
	Outcome Outcome
	Detail  string
	Output  *reference.Reference
	// Annotated is the %(...)-wrapped form kept as the item's result payload.
	Annotated *reference.Reference
	Err       error
}

// decide maps the final States flags onto an item result.
func decide(st *States) *Result {
	switch {
	case st.ToBeSkipped:
		return &Result{Outcome: OutcomeCompleted, Detail: types.DetailConditionNotMet}
	case st.NeedsRetry && !st.CompletionStatus:
		return &Result{Outcome: OutcomeNeedsRetry}
	default:
		return &Result{
			Outcome:   OutcomeCompleted,
			Detail:    types.DetailSuccess,
			Output:    st.Output,
			Annotated: st.Annotated,
		}
	}
}
