package sequence

import (
	"context"
	"fmt"

	"normflow/internal/logging"
	"normflow/internal/reference"
	"normflow/internal/syntax"
)

// stepGR groups the value references per the declared marker and by_axes.
// The grouped reference is the loop base for QR / LR and the direct output
// for the grouping variant.
func stepGR(ctx context.Context, st *States) error {
	if len(st.OrderedValues) == 0 {
		return fmt.Errorf("sequence: GR with no value references")
	}
	marker := st.interpString("grouping_marker")
	if marker == "" {
		marker = syntax.GroupAndIn
	}
	byAxes := st.interpStrings("by_axes")
	grouped, err := syntax.Group(marker, st.OrderedValues, byAxes)
	if err != nil {
		return err
	}
	st.Output = grouped
	logging.SequenceDebug("GR %s: marker=%s by=%v -> axes=%v",
		st.Entry.FlowIndex(), marker, byAxes, grouped.Axes())
	return nil
}

// loopBaseAxis names the axis of the combined loop output; declared in the
// working interpretation, defaulting to the loop base's first axis.
func loopBaseAxis(st *States, toLoop *reference.Reference) string {
	if a := st.interpString("loop_base_axis"); a != "" {
		return a
	}
	if toLoop.Rank() > 0 && toLoop.Axes()[0] != reference.NoneAxis {
		return toLoop.Axes()[0]
	}
	return ""
}

// stepQR advances the loop by one base element per attempt: retrieve the
// next unlooped element, apply the callable (when declared), record the
// per-element result, and signal retry. When the traversal is exhausted the
// stored per-element results are combined into the final output.
func stepQR(ctx context.Context, st *States) error {
	return advanceLoop(ctx, st, false)
}

// stepLR is QR with carry-over: the prior iteration's stored value is passed
// to the callable as an accumulator input.
func stepLR(ctx context.Context, st *States) error {
	return advanceLoop(ctx, st, true)
}

func advanceLoop(ctx context.Context, st *States, carryOver bool) error {
	toLoop := st.Output // GR product
	if toLoop == nil {
		return fmt.Errorf("sequence: loop with no grouped base (missing GR?)")
	}
	concept := st.Entry.ConceptToInfer
	loop := st.Workspace.LoopFor(st.Entry.FlowIndex(), concept)

	el, idx, ok := loop.RetrieveNextBaseElement(toLoop, nil)
	if !ok {
		if loop.CurrentIndex() == 0 {
			// Empty loop base: complete immediately with no iterations.
			st.CompletionStatus = true
			st.Output = reference.Empty(loopBaseAxis(st, toLoop))
			return nil
		}
		baseAxis := loopBaseAxis(st, toLoop)
		combined, err := loop.CombineAllLoopedElementsByConcept(concept, baseAxis)
		if err != nil {
			return err
		}
		// Scalar per-iteration values collapse to rank 1; the single axis
		// then ranges over base elements and takes the loop-base name.
		if combined.Rank() == 1 && baseAxis != "" && combined.Axes()[0] != baseAxis {
			combined, err = combined.RenameAxis(combined.Axes()[0], baseAxis)
			if err != nil {
				return err
			}
		}
		st.CompletionStatus = true
		st.Output = combined
		logging.SequenceDebug("Loop %s: complete after %d iterations",
			st.Entry.FlowIndex(), loop.CurrentIndex())
		return nil
	}

	loop.StoreNewBaseElement(el)
	value := el
	if st.Callable != nil {
		inputs := map[string]interface{}{"input_1": el.Tensor(false)}
		if carryOver {
			initial := loopInitial(st)
			prev, err := syntax.NewLooper(loop).RetrieveNextInLoopElement(concept, "carry_over", idx, initial)
			if err != nil {
				return err
			}
			inputs["input_2"] = prev.Tensor(false)
		}
		res, err := st.Callable(inputs)
		if err != nil {
			return err
		}
		value = reference.Singleton(res)
	}
	if err := loop.StoreNewInLoopElement(concept, value); err != nil {
		return err
	}
	st.NeedsRetry = true
	logging.SequenceDebug("Loop %s: iteration %d stored", st.Entry.FlowIndex(), idx)
	return nil
}

// loopInitial builds the accumulator seed declared in the working
// interpretation (zero singleton when absent).
func loopInitial(st *States) *reference.Reference {
	if v, ok := st.Interp["initial_value"]; ok {
		return reference.Singleton(v)
	}
	return reference.Singleton(0)
}
