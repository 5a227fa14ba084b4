package sequence

import (
	"context"
	"fmt"
	"strings"

	"normflow/internal/blackboard"
	"normflow/internal/logging"
	"normflow/internal/reference"
)

// tvaAxis is the transient axis cross_action introduces for callable
// results; single-valued results squeeze it back out.
const tvaAxis = "__tva"

// stepMFP runs the model sequence (paradigm) to produce the callable the
// rest of the variant applies per value combination.
func stepMFP(ctx context.Context, st *States) error {
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
	logging.SequenceDebug("MFP %s: callable ready", st.Entry.FlowIndex())
	return nil
}

// stepMVP shapes the ordered value references into dict-keyed inputs.
// Axes named in value_order are unpacked: their positions become the
// numbered inputs input_1, input_2, ...; remaining refs contribute one
// numbered input each. Special keys from the working interpretation are
// merged into every input dict.
func stepMVP(ctx context.Context, st *States) error {
	if len(st.OrderedValues) == 0 {
		return fmt.Errorf("sequence: MVP with no value references")
	}
	processed := make([]*reference.Reference, len(st.OrderedValues))
	unpacked := make([]bool, len(st.OrderedValues))
	for i, r := range st.OrderedValues {
		pr := r
		for axis := range st.ValueOrder {
			if pr.AxisIndex(axis) < 0 {
				continue
			}
			keep := make([]string, 0, pr.Rank()-1)
			for _, a := range pr.Axes() {
				if a != axis {
					keep = append(keep, a)
				}
			}
			var err error
			pr, err = pr.Slice(keep...)
			if err != nil {
				return fmt.Errorf("sequence: MVP unpacking axis %q: %w", axis, err)
			}
			unpacked[i] = true
		}
		processed[i] = pr
	}

	special := map[string]interface{}{}
	if raw, ok := st.Interp["special_inputs"]; ok {
		if m, ok := raw.(map[string]interface{}); ok {
			special = m
		}
	}

	fn := func(args []interface{}, _ map[string]int) (interface{}, error) {
		inputs := map[string]interface{}{}
		n := 0
		for i, arg := range args {
			if unpacked[i] {
				list, ok := arg.([]interface{})
				if !ok {
					list = []interface{}{arg}
				}
				for _, v := range list {
					n++
					inputs[fmt.Sprintf("input_%d", n)] = v
				}
				continue
			}
			n++
			inputs[fmt.Sprintf("input_%d", n)] = arg
		}
		for k, v := range special {
			inputs[k] = v
		}
		return inputs, nil
	}
	out, err := reference.ElementAction(fn, processed, st.Opts)
	if err != nil {
		return err
	}
	st.Inputs = out
	logging.SequenceDebug("MVP %s: inputs axes=%v", st.Entry.FlowIndex(), out.Axes())
	return nil
}

// stepTVA applies the callable to every input dict via cross_action. The
// result axis is squeezed away when every callable returned a single value.
func stepTVA(ctx context.Context, st *States) error {
	if st.Callable == nil {
		return fmt.Errorf("sequence: TVA with no callable (missing MFP?)")
	}
	if st.Inputs == nil {
		return fmt.Errorf("sequence: TVA with no inputs (missing MVP?)")
	}
	fn := st.Callable
	action := reference.ActionFunc(func(v interface{}) ([]interface{}, error) {
		inputs, ok := v.(map[string]interface{})
		if !ok {
			inputs = map[string]interface{}{"input_1": v}
		}
		res, err := fn(inputs)
		if err != nil {
			return nil, err
		}
		if list, ok := res.([]interface{}); ok {
			return list, nil
		}
		return []interface{}{res}, nil
	})
	out, err := reference.CrossAction(reference.Singleton(action), st.Inputs, tvaAxis, st.Opts)
	if err != nil {
		return err
	}
	out = out.Squeeze(tvaAxis)
	st.RawOutput = out
	st.Output = out
	return nil
}

// stepTIP compares the TVA output against the declared condition. Judgement
// variants produce a truth-mask reference; imperative variants pass the
// numeric output through untouched.
func stepTIP(ctx context.Context, st *States) error {
	if st.RawOutput == nil {
		return fmt.Errorf("sequence: TIP with no TVA output")
	}
	if !isJudgement(st.Entry.InferenceSequence) {
		return nil
	}
	condition, hasCondition := st.Interp["judgement_condition"]
	fn := func(args []interface{}, _ map[string]int) (interface{}, error) {
		truthy := false
		if hasCondition {
			truthy = fmt.Sprint(args[0]) == fmt.Sprint(condition)
		} else {
			truthy = isTruthy(args[0])
		}
		if truthy {
			return blackboard.TruthTrue, nil
		}
		return blackboard.TruthFalse, nil
	}
	mask, err := reference.ElementAction(fn, []*reference.Reference{st.RawOutput}, st.Opts)
	if err != nil {
		return err
	}
	st.Output = mask
	st.TruthMask = &blackboard.TruthMask{Mask: mask, FilterAxis: filterAxis(st, mask)}
	logging.SequenceDebug("TIP %s: mask over %v filter_axis=%s",
		st.Entry.FlowIndex(), mask.Axes(), st.TruthMask.FilterAxis)
	return nil
}

// stepTIA collapses a boolean tensor hierarchically: the innermost axis is
// folded under the declared truth quantifier. Empty folds follow vacuous
// truth: @all is true, @some / @exists are false.
func stepTIA(ctx context.Context, st *States) error {
	if st.RawOutput == nil {
		return fmt.Errorf("sequence: TIA with no TVA output")
	}
	quantifier := st.interpString("truth_quantifier")
	if quantifier == "" {
		quantifier = "@all"
	}
	src := st.RawOutput
	if src.Rank() > 1 {
		keep := src.Axes()[:src.Rank()-1]
		var err error
		src, err = src.Slice(keep...)
		if err != nil {
			return err
		}
	} else {
		var err error
		src, err = src.Slice()
		if err != nil {
			return err
		}
	}
	fn := func(args []interface{}, _ map[string]int) (interface{}, error) {
		cells, ok := args[0].([]interface{})
		if !ok {
			cells = []interface{}{args[0]}
		}
		verdict, err := collapseTruth(quantifier, cells)
		if err != nil {
			return nil, err
		}
		if verdict {
			return blackboard.TruthTrue, nil
		}
		return blackboard.TruthFalse, nil
	}
	mask, err := reference.ElementAction(fn, []*reference.Reference{src}, st.Opts)
	if err != nil {
		return err
	}
	st.Output = mask
	st.TruthMask = &blackboard.TruthMask{Mask: mask, FilterAxis: filterAxis(st, mask)}
	return nil
}

// collapseTruth folds a list of truth cells under a quantifier. Skip cells
// are ignored.
func collapseTruth(quantifier string, cells []interface{}) (bool, error) {
	live := make([]bool, 0, len(cells))
	for _, c := range cells {
		if c == reference.SkipValue {
			continue
		}
		live = append(live, isTruthy(c))
	}
	switch quantifier {
	case "@all":
		for _, t := range live {
			if !t {
				return false, nil
			}
		}
		return true, nil // vacuous truth on empty
	case "@some", "@exists":
		for _, t := range live {
			if t {
				return true, nil
			}
		}
		return false, nil // vacuous falsity on empty
	default:
		return false, fmt.Errorf("sequence: unknown truth quantifier %q", quantifier)
	}
}

// isTruthy interprets a cell as a truth value: truth-mask literals, bools,
// and the strings "true"/"false".
func isTruthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if t == blackboard.TruthTrue {
			return true
		}
		if t == blackboard.TruthFalse {
			return false
		}
		return strings.EqualFold(t, "true")
	default:
		return v != nil
	}
}

// filterAxis picks the declared filter axis, defaulting to the mask's first
// real axis.
func filterAxis(st *States, mask *reference.Reference) string {
	if a := st.interpString("filter_axis"); a != "" {
		return a
	}
	for _, a := range mask.Axes() {
		if a != reference.NoneAxis {
			return a
		}
	}
	return ""
}

// stepMIA wraps each produced cell in the %(...) wrapper. The annotated form
// becomes the item's result payload; OR publishes the unwrapped reference.
func stepMIA(ctx context.Context, st *States) error {
	if st.Output == nil {
		return nil
	}
	fn := func(args []interface{}, _ map[string]int) (interface{}, error) {
		return Wrap(args[0]), nil
	}
	annotated, err := reference.ElementAction(fn, []*reference.Reference{st.Output}, st.Opts)
	if err != nil {
		return err
	}
	st.Annotated = annotated
	return nil
}

// Wrap applies the %(...) wrapper convention to a computed value.
func Wrap(v interface{}) string {
	return fmt.Sprintf("%%(%v)", v)
}

// Strip removes a %(...) wrapper if present, returning the inner text.
func Strip(s string) string {
	if strings.HasPrefix(s, "%(") && strings.HasSuffix(s, ")") {
		return s[2 : len(s)-1]
	}
	return s
}

// isJudgement reports whether a sequence name belongs to the judgement
// family.
func isJudgement(name string) bool {
	return strings.HasPrefix(name, "judgement")
}
