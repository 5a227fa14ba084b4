package reference

import (
	"errors"
	"fmt"

	"normflow/internal/types"
)

// ElementFunc is a pointwise callable applied by ElementAction. The index map
// is only populated when the action is index-aware.
type ElementFunc func(args []interface{}, index map[string]int) (interface{}, error)

// ActionFunc is a callable stored inside a function Reference and applied by
// CrossAction. The returned list becomes the extent of the new axis.
type ActionFunc func(v interface{}) ([]interface{}, error)

// ApplyOptions carries the failure policy into the callable-running
// combinators. DevMode off swallows callable errors into skip cells;
// NeedsUserInteraction always propagates regardless.
type ApplyOptions struct {
	DevMode    bool
	IndexAware bool
}

// handleCallableError applies the dev-mode failure policy. It returns the
// error to propagate, or nil when the failure degrades to a skip cell.
func handleCallableError(err error, opts ApplyOptions) error {
	var nui *types.NeedsUserInteraction
	if errors.As(err, &nui) {
		return err
	}
	if opts.DevMode {
		return err
	}
	return nil
}

// unionAxes computes the ordered union of the operands' axes (first
// appearance wins) with shared-axis extents checked for agreement.
// NoneAxis is dropped unless every operand is a singleton.
func unionAxes(refs []*Reference) ([]string, []int, error) {
	var axes []string
	var shape []int
	allSingleton := true
	for _, r := range refs {
		if !r.IsSingleton() {
			allSingleton = false
		}
	}
	if allSingleton {
		return []string{NoneAxis}, []int{1}, nil
	}
	for _, r := range refs {
		for i, a := range r.axes {
			if a == NoneAxis {
				continue
			}
			at := -1
			for j, u := range axes {
				if u == a {
					at = j
					break
				}
			}
			if at < 0 {
				axes = append(axes, a)
				shape = append(shape, r.shape[i])
				continue
			}
			if shape[at] != r.shape[i] {
				return nil, nil, fmt.Errorf("axis %q extent mismatch: %d vs %d", a, shape[at], r.shape[i])
			}
		}
	}
	return axes, shape, nil
}

// project maps a union multi-index onto one operand's index space.
// Axes the operand lacks are ignored; NoneAxis positions are 0.
func project(r *Reference, unionAxes []string, idx []int) []int {
	out := make([]int, len(r.axes))
	for i, a := range r.axes {
		if a == NoneAxis {
			out[i] = 0
			continue
		}
		for j, u := range unionAxes {
			if u == a {
				out[i] = idx[j]
				break
			}
		}
	}
	return out
}

// CrossProduct builds the outer product over the union of axes. Each output
// cell is the list of operand cells in input order; any skip operand cell
// makes the whole output cell skip.
func CrossProduct(refs []*Reference) (*Reference, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("cross product requires at least one reference")
	}
	axes, shape, err := unionAxes(refs)
	if err != nil {
		return nil, err
	}
	out := &Reference{axes: axes, shape: shape, data: newDense(shape, SkipValue)}
	eachIndex(shape, func(idx []int) {
		cell := make([]interface{}, len(refs))
		skip := false
		for i, r := range refs {
			v := r.cell(project(r, axes, idx))
			if v == SkipValue {
				skip = true
				break
			}
			cell[i] = v
		}
		if skip {
			return
		}
		out.Set(idx, cell)
	})
	return out, nil
}

// ElementAction applies a pointwise n-ary callable across the union of axes.
// Skip operands short-circuit to skip without invoking the callable.
func ElementAction(fn ElementFunc, refs []*Reference, opts ApplyOptions) (*Reference, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("element action requires at least one reference")
	}
	axes, shape, err := unionAxes(refs)
	if err != nil {
		return nil, err
	}
	out := &Reference{axes: axes, shape: shape, data: newDense(shape, SkipValue)}
	var walkErr error
	eachIndex(shape, func(idx []int) {
		if walkErr != nil {
			return
		}
		args := make([]interface{}, len(refs))
		skip := false
		for i, r := range refs {
			v := r.cell(project(r, axes, idx))
			if v == SkipValue {
				skip = true
				break
			}
			args[i] = v
		}
		if skip {
			return
		}
		var index map[string]int
		if opts.IndexAware {
			index = make(map[string]int, len(axes))
			for j, a := range axes {
				index[a] = idx[j]
			}
		}
		v, err := fn(args, index)
		if err != nil {
			if perr := handleCallableError(err, opts); perr != nil {
				walkErr = perr
			}
			return // failed cell stays skip
		}
		out.Set(idx, v)
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return out, nil
}

// CrossAction applies the callables held by fns to the matching cells of base
// along shared axes. Each callable's returned list extends the output along
// newAxis; ragged results are padded with skip.
func CrossAction(fns *Reference, base *Reference, newAxis string, opts ApplyOptions) (*Reference, error) {
	axes, shape, err := unionAxes([]*Reference{fns, base})
	if err != nil {
		return nil, err
	}
	for _, a := range axes {
		if a == newAxis {
			return nil, fmt.Errorf("new axis %q already present", newAxis)
		}
	}

	// First pass: evaluate every combination and record the max list length.
	results := make(map[string][]interface{})
	maxLen := 0
	var walkErr error
	eachIndex(shape, func(idx []int) {
		if walkErr != nil {
			return
		}
		fcell := fns.cell(project(fns, axes, idx))
		bcell := base.cell(project(base, axes, idx))
		if fcell == SkipValue || bcell == SkipValue {
			return
		}
		fn, ok := fcell.(ActionFunc)
		if !ok {
			if raw, okRaw := fcell.(func(interface{}) ([]interface{}, error)); okRaw {
				fn = raw
			} else {
				if perr := handleCallableError(fmt.Errorf("cell is not callable: %T", fcell), opts); perr != nil {
					walkErr = perr
				}
				return
			}
		}
		list, err := fn(bcell)
		if err != nil {
			if perr := handleCallableError(err, opts); perr != nil {
				walkErr = perr
			}
			return
		}
		results[indexKey(idx)] = list
		if len(list) > maxLen {
			maxLen = len(list)
		}
	})
	if walkErr != nil {
		return nil, walkErr
	}
	if maxLen == 0 {
		maxLen = 1
	}

	outAxes := append(append([]string(nil), axes...), newAxis)
	outShape := append(append([]int(nil), shape...), maxLen)
	out := &Reference{axes: outAxes, shape: outShape, data: newDense(outShape, SkipValue)}
	eachIndex(shape, func(idx []int) {
		list, ok := results[indexKey(idx)]
		if !ok {
			return
		}
		for k, v := range list {
			full := append(append([]int(nil), idx...), k)
			out.Set(full, v)
		}
	})
	return elideNoneAxis(out), nil
}

// Join stacks equal-shape references along a new outermost axis after
// realigning axis orders to the first operand.
func Join(refs []*Reference, newAxis string) (*Reference, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("join requires at least one reference")
	}
	first := refs[0]
	aligned := make([]*Reference, len(refs))
	for i, r := range refs {
		a, err := r.Transpose(first.axes)
		if err != nil {
			return nil, fmt.Errorf("join operand %d: %w", i, err)
		}
		for d := range first.shape {
			if a.shape[d] != first.shape[d] {
				return nil, fmt.Errorf("join operand %d shape %v does not match %v", i, a.shape, first.shape)
			}
		}
		aligned[i] = a
	}
	axes := append([]string{newAxis}, first.axes...)
	if err := validateAxes(axes); err != nil {
		return nil, err
	}
	shape := append([]int{len(refs)}, first.shape...)
	data := make([]interface{}, len(refs))
	for i, a := range aligned {
		data[i] = deepCopy(a.data)
	}
	return elideNoneAxis(&Reference{axes: axes, shape: shape, data: data}), nil
}

// Transpose permutes the axes into the given order.
func (r *Reference) Transpose(order []string) (*Reference, error) {
	if len(order) != len(r.axes) {
		return nil, fmt.Errorf("transpose order has %d axes, reference has %d", len(order), len(r.axes))
	}
	perm := make([]int, len(order))
	for i, a := range order {
		j := r.AxisIndex(a)
		if j < 0 {
			return nil, fmt.Errorf("transpose axis %q not present", a)
		}
		perm[i] = j
	}
	shape := make([]int, len(order))
	for i, j := range perm {
		shape[i] = r.shape[j]
	}
	out := &Reference{axes: append([]string(nil), order...), shape: shape, data: newDense(shape, SkipValue)}
	eachIndex(shape, func(idx []int) {
		src := make([]int, len(idx))
		for i, j := range perm {
			src[j] = idx[i]
		}
		out.Set(idx, deepCopy(r.cell(src)))
	})
	return out, nil
}

// Slice reorders/keeps a subset of axes. Dropped axes fold into the cells as
// nested tensors. An empty call wraps the entire tensor as one singleton.
func (r *Reference) Slice(keep ...string) (*Reference, error) {
	if len(keep) == 0 {
		return Singleton(r.Tensor(false)), nil
	}
	if err := validateAxes(keep); err != nil {
		return nil, err
	}
	var dropped []string
	for _, a := range r.axes {
		found := false
		for _, k := range keep {
			if k == a {
				found = true
				break
			}
		}
		if !found {
			dropped = append(dropped, a)
		}
	}
	for _, k := range keep {
		if r.AxisIndex(k) < 0 {
			return nil, fmt.Errorf("slice axis %q not present", k)
		}
	}
	order := append(append([]string(nil), keep...), dropped...)
	t, err := r.Transpose(order)
	if err != nil {
		return nil, err
	}
	if len(dropped) == 0 {
		return t, nil
	}
	keptShape := t.shape[:len(keep)]
	out := &Reference{
		axes:  append([]string(nil), keep...),
		shape: append([]int(nil), keptShape...),
		data:  newDense(keptShape, SkipValue),
	}
	eachIndex(keptShape, func(idx []int) {
		cur := interface{}(t.data)
		for _, i := range idx {
			cur = cur.([]interface{})[i]
		}
		out.Set(idx, deepCopy(cur))
	})
	return out, nil
}

// elideNoneAxis drops NoneAxis whenever the axes include at least one other
// axis; its singleton dimension flattens into the contained value.
func elideNoneAxis(r *Reference) *Reference {
	if len(r.axes) <= 1 {
		return r
	}
	pos := r.AxisIndex(NoneAxis)
	if pos < 0 {
		return r
	}
	// Move NoneAxis last, then strip the trailing singleton dimension.
	var order []string
	for _, a := range r.axes {
		if a != NoneAxis {
			order = append(order, a)
		}
	}
	order = append(order, NoneAxis)
	t, err := r.Transpose(order)
	if err != nil {
		return r
	}
	outAxes := order[:len(order)-1]
	trimmed := t.shape[:len(t.shape)-1]
	out := &Reference{
		axes:  append([]string(nil), outAxes...),
		shape: append([]int(nil), trimmed...),
		data:  newDense(trimmed, SkipValue),
	}
	eachIndex(trimmed, func(idx []int) {
		full := append(append([]int(nil), idx...), 0)
		out.Set(idx, deepCopy(t.cell(full)))
	})
	return out
}

// indexKey renders a multi-index as a stable map key.
func indexKey(idx []int) string {
	return fmt.Sprint(idx)
}
