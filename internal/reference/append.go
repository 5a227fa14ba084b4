package reference

import "fmt"

// Append extends the chosen axis of r with data from other, returning a new
// reference. Axis selection falls back through the explicit argument, the
// unique axis of r absent from other, a rank heuristic, and finally the last
// axis.
//
// Two regimes apply:
//   - target axis is not last: other's leaves are reshaped into slices
//     matching r's axes after the target and appended as new rows;
//   - target axis is last: elementwise concatenation when other's non-target
//     axes match r's by name and size, broadcast concatenation otherwise.
func (r *Reference) Append(other *Reference, byAxis string) (*Reference, error) {
	axis, err := r.resolveAppendAxis(other, byAxis)
	if err != nil {
		return nil, err
	}

	// Zero extent along the target axis behaves like FromData of the source
	// aligned to that axis.
	if r.AxisSize(axis) == 0 {
		return appendIntoEmpty(r, other, axis)
	}

	if axis == r.axes[len(r.axes)-1] {
		return r.appendLastAxis(other, axis)
	}
	return r.appendOuterAxis(other, axis)
}

func (r *Reference) resolveAppendAxis(other *Reference, byAxis string) (string, error) {
	if byAxis != "" {
		if r.AxisIndex(byAxis) < 0 {
			return "", fmt.Errorf("append axis %q not present in destination", byAxis)
		}
		return byAxis, nil
	}
	// Unique unmatched axis of the destination.
	var unmatched []string
	for _, a := range r.axes {
		if other.AxisIndex(a) < 0 {
			unmatched = append(unmatched, a)
		}
	}
	if len(unmatched) == 1 {
		return unmatched[0], nil
	}
	// Rank heuristic: a source one rank below the destination extends the
	// outermost axis with whole rows.
	if other.Rank() == r.Rank()-1 {
		return r.axes[0], nil
	}
	return r.axes[len(r.axes)-1], nil
}

// appendOuterAxis handles the non-last-axis regime: each chunk of other's
// leaves becomes one new row along the target axis.
func (r *Reference) appendOuterAxis(other *Reference, axis string) (*Reference, error) {
	// Canonicalize with the target axis first.
	order := []string{axis}
	for _, a := range r.axes {
		if a != axis {
			order = append(order, a)
		}
	}
	t, err := r.Transpose(order)
	if err != nil {
		return nil, err
	}
	rowShape := t.shape[1:]
	rowSize := 1
	for _, d := range rowShape {
		rowSize *= d
	}
	if rowSize == 0 {
		return nil, fmt.Errorf("append target axis %q has empty row shape", axis)
	}

	leaves := flattenLeaves(other.data)
	var rows []interface{}
	for start := 0; start < len(leaves); start += rowSize {
		chunk := make([]interface{}, rowSize)
		for i := range chunk {
			if start+i < len(leaves) {
				chunk[i] = leaves[start+i]
			} else {
				chunk[i] = SkipValue
			}
		}
		rows = append(rows, reshape(chunk, rowShape))
	}

	data := append(deepCopy(t.data).([]interface{}), rows...)
	shape := append([]int{len(data)}, rowShape...)
	out := &Reference{axes: order, shape: shape, data: data}
	return out.Transpose(r.axes)
}

// appendLastAxis handles the last-axis regime.
func (r *Reference) appendLastAxis(other *Reference, axis string) (*Reference, error) {
	restAxes := r.axes[:len(r.axes)-1]
	if matchesRest(other, restAxes, r.shape[:len(r.shape)-1], axis) {
		return r.appendElementwise(other, axis, restAxes)
	}
	return r.appendBroadcast(other, axis)
}

// matchesRest reports whether other's non-target axes match the destination's
// leading axes by name and size.
func matchesRest(other *Reference, restAxes []string, restShape []int, axis string) bool {
	for _, a := range other.axes {
		if a == axis || a == NoneAxis {
			continue
		}
		found := false
		for i, ra := range restAxes {
			if ra == a {
				found = other.AxisSize(a) == restShape[i]
				break
			}
		}
		if !found {
			return false
		}
	}
	// At least one shared axis is required for elementwise concatenation.
	for _, a := range other.axes {
		for _, ra := range restAxes {
			if a == ra {
				return true
			}
		}
	}
	return false
}

func (r *Reference) appendElementwise(other *Reference, axis string, restAxes []string) (*Reference, error) {
	k := other.AxisSize(axis)
	if k < 0 {
		k = 1 // source lacks the target axis: one new cell per row
	}
	outShape := append([]int(nil), r.shape...)
	outShape[len(outShape)-1] += k
	out := &Reference{
		axes:  append([]string(nil), r.axes...),
		shape: outShape,
		data:  newDense(outShape, SkipValue),
	}
	// Copy destination cells.
	r.Each(func(idx []int, v interface{}) {
		out.Set(idx, deepCopy(v))
	})
	// Place source cells after the original extent.
	base := r.shape[len(r.shape)-1]
	eachIndex(out.shape[:len(out.shape)-1], func(rest []int) {
		for j := 0; j < k; j++ {
			src := make([]int, other.Rank())
			for i, a := range other.axes {
				if a == axis {
					src[i] = j
					continue
				}
				if a == NoneAxis {
					src[i] = 0
					continue
				}
				for ri, ra := range restAxes {
					if ra == a {
						src[i] = rest[ri]
						break
					}
				}
			}
			full := append(append([]int(nil), rest...), base+j)
			out.Set(full, deepCopy(other.cell(src)))
		}
	})
	return out, nil
}

func (r *Reference) appendBroadcast(other *Reference, axis string) (*Reference, error) {
	leaves := flattenLeaves(other.data)
	k := len(leaves)
	if k == 0 {
		return r.Clone(), nil
	}
	outShape := append([]int(nil), r.shape...)
	outShape[len(outShape)-1] += k
	out := &Reference{
		axes:  append([]string(nil), r.axes...),
		shape: outShape,
		data:  newDense(outShape, SkipValue),
	}
	r.Each(func(idx []int, v interface{}) {
		out.Set(idx, deepCopy(v))
	})
	base := r.shape[len(r.shape)-1]
	eachIndex(out.shape[:len(out.shape)-1], func(rest []int) {
		for j, leaf := range leaves {
			full := append(append([]int(nil), rest...), base+j)
			out.Set(full, deepCopy(leaf))
		}
	})
	return out, nil
}

// appendIntoEmpty aligns the source onto a destination with zero extent along
// the target axis.
func appendIntoEmpty(r *Reference, other *Reference, axis string) (*Reference, error) {
	if r.Rank() == 1 {
		leaves := flattenLeaves(other.data)
		return FromData(leaves, []string{axis})
	}
	// Rebuild through the outer-axis path: a zero row count means every
	// chunk of the source becomes a fresh row.
	tmp := &Reference{
		axes:  append([]string(nil), r.axes...),
		shape: append([]int(nil), r.shape...),
		data:  deepCopy(r.data).([]interface{}),
	}
	return tmp.appendOuterAxis(other, axis)
}

// flattenLeaves collects the leaf cells of a nested tensor in row-major order.
func flattenLeaves(v interface{}) []interface{} {
	list, ok := v.([]interface{})
	if !ok {
		return []interface{}{v}
	}
	var out []interface{}
	for _, item := range list {
		out = append(out, flattenLeaves(item)...)
	}
	return out
}

// reshape folds a flat list into the given shape.
func reshape(flat []interface{}, shape []int) interface{} {
	if len(shape) == 0 {
		if len(flat) == 0 {
			return SkipValue
		}
		return flat[0]
	}
	if len(shape) == 1 {
		out := make([]interface{}, shape[0])
		for i := range out {
			if i < len(flat) {
				out[i] = flat[i]
			} else {
				out[i] = SkipValue
			}
		}
		return out
	}
	inner := 1
	for _, d := range shape[1:] {
		inner *= d
	}
	out := make([]interface{}, shape[0])
	for i := range out {
		start := i * inner
		end := start + inner
		var chunk []interface{}
		if start < len(flat) {
			if end > len(flat) {
				end = len(flat)
			}
			chunk = flat[start:end]
		}
		out[i] = reshape(chunk, shape[1:])
	}
	return out
}
