package reference

import "fmt"

// RenameAxis returns a copy with one axis renamed. Shape and data are shared
// structure-copied; the loop bookkeeping in the quantifier relies on this to
// relabel join axes onto concept and loop-base axis names.
func (r *Reference) RenameAxis(old, new string) (*Reference, error) {
	i := r.AxisIndex(old)
	if i < 0 {
		return nil, fmt.Errorf("rename: axis %q not present", old)
	}
	if old == new {
		return r.Clone(), nil
	}
	if r.AxisIndex(new) >= 0 {
		return nil, fmt.Errorf("rename: axis %q already present", new)
	}
	out := r.Clone()
	out.axes[i] = new
	return out, nil
}

// Squeeze drops an axis of extent 1, flattening its dimension into the
// contained cells. Returns the receiver unchanged when the axis is absent,
// has extent != 1, or is the only axis.
func (r *Reference) Squeeze(axis string) *Reference {
	i := r.AxisIndex(axis)
	if i < 0 || r.shape[i] != 1 || r.Rank() == 1 {
		return r
	}
	order := make([]string, 0, r.Rank())
	for _, a := range r.axes {
		if a != axis {
			order = append(order, a)
		}
	}
	order = append(order, axis)
	moved, err := r.Transpose(order)
	if err != nil {
		return r
	}
	out := &Reference{
		axes:  moved.axes[:len(moved.axes)-1],
		shape: moved.shape[:len(moved.shape)-1],
	}
	out.data = newDense(out.shape, SkipValue)
	eachIndex(out.shape, func(idx []int) {
		v := moved.cell(append(append([]int(nil), idx...), 0))
		out.Set(idx, v)
	})
	return out
}
