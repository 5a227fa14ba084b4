// Package reference implements the N-dimensional tagged tensor that carries
// every concept value in normflow. A Reference is a dense nested-list tensor
// with named axes and a skip sentinel marking missing cells. Combinators are
// pure: they never mutate their operands and they propagate skip values.
package reference

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// SkipValue is the sentinel marking a missing cell. Any combinator operand
// cell equal to SkipValue produces SkipValue in the output.
const SkipValue = "@#SKIP#@"

// NoneAxis is the reserved axis name for singleton references. It is
// transparently elided whenever combined with any other reference.
const NoneAxis = "_none_axis"

// Reference is a dense N-dimensional container with named axes.
type Reference struct {
	axes  []string
	shape []int
	data  []interface{} // nested lists, depth == len(axes)
}

// Serialized is the wire form of a Reference, used by the checkpoint store.
type Serialized struct {
	Axes  []string    `json:"axes"`
	Shape []int       `json:"shape"`
	Data  interface{} `json:"data"`
}

// FromData builds a Reference from nested-list data and axis names.
// Shape is inferred as the maximum extent per axis; ragged data is padded
// with SkipValue. With no axes the value is wrapped as a singleton.
func FromData(data interface{}, axes []string) (*Reference, error) {
	if len(axes) == 0 {
		return Singleton(data), nil
	}
	if err := validateAxes(axes); err != nil {
		return nil, err
	}
	shape := make([]int, len(axes))
	if err := measure(data, 0, shape); err != nil {
		return nil, err
	}
	for i, n := range shape {
		if n <= 0 {
			shape[i] = 0
		}
	}
	padded := pad(data, shape)
	return &Reference{axes: append([]string(nil), axes...), shape: shape, data: padded}, nil
}

// MustFromData is FromData that panics on error; for literals in tests and
// assigner-built abstractions whose shape is known valid.
func MustFromData(data interface{}, axes []string) *Reference {
	r, err := FromData(data, axes)
	if err != nil {
		panic(err)
	}
	return r
}

// Singleton wraps a single value under the reserved NoneAxis.
func Singleton(v interface{}) *Reference {
	return &Reference{
		axes:  []string{NoneAxis},
		shape: []int{1},
		data:  []interface{}{v},
	}
}

// Empty returns a rank-1 reference with zero extent along the given axis.
func Empty(axis string) *Reference {
	return &Reference{axes: []string{axis}, shape: []int{0}, data: []interface{}{}}
}

// Axes returns a copy of the axis names in order.
func (r *Reference) Axes() []string {
	return append([]string(nil), r.axes...)
}

// Shape returns a copy of the extents per axis.
func (r *Reference) Shape() []int {
	return append([]int(nil), r.shape...)
}

// Rank returns the number of axes.
func (r *Reference) Rank() int { return len(r.axes) }

// Size returns the total number of cells.
func (r *Reference) Size() int {
	n := 1
	for _, d := range r.shape {
		n *= d
	}
	return n
}

// IsSingleton reports whether the reference is a NoneAxis wrapper.
func (r *Reference) IsSingleton() bool {
	return len(r.axes) == 1 && r.axes[0] == NoneAxis
}

// HasData reports whether the reference contains at least one non-skip cell.
func (r *Reference) HasData() bool {
	found := false
	r.Each(func(idx []int, v interface{}) {
		if v != SkipValue {
			found = true
		}
	})
	return found
}

// AxisIndex returns the position of the named axis, or -1.
func (r *Reference) AxisIndex(name string) int {
	for i, a := range r.axes {
		if a == name {
			return i
		}
	}
	return -1
}

// AxisSize returns the extent along the named axis, or -1 if absent.
func (r *Reference) AxisSize(name string) int {
	i := r.AxisIndex(name)
	if i < 0 {
		return -1
	}
	return r.shape[i]
}

// Get returns the cell at the given multi-index.
func (r *Reference) Get(idx []int) (interface{}, error) {
	if len(idx) != len(r.shape) {
		return nil, fmt.Errorf("index rank %d does not match reference rank %d", len(idx), len(r.shape))
	}
	cur := interface{}(r.data)
	for d, i := range idx {
		list, ok := cur.([]interface{})
		if !ok {
			return nil, fmt.Errorf("reference data malformed at depth %d", d)
		}
		if i < 0 || i >= len(list) {
			return nil, fmt.Errorf("index %d out of range [0,%d) on axis %q", i, len(list), r.axes[d])
		}
		cur = list[i]
	}
	return cur, nil
}

// cell returns the cell at idx, or SkipValue when out of range.
func (r *Reference) cell(idx []int) interface{} {
	v, err := r.Get(idx)
	if err != nil {
		return SkipValue
	}
	return v
}

// Set mutates the cell at the given multi-index.
func (r *Reference) Set(idx []int, v interface{}) error {
	if len(idx) != len(r.shape) {
		return fmt.Errorf("index rank %d does not match reference rank %d", len(idx), len(r.shape))
	}
	cur := r.data
	for d := 0; d < len(idx)-1; d++ {
		i := idx[d]
		if i < 0 || i >= len(cur) {
			return fmt.Errorf("index %d out of range on axis %q", i, r.axes[d])
		}
		next, ok := cur[i].([]interface{})
		if !ok {
			return fmt.Errorf("reference data malformed at depth %d", d)
		}
		cur = next
	}
	last := idx[len(idx)-1]
	if last < 0 || last >= len(cur) {
		return fmt.Errorf("index %d out of range on axis %q", last, r.axes[len(idx)-1])
	}
	cur[last] = v
	return nil
}

// ReplaceData swaps the backing tensor, re-inferring shape. Axis count must
// match the new data's nesting depth.
func (r *Reference) ReplaceData(data interface{}) error {
	nr, err := FromData(data, r.axes)
	if err != nil {
		return err
	}
	r.shape = nr.shape
	r.data = nr.data
	return nil
}

// Tensor returns the padded nested tensor. With ignoreSkip, skip cells are
// compacted out of the innermost lists.
func (r *Reference) Tensor(ignoreSkip bool) interface{} {
	t := deepCopy(r.data)
	if !ignoreSkip {
		return t
	}
	return compactSkips(t)
}

// Each visits every cell in row-major order.
func (r *Reference) Each(fn func(idx []int, v interface{})) {
	eachIndex(r.shape, func(idx []int) {
		fn(idx, r.cell(idx))
	})
}

// Clone returns a deep copy.
func (r *Reference) Clone() *Reference {
	return &Reference{
		axes:  append([]string(nil), r.axes...),
		shape: append([]int(nil), r.shape...),
		data:  deepCopy(r.data).([]interface{}),
	}
}

// Equal reports tensor equality after aligning axis order. Singleton wrappers
// compare by their contained value.
func (r *Reference) Equal(other *Reference) bool {
	if r == nil || other == nil {
		return r == other
	}
	a, b := r, other
	if a.IsSingleton() && b.IsSingleton() {
		return reflect.DeepEqual(a.data[0], b.data[0])
	}
	if len(a.axes) != len(b.axes) {
		return false
	}
	aligned, err := b.Transpose(a.axes)
	if err != nil {
		return false
	}
	if !reflect.DeepEqual(a.shape, aligned.shape) {
		return false
	}
	return reflect.DeepEqual(a.data, aligned.data)
}

// Serialize converts the reference into its wire form.
func (r *Reference) Serialize() Serialized {
	return Serialized{
		Axes:  r.Axes(),
		Shape: r.Shape(),
		Data:  deepCopy(r.data),
	}
}

// Deserialize reconstructs a Reference from its wire form.
func Deserialize(s Serialized) (*Reference, error) {
	return FromData(s.Data, s.Axes)
}

// MarshalJSON implements json.Marshaler using the wire form.
func (r *Reference) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Serialize())
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Reference) UnmarshalJSON(b []byte) error {
	var s Serialized
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	nr, err := Deserialize(s)
	if err != nil {
		return err
	}
	*r = *nr
	return nil
}

func (r *Reference) String() string {
	return fmt.Sprintf("Reference(axes=%v, shape=%v)", r.axes, r.shape)
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func validateAxes(axes []string) error {
	seen := make(map[string]bool, len(axes))
	for _, a := range axes {
		if a == "" {
			return fmt.Errorf("axis name cannot be empty")
		}
		if seen[a] {
			return fmt.Errorf("duplicate axis name %q", a)
		}
		seen[a] = true
	}
	return nil
}

// measure records the maximum extent per depth into shape.
func measure(data interface{}, depth int, shape []int) error {
	if depth == len(shape) {
		return nil
	}
	list, ok := asList(data)
	if !ok {
		return fmt.Errorf("data nesting shallower than %d axes at depth %d", len(shape), depth)
	}
	if len(list) > shape[depth] {
		shape[depth] = len(list)
	}
	for _, item := range list {
		if err := measure(item, depth+1, shape); err != nil {
			return err
		}
	}
	return nil
}

// pad grows ragged data to the dense shape, filling with SkipValue.
func pad(data interface{}, shape []int) []interface{} {
	return padLevel(data, shape, 0).([]interface{})
}

func padLevel(data interface{}, shape []int, depth int) interface{} {
	if depth == len(shape) {
		return data
	}
	list, _ := asList(data)
	out := make([]interface{}, shape[depth])
	for i := 0; i < shape[depth]; i++ {
		if i < len(list) {
			out[i] = padLevel(list[i], shape, depth+1)
		} else {
			out[i] = skipBlock(shape, depth+1)
		}
	}
	return out
}

// skipBlock builds an all-skip nested tensor for the trailing dims.
func skipBlock(shape []int, depth int) interface{} {
	if depth == len(shape) {
		return SkipValue
	}
	out := make([]interface{}, shape[depth])
	for i := range out {
		out[i] = skipBlock(shape, depth+1)
	}
	return out
}

// asList normalizes []interface{} and other slice kinds into []interface{}.
func asList(data interface{}) ([]interface{}, bool) {
	switch v := data.(type) {
	case []interface{}:
		return v, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(data)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func deepCopy(v interface{}) interface{} {
	list, ok := v.([]interface{})
	if !ok {
		return v
	}
	out := make([]interface{}, len(list))
	for i, item := range list {
		out[i] = deepCopy(item)
	}
	return out
}

// compactSkips removes skip leaves from the innermost lists.
func compactSkips(v interface{}) interface{} {
	list, ok := v.([]interface{})
	if !ok {
		return v
	}
	out := make([]interface{}, 0, len(list))
	for _, item := range list {
		if item == SkipValue {
			continue
		}
		out = append(out, compactSkips(item))
	}
	return out
}

// eachIndex visits every multi-index of shape in row-major order.
func eachIndex(shape []int, fn func(idx []int)) {
	for _, d := range shape {
		if d == 0 {
			return
		}
	}
	idx := make([]int, len(shape))
	for {
		fn(idx)
		d := len(shape) - 1
		for d >= 0 {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
			d--
		}
		if d < 0 {
			return
		}
	}
}

// newDense allocates a nested tensor of the given shape filled with fill.
func newDense(shape []int, fill interface{}) []interface{} {
	if len(shape) == 0 {
		return nil
	}
	out := make([]interface{}, shape[0])
	for i := range out {
		if len(shape) == 1 {
			out[i] = fill
		} else {
			out[i] = newDense(shape[1:], fill)
		}
	}
	return out
}
