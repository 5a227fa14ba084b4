package syntax

import (
	"fmt"

	"normflow/internal/blackboard"
	"normflow/internal/logging"
	"normflow/internal/reference"
)

// Assigner marker strings.
const (
	MarkerIdentity      = "="
	MarkerAbstraction   = "%"
	MarkerSpecification = "."
	MarkerContinuation  = "+"
	MarkerDerelation    = "-"
)

// Assigner implements the five assigning markers against the blackboard and
// the reference algebra.
type Assigner struct {
	Board *blackboard.Blackboard
}

// Identity registers A and B as the same concept. Produces no reference.
func (a *Assigner) Identity(canonical, alias string) {
	a.Board.RegisterIdentity(canonical, alias)
	logging.SyntaxDebug("Assign =: %q == %q", canonical, alias)
}

// Abstraction builds a reference directly from a literal face value: a
// singleton for perceptual-sign strings, a structured reference for
// nested-list literals with caller-supplied axis names.
func (a *Assigner) Abstraction(faceValue interface{}, axisNames []string) (*reference.Reference, error) {
	switch v := faceValue.(type) {
	case string:
		if len(axisNames) == 0 {
			return reference.Singleton(v), nil
		}
		return reference.FromData(v, axisNames)
	case nil:
		return nil, fmt.Errorf("assigner: abstraction needs a face value")
	default:
		if len(axisNames) == 0 {
			return reference.Singleton(v), nil
		}
		return reference.FromData(v, axisNames)
	}
}

// Specification picks the first source reference that carries data, falling
// back to the destination, else an empty reference.
func (a *Assigner) Specification(sources []*reference.Reference, dest *reference.Reference) *reference.Reference {
	for _, s := range sources {
		if s != nil && s.HasData() {
			return s.Clone()
		}
	}
	if dest != nil && dest.HasData() {
		return dest.Clone()
	}
	axis := reference.NoneAxis
	if dest != nil && dest.Rank() > 0 {
		axis = dest.Axes()[0]
	}
	return reference.Empty(axis)
}

// Continuation appends source onto destination along the first of byAxes
// (default: the destination's first axis).
func (a *Assigner) Continuation(dest, src *reference.Reference, byAxes []string) (*reference.Reference, error) {
	axis := ""
	if len(byAxes) > 0 {
		axis = byAxes[0]
	} else if dest.Rank() > 0 {
		axis = dest.Axes()[0]
	}
	return dest.Append(src, axis)
}

// DerelationSpec controls how the derelation closure selects from each
// element.
type DerelationSpec struct {
	Index                 *int
	Key                   string
	Unpack                bool
	UnpackBeforeSelection bool
}

// Derelation applies an element selector across the source. Plain index/key
// selection is pointwise; unpacking flattens the selected lists into sibling
// cells along a new axis which is then elided back into the source layout.
func (a *Assigner) Derelation(source *reference.Reference, spec DerelationSpec, opts reference.ApplyOptions) (*reference.Reference, error) {
	if spec.Unpack || spec.UnpackBeforeSelection {
		fns := buildUnpackActions(source, spec)
		return reference.CrossAction(fns, source, "unpacked", opts)
	}
	fn := func(args []interface{}, _ map[string]int) (interface{}, error) {
		return derelateOne(args[0], spec)
	}
	return reference.ElementAction(fn, []*reference.Reference{source}, opts)
}

// buildUnpackActions wraps the selector as a per-cell action reference for
// cross_action: each cell's selection expands into sibling cells.
func buildUnpackActions(source *reference.Reference, spec DerelationSpec) *reference.Reference {
	action := reference.ActionFunc(func(v interface{}) ([]interface{}, error) {
		if spec.UnpackBeforeSelection {
			items, ok := v.([]interface{})
			if !ok {
				items = []interface{}{v}
			}
			out := make([]interface{}, 0, len(items))
			for _, it := range items {
				sel, err := derelateOne(it, spec)
				if err != nil {
					return nil, err
				}
				out = append(out, sel)
			}
			return out, nil
		}
		sel, err := derelateOne(v, spec)
		if err != nil {
			return nil, err
		}
		if items, ok := sel.([]interface{}); ok {
			return items, nil
		}
		return []interface{}{sel}, nil
	})
	return reference.Singleton(action)
}

// derelateOne selects from a single element by index or key.
func derelateOne(v interface{}, spec DerelationSpec) (interface{}, error) {
	if spec.Index != nil {
		list, ok := v.([]interface{})
		if !ok {
			return nil, fmt.Errorf("assigner: derelation by index on non-list element %T", v)
		}
		i := *spec.Index
		if i < 0 {
			i += len(list)
		}
		if i < 0 || i >= len(list) {
			return nil, fmt.Errorf("assigner: derelation index %d out of range %d", *spec.Index, len(list))
		}
		return list[i], nil
	}
	if spec.Key != "" {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("assigner: derelation by key on non-map element %T", v)
		}
		sel, ok := m[spec.Key]
		if !ok {
			return nil, fmt.Errorf("assigner: derelation key %q absent", spec.Key)
		}
		return sel, nil
	}
	return v, nil
}
