package syntax

import (
	"fmt"

	"normflow/internal/logging"
	"normflow/internal/reference"
)

// Grouper marker strings.
const (
	GroupAndIn    = "and_in"
	GroupOrAcross = "or_across"
)

// Group combines value references by the marker mode. by_axes names the axes
// that define group identity; all other axes are group content and fold into
// the cells.
func Group(marker string, values []*reference.Reference, byAxes []string) (*reference.Reference, error) {
	switch marker {
	case GroupAndIn:
		return groupAndIn(values, byAxes)
	case GroupOrAcross:
		return groupOrAcross(values, byAxes)
	default:
		return nil, fmt.Errorf("grouper: unknown marker %q", marker)
	}
}

// groupAndIn produces one reference ranging over the identity axes, where
// each cell holds the per-combination tuple of value references restricted
// to that combination. Slicing folds the content axes into cells; the cross
// product then pairs the restricted cells per combination.
func groupAndIn(values []*reference.Reference, byAxes []string) (*reference.Reference, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("grouper: and_in needs at least one value reference")
	}
	sliced := make([]*reference.Reference, len(values))
	for i, v := range values {
		s, err := v.Slice(byAxes...)
		if err != nil {
			return nil, fmt.Errorf("grouper: slicing value %d: %w", i, err)
		}
		sliced[i] = s
	}
	out, err := reference.CrossProduct(sliced)
	if err != nil {
		return nil, fmt.Errorf("grouper: and_in cross product: %w", err)
	}
	logging.SyntaxDebug("Group and_in: %d values by %v -> axes %v", len(values), byAxes, out.Axes())
	return out, nil
}

// groupOrAcross flattens the supplied references along their distinguishing
// axes into a single rank-1 reference of candidate elements. Each sliced cell
// (or raw cell when no by_axes are given) becomes one candidate.
func groupOrAcross(values []*reference.Reference, byAxes []string) (*reference.Reference, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("grouper: or_across needs at least one value reference")
	}
	axis := "element"
	if len(byAxes) > 0 {
		axis = byAxes[0]
	}
	var elements []interface{}
	for i, v := range values {
		restricted := v
		if len(byAxes) > 0 {
			s, err := v.Slice(byAxes...)
			if err != nil {
				return nil, fmt.Errorf("grouper: slicing value %d: %w", i, err)
			}
			restricted = s
		}
		restricted.Each(func(idx []int, cell interface{}) {
			if cell == reference.SkipValue {
				return
			}
			elements = append(elements, cell)
		})
	}
	if len(elements) == 0 {
		return reference.Empty(axis), nil
	}
	out, err := reference.FromData(elements, []string{axis})
	if err != nil {
		return nil, err
	}
	logging.SyntaxDebug("Group or_across: %d values -> %d elements on axis %q", len(values), len(elements), axis)
	return out, nil
}
