// Package syntax implements the algorithmic heart of the non-trivial
// sequences: the Grouper, Quantifier, Looper, Assigner, and Timer, plus the
// shared workspace that carries filter injection between timing steps and
// their guarded parents.
package syntax

import (
	"sync"

	"normflow/internal/blackboard"
	"normflow/internal/logging"
	"normflow/internal/reference"
)

const filterKeyPrefix = "__filter__"

// FilterSpec is one injected filter instruction. Negate inverts the mask
// (@if! timing).
type FilterSpec struct {
	Concept string
	Mask    *blackboard.TruthMask
	Negate  bool
}

// Workspace carries transient per-cycle collaboration between steps, keyed
// by flow index to prevent cross-contamination. It also hosts the loop
// subworkspaces so iteration state survives needs_retry round trips.
type Workspace struct {
	mu     sync.Mutex
	values map[string]interface{}
	loops  map[string]*Quantifier
}

// NewWorkspace returns an empty workspace.
func NewWorkspace() *Workspace {
	return &Workspace{
		values: make(map[string]interface{}),
		loops:  make(map[string]*Quantifier),
	}
}

// Set stores an arbitrary value.
func (w *Workspace) Set(key string, v interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.values[key] = v
}

// Get reads a stored value.
func (w *Workspace) Get(key string) (interface{}, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.values[key]
	return v, ok
}

// Delete removes a key.
func (w *Workspace) Delete(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.values, key)
}

// AppendFilter accumulates a filter instruction for the guarded parent.
// Multiple filters on the same parent AND together.
func (w *Workspace) AppendFilter(parentFlowIndex string, f FilterSpec) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := filterKeyPrefix + parentFlowIndex
	var list []FilterSpec
	if v, ok := w.values[key]; ok {
		list = v.([]FilterSpec)
	}
	w.values[key] = append(list, f)
	logging.SyntaxDebug("AppendFilter: parent=%s concept=%s negate=%v",
		parentFlowIndex, f.Concept, f.Negate)
}

// TakeFilters consumes and deletes the filter instructions for a parent.
// The key must not leak to later cycles.
func (w *Workspace) TakeFilters(parentFlowIndex string) []FilterSpec {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := filterKeyPrefix + parentFlowIndex
	v, ok := w.values[key]
	if !ok {
		return nil
	}
	delete(w.values, key)
	return v.([]FilterSpec)
}

// HasFilters reports whether filters are pending for a parent.
func (w *Workspace) HasFilters(parentFlowIndex string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.values[filterKeyPrefix+parentFlowIndex]
	return ok
}

// LoopFor returns (creating on first use) the loop subworkspace for an item.
func (w *Workspace) LoopFor(flowIndex, loopBaseConcept string) *Quantifier {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := flowIndex + "|" + loopBaseConcept
	q, ok := w.loops[key]
	if !ok {
		q = NewQuantifier(loopBaseConcept)
		w.loops[key] = q
	}
	return q
}

// DropLoop discards an item's loop subworkspace (partial reset).
func (w *Workspace) DropLoop(flowIndex, loopBaseConcept string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.loops, flowIndex+"|"+loopBaseConcept)
}

// ApplyFilters rewrites a value reference under the accumulated filters:
// every cell along each filter's axis whose mask position is false becomes a
// skip value. Filters AND together.
func ApplyFilters(ref *reference.Reference, filters []FilterSpec) (*reference.Reference, error) {
	out := ref.Clone()
	for _, f := range filters {
		axis := f.Mask.FilterAxis
		pos := out.AxisIndex(axis)
		if pos < 0 {
			continue // value does not range over the filter axis
		}
		maskPos := f.Mask.Mask.AxisIndex(axis)
		if maskPos < 0 {
			continue
		}
		filtered := out.Clone()
		var applyErr error
		out.Each(func(idx []int, v interface{}) {
			if applyErr != nil {
				return
			}
			maskIdx := make([]int, f.Mask.Mask.Rank())
			for i, a := range f.Mask.Mask.Axes() {
				if a == axis {
					maskIdx[i] = idx[pos]
				}
			}
			mv, err := f.Mask.Mask.Get(maskIdx)
			if err != nil {
				return
			}
			truthy := mv == blackboard.TruthTrue || mv == "true" || mv == true
			if f.Negate {
				truthy = !truthy
			}
			if !truthy {
				applyErr = filtered.Set(idx, reference.SkipValue)
			}
		})
		if applyErr != nil {
			return nil, applyErr
		}
		out = filtered
	}
	return out, nil
}
