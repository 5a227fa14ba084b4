package syntax

import (
	"fmt"
	"reflect"
	"sync"

	"normflow/internal/logging"
	"normflow/internal/reference"
)

// IterationRecord holds the state of one loop iteration: the base element
// being looped over plus every in-loop concept value observed during that
// iteration.
type IterationRecord struct {
	BaseElement *reference.Reference
	InLoop      map[string]*reference.Reference
}

// Quantifier maintains the per-loop subworkspace: a dense map of iteration
// records keyed by the integer loop index. It survives needs_retry round
// trips via the enclosing Workspace.
type Quantifier struct {
	mu sync.Mutex

	LoopBaseConcept string
	records         map[int]*IterationRecord
	nextIndex       int
}

// NewQuantifier returns an empty subworkspace for one loop-base concept.
func NewQuantifier(loopBaseConcept string) *Quantifier {
	return &Quantifier{
		LoopBaseConcept: loopBaseConcept,
		records:         make(map[int]*IterationRecord),
	}
}

// CurrentIndex returns the index the next stored base element will take.
func (q *Quantifier) CurrentIndex() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextIndex
}

// RetrieveNextBaseElement scans toLoop for the next element that is neither
// the current one nor already looped. Returns the element wrapped as a
// singleton reference, the tentative new loop index, and false when the
// traversal is exhausted.
func (q *Quantifier) RetrieveNextBaseElement(toLoop *reference.Reference, current *reference.Reference) (*reference.Reference, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var found *reference.Reference
	toLoop.Each(func(idx []int, cell interface{}) {
		if found != nil || cell == reference.SkipValue {
			return
		}
		el := reference.Singleton(cell)
		if current != nil && current.HasData() && el.Equal(current) {
			return
		}
		if !q.isNewBaseElement(el) {
			return
		}
		found = el
	})
	if found == nil {
		return nil, q.nextIndex, false
	}
	logging.SyntaxDebug("RetrieveNextBaseElement: %s index=%d", q.LoopBaseConcept, q.nextIndex)
	return found, q.nextIndex, true
}

// isNewBaseElement reports whether the element's tensor has not previously
// appeared in the workspace. Callers must hold the lock.
func (q *Quantifier) isNewBaseElement(el *reference.Reference) bool {
	for _, rec := range q.records {
		if rec.BaseElement != nil && tensorEqual(rec.BaseElement, el) {
			return false
		}
	}
	return true
}

func tensorEqual(a, b *reference.Reference) bool {
	return reflect.DeepEqual(a.Tensor(false), b.Tensor(false))
}

// StoreNewBaseElement commits a base element at the next iteration index and
// returns that index.
func (q *Quantifier) StoreNewBaseElement(el *reference.Reference) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.nextIndex
	q.records[idx] = &IterationRecord{
		BaseElement: el.Clone(),
		InLoop:      make(map[string]*reference.Reference),
	}
	q.nextIndex++
	return idx
}

// StoreNewInLoopElement commits an in-loop concept value at the current
// (latest) iteration index.
func (q *Quantifier) StoreNewInLoopElement(conceptName string, ref *reference.Reference) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.nextIndex == 0 {
		return fmt.Errorf("quantifier: no iteration open for in-loop concept %q", conceptName)
	}
	rec := q.records[q.nextIndex-1]
	rec.InLoop[conceptName] = ref.Clone()
	return nil
}

// CheckAllBaseElementsLooped reports whether every non-skip element of
// toLoop has been stored in the workspace.
func (q *Quantifier) CheckAllBaseElementsLooped(toLoop *reference.Reference) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	done := true
	toLoop.Each(func(idx []int, cell interface{}) {
		if !done || cell == reference.SkipValue {
			return
		}
		if q.isNewBaseElement(reference.Singleton(cell)) {
			done = false
		}
	})
	return done
}

// CombineAllLoopedElementsByConcept joins all stored per-iteration values of
// a concept along a new axis, renames the join axis to the concept name, and
// renames the innermost axis to the loop-base axis name.
func (q *Quantifier) CombineAllLoopedElementsByConcept(conceptName, loopBaseAxis string) (*reference.Reference, error) {
	q.mu.Lock()
	refs := make([]*reference.Reference, 0, q.nextIndex)
	for i := 0; i < q.nextIndex; i++ {
		rec, ok := q.records[i]
		if !ok {
			continue
		}
		if v, ok := rec.InLoop[conceptName]; ok {
			refs = append(refs, v)
		}
	}
	q.mu.Unlock()

	if len(refs) == 0 {
		return nil, fmt.Errorf("quantifier: no stored values for concept %q", conceptName)
	}
	joined, err := reference.Join(refs, "__loop_join")
	if err != nil {
		return nil, fmt.Errorf("quantifier: combining %q: %w", conceptName, err)
	}
	out, err := joined.RenameAxis("__loop_join", conceptName)
	if err != nil {
		return nil, err
	}
	if loopBaseAxis != "" && out.Rank() > 1 {
		inner := out.Axes()[out.Rank()-1]
		if inner != conceptName && inner != loopBaseAxis {
			out, err = out.RenameAxis(inner, loopBaseAxis)
			if err != nil {
				return nil, err
			}
		}
	}
	logging.SyntaxDebug("CombineAllLoopedElementsByConcept: %q from %d iterations -> %v",
		conceptName, len(refs), out.Axes())
	return out, nil
}

// BaseElements returns the stored base elements in iteration order.
func (q *Quantifier) BaseElements() []*reference.Reference {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*reference.Reference, 0, q.nextIndex)
	for i := 0; i < q.nextIndex; i++ {
		if rec, ok := q.records[i]; ok {
			out = append(out, rec.BaseElement)
		}
	}
	return out
}

// Looper extends the Quantifier with carry-over retrieval for accumulator
// patterns.
type Looper struct {
	*Quantifier
}

// NewLooper wraps a quantifier subworkspace.
func NewLooper(q *Quantifier) *Looper { return &Looper{Quantifier: q} }

// RetrieveNextInLoopElement returns the value of an in-loop concept from the
// iteration prior to currentLoopIndex, falling back to initial when out of
// range. Only the carry_over mode is defined.
func (l *Looper) RetrieveNextInLoopElement(conceptName, mode string, currentLoopIndex int, initial *reference.Reference) (*reference.Reference, error) {
	if mode != "carry_over" {
		return nil, fmt.Errorf("looper: unknown retrieval mode %q", mode)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := currentLoopIndex - 1
	if rec, ok := l.records[prev]; ok {
		if v, ok := rec.InLoop[conceptName]; ok {
			return v.Clone(), nil
		}
	}
	if initial == nil {
		return nil, fmt.Errorf("looper: no prior value for %q at index %d and no initial reference", conceptName, currentLoopIndex)
	}
	return initial.Clone(), nil
}
