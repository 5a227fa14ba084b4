package blackboard

import (
	"normflow/internal/repo"
	"normflow/internal/types"
)

// Item wraps one InferenceEntry on the waitlist.
type Item struct {
	Entry *repo.InferenceEntry
}

// FlowIndex returns the wrapped entry's flow index.
func (it *Item) FlowIndex() string { return it.Entry.FlowIndex() }

// Waitlist is the ordered container of scheduled items. Order is the
// inference file order; the orchestrator scans it once per cycle.
type Waitlist struct {
	items []*Item
}

// NewWaitlist builds a waitlist from the inference repo in file order.
func NewWaitlist(inferences *repo.InferenceRepo) *Waitlist {
	wl := &Waitlist{}
	for _, e := range inferences.All() {
		wl.items = append(wl.items, &Item{Entry: e})
	}
	return wl
}

// Items returns the scheduled items in order.
func (wl *Waitlist) Items() []*Item {
	return wl.items
}

// Get returns the item for a flow index, if scheduled.
func (wl *Waitlist) Get(flowIndex string) (*Item, bool) {
	for _, it := range wl.items {
		if it.FlowIndex() == flowIndex {
			return it, true
		}
	}
	return nil, false
}

// sequencesWithOptionalInputs declare that readiness does not require every
// input reference to carry data. Assigning handles empty sources itself
// (specification falls back); timing reads only the blackboard.
var sequencesWithOptionalInputs = map[string]bool{
	"assigning": true,
	"timing":    true,
}

// IsReady reports whether every value and context concept of the item is
// complete (through identity aliases) and every input reference has at least
// one non-skip cell, unless the sequence declares inputs optional.
// An item whose timing children are still pending is not ready: timing
// inferences guard their parent.
func (wl *Waitlist) IsReady(it *Item, board *Blackboard, concepts *repo.ConceptRepo, inferences *repo.InferenceRepo) bool {
	entry := it.Entry
	optional := sequencesWithOptionalInputs[entry.InferenceSequence]

	for _, name := range entry.InputConcepts() {
		if board.GetConceptStatus(name) != types.ConceptComplete {
			return false
		}
		if optional {
			continue
		}
		ce, ok := concepts.GetConcept(board.Canonical(name))
		if !ok {
			ce, ok = concepts.GetConcept(name)
		}
		if !ok || ce.Reference == nil || !ce.Reference.HasData() {
			return false
		}
	}

	// Timing children must resolve before the guarded parent runs.
	if entry.InferenceSequence != "timing" {
		for _, child := range inferences.Children(entry.FlowIndex()) {
			if child.InferenceSequence != "timing" {
				continue
			}
			if board.GetItemStatus(child.FlowIndex()) != types.ItemCompleted {
				return false
			}
		}
	}
	return true
}

// GuardSkipped reports whether any completed timing child of the item
// resolved to condition_not_met, in which case the parent is skipped.
func (wl *Waitlist) GuardSkipped(it *Item, board *Blackboard, inferences *repo.InferenceRepo) bool {
	for _, child := range inferences.Children(it.FlowIndex()) {
		if child.InferenceSequence != "timing" {
			continue
		}
		if board.GetItemStatus(child.FlowIndex()) == types.ItemCompleted &&
			board.CompletionDetail(child.FlowIndex()) == types.DetailConditionNotMet {
			return true
		}
	}
	return false
}

// PendingCount returns the number of items not yet completed or failed.
func (wl *Waitlist) PendingCount(board *Blackboard) int {
	n := 0
	for _, it := range wl.items {
		switch board.GetItemStatus(it.FlowIndex()) {
		case types.ItemCompleted, types.ItemFailed:
		default:
			n++
		}
	}
	return n
}
