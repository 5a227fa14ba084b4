// Package blackboard holds the authoritative runtime state of a run:
// concept and item statuses, identity aliases, truth masks, per-item results,
// and the completion ordinals that drive @after timing. All mutations go
// through named mutators so alias propagation and ordinal assignment stay
// coherent.
package blackboard

import (
	"sync"

	"normflow/internal/logging"
	"normflow/internal/reference"
	"normflow/internal/types"
)

// TruthMask is the boolean-valued reference a judgement sequence publishes
// for the judged concept. Timing steps with @if / @if! consume it to inject
// filters into the guarded inference.
type TruthMask struct {
	Mask       *reference.Reference `json:"mask"`
	FilterAxis string               `json:"filter_axis"`
}

// Truth mask literals.
const (
	TruthTrue  = "%{truth value}(true)"
	TruthFalse = "%{truth value}(false)"
)

// Blackboard is the single mutable coordination point of a run.
type Blackboard struct {
	mu sync.RWMutex

	conceptStatuses       map[string]types.ConceptStatus
	itemStatuses          map[string]types.ItemStatus
	itemExecutionCounts   map[string]int
	itemCompletionDetails map[string]string
	itemResults           map[string]interface{}
	completedTimestamps   map[string]int // concept -> completion ordinal
	conceptToFlowIndex    map[string]string
	truthMasks            map[string]*TruthMask

	// identityParents implements a union-find forest over concept names.
	identityParents map[string]string

	nextOrdinal int
}

// New returns an empty blackboard.
func New() *Blackboard {
	return &Blackboard{
		conceptStatuses:       make(map[string]types.ConceptStatus),
		itemStatuses:          make(map[string]types.ItemStatus),
		itemExecutionCounts:   make(map[string]int),
		itemCompletionDetails: make(map[string]string),
		itemResults:           make(map[string]interface{}),
		completedTimestamps:   make(map[string]int),
		conceptToFlowIndex:    make(map[string]string),
		truthMasks:            make(map[string]*TruthMask),
		identityParents:       make(map[string]string),
		nextOrdinal:           1,
	}
}

// canonical follows identity aliases to the canonical concept name.
// Callers must hold the lock.
func (b *Blackboard) canonical(name string) string {
	seen := 0
	for {
		parent, ok := b.identityParents[name]
		if !ok || parent == name {
			return name
		}
		name = parent
		seen++
		if seen > len(b.identityParents)+1 {
			return name // cycle guard; registration prevents cycles
		}
	}
}

// Canonical resolves a concept name through its identity aliases.
func (b *Blackboard) Canonical(name string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.canonical(name)
}

// RegisterIdentity makes alias and canonical refer to the same underlying
// value. Registration is idempotent and transitive: (A,B) then (B,C) makes C
// an alias of A.
func (b *Blackboard) RegisterIdentity(canonical, alias string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rootC := b.canonical(canonical)
	rootA := b.canonical(alias)
	if rootC == rootA {
		return // already identified
	}
	b.identityParents[rootA] = rootC
	// The canonical root inherits the most advanced status of the pair.
	sc := b.conceptStatuses[rootC]
	sa := b.conceptStatuses[rootA]
	if statusRank(sa) > statusRank(sc) {
		b.conceptStatuses[rootC] = sa
		if sa == types.ConceptComplete {
			if _, ok := b.completedTimestamps[rootC]; !ok {
				b.completedTimestamps[rootC] = b.nextOrdinal
				b.nextOrdinal++
			}
		}
	}
	logging.BlackboardDebug("RegisterIdentity: %q <- %q", rootC, rootA)
}

func statusRank(s types.ConceptStatus) int {
	switch s {
	case types.ConceptComplete:
		return 2
	case types.ConceptInProgress:
		return 1
	default:
		return 0
	}
}

// SetConceptStatus records a concept status. Completing a concept assigns
// the next monotonic completion ordinal.
func (b *Blackboard) SetConceptStatus(name string, status types.ConceptStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	root := b.canonical(name)
	b.conceptStatuses[root] = status
	if status == types.ConceptComplete {
		if _, ok := b.completedTimestamps[root]; !ok {
			b.completedTimestamps[root] = b.nextOrdinal
			b.nextOrdinal++
		}
	} else {
		delete(b.completedTimestamps, root)
	}
	logging.BlackboardDebug("SetConceptStatus: %q -> %s", root, status)
}

// GetConceptStatus reads a concept status through identity aliases.
func (b *Blackboard) GetConceptStatus(name string) types.ConceptStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.conceptStatuses[b.canonical(name)]
	if !ok {
		return types.ConceptEmpty
	}
	return s
}

// CompletionOrdinal returns the completion order of a concept (0 if not
// complete). Ordinals are strictly monotonic across the run.
func (b *Blackboard) CompletionOrdinal(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.completedTimestamps[b.canonical(name)]
}

// SetItemStatus records an item status by flow index.
func (b *Blackboard) SetItemStatus(flowIndex string, status types.ItemStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.itemStatuses[flowIndex] = status
	logging.BlackboardDebug("SetItemStatus: %s -> %s", flowIndex, status)
}

// GetItemStatus reads an item status (pending when unknown).
func (b *Blackboard) GetItemStatus(flowIndex string) types.ItemStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.itemStatuses[flowIndex]
	if !ok {
		return types.ItemPending
	}
	return s
}

// IncrementExecutionCount bumps the attempt counter for an item.
func (b *Blackboard) IncrementExecutionCount(flowIndex string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.itemExecutionCounts[flowIndex]++
	return b.itemExecutionCounts[flowIndex]
}

// ExecutionCount reads the attempt counter.
func (b *Blackboard) ExecutionCount(flowIndex string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.itemExecutionCounts[flowIndex]
}

// SetCompletionDetail records detail for a completed item
// (success / condition_not_met).
func (b *Blackboard) SetCompletionDetail(flowIndex, detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.itemCompletionDetails[flowIndex] = detail
}

// CompletionDetail reads the recorded detail.
func (b *Blackboard) CompletionDetail(flowIndex string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.itemCompletionDetails[flowIndex]
}

// StoreResult keeps an opaque result payload per item.
func (b *Blackboard) StoreResult(flowIndex string, result interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.itemResults[flowIndex] = result
}

// Result reads a stored result payload.
func (b *Blackboard) Result(flowIndex string) (interface{}, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.itemResults[flowIndex]
	return r, ok
}

// MapConceptToFlowIndex records the reverse lookup.
func (b *Blackboard) MapConceptToFlowIndex(concept, flowIndex string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conceptToFlowIndex[concept] = flowIndex
}

// FlowIndexFor returns the flow index that infers a concept.
func (b *Blackboard) FlowIndexFor(concept string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fi, ok := b.conceptToFlowIndex[concept]
	return fi, ok
}

// SetTruthMask publishes a judgement's truth mask for the judged concept.
func (b *Blackboard) SetTruthMask(concept string, mask *TruthMask) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.truthMasks[b.canonical(concept)] = mask
	logging.BlackboardDebug("SetTruthMask: %q filter_axis=%s", concept, mask.FilterAxis)
}

// TruthMaskFor reads the truth mask registered for a concept.
func (b *Blackboard) TruthMaskFor(concept string) (*TruthMask, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.truthMasks[b.canonical(concept)]
	return m, ok
}

// ResetItem returns an item to pending and clears its completion detail.
func (b *Blackboard) ResetItem(flowIndex string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.itemStatuses[flowIndex] = types.ItemPending
	delete(b.itemCompletionDetails, flowIndex)
	delete(b.itemResults, flowIndex)
}

// ResetConcept returns a concept to empty and forgets its ordinal.
func (b *Blackboard) ResetConcept(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	root := b.canonical(name)
	b.conceptStatuses[root] = types.ConceptEmpty
	delete(b.completedTimestamps, root)
	delete(b.truthMasks, root)
}

// Snapshot captures the full blackboard state for checkpointing.
type Snapshot struct {
	ConceptStatuses       map[string]types.ConceptStatus `json:"concept_statuses"`
	ItemStatuses          map[string]types.ItemStatus    `json:"item_statuses"`
	ItemExecutionCounts   map[string]int                 `json:"item_execution_counts"`
	ItemCompletionDetails map[string]string              `json:"item_completion_details"`
	ItemResults           map[string]interface{}         `json:"item_results"`
	CompletedTimestamps   map[string]int                 `json:"completed_concept_timestamps"`
	ConceptToFlowIndex    map[string]string              `json:"concept_to_flow_index"`
	IdentityParents       map[string]string              `json:"identity_aliases"`
	TruthMasks            map[string]*TruthMask          `json:"truth_masks"`
	NextOrdinal           int                            `json:"next_ordinal"`
}

// Snapshot returns a deep copy of the current state.
func (b *Blackboard) Snapshot() *Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := &Snapshot{
		ConceptStatuses:       copyMap(b.conceptStatuses),
		ItemStatuses:          copyMap(b.itemStatuses),
		ItemExecutionCounts:   copyMap(b.itemExecutionCounts),
		ItemCompletionDetails: copyMap(b.itemCompletionDetails),
		ItemResults:           copyMap(b.itemResults),
		CompletedTimestamps:   copyMap(b.completedTimestamps),
		ConceptToFlowIndex:    copyMap(b.conceptToFlowIndex),
		IdentityParents:       copyMap(b.identityParents),
		TruthMasks:            copyMap(b.truthMasks),
		NextOrdinal:           b.nextOrdinal,
	}
	return s
}

// Restore replaces the blackboard state from a snapshot.
func (b *Blackboard) Restore(s *Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conceptStatuses = copyMap(s.ConceptStatuses)
	b.itemStatuses = copyMap(s.ItemStatuses)
	b.itemExecutionCounts = copyMap(s.ItemExecutionCounts)
	b.itemCompletionDetails = copyMap(s.ItemCompletionDetails)
	b.itemResults = copyMap(s.ItemResults)
	b.completedTimestamps = copyMap(s.CompletedTimestamps)
	b.conceptToFlowIndex = copyMap(s.ConceptToFlowIndex)
	b.identityParents = copyMap(s.IdentityParents)
	b.truthMasks = copyMap(s.TruthMasks)
	b.nextOrdinal = s.NextOrdinal
	if b.nextOrdinal < 1 {
		b.nextOrdinal = 1
	}
	logging.Blackboard("Blackboard restored: %d concepts, %d items",
		len(b.conceptStatuses), len(b.itemStatuses))
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
