package checkpoint

import (
	"fmt"
	"sort"

	"normflow/internal/blackboard"
	"normflow/internal/logging"
	"normflow/internal/reference"
	"normflow/internal/repo"
	"normflow/internal/types"
)

// Report summarizes what a reconciliation kept and discarded.
type Report struct {
	RestoredConcepts  []string
	DiscardedConcepts []string
	RestoredItems     []string
	ResetItems        []string
}

// Reconcile applies a loaded StateDoc to live repositories under the given
// policy. With fork set, concept values are restored but item completion is
// not, so every inference re-runs against the restored values.
func Reconcile(mode types.ReconciliationMode, doc *StateDoc, concepts *repo.ConceptRepo, inferences *repo.InferenceRepo, board *blackboard.Blackboard, fork bool) (*Report, error) {
	if doc == nil || doc.Blackboard == nil {
		return nil, fmt.Errorf("checkpoint: state document is empty")
	}
	var rep *Report
	var err error
	switch mode {
	case types.ReconcileOverwrite:
		rep, err = reconcileOverwrite(doc, concepts, board)
	case types.ReconcilePatch:
		rep, err = reconcilePatch(doc, concepts, inferences, board)
	case types.ReconcileFillGaps:
		rep, err = reconcileFillGaps(doc, concepts, board)
	default:
		return nil, fmt.Errorf("checkpoint: unknown reconciliation mode %q", mode)
	}
	if err != nil {
		return nil, err
	}
	if fork {
		forgetItemState(doc, inferences, board, rep)
	}
	sort.Strings(rep.RestoredConcepts)
	sort.Strings(rep.DiscardedConcepts)
	sort.Strings(rep.RestoredItems)
	sort.Strings(rep.ResetItems)
	logging.Checkpoint("Reconciled (%s): %d concepts restored, %d discarded, %d items reset",
		mode, len(rep.RestoredConcepts), len(rep.DiscardedConcepts), len(rep.ResetItems))
	return rep, nil
}

// reconcileOverwrite trusts the snapshot wholesale: the blackboard is
// replaced and every saved reference whose concept still exists is restored.
func reconcileOverwrite(doc *StateDoc, concepts *repo.ConceptRepo, board *blackboard.Blackboard) (*Report, error) {
	rep := &Report{}
	board.Restore(doc.Blackboard)
	for name, ser := range doc.References {
		if _, ok := concepts.GetConcept(name); !ok {
			rep.DiscardedConcepts = append(rep.DiscardedConcepts, name)
			continue
		}
		ref, err := reference.Deserialize(ser)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: restoring reference %q: %w", name, err)
		}
		if err := concepts.SetReference(name, ref); err != nil {
			return nil, err
		}
		rep.RestoredConcepts = append(rep.RestoredConcepts, name)
	}
	for fi := range doc.Blackboard.ItemStatuses {
		rep.RestoredItems = append(rep.RestoredItems, fi)
	}
	return rep, nil
}

// reconcilePatch keeps a saved concept value only when the live repository
// still carries the signature it was computed under; edited concepts come
// back empty and their dependent items re-run.
func reconcilePatch(doc *StateDoc, concepts *repo.ConceptRepo, inferences *repo.InferenceRepo, board *blackboard.Blackboard) (*Report, error) {
	rep := &Report{}
	board.Restore(doc.Blackboard)

	discarded := map[string]bool{}
	for name, savedSig := range doc.ConceptSignatures {
		entry, ok := concepts.GetConcept(name)
		if !ok || entry.Signature != savedSig {
			discarded[name] = true
			continue
		}
		ser, has := doc.References[name]
		if !has {
			continue
		}
		ref, err := reference.Deserialize(ser)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: restoring reference %q: %w", name, err)
		}
		if err := concepts.SetReference(name, ref); err != nil {
			return nil, err
		}
		rep.RestoredConcepts = append(rep.RestoredConcepts, name)
	}
	// A concept saved under a signature the repo no longer has loses its
	// value; the items touching it lose their completion.
	for name := range discarded {
		concepts.ClearReference(name)
		board.ResetConcept(name)
		rep.DiscardedConcepts = append(rep.DiscardedConcepts, name)
		for _, fi := range dependentItems(inferences, name) {
			board.ResetItem(fi)
			rep.ResetItems = append(rep.ResetItems, fi)
		}
	}
	// Items whose own definition changed also re-run.
	for _, e := range inferences.All() {
		saved, had := doc.ItemSignatures[e.FlowIndex()]
		if had && saved == e.Signature {
			rep.RestoredItems = append(rep.RestoredItems, e.FlowIndex())
			continue
		}
		board.ResetItem(e.FlowIndex())
		rep.ResetItems = append(rep.ResetItems, e.FlowIndex())
	}
	return rep, nil
}

// reconcileFillGaps restores saved values only into concepts that currently
// hold nothing; live values and statuses are never disturbed.
func reconcileFillGaps(doc *StateDoc, concepts *repo.ConceptRepo, board *blackboard.Blackboard) (*Report, error) {
	rep := &Report{}
	for name, ser := range doc.References {
		entry, ok := concepts.GetConcept(name)
		if !ok {
			rep.DiscardedConcepts = append(rep.DiscardedConcepts, name)
			continue
		}
		if entry.Reference != nil && entry.Reference.HasData() {
			continue
		}
		ref, err := reference.Deserialize(ser)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: restoring reference %q: %w", name, err)
		}
		if err := concepts.SetReference(name, ref); err != nil {
			return nil, err
		}
		board.SetConceptStatus(name, types.ConceptComplete)
		rep.RestoredConcepts = append(rep.RestoredConcepts, name)
	}
	return rep, nil
}

// forgetItemState drops restored item completion so a forked run re-executes
// every inference against the restored concept values.
func forgetItemState(doc *StateDoc, inferences *repo.InferenceRepo, board *blackboard.Blackboard, rep *Report) {
	seen := map[string]bool{}
	for _, e := range inferences.All() {
		board.ResetItem(e.FlowIndex())
		seen[e.FlowIndex()] = true
	}
	for fi := range doc.Blackboard.ItemStatuses {
		if !seen[fi] {
			board.ResetItem(fi)
		}
	}
	rep.ResetItems = append(rep.ResetItems, rep.RestoredItems...)
	rep.RestoredItems = nil
}

// dependentItems lists flow indices that read or produce the concept.
func dependentItems(inferences *repo.InferenceRepo, concept string) []string {
	var out []string
	for _, e := range inferences.All() {
		if e.ConceptToInfer == concept {
			out = append(out, e.FlowIndex())
			continue
		}
		for _, in := range e.InputConcepts() {
			if in == concept {
				out = append(out, e.FlowIndex())
				break
			}
		}
	}
	return out
}
