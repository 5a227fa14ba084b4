package orchestrator

import (
	"fmt"

	"normflow/internal/events"
	"normflow/internal/logging"
	"normflow/internal/repo"
	"normflow/internal/types"
)

// Stop requests a cooperative halt; checked between items and cycles.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopRequested = true
	o.mu.Unlock()
}

// Pause requests a halt at the end of the current cycle. The run can be
// continued by calling Run again.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	o.pauseRequested = true
	o.mu.Unlock()
}

func (o *Orchestrator) stopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopRequested
}

func (o *Orchestrator) paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pauseRequested
}

// SetBreakpoint pauses the run before the given flow index executes.
func (o *Orchestrator) SetBreakpoint(flowIndex string) {
	o.mu.Lock()
	o.breakpoints[flowIndex] = true
	o.mu.Unlock()
	o.emitter.Emit(events.BreakpointSet, map[string]interface{}{"flow_index": flowIndex})
}

// ClearBreakpoint removes a breakpoint.
func (o *Orchestrator) ClearBreakpoint(flowIndex string) {
	o.mu.Lock()
	delete(o.breakpoints, flowIndex)
	o.mu.Unlock()
	o.emitter.Emit(events.BreakpointCleared, map[string]interface{}{"flow_index": flowIndex})
}

func (o *Orchestrator) hasBreakpoint(flowIndex string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.breakpoints[flowIndex]
}

// PendingInteractions lists interactions awaiting a user response.
func (o *Orchestrator) PendingInteractions() []*types.NeedsUserInteraction {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*types.NeedsUserInteraction, 0, len(o.interactions))
	for _, it := range o.interactions {
		out = append(out, it)
	}
	return out
}

// ProvideResponse forwards a user answer to the provider and clears the
// pending interaction; the blocked item retries on the next Run.
func (o *Orchestrator) ProvideResponse(interactionID string, value interface{}) error {
	responder, ok := o.provider.(Responder)
	if !ok {
		return fmt.Errorf("orchestrator: provider cannot accept responses")
	}
	o.mu.Lock()
	delete(o.interactions, interactionID)
	o.mu.Unlock()
	responder.ProvideResponse(interactionID, value)
	return nil
}

// OverrideValue writes a reference directly onto a concept and marks it
// complete, bypassing inference.
func (o *Orchestrator) OverrideValue(concept string, data interface{}, axes []string) error {
	if err := o.concepts.AddReference(concept, data, axes); err != nil {
		return err
	}
	o.board.SetConceptStatus(concept, types.ConceptComplete)
	o.emitter.Emit(events.ValueOverridden, map[string]interface{}{"concept": concept})
	logging.Orch("Value overridden for %q", concept)
	return nil
}

// PartialReset returns a flow-index subtree to pending and empties the
// concepts it infers, so an edited branch re-runs without restarting the run.
func (o *Orchestrator) PartialReset(flowIndex string) error {
	entry, ok := o.inferences.Get(flowIndex)
	if !ok {
		return fmt.Errorf("orchestrator: unknown flow index %q", flowIndex)
	}
	targets := append([]string{flowIndex}, o.inferences.Descendants(flowIndex)...)
	for _, fi := range targets {
		e, ok := o.inferences.Get(fi)
		if !ok {
			continue
		}
		o.board.ResetItem(fi)
		if e.ConceptToInfer != "" && e.InferenceSequence != "timing" {
			o.board.ResetConcept(e.ConceptToInfer)
			o.concepts.ClearReference(e.ConceptToInfer)
			o.workspace.DropLoop(fi, e.ConceptToInfer)
		}
	}
	o.emitter.Emit(events.ExecutionPartialReset, map[string]interface{}{
		"flow_index": flowIndex, "items": len(targets),
	})
	logging.Orch("Partial reset at %s: %d items (concept %q)", flowIndex, len(targets), entry.ConceptToInfer)
	return nil
}

// ResetItemsForRepoChange is the watcher hook: items whose signature no
// longer matches the live repo are reset along with their concepts.
func (o *Orchestrator) ResetItemsForRepoChange(changed []*repo.InferenceEntry) {
	for _, e := range changed {
		o.board.ResetItem(e.FlowIndex())
		if e.ConceptToInfer != "" && e.InferenceSequence != "timing" {
			o.board.ResetConcept(e.ConceptToInfer)
			o.concepts.ClearReference(e.ConceptToInfer)
		}
	}
	if len(changed) > 0 {
		o.emitter.Emit(events.ExecutionPartialReset, map[string]interface{}{
			"items": len(changed), "reason": "repo_changed",
		})
	}
}
