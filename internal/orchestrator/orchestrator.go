// Package orchestrator drives the cycle loop: it scans the waitlist in
// order, executes ready items through the sequence runner, tracks progress,
// and persists checkpoints. It is the only component that transitions item
// statuses from the outside.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"normflow/internal/blackboard"
	"normflow/internal/checkpoint"
	"normflow/internal/events"
	"normflow/internal/logging"
	"normflow/internal/reference"
	"normflow/internal/repo"
	"normflow/internal/sequence"
	"normflow/internal/syntax"
	"normflow/internal/types"
)

// Responder is implemented by providers that can accept user responses for
// pending interactions (paradigm.ModelSequenceRunner).
type Responder interface {
	ProvideResponse(interactionID string, value interface{})
}

// Options configures an Orchestrator. Concepts, Inferences and Provider are
// required; everything else has a working default.
type Options struct {
	Concepts   *repo.ConceptRepo
	Inferences *repo.InferenceRepo
	Provider   sequence.FunctionProvider

	Board       *blackboard.Blackboard
	Workspace   *syntax.Workspace
	Checkpoints *checkpoint.Manager
	Emitter     events.Emitter

	RunID     string
	MaxCycles int
	RunMode   types.RunMode
	DevMode   bool
}

// Orchestrator owns one run.
type Orchestrator struct {
	concepts    *repo.ConceptRepo
	inferences  *repo.InferenceRepo
	board       *blackboard.Blackboard
	workspace   *syntax.Workspace
	waitlist    *blackboard.Waitlist
	runner      *sequence.Runner
	provider    sequence.FunctionProvider
	checkpoints *checkpoint.Manager
	emitter     events.Emitter

	runID     string
	maxCycles int
	runMode   types.RunMode

	mu             sync.Mutex
	cycle          int
	inferenceCount int
	stopRequested  bool
	pauseRequested bool
	breakpoints    map[string]bool
	interactions   map[string]*types.NeedsUserInteraction
}

// New assembles an orchestrator over loaded repositories.
func New(opts Options) (*Orchestrator, error) {
	if opts.Concepts == nil || opts.Inferences == nil {
		return nil, fmt.Errorf("orchestrator: concept and inference repos are required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("orchestrator: a function provider is required")
	}
	o := &Orchestrator{
		concepts:     opts.Concepts,
		inferences:   opts.Inferences,
		board:        opts.Board,
		workspace:    opts.Workspace,
		provider:     opts.Provider,
		checkpoints:  opts.Checkpoints,
		emitter:      opts.Emitter,
		runID:        opts.RunID,
		maxCycles:    opts.MaxCycles,
		runMode:      opts.RunMode,
		breakpoints:  map[string]bool{},
		interactions: map[string]*types.NeedsUserInteraction{},
	}
	if o.board == nil {
		o.board = blackboard.New()
	}
	if o.workspace == nil {
		o.workspace = syntax.NewWorkspace()
	}
	if o.emitter == nil {
		o.emitter = events.Nop{}
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	if o.maxCycles <= 0 {
		o.maxCycles = 50
	}
	if o.runMode == "" {
		o.runMode = types.RunModeFast
	}
	o.waitlist = blackboard.NewWaitlist(opts.Inferences)
	o.runner = &sequence.Runner{
		Concepts:  opts.Concepts,
		Board:     o.board,
		Workspace: o.workspace,
		Provider:  opts.Provider,
		Emitter:   o.emitter,
		Opts:      reference.ApplyOptions{DevMode: opts.DevMode},
	}
	return o, nil
}

// RunID returns the run identity.
func (o *Orchestrator) RunID() string { return o.runID }

// Board exposes the run's blackboard (read paths for callers and tests).
func (o *Orchestrator) Board() *blackboard.Blackboard { return o.board }

// Cycle returns the last completed cycle number.
func (o *Orchestrator) Cycle() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cycle
}

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomePaused     Outcome = "paused"
	OutcomeStopped    Outcome = "stopped"
	OutcomeNoProgress Outcome = "no_progress"
	OutcomeCycleCap   Outcome = "cycle_cap"
)

// preseed marks ground concepts with seeded data complete and records the
// concept -> flow index map the timing step consults.
func (o *Orchestrator) preseed() {
	for _, entry := range o.concepts.GetAllConcepts() {
		if entry.IsGround && entry.Reference != nil && entry.Reference.HasData() {
			o.board.SetConceptStatus(entry.Concept.Name, types.ConceptComplete)
		}
	}
	for _, e := range o.inferences.All() {
		if e.ConceptToInfer != "" {
			o.board.MapConceptToFlowIndex(e.ConceptToInfer, e.FlowIndex())
		}
		for _, name := range e.InputConcepts() {
			o.concepts.RecordFlowIndex(name, e.FlowIndex())
		}
	}
}

// Run executes cycles until the run completes, pauses, stops, or hits a
// limit. Run may be called again after a pause or interaction; state carries
// over.
func (o *Orchestrator) Run(ctx context.Context) (Outcome, error) {
	o.mu.Lock()
	o.stopRequested = false
	o.pauseRequested = false
	resuming := o.cycle > 0
	o.mu.Unlock()

	o.preseed()
	if resuming {
		o.emitter.Emit(events.ExecutionResumed, map[string]interface{}{"run_id": o.runID})
	} else {
		o.emitter.Emit(events.ExecutionStarted, map[string]interface{}{"run_id": o.runID})
	}

	for {
		if err := ctx.Err(); err != nil {
			return OutcomeStopped, err
		}
		if o.stopped() {
			o.emitter.Emit(events.ExecutionStopped, map[string]interface{}{"run_id": o.runID})
			return OutcomeStopped, nil
		}
		if o.waitlist.PendingCount(o.board) == 0 {
			o.emitter.Emit(events.ExecutionCompleted, map[string]interface{}{
				"run_id": o.runID, "cycles": o.Cycle(),
			})
			return OutcomeCompleted, nil
		}
		if o.Cycle() >= o.maxCycles {
			o.emitter.Emit(events.ExecutionError, map[string]interface{}{
				"run_id": o.runID, "kind": "cycle_cap",
				"message": fmt.Sprintf("max_cycles %d reached with pending items", o.maxCycles),
			})
			return OutcomeCycleCap, nil
		}

		outcome, attempted, err := o.runCycle(ctx)
		if err != nil {
			return outcome, err
		}
		if outcome != "" {
			return outcome, nil
		}
		if attempted == 0 {
			o.emitter.Emit(events.ExecutionError, map[string]interface{}{
				"run_id": o.runID, "kind": "deadlock",
				"message": "no item ready and none in progress",
			})
			return OutcomeNoProgress, nil
		}
	}
}

// runCycle processes one cycle. A non-empty returned Outcome ends the run.
func (o *Orchestrator) runCycle(ctx context.Context) (Outcome, int, error) {
	o.mu.Lock()
	o.cycle++
	cycle := o.cycle
	o.mu.Unlock()
	logging.Orch("Cycle %d (run=%s, pending=%d)", cycle, o.runID, o.waitlist.PendingCount(o.board))

	ready := o.readyItems()
	attempted := 0

	if o.runMode == types.RunModeSlow && len(ready) > 1 {
		ready = ready[:1]
	}

	if o.runMode == types.RunModeFast {
		batches := disjointBatches(ready)
		for _, batch := range batches {
			outcome, n, err := o.runBatch(ctx, cycle, batch)
			attempted += n
			if outcome != "" || err != nil {
				return outcome, attempted, err
			}
		}
	} else {
		for _, it := range ready {
			if o.stopped() {
				o.emitter.Emit(events.ExecutionStopped, map[string]interface{}{"run_id": o.runID})
				return OutcomeStopped, attempted, nil
			}
			outcome, n, err := o.runBatch(ctx, cycle, []*blackboard.Item{it})
			attempted += n
			if outcome != "" || err != nil {
				return outcome, attempted, err
			}
		}
	}

	o.emitter.Emit(events.ExecutionProgress, map[string]interface{}{
		"run_id": o.runID, "cycle": cycle,
		"attempted": attempted, "pending": o.waitlist.PendingCount(o.board),
	})
	o.saveCheckpoint(cycle)

	if o.paused() {
		o.emitter.Emit(events.ExecutionPaused, map[string]interface{}{"run_id": o.runID})
		return OutcomePaused, attempted, nil
	}
	return "", attempted, nil
}

// readyItems scans the waitlist in order and resolves timing guards: items
// whose guard resolved to condition_not_met complete as skipped here.
func (o *Orchestrator) readyItems() []*blackboard.Item {
	var ready []*blackboard.Item
	for _, it := range o.waitlist.Items() {
		if o.board.GetItemStatus(it.FlowIndex()) != types.ItemPending {
			continue
		}
		if o.waitlist.GuardSkipped(it, o.board, o.inferences) {
			o.board.SetCompletionDetail(it.FlowIndex(), types.DetailConditionNotMet)
			o.board.SetItemStatus(it.FlowIndex(), types.ItemCompleted)
			if it.Entry.ConceptToInfer != "" {
				o.board.SetConceptStatus(it.Entry.ConceptToInfer, types.ConceptComplete)
			}
			o.emitter.Emit(events.InferenceCompleted, map[string]interface{}{
				"flow_index": it.FlowIndex(), "detail": types.DetailConditionNotMet,
			})
			continue
		}
		if o.waitlist.IsReady(it, o.board, o.concepts, o.inferences) {
			ready = append(ready, it)
		}
	}
	return ready
}

// disjointBatches partitions ready items so no batch writes the same concept
// twice; later writers of a shared concept wait for a later batch.
func disjointBatches(items []*blackboard.Item) [][]*blackboard.Item {
	var batches [][]*blackboard.Item
	remaining := items
	for len(remaining) > 0 {
		seen := map[string]bool{}
		var batch, next []*blackboard.Item
		for _, it := range remaining {
			out := it.Entry.ConceptToInfer
			if out != "" && seen[out] {
				next = append(next, it)
				continue
			}
			seen[out] = true
			batch = append(batch, it)
		}
		batches = append(batches, batch)
		remaining = next
	}
	return batches
}

// runBatch executes a set of items with disjoint outputs, concurrently in
// FAST mode. A breakpoint or interaction inside the batch pauses the run.
func (o *Orchestrator) runBatch(ctx context.Context, cycle int, batch []*blackboard.Item) (Outcome, int, error) {
	attempted := 0
	for _, it := range batch {
		if o.hasBreakpoint(it.FlowIndex()) {
			o.emitter.Emit(events.BreakpointHit, map[string]interface{}{"flow_index": it.FlowIndex()})
			o.Pause()
			o.saveCheckpoint(cycle)
			o.emitter.Emit(events.ExecutionPaused, map[string]interface{}{"run_id": o.runID})
			return OutcomePaused, attempted, nil
		}
	}

	if o.runMode == types.RunModeFast && len(batch) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for _, it := range batch {
			it := it
			attempted++
			g.Go(func() error { return o.executeItem(gctx, cycle, it) })
		}
		if err := g.Wait(); err != nil {
			return o.handleItemError(cycle, err, attempted)
		}
		return "", attempted, nil
	}

	for _, it := range batch {
		attempted++
		if err := o.executeItem(ctx, cycle, it); err != nil {
			return o.handleItemError(cycle, err, attempted)
		}
	}
	return "", attempted, nil
}

// handleItemError deals with errors that escape executeItem: an interaction
// pauses the run after an immediate checkpoint; anything else aborts it.
func (o *Orchestrator) handleItemError(cycle int, err error, attempted int) (Outcome, int, error) {
	var interaction *types.NeedsUserInteraction
	if errors.As(err, &interaction) {
		o.mu.Lock()
		o.interactions[interaction.InteractionID] = interaction
		o.mu.Unlock()
		o.saveCheckpoint(cycle)
		o.emitter.Emit(events.ExecutionPaused, map[string]interface{}{
			"run_id":         o.runID,
			"interaction_id": interaction.InteractionID,
			"prompt":         interaction.Prompt,
		})
		return OutcomePaused, attempted, nil
	}
	o.emitter.Emit(events.ExecutionError, map[string]interface{}{
		"run_id": o.runID, "kind": "internal", "message": err.Error(),
	})
	return "", attempted, err
}

// executeItem runs one inference attempt and applies its result to the
// blackboard and repos.
func (o *Orchestrator) executeItem(ctx context.Context, cycle int, it *blackboard.Item) error {
	fi := it.FlowIndex()
	entry := it.Entry
	o.board.SetItemStatus(fi, types.ItemInProgress)
	o.board.IncrementExecutionCount(fi)
	o.bumpInferenceCount()
	o.emitter.Emit(events.InferenceStarted, map[string]interface{}{
		"flow_index": fi, "sequence": entry.InferenceSequence, "cycle": cycle,
	})

	res, err := o.runner.Run(ctx, entry)
	if err != nil {
		// Interaction and cancellation both return the item to pending so
		// the next run retries it.
		o.board.SetItemStatus(fi, types.ItemPending)
		return err
	}

	switch res.Outcome {
	case sequence.OutcomeFailed:
		o.board.SetItemStatus(fi, types.ItemFailed)
		o.recordExecution(cycle, entry, "failed")
		o.emitter.Emit(events.InferenceFailed, map[string]interface{}{
			"flow_index": fi, "kind": "sequence_failure", "message": errString(res.Err),
		})
		logging.OrchError("Item %s failed: %v", fi, res.Err)

	case sequence.OutcomeNeedsRetry:
		o.board.SetItemStatus(fi, types.ItemPending)
		o.recordExecution(cycle, entry, "needs_retry")
		o.emitter.Emit(events.InferenceRetry, map[string]interface{}{"flow_index": fi})

	default: // completed
		// Detail lands before the status flip so a concurrent timing item
		// never observes a completed item without its detail.
		o.board.SetCompletionDetail(fi, res.Detail)
		o.board.SetItemStatus(fi, types.ItemCompleted)
		if res.Annotated != nil {
			o.board.StoreResult(fi, res.Annotated)
		}
		if entry.ConceptToInfer != "" && entry.InferenceSequence != "timing" {
			o.board.SetConceptStatus(entry.ConceptToInfer, types.ConceptComplete)
		}
		o.recordExecution(cycle, entry, "completed")
		o.emitter.Emit(events.InferenceCompleted, map[string]interface{}{
			"flow_index": fi, "detail": res.Detail,
		})
	}
	return nil
}

func (o *Orchestrator) bumpInferenceCount() {
	o.mu.Lock()
	o.inferenceCount++
	o.mu.Unlock()
}

func (o *Orchestrator) recordExecution(cycle int, entry *repo.InferenceEntry, status string) {
	if o.checkpoints == nil {
		return
	}
	if _, err := o.checkpoints.RecordExecution(
		o.runID, cycle, entry.FlowIndex(), entry.InferenceSequence, status, entry.ConceptToInfer); err != nil {
		logging.OrchWarn("Recording execution %s: %v", entry.FlowIndex(), err)
	}
}

// saveCheckpoint writes the current state at (cycle, inference_count).
func (o *Orchestrator) saveCheckpoint(cycle int) {
	if o.checkpoints == nil {
		return
	}
	o.mu.Lock()
	count := o.inferenceCount
	o.mu.Unlock()
	doc := checkpoint.CaptureState(o.concepts, o.inferences, o.board)
	if err := o.checkpoints.SaveCheckpoint(o.runID, cycle, count, doc); err != nil {
		logging.OrchWarn("Saving checkpoint at cycle %d: %v", cycle, err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
