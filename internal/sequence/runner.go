package sequence

import (
	"context"
	"errors"
	"fmt"

	"normflow/internal/blackboard"
	"normflow/internal/events"
	"normflow/internal/logging"
	"normflow/internal/reference"
	"normflow/internal/repo"
	"normflow/internal/syntax"
	"normflow/internal/types"
)

// Runner executes one inference attempt by walking its variant's steps.
type Runner struct {
	Concepts  *repo.ConceptRepo
	Board     *blackboard.Blackboard
	Workspace *syntax.Workspace
	Provider  FunctionProvider
	Emitter   events.Emitter
	Opts      reference.ApplyOptions
}

// Run walks the entry's variant steps in order. NeedsUserInteraction escapes
// to the caller untouched; any other step error yields a failed result.
func (r *Runner) Run(ctx context.Context, entry *repo.InferenceEntry) (*Result, error) {
	steps, ok := Catalog[entry.InferenceSequence]
	if !ok {
		return nil, fmt.Errorf("sequence: unknown variant %q", entry.InferenceSequence)
	}
	emitter := r.Emitter
	if emitter == nil {
		emitter = events.Nop{}
	}
	st := &States{
		Entry:     entry,
		Concepts:  r.Concepts,
		Board:     r.Board,
		Workspace: r.Workspace,
		Provider:  r.Provider,
		Opts:      r.Opts,
	}

	emitter.Emit(events.SequenceStarted, map[string]interface{}{
		"flow_index": entry.FlowIndex(),
		"sequence":   entry.InferenceSequence,
	})
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emitter.Emit(events.StepStarted, map[string]interface{}{
			"flow_index": entry.FlowIndex(),
			"step":       s.Code,
		})
		if err := s.Fn(ctx, st); err != nil {
			var interaction *types.NeedsUserInteraction
			if errors.As(err, &interaction) {
				return nil, err
			}
			logging.SequenceError("%s step %s failed: %v", entry.FlowIndex(), s.Code, err)
			return &Result{Outcome: OutcomeFailed, Err: err}, nil
		}
	}
	res := decide(st)
	emitter.Emit(events.SequenceCompleted, map[string]interface{}{
		"flow_index": entry.FlowIndex(),
		"outcome":    string(res.Outcome),
		"detail":     res.Detail,
	})
	return res, nil
}
