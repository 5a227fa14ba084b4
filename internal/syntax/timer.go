package syntax

import (
	"fmt"
	"strings"

	"normflow/internal/blackboard"
	"normflow/internal/logging"
	"normflow/internal/types"
)

// Timing condition kinds.
const (
	CondAfter = "after"
	CondIf    = "if"
	CondIfNot = "if!"
)

// Condition is one parsed timing condition.
type Condition struct {
	Kind    string
	Concept string
}

// ParseCondition parses "@after C", "@if C", or "@if! C".
func ParseCondition(raw string) (Condition, error) {
	s := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(s, "@after "):
		return Condition{Kind: CondAfter, Concept: strings.TrimSpace(s[len("@after "):])}, nil
	case strings.HasPrefix(s, "@if! "):
		return Condition{Kind: CondIfNot, Concept: strings.TrimSpace(s[len("@if! "):])}, nil
	case strings.HasPrefix(s, "@if "):
		return Condition{Kind: CondIf, Concept: strings.TrimSpace(s[len("@if "):])}, nil
	default:
		return Condition{}, fmt.Errorf("timer: unparseable timing condition %q", raw)
	}
}

// TimingResult is the outcome of evaluating a condition: Ready means the
// guarded parent can proceed (or be skipped); Skipped means the parent's
// condition was not met.
type TimingResult struct {
	Ready   bool
	Skipped bool
}

// Evaluate checks a condition against the blackboard and, for ready &
// not-skipped @if / @if! conditions with a registered truth mask, injects a
// filter instruction into the workspace under the parent's flow index.
func Evaluate(cond Condition, board *blackboard.Blackboard, ws *Workspace, parentFlowIndex string) (TimingResult, error) {
	switch cond.Kind {
	case CondAfter:
		ready := board.GetConceptStatus(cond.Concept) == types.ConceptComplete
		return TimingResult{Ready: ready}, nil
	case CondIf, CondIfNot:
		res, ok := detailResult(cond, board)
		if !ok {
			return TimingResult{}, nil // judged item still pending
		}
		if res.Ready && !res.Skipped {
			injectFilter(cond, board, ws, parentFlowIndex)
		}
		return res, nil
	default:
		return TimingResult{}, fmt.Errorf("timer: unknown condition kind %q", cond.Kind)
	}
}

// detailResult maps the judged item's completion detail onto readiness.
func detailResult(cond Condition, board *blackboard.Blackboard) (TimingResult, bool) {
	fi, ok := board.FlowIndexFor(board.Canonical(cond.Concept))
	if !ok {
		fi, ok = board.FlowIndexFor(cond.Concept)
	}
	if !ok {
		return TimingResult{}, false
	}
	if board.GetItemStatus(fi) != types.ItemCompleted {
		return TimingResult{}, false
	}
	var r TimingResult
	switch board.CompletionDetail(fi) {
	case types.DetailSuccess:
		r = TimingResult{Ready: true, Skipped: false}
	case types.DetailConditionNotMet:
		r = TimingResult{Ready: true, Skipped: true}
	default:
		return TimingResult{}, false
	}
	if cond.Kind == CondIfNot {
		r.Skipped = !r.Skipped
	}
	return r, true
}

func injectFilter(cond Condition, board *blackboard.Blackboard, ws *Workspace, parentFlowIndex string) {
	mask, ok := board.TruthMaskFor(cond.Concept)
	if !ok || mask.FilterAxis == "" {
		return
	}
	ws.AppendFilter(parentFlowIndex, FilterSpec{
		Concept: cond.Concept,
		Mask:    mask,
		Negate:  cond.Kind == CondIfNot,
	})
	logging.SyntaxDebug("Timer: injected filter for parent %s from %q (negate=%v)",
		parentFlowIndex, cond.Concept, cond.Kind == CondIfNot)
}
