// Package events defines the engine's event surface: a closed catalog of
// event names and an Emitter interface with channel-backed and no-op
// implementations.
package events

import "time"

// Event names.
const (
	ExecutionLoaded       = "execution:loaded"
	ExecutionStarted      = "execution:started"
	ExecutionPaused       = "execution:paused"
	ExecutionResumed      = "execution:resumed"
	ExecutionStopped      = "execution:stopped"
	ExecutionCompleted    = "execution:completed"
	ExecutionError        = "execution:error"
	ExecutionProgress     = "execution:progress"
	ExecutionReset        = "execution:reset"
	ExecutionPartialReset = "execution:partial_reset"

	InferenceStarted   = "inference:started"
	InferenceCompleted = "inference:completed"
	InferenceFailed    = "inference:failed"
	InferenceRetry     = "inference:retry"

	BreakpointSet     = "breakpoint:set"
	BreakpointCleared = "breakpoint:cleared"
	BreakpointHit     = "breakpoint:hit"

	ValueOverridden = "value:overridden"

	StepStarted       = "step:started"
	SequenceStarted   = "sequence:started"
	SequenceCompleted = "sequence:completed"

	LogEntry          = "log:entry"
	ToolCallStarted   = "tool:call_started"
	ToolCallCompleted = "tool:call_completed"
)

// Event is one emitted occurrence with a free-form payload.
type Event struct {
	Name    string                 `json:"name"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Time    time.Time              `json:"time"`
}

// Emitter receives engine events. Implementations must not block the
// emitting goroutine indefinitely.
type Emitter interface {
	Emit(name string, payload map[string]interface{})
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(string, map[string]interface{}) {}

// Channel forwards events to a buffered channel, dropping when the buffer is
// full so the engine never stalls on a slow consumer.
type Channel struct {
	C chan Event
}

// NewChannel returns a channel emitter with the given buffer size.
func NewChannel(buffer int) *Channel {
	if buffer <= 0 {
		buffer = 256
	}
	return &Channel{C: make(chan Event, buffer)}
}

func (c *Channel) Emit(name string, payload map[string]interface{}) {
	ev := Event{Name: name, Payload: payload, Time: time.Now()}
	select {
	case c.C <- ev:
	default:
	}
}

// Multi fans an event out to several emitters.
type Multi []Emitter

func (m Multi) Emit(name string, payload map[string]interface{}) {
	for _, e := range m {
		e.Emit(name, payload)
	}
}
