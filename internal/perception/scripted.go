package perception

import (
	"context"
	"fmt"
	"sync"
)

// Scripted replays canned completions in order; tests drive the engine with
// it instead of a live model.
type Scripted struct {
	mu        sync.Mutex
	responses []string
	next      int

	// Calls records every prompt received, for assertions.
	Calls []string
}

// NewScripted returns a client that replays the given responses.
func NewScripted(responses ...string) *Scripted {
	return &Scripted{responses: responses}
}

// Complete implements Client.
func (s *Scripted) Complete(ctx context.Context, prompt string) (string, error) {
	return s.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem implements Client.
func (s *Scripted) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, prompt)
	if s.next >= len(s.responses) {
		return "", fmt.Errorf("scripted client exhausted after %d responses", len(s.responses))
	}
	r := s.responses[s.next]
	s.next++
	return r, nil
}
