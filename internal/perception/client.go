// Package perception holds the LLM client used by model-backed paradigm
// affordances: a narrow completion interface, a Gemini HTTP implementation,
// and a scripted client for tests.
package perception

import "context"

// Client is the completion surface paradigm affordances call.
type Client interface {
	// Complete sends a single-turn prompt and returns the model text.
	Complete(ctx context.Context, prompt string) (string, error)
	// CompleteWithSystem sends a prompt under a system instruction.
	CompleteWithSystem(ctx context.Context, system, prompt string) (string, error)
}
