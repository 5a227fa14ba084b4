package orchestrator

import (
	"context"
	"sync"

	"normflow/internal/events"
	"normflow/internal/sequence"
)

// stubProvider serves per-flow-index callables; it also records responses so
// interaction plumbing can be exercised without a real paradigm runner.
type stubProvider struct {
	mu        sync.Mutex
	fns       map[string]sequence.Callable
	def       sequence.Callable
	responses map[string]interface{}
}

func newStubProvider(def sequence.Callable) *stubProvider {
	return &stubProvider{
		fns:       map[string]sequence.Callable{},
		def:       def,
		responses: map[string]interface{}{},
	}
}

func (p *stubProvider) ProvideFunction(_ context.Context, req *sequence.FunctionRequest) (sequence.Callable, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fn, ok := p.fns[req.Entry.FlowIndex()]; ok {
		return fn, nil
	}
	return p.def, nil
}

func (p *stubProvider) ProvideResponse(id string, v interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[id] = v
}

// recorder collects emitted event names in order.
type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) Emit(name string, _ map[string]interface{}) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.names {
		if got == name {
			n++
		}
	}
	return n
}

var _ events.Emitter = (*recorder)(nil)
