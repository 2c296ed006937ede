// Package worker holds the action handlers an agent runtime exposes to the scheduler.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentflow/internal/domain"
)

// DefaultTimeout bounds a single handler call when the registry has no explicit deadline.
const DefaultTimeout = 5 * time.Minute

// Parameters are passed through to handlers uninterpreted.
type Parameters map[string]any

// Decode converts p into the handler's own request type via JSON.
func (p Parameters) Decode(v any) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Result is what a handler reports on success. It may be nil.
type Result map[string]any

type Handler interface {
	Handle(ctx context.Context, params Parameters) (Result, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, params Parameters) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, params Parameters) (Result, error) {
	return f(ctx, params)
}

// Registry maps action names to handlers and enforces an execution deadline.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	timeout  time.Duration
}

func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{handlers: make(map[string]Handler), timeout: timeout}
}

func (r *Registry) Register(action string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = h
}

func (r *Registry) Lookup(action string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[action]
	return h, ok
}

// Actions lists registered action names in sorted order.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Timeout() time.Duration { return r.timeout }

// Invoke runs the handler for action under the registry deadline.
// Unknown actions fail with domain.ErrHandlerNotFound; handler errors and
// panics are returned as *domain.ExecutionError.
func (r *Registry) Invoke(ctx context.Context, action string, params map[string]any) (res Result, err error) {
	h, ok := r.Lookup(action)
	if !ok {
		return nil, fmt.Errorf("action %q: %w", action, domain.ErrHandlerNotFound)
	}

	c, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = &domain.ExecutionError{Action: action, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	res, err = h.Handle(c, Parameters(params))
	if err == nil && c.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("execution exceeded %s", r.timeout)
	}
	if err != nil {
		return nil, &domain.ExecutionError{Action: action, Err: err}
	}
	return res, nil
}
