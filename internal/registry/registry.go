// Package registry implements the per-process subscription table: subject →
// ordered handler list, with a wildcard key that receives every dispatched
// envelope after the subject-specific handlers.
package registry

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aexowork/fabric/internal/wire"
)

// Wildcard receives every dispatched envelope.
const Wildcard = "*"

// Metadata accompanies each dispatch.
type Metadata struct {
	From               string
	Verified           bool
	Sequence           int64
	ConsensusTimestamp string
}

// Handler processes one envelope. Errors are logged with subject context
// and never propagate to sibling handlers or the monitor loop.
type Handler func(ctx context.Context, env *wire.Envelope, meta Metadata) error

// Registry is append-only during operation; Clear is for teardown.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   zerolog.Logger
}

func New(logger zerolog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string][]Handler),
		logger:   logger.With().Str("component", "registry").Logger(),
	}
}

// Subscribe appends a handler for a subject. Duplicates are allowed; the
// caller owns that discipline.
func (r *Registry) Subscribe(subject string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[subject] = append(r.handlers[subject], h)
}

// Dispatch calls subject-specific handlers first, then wildcard handlers.
// Handlers for one envelope run sequentially so their ordering is
// observable; a failing or panicking handler does not affect its siblings.
func (r *Registry) Dispatch(ctx context.Context, subject string, env *wire.Envelope, meta Metadata) {
	r.mu.RLock()
	specific := append([]Handler{}, r.handlers[subject]...)
	wild := append([]Handler{}, r.handlers[Wildcard]...)
	r.mu.RUnlock()

	for _, h := range specific {
		r.invoke(ctx, h, subject, env, meta)
	}
	for _, h := range wild {
		r.invoke(ctx, h, subject, env, meta)
	}
}

func (r *Registry) invoke(ctx context.Context, h Handler, subject string, env *wire.Envelope, meta Metadata) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("subject", subject).
				Interface("panic_value", rec).
				Str("stack_trace", string(debug.Stack())).
				Msg("Handler panic recovered")
		}
	}()
	if err := h(ctx, env, meta); err != nil {
		r.logger.Error().
			Err(fmt.Errorf("handler: %w", err)).
			Str("subject", subject).
			Str("from", meta.From).
			Msg("Handler returned error")
	}
}

// HasSubscribers reports whether any handler would run for subject.
func (r *Registry) HasSubscribers(subject string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[subject]) > 0 || len(r.handlers[Wildcard]) > 0
}

// Subjects lists subscribed subjects, wildcard included if present.
func (r *Registry) Subjects() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for s := range r.handlers {
		out = append(out, s)
	}
	return out
}

// Clear drops every handler. Teardown only.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string][]Handler)
}
