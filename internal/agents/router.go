package agents

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/pkg/schema"
)

// Router maps agent capability ids to handlers. It is safe for concurrent use
// and capabilities may be registered or removed at any time.
type Router struct {
	mu       sync.RWMutex
	caps     map[string]Capability
	breakers *Breakers
	logger   *slog.Logger
}

// NewRouter creates an empty Router whose calls go through per-capability
// circuit breakers configured by cb.
func NewRouter(cb CircuitBreakerConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		caps:     make(map[string]Capability),
		breakers: NewBreakers(cb),
		logger:   logger,
	}
}

// Register adds a capability. Returns a CONFLICT error on a duplicate id.
func (r *Router) Register(c Capability) error {
	if c == nil {
		return schema.NewError(schema.ErrCodeValidation, "capability is nil")
	}
	id := c.ID()
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "capability id is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caps[id]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", id)
	}
	r.caps[id] = c
	return nil
}

// Unregister removes a capability. Reports whether it was present.
func (r *Router) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.caps[id]
	delete(r.caps, id)
	return ok
}

// Get resolves a capability id. Unknown ids return a NOT_FOUND FlowError.
func (r *Router) Get(id string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.caps[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not registered", id)
	}
	return c, nil
}

// Has reports whether a capability is registered.
func (r *Router) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[id]
	return ok
}

// List returns the registered ids, sorted.
func (r *Router) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.caps))
	for id := range r.caps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered capabilities.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}

// Breakers exposes the circuit breaker registry for diagnostics.
func (r *Router) Breakers() *Breakers { return r.breakers }

// Invoke calls c through its circuit breaker. When emit is non-nil the
// streaming variant is used.
//
// A returned error means the agent could not produce a result: an open circuit
// or an error from the capability (AGENT_FAILURE, retryable per
// IsRetryableError), or cancellation (CANCELLED). A non-nil Result may still
// report Success=false.
func (r *Router) Invoke(ctx context.Context, c Capability, ac *AgentContext, emit func(Progress)) (*Result, error) {
	id := c.ID()
	if err := r.breakers.Allow(id); err != nil {
		return nil, err
	}

	// An admitted call always settles its breaker slot, even when the
	// capability panics.
	settled := false
	defer func() {
		if !settled {
			r.breakers.Release(id)
		}
	}()

	var (
		res *Result
		err error
	)
	if emit != nil {
		res, err = c.ExecuteStreaming(ctx, ac, emit)
	} else {
		res, err = c.Execute(ctx, ac)
	}

	if ctxErr := ctx.Err(); ctxErr != nil && (err != nil || res == nil) {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			// The agent ran out of time: that counts against it.
			settled = true
			r.recordFailure(ctx, id)
		}
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "agent %q call cancelled: %s", id, ctxErr).
			WithCause(ctxErr)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, schema.NewErrorf(schema.ErrCodeCancelled, "agent %q call cancelled", id).WithCause(err)
		}
		settled = true
		r.recordFailure(ctx, id)
		fe := schema.NewErrorf(schema.ErrCodeAgentFailure, "agent %q failed: %s", id, err).WithCause(err)
		if IsRetryableError(err) {
			fe.AsRetryable()
		}
		return nil, fe
	}
	settled = true
	if res == nil {
		r.recordFailure(ctx, id)
		return nil, schema.NewErrorf(schema.ErrCodeAgentFailure, "agent %q returned no result", id)
	}
	if !res.Success {
		r.recordFailure(ctx, id)
		return res, nil
	}
	r.breakers.Success(id)
	return res, nil
}

func (r *Router) recordFailure(ctx context.Context, id string) {
	if state := r.breakers.Failure(id); state == CircuitOpen {
		logging.LogWith(ctx, r.logger).Warn("agent circuit open", slog.String("agent", id))
	}
}
