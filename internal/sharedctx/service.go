// Package sharedctx implements the versioned cross-step memory of a workflow
// instance and the policy that shrinks it to fit an agent's token budget.
package sharedctx

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// Options tunes the optimistic retry loop of read-modify-write operations.
type Options struct {
	// MaxAttempts bounds the read-modify-write attempts. Defaults to 3.
	MaxAttempts int
	// Backoff is multiplied by the attempt number between retries. Defaults to 50ms.
	Backoff time.Duration
}

// DefaultOptions returns the default retry settings.
func DefaultOptions() Options {
	return Options{MaxAttempts: 3, Backoff: 50 * time.Millisecond}
}

// Service reads and mutates shared contexts through the store. Every write is
// gated on the version the caller read; nothing is merged silently.
type Service struct {
	store  store.Store
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service. Zero option fields take their defaults.
func NewService(s store.Store, opts Options, logger *slog.Logger) *Service {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, opts: opts, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Get returns the shared context of an instance. An instance that has never
// been written to gets an empty document at version 0.
func (s *Service) Get(ctx context.Context, instanceID string) (*store.SharedContext, error) {
	sc, err := s.store.GetSharedContext(ctx, instanceID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return store.NewSharedContext(instanceID), nil
		}
		return nil, err
	}
	return sc, nil
}

// GetStepOutput returns the recorded output of one step, if any.
func (s *Service) GetStepOutput(ctx context.Context, instanceID, stepID string) (json.RawMessage, bool, error) {
	sc, err := s.Get(ctx, instanceID)
	if err != nil {
		return nil, false, err
	}
	out, ok := sc.StepOutputs[stepID]
	return out, ok, nil
}

// AddStepOutput records output under stepID, moving the step to the end of the
// insertion order. Version conflicts are retried with linear backoff; running
// out of attempts returns a CONFLICT FlowError.
func (s *Service) AddStepOutput(ctx context.Context, instanceID, stepID string, output json.RawMessage, actor string) (*store.SharedContext, error) {
	if stepID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "step id is required")
	}
	if !json.Valid(output) {
		return nil, schema.NewError(schema.ErrCodeValidation, "step output is not valid JSON").WithStep(stepID)
	}
	return s.mutate(ctx, instanceID, actor, func(sc *store.SharedContext) {
		cp := make(json.RawMessage, len(output))
		copy(cp, output)
		sc.StepOutputs[stepID] = cp
		sc.StepOrder = moveToEnd(sc.StepOrder, stepID)
	})
}

// AddDecision appends to the decision history.
func (s *Service) AddDecision(ctx context.Context, instanceID string, d store.Decision, actor string) (*store.SharedContext, error) {
	if d.Timestamp.IsZero() {
		d.Timestamp = s.now()
	}
	return s.mutate(ctx, instanceID, actor, func(sc *store.SharedContext) {
		sc.DecisionHistory = append(sc.DecisionHistory, d)
	})
}

// SetPreference sets one user preference.
func (s *Service) SetPreference(ctx context.Context, instanceID, key string, value any, actor string) (*store.SharedContext, error) {
	return s.mutate(ctx, instanceID, actor, func(sc *store.SharedContext) {
		sc.UserPreferences[key] = value
	})
}

// AddArtifact records a named artifact reference.
func (s *Service) AddArtifact(ctx context.Context, instanceID, name, ref, actor string) (*store.SharedContext, error) {
	return s.mutate(ctx, instanceID, actor, func(sc *store.SharedContext) {
		sc.ArtifactReferences[name] = ref
	})
}

// Update writes sc if the stored document is still at expectedVersion. A
// mismatch returns false with no error so the caller can reload and retry.
func (s *Service) Update(ctx context.Context, sc *store.SharedContext, expectedVersion int64) (bool, error) {
	if sc == nil || sc.InstanceID == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "shared context requires an instance id")
	}
	sc.LastModifiedAt = s.now()
	ok, err := s.store.SaveSharedContext(ctx, sc, expectedVersion)
	if err != nil {
		return false, schema.NewError(schema.ErrCodeStore, "save shared context").WithCause(err)
	}
	return ok, nil
}

func (s *Service) mutate(ctx context.Context, instanceID, actor string, apply func(*store.SharedContext)) (*store.SharedContext, error) {
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		sc, err := s.Get(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		expected := sc.Version
		apply(sc)
		sc.LastModifiedBy = actor

		ok, err := s.Update(ctx, sc, expected)
		if err != nil {
			return nil, err
		}
		if ok {
			return sc, nil
		}

		logging.LogWith(logging.WithInstanceID(ctx, instanceID), s.logger).Debug("shared context version conflict",
			slog.Int64("expected_version", expected),
			slog.Int("attempt", attempt))

		if attempt < s.opts.MaxAttempts {
			if err := sleep(ctx, time.Duration(attempt)*s.opts.Backoff); err != nil {
				return nil, schema.NewError(schema.ErrCodeCancelled, "shared context update cancelled").WithCause(err)
			}
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeConflict,
		"shared context of instance %s changed concurrently %d times", instanceID, s.opts.MaxAttempts)
}

func moveToEnd(order []string, id string) []string {
	out := make([]string, 0, len(order)+1)
	for _, o := range order {
		if o != id {
			out = append(out, o)
		}
	}
	return append(out, id)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
