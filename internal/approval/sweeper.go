package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/agentflow/internal/notify"
	"github.com/rendis/agentflow/pkg/schema"
)

// SweeperActor is recorded as the actor of sweeper-driven transitions.
const SweeperActor = "approval-sweeper"

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a 5-field cron expression or a descriptor such as
// "@every 5m" or "@hourly".
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Transitioner moves an instance through the state machine. Implemented by
// the engine.
type Transitioner interface {
	TransitionState(ctx context.Context, instanceID string, to schema.InstanceStatus, actor, reason string) (bool, error)
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	ReminderAfter time.Duration
	TimeoutAfter  time.Duration
	Schedule      string
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Reminded int
	TimedOut int
	Paused   int
	Errors   int
}

// Sweeper periodically escalates stale pending approvals: a reminder once
// past the reminder threshold, then timeout and instance pause past the
// timeout threshold.
type Sweeper struct {
	gate     *Gate
	engine   Transitioner
	notifier *notify.Notifier
	cfg      SweeperConfig
	schedule cron.Schedule
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a Sweeper. It fails on an unparseable schedule or a
// timeout that does not exceed the reminder threshold.
func NewSweeper(gate *Gate, engine Transitioner, notifier *notify.Notifier, cfg SweeperConfig, logger *slog.Logger) (*Sweeper, error) {
	if cfg.TimeoutAfter <= cfg.ReminderAfter {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"approval timeout %s must exceed reminder threshold %s", cfg.TimeoutAfter, cfg.ReminderAfter)
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		gate:     gate,
		engine:   engine,
		notifier: notifier,
		cfg:      cfg,
		schedule: sched,
		logger:   logger,
	}, nil
}

// Run sweeps on schedule until ctx is done. A failing sweep is logged and the
// loop carries on.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("approval sweeper started", slog.String("schedule", s.cfg.Schedule))
	defer s.logger.Info("approval sweeper stopped")

	for {
		now := time.Now()
		wait := s.schedule.Next(now).Sub(now)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		res, err := s.SweepOnce(ctx)
		if err != nil {
			s.logger.Error("approval sweep failed", slog.String("error", err.Error()))
			continue
		}
		if res.Reminded+res.TimedOut+res.Errors > 0 {
			s.logger.Info("approval sweep",
				slog.Int("reminded", res.Reminded),
				slog.Int("timed_out", res.TimedOut),
				slog.Int("paused", res.Paused),
				slog.Int("errors", res.Errors))
		}
	}
}

// Start runs the loop in the background.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("approval sweeper already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = s.Run(runCtx)
	}(s.done)
	return nil
}

// Stop halts a loop started with Start and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

// SweepOnce performs one pass. Only the initial query can fail the pass;
// per-request failures are logged and counted.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	due, err := s.gate.GetTimedOutApprovals(ctx, s.cfg.ReminderAfter, s.cfg.TimeoutAfter)
	if err != nil {
		return res, err
	}

	for _, a := range due.Reminders {
		log := s.logger.With(slog.String("approval_id", a.ID), slog.String("instance_id", a.InstanceID))
		ok, err := s.gate.MarkReminderSent(ctx, a.ID)
		if err != nil {
			res.Errors++
			log.Warn("approval reminder not recorded", slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}
		res.Reminded++
		s.notifier.Send(ctx, schema.NotifyApprovalReminder, map[string]any{
			"instance_id":  a.InstanceID,
			"step_id":      a.StepID,
			"approval_id":  a.ID,
			"requested_at": a.RequestedAt,
		})
	}

	for _, a := range due.TimedOut {
		log := s.logger.With(slog.String("approval_id", a.ID), slog.String("instance_id", a.InstanceID))
		ok, err := s.gate.MarkAsTimedOut(ctx, a.ID)
		if err != nil {
			res.Errors++
			log.Warn("approval timeout not recorded", slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}
		res.TimedOut++

		paused, err := s.engine.TransitionState(ctx, a.InstanceID, schema.InstanceStatusPaused, SweeperActor,
			fmt.Sprintf("approval %s timed out", a.ID))
		switch {
		case err != nil:
			res.Errors++
			log.Warn("instance not paused after approval timeout", slog.String("error", err.Error()))
		case paused:
			res.Paused++
		default:
			log.Info("instance not running, left as is after approval timeout")
		}

		s.notifier.Send(ctx, schema.NotifyApprovalTimeout, map[string]any{
			"instance_id": a.InstanceID,
			"step_id":     a.StepID,
			"approval_id": a.ID,
			"paused":      paused,
		})
	}
	return res, nil
}
