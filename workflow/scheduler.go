package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// SweepAction is the outcome of a sweep for one request.
type SweepAction string

const (
	SweepNone      SweepAction = "NONE"
	SweepEscalated SweepAction = "ESCALATED"
	SweepExpired   SweepAction = "EXPIRED"
)

// SweepResult reports what a sweep did to one request.
type SweepResult struct {
	RequestID uint64
	Action    SweepAction
	Err       error
}

// Sweep expires overdue requests and escalates stalled steps as of now.
// Expiry wins over escalation. Failures on one request do not stop the
// sweep; they are reported per result and joined into the returned error.
// Running it twice with the same now changes nothing the second time.
func (e *Engine) Sweep(ctx context.Context, now time.Time) ([]SweepResult, error) {
	active, err := e.store.ListActiveRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active requests: %w", err)
	}

	results := make([]SweepResult, 0, len(active))
	var errs []error
	for _, req := range active {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		res := SweepResult{RequestID: req.ID, Action: SweepNone}
		expired, err := e.Expire(ctx, req.ID, now)
		switch {
		case err != nil:
			res.Err = err
		case expired:
			res.Action = SweepExpired
		default:
			escalated, err := e.Escalate(ctx, req.ID, now)
			if err != nil {
				res.Err = err
			} else if escalated {
				res.Action = SweepEscalated
			}
		}

		if res.Err != nil {
			errs = append(errs, fmt.Errorf("request %d: %w", req.ID, res.Err))
		}
		e.metrics.ObserveSweep(string(res.Action))
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Scheduler runs Sweep periodically and optionally purges old finalized
// requests.
type Scheduler struct {
	engine        *Engine
	name          string
	firstRunDelay time.Duration
	runInterval   time.Duration
	retention     time.Duration
	log           zerolog.Logger
}

// NewScheduler creates a scheduler. A zero retention disables purging.
func NewScheduler(engine *Engine, firstRunDelay, runInterval, retention time.Duration, log zerolog.Logger) *Scheduler {
	const name = "approval-sweeper"
	return &Scheduler{
		engine:        engine,
		name:          name,
		firstRunDelay: firstRunDelay,
		runInterval:   runInterval,
		retention:     retention,
		log:           log.With().Str("worker_name", name).Logger(),
	}
}

// Run blocks until ctx is done, sweeping after firstRunDelay and then every
// runInterval.
func (s *Scheduler) Run(ctx context.Context) {
	period := s.firstRunDelay
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper stopped")
			return
		case <-time.After(period):
			s.runSafely(ctx)
		}
		period = s.runInterval
	}
}

func (s *Scheduler) runSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("panic_stack", string(debug.Stack())).
				Msgf("panic: (%v)", r)
		}
	}()
	s.RunOnce(ctx)
}

// RunOnce performs a single sweep and purge pass.
func (s *Scheduler) RunOnce(ctx context.Context) []SweepResult {
	now := s.engine.now()
	results, err := s.engine.Sweep(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("sweep finished with errors")
	}

	var escalated, expired int
	for _, r := range results {
		switch r.Action {
		case SweepEscalated:
			escalated++
		case SweepExpired:
			expired++
		}
	}
	s.log.Info().
		Int("checked", len(results)).
		Int("escalated", escalated).
		Int("expired", expired).
		Msg("sweep done")

	if s.retention > 0 {
		if _, err := s.engine.PurgeFinalized(ctx, now.Add(-s.retention)); err != nil {
			s.log.Error().Err(err).Msg("purge failed")
		}
	}
	return results
}
