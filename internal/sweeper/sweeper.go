// Package sweeper is the periodic scheduler: it releases rows stranded in processing and
// re-dispatches pending rows whose backoff has elapsed.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/dispatcher"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/metrics"
	"github.com/austindbirch/harbor_dispatch/internal/retry"
	"github.com/austindbirch/harbor_dispatch/internal/store"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
)

type Dispatcher interface {
	Deliver(ctx context.Context, id string) (dispatcher.Outcome, error)
}

// Result summarizes one sweep.
type Result struct {
	Released   int
	Listed     int
	Due        int
	Dispatched int
	Errors     int
}

type Sweeper struct {
	store      store.Store
	dispatcher Dispatcher
	cfg        config.Sweep
	schedule   retry.Schedule
	spec       cron.Schedule
	limiter    *rate.Limiter
	logger     *logging.Logger

	mu   sync.Mutex
	cron *cron.Cron

	// Now is the sweep clock. Defaults to time.Now.
	Now func() time.Time
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New validates cfg and returns a stopped Sweeper.
func New(st store.Store, d Dispatcher, cfg config.Sweep, logger *logging.Logger) (*Sweeper, error) {
	spec, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing sweep schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Sweeper{
		store:      st,
		dispatcher: d,
		cfg:        cfg,
		schedule:   retry.Schedule{Backoff: cfg.BackoffSchedule, JitterPct: cfg.JitterPct},
		spec:       spec,
		limiter:    rate.NewLimiter(limit, cfg.Concurrency),
		logger:     logger,
		Now:        time.Now,
	}, nil
}

// Start runs RunOnce on the configured schedule until Stop. A sweep that is still running
// when the next one is due causes that tick to be skipped.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(s.spec, cron.FuncJob(func() {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Plain().WithError(err).Error("sweep failed")
		}
	}))
	c.Start()
	s.cron = c
	s.logger.Plain().WithField("schedule", s.cfg.Schedule).Info("sweeper started")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "sweeper.run")
	defer span.End()

	var res Result
	now := s.Now()

	if s.cfg.StaleAfter > 0 {
		released, err := s.store.ReleaseStale(ctx, now.Add(-s.cfg.StaleAfter))
		if err != nil {
			metrics.RecordSweep("error", 0)
			tracing.SetSpanError(ctx, err)
			return res, fmt.Errorf("release stale deliveries: %w", err)
		}
		res.Released = len(released)
		for _, r := range released {
			metrics.RecordTransition(string(r.Status))
			s.logger.WithContext(ctx).WithDelivery(r.ID).WithFields(map[string]any{
				"status":   string(r.Status),
				"attempts": r.Attempts,
			}).Warn("released stale processing delivery")
			if r.Status == delivery.StatusFailed {
				metrics.RecordDeadLetter("abandoned")
			}
		}
	}

	rows, err := s.store.ListPending(ctx, s.cfg.BatchSize)
	if err != nil {
		metrics.RecordSweep("error", 0)
		tracing.SetSpanError(ctx, err)
		return res, fmt.Errorf("list pending deliveries: %w", err)
	}
	res.Listed = len(rows)

	var dispatched, failed atomic.Int64
	p := pool.New().WithMaxGoroutines(s.cfg.Concurrency)
	for _, row := range rows {
		if !s.schedule.Due(row.Attempts, row.LastAttemptAt, now) {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		res.Due++
		id := row.ID
		p.Go(func() {
			if _, err := s.dispatcher.Deliver(ctx, id); err != nil {
				failed.Add(1)
				s.logger.WithContext(ctx).WithDelivery(id).WithError(err).Error("sweep dispatch failed")
				return
			}
			dispatched.Add(1)
		})
	}
	p.Wait()

	res.Dispatched = int(dispatched.Load())
	res.Errors = int(failed.Load())
	result := "ok"
	if res.Errors > 0 {
		result = "partial"
	}
	metrics.RecordSweep(result, res.Dispatched)
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"released":   res.Released,
		"listed":     res.Listed,
		"due":        res.Due,
		"dispatched": res.Dispatched,
		"errors":     res.Errors,
	}).Debug("sweep finished")
	return res, ctx.Err()
}
