// Package dispatcher runs a fixed pool of workers against one run and owns the
// run lock for the lifetime of that pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/map-harvester/internal/dedupe"
	"github.com/JakeFAU/map-harvester/internal/harvest"
	"github.com/JakeFAU/map-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/map-harvester/internal/progress"
	"github.com/JakeFAU/map-harvester/internal/worker"
)

// Outcome is how a dispatcher session ended.
type Outcome string

// Session outcomes.
const (
	OutcomeDone        Outcome = "done"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeAborted     Outcome = "aborted"
	OutcomeInterrupted Outcome = "interrupted"
)

// Summary reports a finished session.
type Summary struct {
	RunID   string            `json:"run_id"`
	Outcome Outcome           `json:"outcome"`
	Counts  harvest.RunCounts `json:"counts"`
	Error   string            `json:"error,omitempty"`
}

// Config controls worker pacing and lock upkeep.
type Config struct {
	PollInitial    time.Duration
	PollMax        time.Duration
	BackendRetries int
	LockTTL        time.Duration
	Topic          string
}

const (
	defaultLockTTL = 30 * time.Second
	releaseTimeout = 5 * time.Second
)

// LimiterFactory builds the shared rate limiter for a run.
type LimiterFactory func(params harvest.RunParams) harvest.Limiter

// Deps are the process-wide collaborators.
type Deps struct {
	Store      harvest.Store
	Fetcher    harvest.Fetcher
	Publisher  harvest.Publisher
	Emitter    progress.Emitter
	Clock      harvest.Clock
	Logger     *zap.Logger
	NewLimiter LimiterFactory
}

// Dispatcher fans a run out to Concurrency workers.
type Dispatcher struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(deps Deps, cfg Config) *Dispatcher {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	if deps.NewLimiter == nil {
		deps.NewLimiter = RunLimiter
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Dispatcher{deps: deps, cfg: cfg, logger: deps.Logger}
}

// RunLimiter is the default LimiterFactory: one token bucket per run.
func RunLimiter(params harvest.RunParams) harvest.Limiter {
	return ratelimit.New(ratelimit.Config{RequestsPerSecond: params.RequestsPerSecond, Burst: params.Burst})
}

// LockTTL is the run lock lease the dispatcher keeps refreshed.
func (d *Dispatcher) LockTTL() time.Duration {
	return d.cfg.LockTTL
}

// Run drives run until it drains, is cancelled, or a worker hits a fatal
// store error. The caller must already hold the run lock as lockOwner; Run
// refreshes it while workers are alive and releases it before returning.
func (d *Dispatcher) Run(ctx context.Context, run harvest.Run, filter *dedupe.Filter, lockOwner string) (Summary, error) {
	logger := d.logger.With(zap.String("run_id", run.ID), zap.String("owner", lockOwner))

	limiter := d.deps.NewLimiter(run.Params)
	deps := worker.Deps{
		Store:     d.deps.Store,
		Fetcher:   d.deps.Fetcher,
		Limiter:   limiter,
		Filter:    filter,
		Publisher: d.deps.Publisher,
		Emitter:   d.deps.Emitter,
		Clock:     d.deps.Clock,
		Logger:    d.deps.Logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	var wg sync.WaitGroup
	for i := range run.Params.Concurrency {
		w := worker.New(run, deps, worker.Config{
			Owner:          fmt.Sprintf("%s/w%d", lockOwner, i),
			PollInitial:    d.cfg.PollInitial,
			PollMax:        d.cfg.PollMax,
			BackendRetries: d.cfg.BackendRetries,
			Topic:          d.cfg.Topic,
		})
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			return w.Run(gctx)
		})
	}
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()
	g.Go(func() error {
		return d.heartbeat(gctx, workersDone, run.ID, lockOwner, logger)
	})
	logger.Info("dispatcher started", zap.Int("concurrency", run.Params.Concurrency))
	err := g.Wait()
	d.release(ctx, run.ID, lockOwner, logger)
	return d.finish(ctx, run.ID, err, logger)
}

// heartbeat refreshes the run lock every LockTTL/3 until the workers exit.
// Losing the lock to another owner is fatal.
func (d *Dispatcher) heartbeat(ctx context.Context, done <-chan struct{}, runID, owner string, logger *zap.Logger) error {
	ticker := time.NewTicker(d.cfg.LockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := d.deps.Store.RefreshRunLock(ctx, runID, owner, d.cfg.LockTTL)
			switch {
			case err == nil:
			case errors.Is(err, harvest.ErrAlreadyRunning), errors.Is(err, harvest.ErrRunNotFound):
				return fmt.Errorf("run lock lost: %w", err)
			case ctx.Err() != nil:
				return nil
			default:
				logger.Warn("run lock refresh failed", zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) finish(ctx context.Context, runID string, runErr error, logger *zap.Logger) (Summary, error) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	summary := Summary{RunID: runID}
	stage := progress.StageRunDone
	note := ""
	switch {
	case runErr != nil:
		summary.Outcome = OutcomeAborted
		summary.Error = runErr.Error()
		stage, note = progress.StageRunAbort, harvest.TruncateError(runErr.Error())
	case ctx.Err() != nil:
		summary.Outcome = OutcomeInterrupted
		stage, note = progress.StageRunAbort, "interrupted"
	default:
		summary.Outcome = OutcomeDone
		run, err := d.deps.Store.GetRun(bg, runID)
		if err != nil {
			logger.Warn("read run after dispatch failed", zap.Error(err))
		} else if run.Cancelled {
			summary.Outcome = OutcomeCancelled
			stage = progress.StageRunCancel
		}
	}

	counts, err := d.deps.Store.Counts(bg, runID)
	if err != nil {
		logger.Warn("count units after dispatch failed", zap.Error(err))
	}
	summary.Counts = counts

	d.deps.Emitter.Emit(progress.Event{RunID: runID, TS: d.deps.Clock.Now(), Stage: stage, Note: note})
	logger.Info("dispatcher finished",
		zap.String("outcome", string(summary.Outcome)),
		zap.Int("done", counts.Done),
		zap.Int("failed", counts.Failed),
		zap.Int("pending", counts.Pending),
		zap.Int("results", counts.Results),
	)
	if runErr != nil {
		return summary, runErr
	}
	return summary, nil
}

func (d *Dispatcher) release(ctx context.Context, runID, owner string, logger *zap.Logger) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := d.deps.Store.ReleaseRunLock(bg, runID, owner); err != nil {
		logger.Warn("run lock release failed", zap.Error(err))
	}
}
