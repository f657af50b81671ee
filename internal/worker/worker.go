// Package worker implements the per-worker claim, fetch, and commit loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/map-harvester/internal/dedupe"
	"github.com/JakeFAU/map-harvester/internal/harvest"
	"github.com/JakeFAU/map-harvester/internal/metrics"
	"github.com/JakeFAU/map-harvester/internal/progress"
)

// State is the worker's position in its loop.
type State int32

// Worker states. Stopped is terminal.
const (
	StateIdle State = iota
	StateClaiming
	StateFetching
	StateCommitting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateClaiming:
		return "claiming"
	case StateFetching:
		return "fetching"
	case StateCommitting:
		return "committing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config controls Worker behavior.
type Config struct {
	// Owner is the lease owner id written on every claim.
	Owner string
	// PollInitial and PollMax bound the empty-queue and backend-retry backoff.
	PollInitial time.Duration
	PollMax     time.Duration
	// BackendRetries is how many times a BackendUnavailableError is retried
	// before the worker gives up and aborts the run.
	BackendRetries int
	// Topic receives UnitCommitted notifications when a publisher is set.
	Topic string
}

const (
	defaultPollInitial = 50 * time.Millisecond
	defaultPollMax     = 2 * time.Second
)

// Deps are the collaborators shared by every worker of a run.
type Deps struct {
	Store     harvest.Store
	Fetcher   harvest.Fetcher
	Limiter   harvest.Limiter
	Filter    *dedupe.Filter
	Publisher harvest.Publisher
	Emitter   progress.Emitter
	Clock     harvest.Clock
	Logger    *zap.Logger
}

// Worker drives units of one run until the run is drained or cancelled.
type Worker struct {
	run    harvest.Run
	deps   Deps
	cfg    Config
	logger *zap.Logger
	state  atomic.Int32
}

// New constructs a Worker for run.
func New(run harvest.Run, deps Deps, cfg Config) *Worker {
	if cfg.PollInitial <= 0 {
		cfg.PollInitial = defaultPollInitial
	}
	if cfg.PollMax < cfg.PollInitial {
		cfg.PollMax = max(defaultPollMax, cfg.PollInitial)
	}
	if cfg.BackendRetries < 0 {
		cfg.BackendRetries = 0
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		run:    run,
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(zap.String("run_id", run.ID), zap.String("worker", cfg.Owner)),
	}
}

// State reports the current loop state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Run loops until the run is drained, the cancellation flag is set, or ctx
// ends. A non-nil error is store-wide and must abort the run.
func (w *Worker) Run(ctx context.Context) error {
	defer w.setState(StateStopped)
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	backoff := w.cfg.PollInitial
	for {
		w.setState(StateIdle)
		if ctx.Err() != nil {
			return nil
		}

		cancelled, err := w.cancelled(ctx)
		if err != nil {
			return w.stop(ctx, err)
		}
		if cancelled {
			w.logger.Debug("run cancelled, worker stopping")
			return nil
		}

		w.setState(StateClaiming)
		var (
			unit    harvest.WorkUnit
			claimed bool
		)
		err = w.withRetry(ctx, "claim unit", func(ctx context.Context) error {
			var err error
			unit, claimed, err = w.deps.Store.ClaimNext(ctx, w.run.ID, w.cfg.Owner, w.run.Params.LeaseDuration)
			return err
		})
		if err != nil {
			return w.stop(ctx, err)
		}

		if !claimed {
			drained, err := w.drained(ctx)
			if err != nil {
				return w.stop(ctx, err)
			}
			if drained {
				return nil
			}
			// Other workers hold live leases; one may fail back to pending.
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, w.cfg.PollMax)
			continue
		}

		released, err := w.process(ctx, unit)
		if err != nil {
			return w.stop(ctx, err)
		}
		if !released {
			backoff = w.cfg.PollInitial
			continue
		}
		// The limiter is saturated; let the other workers spend its tokens.
		if !sleep(ctx, backoff) {
			return nil
		}
		backoff = min(backoff*2, w.cfg.PollMax)
	}
}

// stop swallows errors once ctx has ended.
func (w *Worker) stop(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	w.logger.Error("worker aborting", zap.Error(err))
	return err
}

func (w *Worker) cancelled(ctx context.Context) (bool, error) {
	var run harvest.Run
	err := w.withRetry(ctx, "read run", func(ctx context.Context) error {
		var err error
		run, err = w.deps.Store.GetRun(ctx, w.run.ID)
		return err
	})
	if err != nil {
		return false, err
	}
	return run.Cancelled, nil
}

func (w *Worker) drained(ctx context.Context) (bool, error) {
	var counts harvest.RunCounts
	err := w.withRetry(ctx, "count units", func(ctx context.Context) error {
		var err error
		counts, err = w.deps.Store.Counts(ctx, w.run.ID)
		return err
	})
	if err != nil {
		return false, err
	}
	return counts.Drained(), nil
}

// process reports released when the unit went back to pending untried.
func (w *Worker) process(ctx context.Context, unit harvest.WorkUnit) (released bool, err error) {
	start := w.deps.Clock.Now()
	attempt := unit.Attempts + 1
	w.emit(progress.Event{Stage: progress.StageUnitClaim, Ordinal: unit.Ordinal, Attempt: attempt})

	w.setState(StateFetching)
	if err := w.waitToken(ctx, unit); err != nil {
		if ctx.Err() != nil {
			// The lease lapses and another session reclaims the unit.
			return false, nil
		}
		return true, w.release(ctx, unit, err)
	}
	listings, err := w.fetch(ctx, unit)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, w.fail(ctx, unit, err, start)
	}

	w.setState(StateCommitting)
	return false, w.commit(ctx, unit, listings, start)
}

// waitToken blocks for a rate-limit token only while enough of the lease
// remains to fetch and commit afterwards.
func (w *Worker) waitToken(ctx context.Context, unit harvest.WorkUnit) error {
	if unit.LeaseExpiry.IsZero() {
		return w.deps.Limiter.Wait(ctx)
	}
	p := w.run.Params
	budget := unit.LeaseExpiry.Sub(w.deps.Clock.Now()) - p.FetchTimeout - p.CommitMargin()
	if budget <= 0 {
		return fmt.Errorf("%w: %s of lease left", errNoToken, budget+p.FetchTimeout+p.CommitMargin())
	}
	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	if err := w.deps.Limiter.Wait(waitCtx); err != nil {
		return fmt.Errorf("%w within %s: %w", errNoToken, budget, err)
	}
	return nil
}

var errNoToken = errors.New("no rate-limit token")

// release hands the unit back untried so the attempt budget only counts fetches.
func (w *Worker) release(ctx context.Context, unit harvest.WorkUnit, cause error) error {
	err := w.withRetry(ctx, "release unit", func(ctx context.Context) error {
		return w.deps.Store.ReleaseUnit(ctx, w.run.ID, unit.Ordinal, w.cfg.Owner)
	})
	if errors.Is(err, harvest.ErrStaleLease) {
		w.stale(unit, err)
		return nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	w.logger.Debug("unit released", zap.Int64("ordinal", unit.Ordinal), zap.Error(cause))
	w.emit(progress.Event{
		Stage:   progress.StageUnitRelease,
		Ordinal: unit.Ordinal,
		Attempt: unit.Attempts + 1,
		Note:    cause.Error(),
	})
	return nil
}

func (w *Worker) fetch(ctx context.Context, unit harvest.WorkUnit) ([]harvest.RawListing, error) {
	timeout := w.run.Params.FetchTimeout
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	began := time.Now()
	listings, err := w.deps.Fetcher.Fetch(fetchCtx, harvest.FetchRequest{
		RunID:    w.run.ID,
		Ordinal:  unit.Ordinal,
		City:     unit.City,
		Request:  unit.Request,
		Category: unit.Category,
		Timeout:  timeout,
	})
	outcome := "ok"
	switch {
	case err == nil:
	case harvest.IsPermanent(err):
		outcome = "permanent"
	default:
		outcome = "transient"
	}
	metrics.ObserveFetch(outcome, time.Since(began))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", unit.Key(), err)
	}
	return listings, nil
}

func (w *Worker) commit(ctx context.Context, unit harvest.WorkUnit, listings []harvest.RawListing, start time.Time) error {
	excludes, _ := w.run.Matrix.ExcludeSet(unit.ExcludeSet)

	var outcome dedupe.Outcome
	err := w.withRetry(ctx, "filter listings", func(ctx context.Context) error {
		var err error
		outcome, err = w.deps.Filter.Process(ctx, listings, excludes, w.run.ID, unit.Ordinal, w.deps.Clock.Now())
		return err
	})
	if err != nil {
		return w.unitOrRunError(ctx, unit, fmt.Errorf("filter listings: %w", err), start)
	}

	var inserted int
	err = w.withRetry(ctx, "complete unit", func(ctx context.Context) error {
		var err error
		inserted, err = w.deps.Store.CompleteUnit(ctx, harvest.Completion{
			RunID:      w.run.ID,
			Ordinal:    unit.Ordinal,
			LeaseOwner: w.cfg.Owner,
			Results:    outcome.Results,
		})
		return err
	})
	if errors.Is(err, harvest.ErrStaleLease) {
		w.stale(unit, err)
		return nil
	}
	if err != nil {
		return w.unitOrRunError(ctx, unit, fmt.Errorf("complete unit: %w", err), start)
	}

	stats := outcome.Stats
	metrics.ObserveDropped("excluded", stats.Excluded)
	metrics.ObserveDropped("duplicate", stats.Duplicates())
	metrics.ObserveDropped("invalid", stats.Invalid)
	// Kept listings can lose an insert race to a concurrent unit of the same run.
	dropped := stats.Excluded + stats.Duplicates() + stats.Invalid + (stats.Kept - inserted)
	w.emit(progress.Event{
		Stage:    progress.StageUnitDone,
		Ordinal:  unit.Ordinal,
		Attempt:  unit.Attempts + 1,
		Inserted: inserted,
		Dropped:  dropped,
		Dur:      w.since(start),
	})
	w.publish(ctx, unit, outcome, inserted)
	return nil
}

// unitOrRunError aborts the run on store-wide errors and charges anything
// else, such as a row the backend rejects, to the unit.
func (w *Worker) unitOrRunError(ctx context.Context, unit harvest.WorkUnit, err error, start time.Time) error {
	if ctx.Err() != nil || storeWide(err) {
		return err
	}
	return w.fail(ctx, unit, err, start)
}

func storeWide(err error) bool {
	return harvest.IsFatal(err) ||
		errors.Is(err, harvest.ErrBackendUnavailable) ||
		errors.Is(err, harvest.ErrRunNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (w *Worker) fail(ctx context.Context, unit harvest.WorkUnit, cause error, start time.Time) error {
	permanent := harvest.IsPermanent(cause)
	var status harvest.UnitStatus
	err := w.withRetry(ctx, "fail unit", func(ctx context.Context) error {
		var err error
		status, err = w.deps.Store.FailUnit(ctx, harvest.Failure{
			RunID:       w.run.ID,
			Ordinal:     unit.Ordinal,
			LeaseOwner:  w.cfg.Owner,
			Err:         cause.Error(),
			Permanent:   permanent,
			MaxAttempts: w.run.Params.MaxAttempts,
		})
		return err
	})
	if errors.Is(err, harvest.ErrStaleLease) {
		w.stale(unit, err)
		return nil
	}
	if err != nil {
		return err
	}

	stage := progress.StageUnitRetry
	if status == harvest.UnitFailed {
		stage = progress.StageUnitFailed
	}
	w.logger.Debug("unit attempt failed",
		zap.Int64("ordinal", unit.Ordinal),
		zap.Int("attempt", unit.Attempts+1),
		zap.Bool("permanent", permanent),
		zap.String("status", string(status)),
		zap.Error(cause),
	)
	w.emit(progress.Event{
		Stage:   stage,
		Ordinal: unit.Ordinal,
		Attempt: unit.Attempts + 1,
		Dur:     w.since(start),
		Note:    harvest.TruncateError(cause.Error()),
	})
	return nil
}

func (w *Worker) stale(unit harvest.WorkUnit, err error) {
	w.logger.Debug("lease lost, discarding attempt", zap.Int64("ordinal", unit.Ordinal), zap.Error(err))
	w.emit(progress.Event{Stage: progress.StageUnitStale, Ordinal: unit.Ordinal, Attempt: unit.Attempts + 1})
}

func (w *Worker) publish(ctx context.Context, unit harvest.WorkUnit, outcome dedupe.Outcome, inserted int) {
	if w.deps.Publisher == nil || w.cfg.Topic == "" {
		return
	}
	ids := make([]string, 0, len(outcome.Results))
	for _, r := range outcome.Results {
		ids = append(ids, r.Identity)
	}
	msg := harvest.UnitCommitted{
		RunID:       w.run.ID,
		Ordinal:     unit.Ordinal,
		City:        unit.City,
		Request:     unit.Request,
		Category:    unit.Category,
		Identities:  ids,
		Inserted:    inserted,
		Excluded:    outcome.Stats.Excluded,
		Duplicates:  outcome.Stats.Duplicates(),
		CommittedAt: w.deps.Clock.Now(),
	}
	id, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, msg)
	if err != nil {
		metrics.ObservePublish("error")
		w.logger.Warn("publish unit commit failed", zap.Int64("ordinal", unit.Ordinal), zap.Error(err))
		return
	}
	metrics.ObservePublish("ok")
	w.logger.Debug("unit commit published", zap.Int64("ordinal", unit.Ordinal), zap.String("message_id", id))
}

// withRetry runs fn, retrying BackendUnavailableError with backoff.
func (w *Worker) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := w.cfg.PollInitial
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !errors.Is(err, harvest.ErrBackendUnavailable) || attempt >= w.cfg.BackendRetries {
			return err
		}
		w.logger.Warn("store unavailable, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if !sleep(ctx, backoff) {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		backoff = min(backoff*2, w.cfg.PollMax)
	}
}

func (w *Worker) emit(evt progress.Event) {
	evt.RunID = w.run.ID
	evt.TS = w.deps.Clock.Now()
	evt.Worker = w.cfg.Owner
	w.deps.Emitter.Emit(evt)
}

func (w *Worker) since(start time.Time) time.Duration {
	return max(w.deps.Clock.Now().Sub(start), 0)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
