// Package coordinator owns the run lifecycle: it creates and seeds runs,
// launches dispatchers, and serves status and operator requests.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/map-harvester/internal/dedupe"
	"github.com/JakeFAU/map-harvester/internal/dispatcher"
	"github.com/JakeFAU/map-harvester/internal/enumerator"
	"github.com/JakeFAU/map-harvester/internal/export"
	"github.com/JakeFAU/map-harvester/internal/harvest"
	"github.com/JakeFAU/map-harvester/internal/progress"
)

// Run states reported by Status.
const (
	StateRunning   = "running"
	StateCancelled = "cancelled"
	StateCompleted = "completed"
	StatePaused    = "paused"
)

// Config holds defaults applied to every run.
type Config struct {
	// Defaults fills zero fields of a StartRequest's params.
	Defaults      harvest.RunParams
	SeedBatchSize int
	Policy        dedupe.Policy
	// OwnerPrefix tags lock owners, typically the hostname.
	OwnerPrefix string
}

const defaultSeedBatchSize = 500

// OwnerGenerator produces unique lock owner ids.
type OwnerGenerator interface {
	NewOwner(prefix string) (string, error)
}

// IDs is what the coordinator needs from an id generator.
type IDs interface {
	harvest.IDGenerator
	OwnerGenerator
}

// Deps are the coordinator's collaborators. Exporter is optional.
type Deps struct {
	Store      harvest.Store
	Dispatcher *dispatcher.Dispatcher
	Hasher     harvest.Hasher
	IDs        IDs
	Clock      harvest.Clock
	Emitter    progress.Emitter
	Exporter   *export.Exporter
	Logger     *zap.Logger
}

// StartRequest describes a new run.
type StartRequest struct {
	Name   string            `json:"name"`
	Matrix harvest.Matrix    `json:"matrix"`
	Params harvest.RunParams `json:"params"`
}

// Status is the aggregate view of a run.
type Status struct {
	Run    harvest.Run       `json:"run"`
	Counts harvest.RunCounts `json:"counts"`
	State  string            `json:"state"`
	// Local is true when this process hosts the run's dispatcher.
	Local bool `json:"local"`
}

type session struct {
	owner   string
	cancel  context.CancelFunc
	done    chan struct{}
	summary dispatcher.Summary
	err     error
}

func (s *session) active() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	baseCtx  context.Context
	stopAll  context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs a Coordinator.
func New(deps Deps, cfg Config) *Coordinator {
	if cfg.SeedBatchSize <= 0 {
		cfg.SeedBatchSize = defaultSeedBatchSize
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		deps:     deps,
		cfg:      cfg,
		logger:   deps.Logger,
		baseCtx:  ctx,
		stopAll:  cancel,
		sessions: make(map[string]*session),
	}
}

func (c *Coordinator) params(p harvest.RunParams) harvest.RunParams {
	d := c.cfg.Defaults
	if p.Concurrency == 0 {
		p.Concurrency = d.Concurrency
	}
	if p.RequestsPerSecond == 0 {
		p.RequestsPerSecond = d.RequestsPerSecond
	}
	if p.Burst == 0 {
		p.Burst = d.Burst
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.LeaseDuration == 0 {
		p.LeaseDuration = d.LeaseDuration
	}
	if p.FetchTimeout == 0 {
		p.FetchTimeout = d.FetchTimeout
	}
	return p
}

func (c *Coordinator) filter(m harvest.Matrix) (*dedupe.Filter, error) {
	f, err := dedupe.New(c.cfg.Policy, c.deps.Hasher, c.deps.Store)
	if err != nil {
		return nil, err
	}
	if err := f.CheckExcludes(m); err != nil {
		return nil, err
	}
	return f, nil
}

// Start validates req, creates and seeds the run, takes the run lock, and
// launches a dispatcher. Nothing is persisted when validation fails.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (harvest.Run, error) {
	params := c.params(req.Params)
	if err := params.Validate(); err != nil {
		return harvest.Run{}, err
	}
	if _, _, err := enumerator.Enumerate(req.Matrix); err != nil {
		return harvest.Run{}, err
	}
	filter, err := c.filter(req.Matrix)
	if err != nil {
		return harvest.Run{}, err
	}

	id, err := c.deps.IDs.NewID()
	if err != nil {
		return harvest.Run{}, fmt.Errorf("generate run id: %w", err)
	}
	run := harvest.Run{
		ID:        id,
		Name:      req.Name,
		Matrix:    req.Matrix,
		Params:    params,
		CreatedAt: c.deps.Clock.Now(),
	}
	if err := c.deps.Store.CreateRun(ctx, run); err != nil {
		return harvest.Run{}, err
	}
	seeded, err := c.seed(ctx, run)
	if err != nil {
		return harvest.Run{}, err
	}
	owner, err := c.acquire(ctx, run.ID)
	if err != nil {
		return harvest.Run{}, err
	}
	c.logger.Info("run created",
		zap.String("run_id", run.ID),
		zap.String("name", run.Name),
		zap.Int("units", seeded),
		zap.Int("concurrency", params.Concurrency),
		zap.Float64("rps", params.RequestsPerSecond),
	)
	c.launch(run, filter, owner, progress.StageRunStart)
	return run, nil
}

// Resume relaunches a dispatcher for an existing run. Done units are never
// re-seeded; pending and expired-claimed units are picked up again.
func (c *Coordinator) Resume(ctx context.Context, runID string) (harvest.Run, error) {
	run, err := c.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return harvest.Run{}, err
	}
	if c.localActive(runID) {
		return harvest.Run{}, &harvest.AlreadyRunningError{RunID: runID, Owner: c.localOwner(runID)}
	}
	filter, err := c.filter(run.Matrix)
	if err != nil {
		return harvest.Run{}, err
	}
	owner, err := c.acquire(ctx, runID)
	if err != nil {
		return harvest.Run{}, err
	}
	release := func() {
		if err := c.deps.Store.ReleaseRunLock(context.WithoutCancel(ctx), runID, owner); err != nil {
			c.logger.Warn("run lock release failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
	if err := c.deps.Store.SetCancelled(ctx, runID, false); err != nil {
		release()
		return harvest.Run{}, err
	}
	// Heals a crash between CreateRun and the last seed batch.
	if _, err := c.seed(ctx, run); err != nil {
		release()
		return harvest.Run{}, err
	}
	run.Cancelled = false
	c.logger.Info("run resumed", zap.String("run_id", runID))
	c.launch(run, filter, owner, progress.StageRunResume)
	return run, nil
}

func (c *Coordinator) seed(ctx context.Context, run harvest.Run) (int, error) {
	seq, _, err := enumerator.Enumerate(run.Matrix)
	if err != nil {
		return 0, err
	}
	inserted := 0
	for batch := range enumerator.Batches(seq, c.cfg.SeedBatchSize) {
		n, err := c.deps.Store.SeedUnits(ctx, run.ID, batch)
		if err != nil {
			return inserted, fmt.Errorf("seed units: %w", err)
		}
		inserted += n
	}
	return inserted, nil
}

func (c *Coordinator) acquire(ctx context.Context, runID string) (string, error) {
	owner, err := c.deps.IDs.NewOwner(c.cfg.OwnerPrefix)
	if err != nil {
		return "", fmt.Errorf("generate lock owner: %w", err)
	}
	if err := c.deps.Store.AcquireRunLock(ctx, runID, owner, c.deps.Dispatcher.LockTTL()); err != nil {
		return "", err
	}
	return owner, nil
}

func (c *Coordinator) launch(run harvest.Run, filter *dedupe.Filter, owner string, stage progress.Stage) {
	ctx, cancel := context.WithCancel(c.baseCtx)
	s := &session{owner: owner, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.sessions[run.ID] = s
	c.mu.Unlock()

	c.deps.Emitter.Emit(progress.Event{RunID: run.ID, TS: c.deps.Clock.Now(), Stage: stage, Worker: owner})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		s.summary, s.err = c.deps.Dispatcher.Run(ctx, run, filter, owner)
		close(s.done)
	}()
}

func (c *Coordinator) session(runID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[runID]
}

func (c *Coordinator) localActive(runID string) bool {
	s := c.session(runID)
	return s != nil && s.active()
}

func (c *Coordinator) localOwner(runID string) string {
	if s := c.session(runID); s != nil {
		return s.owner
	}
	return ""
}

// Status returns the run with its live unit counts.
func (c *Coordinator) Status(ctx context.Context, runID string) (Status, error) {
	run, err := c.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return Status{}, err
	}
	counts, err := c.deps.Store.Counts(ctx, runID)
	if err != nil {
		return Status{}, err
	}
	st := Status{Run: run, Counts: counts, Local: c.localActive(runID)}
	switch {
	case st.Local || (run.LockOwner != "" && !run.LockExpiry.Before(c.deps.Clock.Now())):
		st.State = StateRunning
	case run.Cancelled:
		st.State = StateCancelled
	case counts.Drained():
		st.State = StateCompleted
	default:
		st.State = StatePaused
	}
	return st, nil
}

// Cancel sets the run's cancellation flag. Workers stop at their next claim;
// in-flight units finish and commit.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	if err := c.deps.Store.SetCancelled(ctx, runID, true); err != nil {
		return err
	}
	c.logger.Info("run cancel requested", zap.String("run_id", runID))
	return nil
}

// Wait blocks until the local dispatcher for runID exits. A run with no local
// dispatcher returns immediately with its current counts.
func (c *Coordinator) Wait(ctx context.Context, runID string) (dispatcher.Summary, error) {
	s := c.session(runID)
	if s == nil {
		st, err := c.Status(ctx, runID)
		if err != nil {
			return dispatcher.Summary{}, err
		}
		return dispatcher.Summary{RunID: runID, Counts: st.Counts, Outcome: outcomeFor(st.State)}, nil
	}
	select {
	case <-s.done:
		return s.summary, s.err
	case <-ctx.Done():
		return dispatcher.Summary{}, fmt.Errorf("wait for run %s: %w", runID, ctx.Err())
	}
}

func outcomeFor(state string) dispatcher.Outcome {
	switch state {
	case StateCompleted:
		return dispatcher.OutcomeDone
	case StateCancelled:
		return dispatcher.OutcomeCancelled
	default:
		return dispatcher.OutcomeInterrupted
	}
}

// List returns recent runs, newest first.
func (c *Coordinator) List(ctx context.Context, limit int) ([]harvest.Run, error) {
	return c.deps.Store.ListRuns(ctx, limit)
}

// Units lists a run's units, optionally filtered by status.
func (c *Coordinator) Units(ctx context.Context, runID string, filter harvest.UnitFilter) ([]harvest.WorkUnit, error) {
	if _, err := c.deps.Store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return c.deps.Store.ListUnits(ctx, runID, filter)
}

// Failed lists units that exhausted their retries, with their last error.
func (c *Coordinator) Failed(ctx context.Context, runID string) ([]harvest.WorkUnit, error) {
	return c.Units(ctx, runID, harvest.UnitFilter{Status: harvest.UnitFailed})
}

// RetryUnit moves one failed unit back to pending with a fresh budget. The
// run must be resumed for it to be fetched again.
func (c *Coordinator) RetryUnit(ctx context.Context, runID string, ordinal int64) error {
	if err := c.deps.Store.RetryUnit(ctx, runID, ordinal); err != nil {
		return err
	}
	c.logger.Info("unit requeued", zap.String("run_id", runID), zap.Int64("ordinal", ordinal))
	return nil
}

// RequeueFailed moves every failed unit of the run back to pending.
func (c *Coordinator) RequeueFailed(ctx context.Context, runID string) (int, error) {
	n, err := c.deps.Store.RequeueFailed(ctx, runID)
	if err != nil {
		return 0, err
	}
	c.logger.Info("failed units requeued", zap.String("run_id", runID), zap.Int("count", n))
	return n, nil
}

// Purge deletes the run, its units, and its results. A run with a live
// dispatcher anywhere is refused.
func (c *Coordinator) Purge(ctx context.Context, runID string) error {
	if c.localActive(runID) {
		return &harvest.AlreadyRunningError{RunID: runID, Owner: c.localOwner(runID)}
	}
	// The store refuses runs whose lock another process still holds.
	if err := c.deps.Store.PurgeRun(ctx, runID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.sessions, runID)
	c.mu.Unlock()
	c.logger.Info("run purged", zap.String("run_id", runID))
	return nil
}

// Export writes the run's results to the export store and returns the URI.
func (c *Coordinator) Export(ctx context.Context, runID string, format export.Format) (string, error) {
	if c.deps.Exporter == nil {
		return "", harvest.NewConfigurationError("export is not configured")
	}
	if _, err := c.deps.Store.GetRun(ctx, runID); err != nil {
		return "", err
	}
	results, err := c.deps.Store.ListResults(ctx, runID)
	if err != nil {
		return "", err
	}
	uri, err := c.deps.Exporter.Export(ctx, runID, results, format)
	if err != nil {
		return "", err
	}
	c.logger.Info("run exported",
		zap.String("run_id", runID),
		zap.String("format", string(format)),
		zap.Int("results", len(results)),
		zap.String("uri", uri),
	)
	return uri, nil
}

// Shutdown interrupts every local dispatcher and waits for them to release
// their locks. Interrupted units are reclaimed after their leases lapse.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stopAll()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coordinator shutdown: %w", ctx.Err())
	}
}

// Ready reports whether the store answers.
func (c *Coordinator) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := c.deps.Store.ListRuns(ctx, 1); err != nil {
		return err
	}
	return nil
}
