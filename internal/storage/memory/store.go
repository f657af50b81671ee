package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/map-harvester/internal/harvest"
)

// Store is an in-process harvest.Store for development and tests. A single
// mutex makes every transition atomic.
type Store struct {
	clock harvest.Clock

	mu      sync.Mutex
	runs    map[string]*harvest.Run
	units   map[string][]*harvest.WorkUnit
	keys    map[string]map[harvest.UnitKey]struct{}
	results map[string]map[string]harvest.Result
	closed  bool
}

var _ harvest.Store = (*Store)(nil)

// NewStore constructs an empty Store reading time from clock.
func NewStore(clock harvest.Clock) *Store {
	return &Store{
		clock:   clock,
		runs:    make(map[string]*harvest.Run),
		units:   make(map[string][]*harvest.WorkUnit),
		keys:    make(map[string]map[harvest.UnitKey]struct{}),
		results: make(map[string]map[string]harvest.Result),
	}
}

func (s *Store) check(op string) error {
	if s.closed {
		return harvest.Unavailable(op, fmt.Errorf("store closed"))
	}
	return nil
}

func (s *Store) run(runID string) (*harvest.Run, error) {
	run, ok := s.runs[runID]
	if !ok {
		return nil, &harvest.RunNotFoundError{RunID: runID}
	}
	return run, nil
}

// CreateRun stores a new run.
func (s *Store) CreateRun(_ context.Context, run harvest.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("create run"); err != nil {
		return err
	}
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	stored := run
	s.runs[run.ID] = &stored
	s.keys[run.ID] = make(map[harvest.UnitKey]struct{})
	s.results[run.ID] = make(map[string]harvest.Result)
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(_ context.Context, runID string) (harvest.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get run"); err != nil {
		return harvest.Run{}, err
	}
	run, err := s.run(runID)
	if err != nil {
		return harvest.Run{}, err
	}
	return *run, nil
}

// ListRuns returns the newest runs first.
func (s *Store) ListRuns(_ context.Context, limit int) ([]harvest.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("list runs"); err != nil {
		return nil, err
	}
	out := make([]harvest.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetCancelled flips the run's cancellation flag.
func (s *Store) SetCancelled(_ context.Context, runID string, cancelled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("set cancelled"); err != nil {
		return err
	}
	run, err := s.run(runID)
	if err != nil {
		return err
	}
	run.Cancelled = cancelled
	return nil
}

// SeedUnits inserts units that are not already present.
func (s *Store) SeedUnits(_ context.Context, runID string, units []harvest.WorkUnit) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("seed units"); err != nil {
		return 0, err
	}
	if _, err := s.run(runID); err != nil {
		return 0, err
	}
	keys := s.keys[runID]
	inserted := 0
	for _, u := range units {
		if _, exists := keys[u.Key()]; exists {
			continue
		}
		if s.unit(runID, u.Ordinal) != nil {
			continue
		}
		stored := harvest.WorkUnit{
			RunID:      runID,
			Ordinal:    u.Ordinal,
			City:       u.City,
			Request:    u.Request,
			Category:   u.Category,
			ExcludeSet: u.ExcludeSet,
			Status:     harvest.UnitPending,
		}
		s.units[runID] = append(s.units[runID], &stored)
		keys[u.Key()] = struct{}{}
		inserted++
	}
	slices.SortFunc(s.units[runID], func(a, b *harvest.WorkUnit) int {
		return int(a.Ordinal - b.Ordinal)
	})
	return inserted, nil
}

func (s *Store) unit(runID string, ordinal int64) *harvest.WorkUnit {
	units := s.units[runID]
	i, found := sort.Find(len(units), func(i int) int {
		return int(ordinal - units[i].Ordinal)
	})
	if !found {
		return nil
	}
	return units[i]
}

// ClaimNext leases the lowest-ordinal pending or lease-expired unit.
func (s *Store) ClaimNext(
	_ context.Context,
	runID, leaseOwner string,
	lease time.Duration,
) (harvest.WorkUnit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("claim next"); err != nil {
		return harvest.WorkUnit{}, false, err
	}
	now := s.clock.Now()
	for _, u := range s.units[runID] {
		claimable := u.Status == harvest.UnitPending ||
			(u.Status == harvest.UnitClaimed && u.LeaseExpiry.Before(now))
		if !claimable {
			continue
		}
		u.Status = harvest.UnitClaimed
		u.LeaseOwner = leaseOwner
		u.LeaseExpiry = now.Add(lease)
		u.ClaimedAt = now
		return *u, true, nil
	}
	return harvest.WorkUnit{}, false, nil
}

func (s *Store) live(u *harvest.WorkUnit, owner string, now time.Time) bool {
	return u != nil && u.Status == harvest.UnitClaimed && u.LeaseOwner == owner && !u.LeaseExpiry.Before(now)
}

// CompleteUnit marks the unit done and inserts its results when the lease is live.
func (s *Store) CompleteUnit(_ context.Context, c harvest.Completion) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("complete unit"); err != nil {
		return 0, err
	}
	u := s.unit(c.RunID, c.Ordinal)
	if !s.live(u, c.LeaseOwner, s.clock.Now()) {
		return 0, &harvest.StaleLeaseError{RunID: c.RunID, Ordinal: c.Ordinal, LeaseOwner: c.LeaseOwner}
	}
	u.Status = harvest.UnitDone
	u.LeaseOwner = ""
	u.LeaseExpiry = time.Time{}

	committed := s.results[c.RunID]
	inserted := 0
	for _, r := range c.Results {
		if _, exists := committed[r.Identity]; exists {
			continue
		}
		r.RunID = c.RunID
		r.UnitOrdinal = c.Ordinal
		committed[r.Identity] = r
		inserted++
	}
	return inserted, nil
}

// FailUnit records a failed attempt and either requeues or terminates the unit.
func (s *Store) FailUnit(_ context.Context, f harvest.Failure) (harvest.UnitStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("fail unit"); err != nil {
		return "", err
	}
	u := s.unit(f.RunID, f.Ordinal)
	if u == nil || u.Status != harvest.UnitClaimed || u.LeaseOwner != f.LeaseOwner {
		return "", &harvest.StaleLeaseError{RunID: f.RunID, Ordinal: f.Ordinal, LeaseOwner: f.LeaseOwner}
	}
	u.Attempts++
	u.Status = nextStatus(f, u.Attempts)
	u.LeaseOwner = ""
	u.LeaseExpiry = time.Time{}
	u.LastError = harvest.TruncateError(f.Err)
	return u.Status, nil
}

// ReleaseUnit hands a claimed unit back to pending with its attempts untouched.
func (s *Store) ReleaseUnit(_ context.Context, runID string, ordinal int64, leaseOwner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("release unit"); err != nil {
		return err
	}
	u := s.unit(runID, ordinal)
	if u == nil || u.Status != harvest.UnitClaimed || u.LeaseOwner != leaseOwner {
		return &harvest.StaleLeaseError{RunID: runID, Ordinal: ordinal, LeaseOwner: leaseOwner}
	}
	u.Status = harvest.UnitPending
	u.LeaseOwner = ""
	u.LeaseExpiry = time.Time{}
	return nil
}

func nextStatus(f harvest.Failure, attempts int) harvest.UnitStatus {
	if f.Permanent || attempts >= f.MaxAttempts {
		return harvest.UnitFailed
	}
	return harvest.UnitPending
}

// CommittedIdentities returns the subset of identities already stored for the run.
func (s *Store) CommittedIdentities(
	_ context.Context,
	runID string,
	identities []string,
) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("committed identities"); err != nil {
		return nil, err
	}
	out := make(map[string]struct{})
	committed := s.results[runID]
	for _, id := range identities {
		if _, ok := committed[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

// Counts tallies units by status plus committed results.
func (s *Store) Counts(_ context.Context, runID string) (harvest.RunCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("counts"); err != nil {
		return harvest.RunCounts{}, err
	}
	if _, err := s.run(runID); err != nil {
		return harvest.RunCounts{}, err
	}
	var counts harvest.RunCounts
	for _, u := range s.units[runID] {
		counts.Add(u.Status, 1)
	}
	counts.Results = len(s.results[runID])
	return counts, nil
}

// ListUnits returns units in ordinal order, optionally filtered by status.
func (s *Store) ListUnits(_ context.Context, runID string, filter harvest.UnitFilter) ([]harvest.WorkUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("list units"); err != nil {
		return nil, err
	}
	if _, err := s.run(runID); err != nil {
		return nil, err
	}
	var out []harvest.WorkUnit
	for _, u := range s.units[runID] {
		if filter.Status != "" && u.Status != filter.Status {
			continue
		}
		out = append(out, *u)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// ListResults returns committed results ordered by unit ordinal, then identity.
func (s *Store) ListResults(_ context.Context, runID string) ([]harvest.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("list results"); err != nil {
		return nil, err
	}
	if _, err := s.run(runID); err != nil {
		return nil, err
	}
	out := make([]harvest.Result, 0, len(s.results[runID]))
	for _, r := range s.results[runID] {
		if u := s.unit(runID, r.UnitOrdinal); u != nil {
			r.City, r.Request, r.Category = u.City, u.Request, u.Category
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UnitOrdinal != out[j].UnitOrdinal {
			return out[i].UnitOrdinal < out[j].UnitOrdinal
		}
		return out[i].Identity < out[j].Identity
	})
	return out, nil
}

// RetryUnit moves a failed unit back to pending with a fresh attempt budget.
func (s *Store) RetryUnit(_ context.Context, runID string, ordinal int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("retry unit"); err != nil {
		return err
	}
	if _, err := s.run(runID); err != nil {
		return err
	}
	u := s.unit(runID, ordinal)
	if u == nil || u.Status != harvest.UnitFailed {
		return fmt.Errorf("failed unit %d of run %s: %w", ordinal, runID, harvest.ErrUnitNotFound)
	}
	requeue(u)
	return nil
}

// RequeueFailed moves every failed unit of the run back to pending.
func (s *Store) RequeueFailed(_ context.Context, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("requeue failed"); err != nil {
		return 0, err
	}
	if _, err := s.run(runID); err != nil {
		return 0, err
	}
	n := 0
	for _, u := range s.units[runID] {
		if u.Status == harvest.UnitFailed {
			requeue(u)
			n++
		}
	}
	return n, nil
}

func requeue(u *harvest.WorkUnit) {
	u.Status = harvest.UnitPending
	u.Attempts = 0
	u.LastError = ""
}

// AcquireRunLock takes the run lock when it is free, expired, or already ours.
func (s *Store) AcquireRunLock(_ context.Context, runID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("acquire run lock"); err != nil {
		return err
	}
	run, err := s.run(runID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if run.LockOwner != "" && run.LockOwner != owner && !run.LockExpiry.Before(now) {
		return &harvest.AlreadyRunningError{RunID: runID, Owner: run.LockOwner}
	}
	run.LockOwner = owner
	run.LockExpiry = now.Add(ttl)
	return nil
}

// RefreshRunLock extends a lock we still hold.
func (s *Store) RefreshRunLock(_ context.Context, runID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("refresh run lock"); err != nil {
		return err
	}
	run, err := s.run(runID)
	if err != nil {
		return err
	}
	if run.LockOwner != owner {
		return &harvest.AlreadyRunningError{RunID: runID, Owner: run.LockOwner}
	}
	run.LockExpiry = s.clock.Now().Add(ttl)
	return nil
}

// ReleaseRunLock drops the lock if owner holds it.
func (s *Store) ReleaseRunLock(_ context.Context, runID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("release run lock"); err != nil {
		return err
	}
	run, err := s.run(runID)
	if err != nil {
		return err
	}
	if run.LockOwner == owner {
		run.LockOwner = ""
		run.LockExpiry = time.Time{}
	}
	return nil
}

// PurgeRun deletes a run with its units and results unless a live lock holds it.
func (s *Store) PurgeRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("purge run"); err != nil {
		return err
	}
	run, err := s.run(runID)
	if err != nil {
		return err
	}
	if run.LockOwner != "" && !run.LockExpiry.Before(s.clock.Now()) {
		return &harvest.AlreadyRunningError{RunID: runID, Owner: run.LockOwner}
	}
	delete(s.runs, runID)
	delete(s.units, runID)
	delete(s.keys, runID)
	delete(s.results, runID)
	return nil
}

// Close makes every later call fail with BackendUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
