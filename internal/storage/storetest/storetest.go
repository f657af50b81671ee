// Package storetest is the behavioural suite every harvest.Store backend runs.
package storetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/map-harvester/internal/clock/manual"
	"github.com/JakeFAU/map-harvester/internal/enumerator"
	"github.com/JakeFAU/map-harvester/internal/harvest"
)

// Factory opens a fresh, empty store that reads time from clock. The store is
// closed by the suite.
type Factory func(t *testing.T, clock harvest.Clock) harvest.Store

// Epoch is the time every suite clock starts at.
var Epoch = time.Date(2026, 5, 1, 9, 30, 0, 123456000, time.UTC)

const lease = time.Minute

// Run executes the suite against stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s harvest.Store, clk *manual.Clock)
	}{
		{"RunLifecycle", testRunLifecycle},
		{"SeedIsIdempotent", testSeedIsIdempotent},
		{"ClaimOrderAndExhaustion", testClaimOrderAndExhaustion},
		{"ClaimIsExclusive", testClaimIsExclusive},
		{"LeaseExpiryReclaims", testLeaseExpiryReclaims},
		{"StaleLeaseRejected", testStaleLeaseRejected},
		{"RetryBudget", testRetryBudget},
		{"ReleaseKeepsAttempts", testReleaseKeepsAttempts},
		{"ResultsAreDeduplicated", testResultsAreDeduplicated},
		{"CountsInvariant", testCountsInvariant},
		{"RunLock", testRunLock},
		{"OperatorRetry", testOperatorRetry},
		{"Purge", testPurge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clk := manual.New(Epoch)
			s := factory(t, clk)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s, clk)
		})
	}
}

// Matrix returns a cities x requests x categories matrix with generated names.
func Matrix(cities, requests, categories int) harvest.Matrix {
	m := harvest.Matrix{}
	for i := range cities {
		m.Cities = append(m.Cities, harvest.City{Name: fmt.Sprintf("city-%d", i)})
	}
	for i := range requests {
		m.Requests = append(m.Requests, harvest.Request{Query: fmt.Sprintf("query-%d", i)})
	}
	for i := range categories {
		m.Categories = append(m.Categories, harvest.Category{Name: fmt.Sprintf("cat-%d", i)})
	}
	return m
}

// SeedRun creates run id over m and seeds every unit.
func SeedRun(t *testing.T, s harvest.Store, id string, m harvest.Matrix, createdAt time.Time) {
	t.Helper()
	ctx := context.Background()
	run := harvest.Run{
		ID:        id,
		Name:      "suite " + id,
		Matrix:    m,
		Params:    harvest.RunParams{Concurrency: 2, MaxAttempts: 3, LeaseDuration: lease, FetchTimeout: time.Second},
		CreatedAt: createdAt,
	}
	require.NoError(t, s.CreateRun(ctx, run))
	seq, total, err := enumerator.Enumerate(m)
	require.NoError(t, err)
	seeded := 0
	for batch := range enumerator.Batches(seq, 5) {
		n, err := s.SeedUnits(ctx, id, batch)
		require.NoError(t, err)
		seeded += n
	}
	require.Equal(t, total, seeded)
}

func claim(t *testing.T, s harvest.Store, runID, owner string) harvest.WorkUnit {
	t.Helper()
	u, ok, err := s.ClaimNext(context.Background(), runID, owner, lease)
	require.NoError(t, err)
	require.True(t, ok, "expected a claimable unit")
	return u
}

func result(identity string) harvest.Result {
	return harvest.Result{
		Identity:  identity,
		Payload:   []byte(`{"name":"` + identity + `"}`),
		FetchedAt: Epoch,
	}
}

func testRunLifecycle(t *testing.T, s harvest.Store, clk *manual.Clock) {
	ctx := context.Background()
	m := Matrix(1, 1, 2)
	m.ExcludeSets = []harvest.ExcludeSet{{Name: "global", Phrases: []string{"closed"}}}
	m.DefaultExcludeSet = "global"
	SeedRun(t, s, "run-a", m, clk.Now())
	SeedRun(t, s, "run-b", Matrix(1, 1, 1), clk.Now().Add(time.Hour))

	run, err := s.GetRun(ctx, "run-a")
	require.NoError(t, err)
	require.Equal(t, "suite run-a", run.Name)
	require.Equal(t, m, run.Matrix)
	require.Equal(t, 3, run.Params.MaxAttempts)
	require.Equal(t, lease, run.Params.LeaseDuration)
	require.True(t, run.CreatedAt.Equal(clk.Now()), "created_at %v", run.CreatedAt)
	require.False(t, run.Cancelled)

	require.Error(t, s.CreateRun(ctx, harvest.Run{ID: "run-a", CreatedAt: clk.Now()}))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run-b", runs[0].ID)
	runs, err = s.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	require.NoError(t, s.SetCancelled(ctx, "run-a", true))
	run, err = s.GetRun(ctx, "run-a")
	require.NoError(t, err)
	require.True(t, run.Cancelled)
	require.NoError(t, s.SetCancelled(ctx, "run-a", false))

	_, err = s.GetRun(ctx, "missing")
	require.ErrorIs(t, err, harvest.ErrRunNotFound)
	require.ErrorIs(t, s.SetCancelled(ctx, "missing", true), harvest.ErrRunNotFound)
	_, err = s.Counts(ctx, "missing")
	require.ErrorIs(t, err, harvest.ErrRunNotFound)
	_, err = s.SeedUnits(ctx, "missing", nil)
	require.ErrorIs(t, err, harvest.ErrRunNotFound)
}

func testSeedIsIdempotent(t *testing.T, s harvest.Store, clk *manual.Clock) {
	ctx := context.Background()
	m := Matrix(2, 1, 2)
	SeedRun(t, s, "run", m, clk.Now())

	seq, _, err := enumerator.Enumerate(m)
	require.NoError(t, err)
	var all []harvest.WorkUnit
	for u := range seq {
		all = append(all, u)
	}
	n, err := s.SeedUnits(ctx, "run", all)
	require.NoError(t, err)
	require.Zero(t, n)

	counts, err := s.Counts(ctx, "run")
	require.NoError(t, err)
	require.Equal(t, harvest.RunCounts{Pending: 4}, counts)

	units, err := s.ListUnits(ctx, "run", harvest.UnitFilter{})
	require.NoError(t, err)
	require.Len(t, units, 4)
	for i, u := range units {
		require.Equal(t, int64(i), u.Ordinal)
		require.Equal(t, "run", u.RunID)
		require.Equal(t, all[i].Key(), u.Key())
		require.Equal(t, harvest.UnitPending, u.Status)
	}

	limited, err := s.ListUnits(ctx, "run", harvest.UnitFilter{Limit: 3})
	require.NoError(t, err)
	require.Len(t, limited, 3)
}

func testClaimOrderAndExhaustion(t *testing.T, s harvest.Store, clk *manual.Clock) {
	ctx := context.Background()
	m := Matrix(1, 1, 3)
	m.ExcludeSets = []harvest.ExcludeSet{{Name: "x", Phrases: []string{"closed"}}}
	m.Categories[1].ExcludeSet = "x"
	SeedRun(t, s, "run", m, clk.Now())

	for i := range 3 {
		u := claim(t, s, "run", "owner")
		require.Equal(t, int64(i), u.Ordinal)
		require.Equal(t, harvest.UnitClaimed, u.Status)
		require.Equal(t, "owner", u.LeaseOwner)
		require.True(t, u.LeaseExpiry.Equal(clk.Now().Add(lease)), "lease expiry %v", u.LeaseExpiry)
		require.True(t, u.ClaimedAt.Equal(clk.Now()))
		if i == 1 {
			require.Equal(t, "x", u.ExcludeSet)
		}
	}
	_, ok, err := s.ClaimNext(ctx, "run", "owner", lease)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = s.ClaimNext(ctx, "missing", "owner", lease)
	require.NoError(t, err)
	require.False(t, ok)
}

func testClaimIsExclusive(t *testing.T, s harvest.Store, clk *manual.Clock) {
	const workers = 8
	SeedRun(t, s, "run", Matrix(4, 1, 5), clk.Now())

	var (
		mu      sync.Mutex
		claimed = make(map[int64]string)
		wg      sync.WaitGroup
		errs    = make(chan error, workers)
	)
	for w := range workers {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for {
				u, ok, err := s.ClaimNext(context.Background(), "run", owner, lease)
				if err != nil {
					errs <- err
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				if prev, dup := claimed[u.Ordinal]; dup {
					errs <- fmt.Errorf("unit %d claimed by %s and %s", u.Ordinal, prev, owner)
				}
				claimed[u.Ordinal] = owner
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, claimed, 20)

	counts, err := s.Counts(context.Background(), "run")
	require.NoError(t, err)
	require.Equal(t, harvest.RunCounts{Claimed: 20}, counts)
}

func testLeaseExpiryReclaims(t *testing.T, s harvest.Store, clk *manual.Clock) {
	ctx := context.Background()
	SeedRun(t, s, "run", Matrix(1, 1, 1), clk.Now())

	first := claim(t, s, "run", "crashed")
	_, ok, err := s.ClaimNext(ctx, "run", "other", lease)
	require.NoError(t, err)
	require.False(t, ok, "live lease must not be reclaimed")

	clk.Advance(lease)
	_, ok, err = s.ClaimNext(ctx, "run", "other", lease)
	require.NoError(t, err)
	require.False(t, ok, "lease is live up to and including its expiry")

	clk.Advance(time.Second)
	second := claim(t, s, "run", "other")
	require.Equal(t, first.Ordinal, second.Ordinal)
	require.Equal(t, "other", second.LeaseOwner)
	require.Zero(t, second.Attempts, "lease expiry must not consume an attempt")

	_, err = s.CompleteUnit(ctx, harvest.Completion{RunID: "run", Ordinal: 0, LeaseOwner: "crashed"})
	require.ErrorIs(t, err, harvest.ErrStaleLease)

	n, err := s.CompleteUnit(ctx, harvest.Completion{
		RunID: "run", Ordinal: 0, LeaseOwner: "other", Results: []harvest.Result{result("id:1")},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func testStaleLeaseRejected(t *testing.T, s harvest.Store, clk *manual.Clock) {
	ctx := context.Background()
	SeedRun(t, s, "run", Matrix(1, 1, 2), clk.Now())
	u := claim(t, s, "run", "owner")

	_, err := s.CompleteUnit(ctx, harvest.Completion{RunID: "run", Ordinal: u.Ordinal, LeaseOwner: "intruder"})
	var stale *harvest.StaleLeaseError
	require.ErrorAs(t, err, &stale)
	require.Equal(t, u.Ordinal, stale.Ordinal)

	_, err = s.FailUnit(ctx, harvest.Failure{RunID: "run", Ordinal: u.Ordinal, LeaseOwner: "intruder", MaxAttempts: 3})
	require.ErrorIs(t, err, harvest.ErrStaleLease)

	_, err = s.CompleteUnit(ctx, harvest.Completion{RunID: "run", Ordinal: 1, LeaseOwner: "owner"})
	require.ErrorIs(t, err, harvest.ErrStaleLease, "pending unit has no lease")

	clk.Advance(lease + time.Second)
	_, err = s.CompleteUnit(ctx, harvest.Completion{
		RunID: "run", Ordinal: u.Ordinal, LeaseOwner: "owner", Results: []harvest.Result{result("id:late")},
	})
	require.ErrorIs(t, err, harvest.ErrStaleLease, "expired lease cannot commit")

	counts, err := s.Counts(ctx, "run")
	require.NoError(t, err)
	require.Equal(t, harvest.RunCounts{Pending: 1, Claimed: 1}, counts, "stale commit must not mutate")

	status, err := s.FailUnit(ctx, harvest.Failure{
		RunID: "run", Ordinal: u.Ordinal, LeaseOwner: "owner", Err: "timeout", MaxAttempts: 3,
	})
	require.NoError(t, err, "an expired but unclaimed lease may still report failure")
	require.Equal(t, harvest.UnitPending, status)
}

func testRetryBudget(t *testing.T, s harvest.Store, clk *manual.Clock) {
	ctx := context.Background()
	SeedRun(t, s, "run", Matrix(1, 1, 2), clk.Now())

	u := claim(t, s, "run", "a")
	status, err := s.FailUnit(ctx, harvest.Failure{
		RunID: "run", Ordinal: u.Ordinal, LeaseOwner: "a", Err: "503 from provider", MaxAttempts: 2,
	})
	require.NoError(t, err)
	require.Equal(t, harvest.UnitPending, status)

	u = claim(t, s, "run", "b")
	require.Equal(t, int64(0), u.Ordinal)
	require.Equal(t, 1, u.Attempts)
	require.Equal(t, "503 from provider", u.LastError)

	long := strings.Repeat("é", harvest.MaxErrorLength)
	status, err = s.FailUnit(ctx, harvest.Failure{
		RunID: "run", Ordinal: u.Ordinal, LeaseOwner: "b", Err: long, MaxAttempts: 2,
	})
	require.NoError(t, err)
	require.Equal(t, harvest.UnitFailed, status)

	failed, err := s.ListUnits(ctx, "run", harvest.UnitFilter{Status: harvest.UnitFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 2, failed[0].Attempts)
	require.Empty(t, failed[0].LeaseOwner)
	require.LessOrEqual(t, len(failed[0].LastError), harvest.MaxErrorLength)
	require.True(t, strings.HasPrefix(long, failed[0].LastError))

	u = claim(t, s, "run", "c")
	require.Equal(t, int64(1), u.Ordinal)
	status, err = s.FailUnit(ctx, harvest.Failure{
		RunID: "run", Ordinal: u.Ordinal, LeaseOwner: "c", Err: "404", Permanent: true, MaxAttempts: 5,
	})
	require.NoError(t, err)
	require.Equal(t, harvest.UnitFailed, status)

	_, ok, err := s.ClaimNext(ctx, "run", "d", lease)
	require.NoError(t, err)
	require.False(t, ok, "failed units are terminal")
}

func testReleaseKeepsAttempts(t *testing.T, s harvest.Store, clk *manual.Clock) {
	ctx := context.Background()
	SeedRun(t, s, "run", Matrix(1, 1, 1), clk.Now())

	u := claim(t, s, "run", "a")
	_, err := s.FailUnit(ctx, harvest.Failure{
		RunID: "run", Ordinal: u.Ordinal, LeaseOwner: "a", Err: "timeout", MaxAttempts: 2,
	})
	require.NoError(t, err)

	u = claim(t, s, "run", "b")
	require.Equal(t, 1, u.Attempts)
	require.NoError(t, s.ReleaseUnit(ctx, "run", u.Ordinal, "b"))

	counts, err := s.Counts(ctx, "run")
	require.NoError(t, err)
	require.Equal(t, 1, counts.Pending)
	require.Zero(t, counts.Claimed)

	err = s.ReleaseUnit(ctx, "run", u.Ordinal, "b")
	require.ErrorIs(t, err, harvest.ErrStaleLease, "a released unit has no owner")

	// No lease wait: another worker picks it up at once, with the budget intact.
	u = claim(t, s, "run", "c")
	require.Equal(t, 1, u.Attempts)
	require.Equal(t, "timeout", u.LastError)
	require.ErrorIs(t, s.ReleaseUnit(ctx, "run", u.Ordinal, "b"), harvest.ErrStaleLease)
}

func testResultsAreDeduplicated(t *testing.T, s harvest.Store, clk *manual.Clock) {
	ctx := context.Background()
	SeedRun(t, s, "run", Matrix(1, 1, 2), clk.Now())
	SeedRun(t, s, "other", Matrix(1, 1, 1), clk.Now())

	u0 := claim(t, s, "run", "w")
	n, err := s.CompleteUnit(ctx, harvest.Completion{
		RunID: "run", Ordinal: u0.Ordinal, LeaseOwner: "w",
		Results: []harvest.Result{result("id:a"), result("id:b")},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	u1 := claim(t, s, "run", "w")
	n, err = s.CompleteUnit(ctx, harvest.Completion{
		RunID: "run", Ordinal: u1.Ordinal, LeaseOwner: "w",
		Results: []harvest.Result{result("id:b"), result("id:c")},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	o := claim(t, s, "other", "w")
	n, err = s.CompleteUnit(ctx, harvest.Completion{
		RunID: "other", Ordinal: o.Ordinal, LeaseOwner: "w", Results: []harvest.Result{result("id:a")},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n, "identities are scoped per run")

	got, err := s.CommittedIdentities(ctx, "run", []string{"id:a", "id:c", "id:z"})
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"id:a": {}, "id:c": {}}, got)

	empty, err := s.CommittedIdentities(ctx, "run", nil)
	require.NoError(t, err)
	require.Empty(t, empty)

	results, err := s.ListResults(ctx, "run")
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, "id:a", results[0].Identity)
	require.Equal(t, "id:b", results[1].Identity)
	require.Equal(t, int64(0), results[1].UnitOrdinal, "first commit wins")
	require.Equal(t, "id:c", results[2].Identity)
	require.Equal(t, u1.City, results[2].City)
	require.Equal(t, u1.Category, results[2].Category)
	require.True(t, results[0].FetchedAt.Equal(Epoch))
	require.JSONEq(t, `{"name":"id:a"}`, string(results[0].Payload))

	counts, err := s.Counts(ctx, "run")
	require.NoError(t, err)
	require.Equal(t, harvest.RunCounts{Done: 2, Results: 3}, counts)
}

func testCountsInvariant(t *testing.T, s harvest.Store, clk *manual.Clock) {
	ctx := context.Background()
	SeedRun(t, s, "run", Matrix(2, 2, 2), clk.Now())

	check := func() {
		t.Helper()
		counts, err := s.Counts(ctx, "run")
		require.NoError(t, err)
		require.Equal(t, 8, counts.Total())
	}
	check()
	for i := range 8 {
		u := claim(t, s, "run", "w")
		check()
		switch i % 3 {
		case 0:
			_, err := s.CompleteUnit(ctx, harvest.Completion{RunID: "run", Ordinal: u.Ordinal, LeaseOwner: "w"})
			require.NoError(t, err)
		case 1:
			_, err := s.FailUnit(ctx, harvest.Failure{
				RunID: "run", Ordinal: u.Ordinal, LeaseOwner: "w", Permanent: true, MaxAttempts: 3,
			})
			require.NoError(t, err)
		}
		check()
	}
	counts, err := s.Counts(ctx, "run")
	require.NoError(t, err)
	require.Equal(t, harvest.RunCounts{Claimed: 2, Done: 3, Failed: 3}, counts)
	require.False(t, counts.Drained())
}

func testRunLock(t *testing.T, s harvest.Store, clk *manual.Clock) {
	ctx := context.Background()
	const ttl = 30 * time.Second
	SeedRun(t, s, "run", Matrix(1, 1, 1), clk.Now())

	require.NoError(t, s.AcquireRunLock(ctx, "run", "node-1", ttl))
	require.NoError(t, s.AcquireRunLock(ctx, "run", "node-1", ttl), "re-acquire by the holder")

	err := s.AcquireRunLock(ctx, "run", "node-2", ttl)
	var running *harvest.AlreadyRunningError
	require.ErrorAs(t, err, &running)
	require.Equal(t, "node-1", running.Owner)

	run, err := s.GetRun(ctx, "run")
	require.NoError(t, err)
	require.Equal(t, "node-1", run.LockOwner)
	require.True(t, run.LockExpiry.Equal(clk.Now().Add(ttl)))

	clk.Advance(20 * time.Second)
	require.NoError(t, s.RefreshRunLock(ctx, "run", "node-1", ttl))
	clk.Advance(20 * time.Second)
	require.ErrorIs(t, s.AcquireRunLock(ctx, "run", "node-2", ttl), harvest.ErrAlreadyRunning)

	clk.Advance(ttl)
	require.NoError(t, s.AcquireRunLock(ctx, "run", "node-2", ttl), "expired lock is taken over")
	require.ErrorIs(t, s.RefreshRunLock(ctx, "run", "node-1", ttl), harvest.ErrAlreadyRunning)

	require.NoError(t, s.ReleaseRunLock(ctx, "run", "node-1"), "releasing a lock we lost is a no-op")
	require.ErrorIs(t, s.AcquireRunLock(ctx, "run", "node-3", ttl), harvest.ErrAlreadyRunning)
	require.NoError(t, s.ReleaseRunLock(ctx, "run", "node-2"))
	require.NoError(t, s.AcquireRunLock(ctx, "run", "node-3", ttl))

	require.ErrorIs(t, s.AcquireRunLock(ctx, "missing", "node-1", ttl), harvest.ErrRunNotFound)
}

func testOperatorRetry(t *testing.T, s harvest.Store, clk *manual.Clock) {
	ctx := context.Background()
	SeedRun(t, s, "run", Matrix(1, 1, 3), clk.Now())
	for range 3 {
		u := claim(t, s, "run", "w")
		_, err := s.FailUnit(ctx, harvest.Failure{
			RunID: "run", Ordinal: u.Ordinal, LeaseOwner: "w", Err: "blocked", Permanent: true, MaxAttempts: 1,
		})
		require.NoError(t, err)
	}

	require.NoError(t, s.RetryUnit(ctx, "run", 1))
	u := claim(t, s, "run", "w")
	require.Equal(t, int64(1), u.Ordinal)
	require.Zero(t, u.Attempts)
	require.Empty(t, u.LastError)

	require.ErrorIs(t, s.RetryUnit(ctx, "run", 1), harvest.ErrUnitNotFound, "claimed unit is not failed")
	require.ErrorIs(t, s.RetryUnit(ctx, "run", 99), harvest.ErrUnitNotFound)
	require.ErrorIs(t, s.RetryUnit(ctx, "missing", 0), harvest.ErrRunNotFound)

	n, err := s.RequeueFailed(ctx, "run")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	counts, err := s.Counts(ctx, "run")
	require.NoError(t, err)
	require.Equal(t, harvest.RunCounts{Pending: 2, Claimed: 1}, counts)
}

func testPurge(t *testing.T, s harvest.Store, clk *manual.Clock) {
	ctx := context.Background()
	SeedRun(t, s, "run", Matrix(1, 1, 1), clk.Now())
	SeedRun(t, s, "keep", Matrix(1, 1, 1), clk.Now())
	u := claim(t, s, "run", "w")
	_, err := s.CompleteUnit(ctx, harvest.Completion{
		RunID: "run", Ordinal: u.Ordinal, LeaseOwner: "w", Results: []harvest.Result{result("id:a")},
	})
	require.NoError(t, err)

	require.NoError(t, s.AcquireRunLock(ctx, "run", "node-2", time.Minute))
	require.ErrorIs(t, s.PurgeRun(ctx, "run"), harvest.ErrAlreadyRunning)
	_, err = s.GetRun(ctx, "run")
	require.NoError(t, err, "a locked run is left intact")

	clk.Advance(time.Minute + time.Second)
	require.NoError(t, s.PurgeRun(ctx, "run"))
	_, err = s.GetRun(ctx, "run")
	require.ErrorIs(t, err, harvest.ErrRunNotFound)
	require.ErrorIs(t, s.PurgeRun(ctx, "run"), harvest.ErrRunNotFound)

	_, err = s.GetRun(ctx, "keep")
	require.NoError(t, err)

	SeedRun(t, s, "run", Matrix(1, 1, 1), clk.Now())
	got, err := s.CommittedIdentities(ctx, "run", []string{"id:a"})
	require.NoError(t, err)
	require.Empty(t, got, "purge removes results")
}
