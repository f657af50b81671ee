package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/map-harvester/internal/clock/manual"
	"github.com/JakeFAU/map-harvester/internal/dedupe"
	"github.com/JakeFAU/map-harvester/internal/dispatcher"
	"github.com/JakeFAU/map-harvester/internal/export"
	"github.com/JakeFAU/map-harvester/internal/harvest"
	"github.com/JakeFAU/map-harvester/internal/hash/sha256"
	"github.com/JakeFAU/map-harvester/internal/id/uuid"
	"github.com/JakeFAU/map-harvester/internal/storage/memory"
	"github.com/JakeFAU/map-harvester/internal/storage/sqlite"
	"github.com/JakeFAU/map-harvester/internal/storage/storetest"
)

var backends = map[string]storetest.Factory{
	"memory": func(_ *testing.T, clock harvest.Clock) harvest.Store {
		return memory.NewStore(clock)
	},
	"sqlite": func(t *testing.T, clock harvest.Clock) harvest.Store {
		s, err := sqlite.New(context.Background(), sqlite.Config{Path: filepath.Join(t.TempDir(), "harvest.db")}, clock)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	},
}

// listingFetcher answers from a fixed table keyed by city and request.
type listingFetcher struct {
	mu       sync.Mutex
	listings map[[2]string][]harvest.RawListing
	errs     map[[2]string]error
	started  chan int64
	release  chan struct{}
}

func (f *listingFetcher) Fetch(ctx context.Context, req harvest.FetchRequest) ([]harvest.RawListing, error) {
	if f.started != nil {
		f.started <- req.Ordinal
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]string{req.City, req.Request}
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	if l, ok := f.listings[key]; ok {
		return l, nil
	}
	return []harvest.RawListing{
		{ProviderID: req.City + "-" + req.Request + "-1", Name: "First " + req.City},
		{ProviderID: req.City + "-" + req.Request + "-2", Name: "Second " + req.City},
	}, nil
}

func (f *listingFetcher) setErr(city, request string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = map[[2]string]error{}
	}
	f.errs[[2]string{city, request}] = err
}

type fixture struct {
	coord *Coordinator
	store harvest.Store
	blobs *memory.BlobStore
}

func newFixture(t *testing.T, factory storetest.Factory, fetcher harvest.Fetcher) *fixture {
	t.Helper()
	clk := manual.New(storetest.Epoch)
	store := factory(t, clk)
	blobs := memory.NewBlobStore()
	disp := dispatcher.New(dispatcher.Deps{
		Store:   store,
		Fetcher: fetcher,
		Clock:   clk,
		Logger:  zap.NewNop(),
	}, dispatcher.Config{
		PollInitial:    time.Millisecond,
		PollMax:        10 * time.Millisecond,
		BackendRetries: 2,
		LockTTL:        time.Minute,
	})
	coord := New(Deps{
		Store:      store,
		Dispatcher: disp,
		Hasher:     sha256.New(),
		IDs:        uuid.New(),
		Clock:      clk,
		Exporter:   export.New(blobs, "exports", clk),
		Logger:     zap.NewNop(),
	}, Config{
		Defaults: harvest.RunParams{
			Concurrency:   2,
			MaxAttempts:   3,
			LeaseDuration: time.Minute,
			FetchTimeout:  5 * time.Second,
		},
		SeedBatchSize: 3,
		OwnerPrefix:   "test",
	})
	t.Cleanup(func() { _ = coord.Shutdown(context.Background()) })
	return &fixture{coord: coord, store: store, blobs: blobs}
}

func twoByTwo() harvest.Matrix {
	return harvest.Matrix{
		Cities:      []harvest.City{{Name: "Austin"}, {Name: "Boston"}},
		Requests:    []harvest.Request{{Query: "coffee", ExcludeSet: "chains"}, {Query: "tea"}},
		Categories:  []harvest.Category{{Name: "cafe"}},
		ExcludeSets: []harvest.ExcludeSet{{Name: "chains", Phrases: []string{"Starbucks"}}},
	}
}

func wait(t *testing.T, c *Coordinator, runID string) dispatcher.Summary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	summary, err := c.Wait(ctx, runID)
	require.NoError(t, err)
	return summary
}

func TestEndToEndFourUnits(t *testing.T) {
	t.Parallel()
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			fetcher := &listingFetcher{listings: map[[2]string][]harvest.RawListing{
				// Unit A: one excluded listing and one that unit B also returns.
				{"Austin", "coffee"}: {
					{ProviderID: "A-1", Name: "Houndstooth Coffee"},
					{ProviderID: "A-2", Name: "Starbucks Reserve", Address: "Congress Ave"},
					{ProviderID: "SHARED", Name: "Jo's Coffee"},
				},
				{"Austin", "tea"}: {
					{ProviderID: "SHARED", Name: "Jo's Coffee"},
					{ProviderID: "B-2", Name: "Zhi Tea"},
				},
			}}
			f := newFixture(t, factory, fetcher)
			ctx := context.Background()

			run, err := f.coord.Start(ctx, StartRequest{
				Name:   "e2e",
				Matrix: twoByTwo(),
				Params: harvest.RunParams{Concurrency: 2, RequestsPerSecond: 10, Burst: 1},
			})
			require.NoError(t, err)
			require.Equal(t, 10.0, run.Params.RequestsPerSecond)
			require.Equal(t, 3, run.Params.MaxAttempts)

			summary := wait(t, f.coord, run.ID)
			require.Equal(t, dispatcher.OutcomeDone, summary.Outcome)

			st, err := f.coord.Status(ctx, run.ID)
			require.NoError(t, err)
			require.Equal(t, StateCompleted, st.State)
			require.False(t, st.Local)
			require.Equal(t, harvest.RunCounts{Done: 4, Results: 7}, st.Counts)

			results, err := f.store.ListResults(ctx, run.ID)
			require.NoError(t, err)
			require.Len(t, results, 7)
			ids := map[string]bool{}
			for _, r := range results {
				require.False(t, ids[r.Identity], "duplicate identity %s", r.Identity)
				ids[r.Identity] = true
			}
			require.True(t, ids["id:shared"])
			require.False(t, ids["id:a-2"], "excluded listing committed")
		})
	}
}

func TestCancelThenResume(t *testing.T) {
	t.Parallel()
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			fetcher := &listingFetcher{started: make(chan int64, 16), release: make(chan struct{})}
			f := newFixture(t, factory, fetcher)
			ctx := context.Background()

			run, err := f.coord.Start(ctx, StartRequest{Name: "cancel", Matrix: twoByTwo()})
			require.NoError(t, err)

			// Both workers are mid-fetch; the other two units are still pending.
			<-fetcher.started
			<-fetcher.started
			st, err := f.coord.Status(ctx, run.ID)
			require.NoError(t, err)
			require.Equal(t, StateRunning, st.State)
			require.Equal(t, 2, st.Counts.Claimed)
			require.Equal(t, 2, st.Counts.Pending)

			_, err = f.coord.Resume(ctx, run.ID)
			require.ErrorIs(t, err, harvest.ErrAlreadyRunning)
			require.ErrorIs(t, f.coord.Purge(ctx, run.ID), harvest.ErrAlreadyRunning)

			require.NoError(t, f.coord.Cancel(ctx, run.ID))
			close(fetcher.release)

			summary := wait(t, f.coord, run.ID)
			require.Equal(t, dispatcher.OutcomeCancelled, summary.Outcome)
			require.Equal(t, harvest.RunCounts{Done: 2, Pending: 2, Results: 4}, summary.Counts)

			st, err = f.coord.Status(ctx, run.ID)
			require.NoError(t, err)
			require.Equal(t, StateCancelled, st.State)

			resumed, err := f.coord.Resume(ctx, run.ID)
			require.NoError(t, err)
			require.False(t, resumed.Cancelled)

			summary = wait(t, f.coord, run.ID)
			require.Equal(t, dispatcher.OutcomeDone, summary.Outcome)
			require.Equal(t, harvest.RunCounts{Done: 4, Results: 8}, summary.Counts)
		})
	}
}

func TestStartRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, backends["memory"], &listingFetcher{})
	ctx := context.Background()

	_, err := f.coord.Start(ctx, StartRequest{Matrix: harvest.Matrix{Cities: []harvest.City{{Name: "Austin"}}}})
	require.ErrorIs(t, err, harvest.ErrConfiguration)

	_, err = f.coord.Start(ctx, StartRequest{Matrix: twoByTwo(), Params: harvest.RunParams{FetchTimeout: 2 * time.Minute}})
	require.ErrorIs(t, err, harvest.ErrConfiguration)

	runs, err := f.coord.List(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestStartRejectsBadRegexExcludes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, backends["memory"], &listingFetcher{})
	f.coord.cfg.Policy = dedupe.Policy{ExcludeMode: dedupe.ExcludeRegex}
	m := twoByTwo()
	m.ExcludeSets[0].Phrases = []string{"(unclosed"}

	_, err := f.coord.Start(context.Background(), StartRequest{Matrix: m})
	require.ErrorIs(t, err, harvest.ErrConfiguration)
}

func TestUnknownRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, backends["memory"], &listingFetcher{})
	ctx := context.Background()

	_, err := f.coord.Status(ctx, "missing")
	require.ErrorIs(t, err, harvest.ErrRunNotFound)
	_, err = f.coord.Resume(ctx, "missing")
	require.ErrorIs(t, err, harvest.ErrRunNotFound)
	require.ErrorIs(t, f.coord.Cancel(ctx, "missing"), harvest.ErrRunNotFound)
	require.ErrorIs(t, f.coord.Purge(ctx, "missing"), harvest.ErrRunNotFound)
	_, err = f.coord.Failed(ctx, "missing")
	require.ErrorIs(t, err, harvest.ErrRunNotFound)
	_, err = f.coord.Export(ctx, "missing", export.FormatCSV)
	require.ErrorIs(t, err, harvest.ErrRunNotFound)
}

func TestOperatorRetryAndExport(t *testing.T) {
	t.Parallel()

	fetcher := &listingFetcher{}
	fetcher.setErr("Boston", "tea", harvest.Permanent(errors.New("HTTP 403")))
	f := newFixture(t, backends["memory"], fetcher)
	ctx := context.Background()

	run, err := f.coord.Start(ctx, StartRequest{Matrix: twoByTwo()})
	require.NoError(t, err)
	wait(t, f.coord, run.ID)

	failed, err := f.coord.Failed(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "Boston", failed[0].City)
	require.Contains(t, failed[0].LastError, "HTTP 403")

	fetcher.setErr("Boston", "tea", nil)
	require.NoError(t, f.coord.RetryUnit(ctx, run.ID, failed[0].Ordinal))
	require.ErrorIs(t, f.coord.RetryUnit(ctx, run.ID, failed[0].Ordinal), harvest.ErrUnitNotFound)

	_, err = f.coord.Resume(ctx, run.ID)
	require.NoError(t, err)
	summary := wait(t, f.coord, run.ID)
	require.Equal(t, 4, summary.Counts.Done)

	n, err := f.coord.RequeueFailed(ctx, run.ID)
	require.NoError(t, err)
	require.Zero(t, n)

	uri, err := f.coord.Export(ctx, run.ID, export.FormatJSONL)
	require.NoError(t, err)
	require.Contains(t, uri, "memory://exports/"+run.ID+"/results-")

	units, err := f.coord.Units(ctx, run.ID, harvest.UnitFilter{Status: harvest.UnitDone})
	require.NoError(t, err)
	require.Len(t, units, 4)

	require.NoError(t, f.coord.Purge(ctx, run.ID))
	_, err = f.coord.Status(ctx, run.ID)
	require.ErrorIs(t, err, harvest.ErrRunNotFound)
}

func TestShutdownInterruptsDispatchers(t *testing.T) {
	t.Parallel()

	fetcher := &listingFetcher{started: make(chan int64, 16), release: make(chan struct{})}
	f := newFixture(t, backends["memory"], fetcher)
	ctx := context.Background()

	run, err := f.coord.Start(ctx, StartRequest{Matrix: twoByTwo()})
	require.NoError(t, err)
	<-fetcher.started

	require.NoError(t, f.coord.Shutdown(ctx))
	summary, err := f.coord.Wait(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, dispatcher.OutcomeInterrupted, summary.Outcome)

	// The lock is free, so another process may resume.
	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Empty(t, got.LockOwner)
}

func TestWaitWithoutLocalDispatcher(t *testing.T) {
	t.Parallel()

	f := newFixture(t, backends["memory"], &listingFetcher{})
	ctx := context.Background()
	storetest.SeedRun(t, f.store, "external", storetest.Matrix(1, 1, 2), storetest.Epoch)

	summary, err := f.coord.Wait(ctx, "external")
	require.NoError(t, err)
	require.Equal(t, dispatcher.OutcomeInterrupted, summary.Outcome)
	require.Equal(t, 2, summary.Counts.Pending)
}
