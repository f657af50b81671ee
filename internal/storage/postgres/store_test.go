package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/map-harvester/internal/clock/manual"
	"github.com/JakeFAU/map-harvester/internal/harvest"
	"github.com/JakeFAU/map-harvester/internal/storage/storetest"
)

var now = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

var unitCols = []string{
	"run_id", "ordinal", "city", "request", "category", "exclude_set", "status",
	"lease_owner", "lease_expiry", "claimed_at", "attempts", "last_error",
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, manual.New(now))
	require.NoError(t, err)
	return store, mock
}

func TestClaimNextReturnsLeasedUnit(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	owner := "node-1-w0"
	expiry := now.Add(time.Minute)

	mock.ExpectQuery("UPDATE work_units").
		WithArgs(owner, expiry, now, "run-1").
		WillReturnRows(pgxmock.NewRows(unitCols).AddRow(
			"run-1", int64(2), "Kazan", "coffee", "cafe", "chains", "claimed",
			&owner, &expiry, &now, 1, "timeout",
		))

	u, ok, err := store.ClaimNext(context.Background(), "run-1", owner, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), u.Ordinal)
	require.Equal(t, harvest.UnitClaimed, u.Status)
	require.Equal(t, owner, u.LeaseOwner)
	require.True(t, u.LeaseExpiry.Equal(expiry))
	require.Equal(t, 1, u.Attempts)
	require.Equal(t, "chains", u.ExcludeSet)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextNoneAvailable(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE work_units").
		WithArgs("w", now.Add(time.Minute), now, "run-1").
		WillReturnRows(pgxmock.NewRows(unitCols))

	_, ok, err := store.ClaimNext(context.Background(), "run-1", "w", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteUnitInsertsResults(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE work_units").
		WithArgs("run-1", int64(3), "w", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO results").
		WithArgs("run-1", int64(3),
			[]string{"id:a", "id:b"},
			[]string{`{"name":"A"}`, `{"name":"B"}`},
			[]time.Time{now, now},
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := store.CompleteUnit(context.Background(), harvest.Completion{
		RunID: "run-1", Ordinal: 3, LeaseOwner: "w",
		Results: []harvest.Result{
			{Identity: "id:a", Payload: []byte(`{"name":"A"}`), FetchedAt: now},
			{Identity: "id:b", Payload: []byte(`{"name":"B"}`), FetchedAt: now},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteUnitStaleLeaseRollsBack(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE work_units").
		WithArgs("run-1", int64(3), "w", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := store.CompleteUnit(context.Background(), harvest.Completion{
		RunID: "run-1", Ordinal: 3, LeaseOwner: "w",
		Results: []harvest.Result{{Identity: "id:a", Payload: []byte(`{}`), FetchedAt: now}},
	})
	require.ErrorIs(t, err, harvest.ErrStaleLease)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailUnit(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE work_units").
		WithArgs(false, 3, "boom", "run-1", int64(0), "w").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("pending"))
	mock.ExpectQuery("UPDATE work_units").
		WithArgs(true, 3, "gone", "run-1", int64(1), "w").
		WillReturnRows(pgxmock.NewRows([]string{"status"}))

	status, err := store.FailUnit(context.Background(), harvest.Failure{
		RunID: "run-1", Ordinal: 0, LeaseOwner: "w", Err: "boom", MaxAttempts: 3,
	})
	require.NoError(t, err)
	require.Equal(t, harvest.UnitPending, status)

	_, err = store.FailUnit(context.Background(), harvest.Failure{
		RunID: "run-1", Ordinal: 1, LeaseOwner: "w", Err: "gone", Permanent: true, MaxAttempts: 3,
	})
	require.ErrorIs(t, err, harvest.ErrStaleLease)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseUnit(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE work_units SET status = 'pending'").
		WithArgs("run-1", int64(4), "w").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE work_units SET status = 'pending'").
		WithArgs("run-1", int64(4), "w").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.ReleaseUnit(context.Background(), "run-1", 4, "w"))
	err := store.ReleaseUnit(context.Background(), "run-1", 4, "w")
	require.ErrorIs(t, err, harvest.ErrStaleLease)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedUnits(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("INSERT INTO work_units").
		WithArgs("run-1", []int64{0, 1}, []string{"A", "A"}, []string{"q", "q"}, []string{"c1", "c2"}, []string{"", "x"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := store.SeedUnits(context.Background(), "run-1", []harvest.WorkUnit{
		{Ordinal: 0, City: "A", Request: "q", Category: "c1"},
		{Ordinal: 1, City: "A", Request: "q", Category: "c2", ExcludeSet: "x"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedUnitsUnknownRun(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	_, err := store.SeedUnits(context.Background(), "nope", nil)
	require.ErrorIs(t, err, harvest.ErrRunNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCounts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	cols := []string{"exists", "pending", "claimed", "done", "failed", "results"}
	mock.ExpectQuery("SELECT EXISTS").WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(true, 1, 2, 3, 4, 17))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(false, 0, 0, 0, 0, 0))

	counts, err := store.Counts(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, harvest.RunCounts{Pending: 1, Claimed: 2, Done: 3, Failed: 4, Results: 17}, counts)
	require.Equal(t, 10, counts.Total())

	_, err = store.Counts(context.Background(), "missing")
	require.ErrorIs(t, err, harvest.ErrRunNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommittedIdentities(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ids := []string{"id:a", "id:b", "h:c"}
	mock.ExpectQuery("SELECT identity FROM results").WithArgs("run-1", ids).
		WillReturnRows(pgxmock.NewRows([]string{"identity"}).AddRow("id:a").AddRow("h:c"))

	got, err := store.CommittedIdentities(context.Background(), "run-1", ids)
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"id:a": {}, "h:c": {}}, got)

	empty, err := store.CommittedIdentities(context.Background(), "run-1", nil)
	require.NoError(t, err)
	require.Empty(t, empty)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireRunLockConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ttl := 30 * time.Second
	holder := "node-1"
	mock.ExpectExec("UPDATE runs SET lock_owner").
		WithArgs("node-2", now.Add(ttl), "run-1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT lock_owner FROM runs").WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"lock_owner"}).AddRow(&holder))

	err := store.AcquireRunLock(context.Background(), "run-1", "node-2", ttl)
	var running *harvest.AlreadyRunningError
	require.ErrorAs(t, err, &running)
	require.Equal(t, "node-1", running.Owner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireRunLockUnknownRun(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE runs SET lock_owner").
		WithArgs("node-2", now.Add(time.Second), "nope", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT lock_owner FROM runs").WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{"lock_owner"}))

	err := store.AcquireRunLock(context.Background(), "nope", "node-2", time.Second)
	require.ErrorIs(t, err, harvest.ErrRunNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeRun(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM runs").WithArgs("run-1", now).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM runs").WithArgs("run-1", now).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery("SELECT lock_owner FROM runs").WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"lock_owner"}))

	require.NoError(t, store.PurgeRun(context.Background(), "run-1"))
	require.ErrorIs(t, store.PurgeRun(context.Background(), "run-1"), harvest.ErrRunNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeRunRefusesLockedRun(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	owner := "node-2"
	mock.ExpectExec(`DELETE FROM runs WHERE id = \$1 AND \(lock_owner IS NULL OR lock_expiry < \$2\)`).
		WithArgs("run-1", now).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery("SELECT lock_owner FROM runs").WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"lock_owner"}).AddRow(&owner))

	err := store.PurgeRun(context.Background(), "run-1")
	var running *harvest.AlreadyRunningError
	require.ErrorAs(t, err, &running)
	require.Equal(t, owner, running.Owner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRejectsOtherVersion(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	mock.ExpectQuery("SELECT version FROM harvest_schema").
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(2))
	mock.ExpectRollback()

	err := store.Migrate(context.Background())
	var schemaErr *harvest.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	require.Equal(t, 2, schemaErr.Got)
	require.True(t, harvest.IsFatal(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRecordsVersion(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	mock.ExpectQuery("SELECT version FROM harvest_schema").
		WillReturnRows(pgxmock.NewRows([]string{"version"}))
	mock.ExpectExec("INSERT INTO harvest_schema").WithArgs(SchemaVersion).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackendErrorsAreClassified(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	dial := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	mock.ExpectQuery("SELECT id").WithArgs("run-1").WillReturnError(dial)
	mock.ExpectQuery("SELECT id").WithArgs("run-1").
		WillReturnError(&pgconn.PgError{Code: "08006", Message: "connection failure"})
	mock.ExpectQuery("SELECT id").WithArgs("run-1").
		WillReturnError(&pgconn.PgError{Code: "42P01", Message: `relation "runs" does not exist`})
	mock.ExpectQuery("SELECT id").WithArgs("run-1").
		WillReturnError(&pgconn.PgError{Code: "22P02", Message: "invalid input"})

	_, err := store.GetRun(context.Background(), "run-1")
	require.ErrorIs(t, err, harvest.ErrBackendUnavailable)

	_, err = store.GetRun(context.Background(), "run-1")
	require.ErrorIs(t, err, harvest.ErrBackendUnavailable)

	_, err = store.GetRun(context.Background(), "run-1")
	require.ErrorIs(t, err, harvest.ErrSchema)

	_, err = store.GetRun(context.Background(), "run-1")
	require.Error(t, err)
	require.NotErrorIs(t, err, harvest.ErrBackendUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, manual.New(now))
	require.ErrorIs(t, err, harvest.ErrConfiguration)

	_, err = New(context.Background(), Config{DSN: "postgres://%zz"}, manual.New(now))
	require.ErrorIs(t, err, harvest.ErrConfiguration)

	_, err = NewWithPool(nil, manual.New(now))
	require.Error(t, err)
}

// dsnEnv names a database the shared store suite may create schemas in.
const dsnEnv = "HARVEST_TEST_POSTGRES_DSN"

var schemaSeq atomic.Int64

// TestStoreSuite runs the shared store contract against a live server, one
// throwaway schema per case.
func TestStoreSuite(t *testing.T) {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	t.Parallel()

	storetest.Run(t, func(t *testing.T, clock harvest.Clock) harvest.Store {
		return liveStore(t, dsn, clock)
	})
}

func liveStore(t *testing.T, dsn string, clock harvest.Clock) *Store {
	t.Helper()
	ctx := context.Background()
	schema := fmt.Sprintf("harvest_test_%d_%d", os.Getpid(), schemaSeq.Add(1))

	admin, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer func() { _ = admin.Close(ctx) }()
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+pgx.Identifier{schema}.Sanitize())
	require.NoError(t, err)
	t.Cleanup(func() {
		conn, err := pgx.Connect(context.Background(), dsn)
		if err != nil {
			t.Logf("drop schema %s: %v", schema, err)
			return
		}
		defer func() { _ = conn.Close(context.Background()) }()
		if _, err := conn.Exec(context.Background(), "DROP SCHEMA "+pgx.Identifier{schema}.Sanitize()+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
	})

	poolCfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	poolCfg.MaxConns = 8
	poolCfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	require.NoError(t, err)
	store, err := NewWithPool(pool, clock)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestLiveStoreRejectsNULEscapeAsUnitError(t *testing.T) {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	t.Parallel()

	ctx := context.Background()
	clk := manual.New(storetest.Epoch)
	store := liveStore(t, dsn, clk)
	t.Cleanup(func() { _ = store.Close() })

	storetest.SeedRun(t, store, "run", storetest.Matrix(1, 1, 1), clk.Now())
	unit, ok, err := store.ClaimNext(ctx, "run", "w", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// jsonb refuses \u0000, so a raw NUL escape would fail the whole commit.
	_, err = store.CompleteUnit(ctx, harvest.Completion{
		RunID: "run", Ordinal: unit.Ordinal, LeaseOwner: "w",
		Results: []harvest.Result{{Identity: "id-1", Payload: []byte(`{"name":"Cafe\u0000"}`), FetchedAt: clk.Now()}},
	})
	require.Error(t, err)
	require.NotErrorIs(t, err, harvest.ErrBackendUnavailable)
	require.False(t, harvest.IsFatal(err))
}
