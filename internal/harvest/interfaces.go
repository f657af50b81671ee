package harvest

import (
	"context"
	"io"
	"time"
)

// Store is the durable progress store. It exclusively owns runs, units, and
// results; every transition is a single atomic backend operation.
type Store interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	SetCancelled(ctx context.Context, runID string, cancelled bool) error

	SeedUnits(ctx context.Context, runID string, units []WorkUnit) (int, error)
	ClaimNext(ctx context.Context, runID, leaseOwner string, lease time.Duration) (WorkUnit, bool, error)
	CompleteUnit(ctx context.Context, c Completion) (int, error)
	FailUnit(ctx context.Context, f Failure) (UnitStatus, error)
	// ReleaseUnit returns a claimed unit to pending without charging an attempt.
	ReleaseUnit(ctx context.Context, runID string, ordinal int64, leaseOwner string) error

	CommittedIdentities(ctx context.Context, runID string, identities []string) (map[string]struct{}, error)
	Counts(ctx context.Context, runID string) (RunCounts, error)
	ListUnits(ctx context.Context, runID string, filter UnitFilter) ([]WorkUnit, error)
	ListResults(ctx context.Context, runID string) ([]Result, error)
	RetryUnit(ctx context.Context, runID string, ordinal int64) error
	RequeueFailed(ctx context.Context, runID string) (int, error)

	AcquireRunLock(ctx context.Context, runID, owner string, ttl time.Duration) error
	RefreshRunLock(ctx context.Context, runID, owner string, ttl time.Duration) error
	ReleaseRunLock(ctx context.Context, runID, owner string) error

	PurgeRun(ctx context.Context, runID string) error
	Close() error
}

// Fetcher performs the provider query for one unit.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) ([]RawListing, error)
}

// Publisher announces committed units to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg UnitCommitted) (string, error)
}

// BlobStore writes export artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Limiter gates fetches against a shared request-rate ceiling.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Hasher computes digests used for listing identities.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run ids and lease owner ids.
type IDGenerator interface {
	NewID() (string, error)
}
