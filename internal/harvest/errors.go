package harvest

import (
	"context"
	"errors"
	"fmt"
)

// Sentinels matched by the typed errors below via errors.Is.
var (
	ErrConfiguration      = errors.New("configuration error")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrStaleLease         = errors.New("stale lease")
	ErrSchema             = errors.New("schema mismatch")
	ErrRunNotFound        = errors.New("run not found")
	ErrAlreadyRunning     = errors.New("run already running")
	ErrUnitNotFound       = errors.New("unit not found")
)

// ConfigurationError reports an invalid matrix or run parameters. It is fatal
// and surfaces before any run starts.
type ConfigurationError struct {
	Reason string
}

// NewConfigurationError formats a ConfigurationError.
func NewConfigurationError(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.Reason
}

// Is matches ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// BackendUnavailableError wraps a connection-level store failure. Callers retry with backoff.
type BackendUnavailableError struct {
	Op  string
	Err error
}

// Unavailable wraps err as a BackendUnavailableError for op.
func Unavailable(op string, err error) error {
	return &BackendUnavailableError{Op: op, Err: err}
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("%s: backend unavailable: %v", e.Op, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error {
	return e.Err
}

// Is matches ErrBackendUnavailable.
func (e *BackendUnavailableError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

// StaleLeaseError means the caller no longer holds a live lease on the unit.
// No mutation was performed.
type StaleLeaseError struct {
	RunID      string
	Ordinal    int64
	LeaseOwner string
}

func (e *StaleLeaseError) Error() string {
	return fmt.Sprintf("stale lease on unit %d of run %s held by %s", e.Ordinal, e.RunID, e.LeaseOwner)
}

// Is matches ErrStaleLease.
func (e *StaleLeaseError) Is(target error) bool {
	return target == ErrStaleLease
}

// SchemaError means the persisted layout does not match what this build expects.
type SchemaError struct {
	Want   int
	Got    int
	Detail string
}

func (e *SchemaError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("schema version mismatch: want %d, got %d: %s", e.Want, e.Got, e.Detail)
	}
	return fmt.Sprintf("schema version mismatch: want %d, got %d", e.Want, e.Got)
}

// Is matches ErrSchema.
func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}

// RunNotFoundError reports an unknown run id.
type RunNotFoundError struct {
	RunID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("run %s not found", e.RunID)
}

// Is matches ErrRunNotFound.
func (e *RunNotFoundError) Is(target error) bool {
	return target == ErrRunNotFound
}

// AlreadyRunningError reports that another dispatcher holds the run lock.
type AlreadyRunningError struct {
	RunID string
	Owner string
}

func (e *AlreadyRunningError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("run %s is already running", e.RunID)
	}
	return fmt.Sprintf("run %s is already running under %s", e.RunID, e.Owner)
}

// Is matches ErrAlreadyRunning.
func (e *AlreadyRunningError) Is(target error) bool {
	return target == ErrAlreadyRunning
}

// FetchErrorKind drives the retry-or-fail decision for a unit.
type FetchErrorKind int

// Fetch error kinds.
const (
	FetchTransient FetchErrorKind = iota
	FetchPermanent
)

func (k FetchErrorKind) String() string {
	if k == FetchPermanent {
		return "permanent"
	}
	return "transient"
}

// FetchError is returned by Fetchers to classify failures.
type FetchError struct {
	Kind FetchErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s fetch error: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &FetchError{Kind: FetchTransient, Err: err}
}

// Permanent marks err as terminal for the unit regardless of retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &FetchError{Kind: FetchPermanent, Err: err}
}

// IsPermanent reports whether err was classified as permanent. Unclassified
// errors and timeouts are transient.
func IsPermanent(err error) bool {
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind == FetchPermanent
	}
	return false
}

// IsFatal reports store-wide failures that must abort a run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSchema)
}
