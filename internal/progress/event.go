package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Run-level stages.
const (
	StageRunStart  Stage = "RUN_START"
	StageRunResume Stage = "RUN_RESUME"
	StageRunCancel Stage = "RUN_CANCEL"
	StageRunDone   Stage = "RUN_DONE"
	StageRunAbort  Stage = "RUN_ABORT"
)

// Unit-level stages.
const (
	StageUnitClaim  Stage = "UNIT_CLAIM"
	StageUnitDone   Stage = "UNIT_DONE"
	StageUnitRetry  Stage = "UNIT_RETRY"
	StageUnitFailed Stage = "UNIT_FAILED"
	StageUnitStale  Stage = "UNIT_STALE"

	// StageUnitRelease marks a unit handed back without a fetch or a charged attempt.
	StageUnitRelease Stage = "UNIT_RELEASE"
)

// IsUnit reports whether the stage refers to a single work unit.
func (s Stage) IsUnit() bool {
	switch s {
	case StageUnitClaim, StageUnitDone, StageUnitRetry, StageUnitFailed, StageUnitStale, StageUnitRelease:
		return true
	default:
		return false
	}
}

// Terminal reports whether the stage ends a dispatcher session.
func (s Stage) Terminal() bool {
	return s == StageRunDone || s == StageRunAbort || s == StageRunCancel
}

// Event is one progress milestone.
type Event struct {
	RunID string
	TS    time.Time
	Stage Stage
	// Ordinal identifies the unit for unit stages.
	Ordinal int64
	Worker  string
	Attempt int
	// Inserted counts new results on UNIT_DONE.
	Inserted int
	// Dropped counts excluded, duplicate, and invalid listings on UNIT_DONE.
	Dropped int
	Dur     time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunResume, StageRunCancel, StageRunDone, StageRunAbort:
	case StageUnitClaim, StageUnitDone, StageUnitRetry, StageUnitFailed, StageUnitStale, StageUnitRelease:
		if e.Ordinal < 0 {
			return errors.New("unit event requires ordinal >= 0")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 || e.Inserted < 0 || e.Dropped < 0 {
		return errors.New("durations and counts must be >= 0")
	}
	return nil
}
