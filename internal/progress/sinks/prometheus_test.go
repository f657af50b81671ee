package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/map-harvester/internal/progress"
)

func TestPrometheusSinkRecordsLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{RunID: "r1", TS: now, Stage: progress.StageRunStart},
		{RunID: "r1", TS: now, Stage: progress.StageUnitClaim, Ordinal: 0},
		{RunID: "r1", TS: now, Stage: progress.StageUnitDone, Ordinal: 0, Inserted: 3, Dropped: 2, Dur: time.Second},
		{RunID: "r1", TS: now, Stage: progress.StageUnitRetry, Ordinal: 1},
		{RunID: "r1", TS: now, Stage: progress.StageUnitFailed, Ordinal: 1},
		{RunID: "r1", TS: now, Stage: progress.StageUnitStale, Ordinal: 2},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.runsStarted.WithLabelValues("start")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.runsActive), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.units.WithLabelValues("done")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.units.WithLabelValues("retry")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.units.WithLabelValues("failed")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.units.WithLabelValues("stale")), 1e-9)
	require.InDelta(t, 3.0, testutil.ToFloat64(sink.results), 1e-9)
	require.InDelta(t, 2.0, testutil.ToFloat64(sink.dropped), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.unitDuration, "harvest_unit_duration_seconds"))

	// A resume of the same run while active does not double count.
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: "r1", TS: now, Stage: progress.StageRunResume},
		{RunID: "r1", TS: now, Stage: progress.StageRunCancel},
		{RunID: "r1", TS: now, Stage: progress.StageRunDone},
	}))
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.runsActive), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("cancelled")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("done")), 1e-9)
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.ErrorContains(t, err, "register progress collector")
}
