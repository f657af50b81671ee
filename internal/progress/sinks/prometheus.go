package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/map-harvester/internal/progress"
)

// PrometheusSink exports run and unit lifecycle metrics.
type PrometheusSink struct {
	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runsActive   prometheus.Gauge

	units        *prometheus.CounterVec
	unitDuration *prometheus.HistogramVec
	results      prometheus.Counter
	dropped      prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg (the default
// registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_runs_started_total",
			Help: "Dispatcher sessions started, by kind (start, resume).",
		}, []string{"kind"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_runs_finished_total",
			Help: "Dispatcher sessions ended, by result (done, cancelled, aborted).",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_runs_active",
			Help: "Runs with a live dispatcher in this process.",
		}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_units_total",
			Help: "Unit attempts by outcome (done, retry, failed, stale).",
		}, []string{"outcome"}),
		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_unit_duration_seconds",
			Help:    "Claim-to-settle time per unit attempt, by outcome.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		results: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_results_committed_total",
			Help: "Unique listings committed.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_results_dropped_total",
			Help: "Listings dropped as excluded, duplicate, or invalid.",
		}),
		tracker: &runTracker{active: make(map[string]struct{})},
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted, s.runsFinished, s.runsActive,
		s.units, s.unitDuration, s.results, s.dropped,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.begin(evt.RunID, "start")
		case progress.StageRunResume:
			s.begin(evt.RunID, "resume")
		case progress.StageRunDone:
			s.end(evt.RunID, "done")
		case progress.StageRunCancel:
			s.end(evt.RunID, "cancelled")
		case progress.StageRunAbort:
			s.end(evt.RunID, "aborted")
		case progress.StageUnitDone:
			s.unit(evt, "done")
			s.results.Add(float64(evt.Inserted))
			s.dropped.Add(float64(evt.Dropped))
		case progress.StageUnitRetry:
			s.unit(evt, "retry")
		case progress.StageUnitFailed:
			s.unit(evt, "failed")
		case progress.StageUnitStale:
			s.unit(evt, "stale")
		case progress.StageUnitRelease:
			s.unit(evt, "released")
		}
	}
	return nil
}

func (s *PrometheusSink) begin(runID, kind string) {
	s.runsStarted.WithLabelValues(kind).Inc()
	if s.tracker.start(runID) {
		s.runsActive.Inc()
	}
}

func (s *PrometheusSink) end(runID, result string) {
	s.runsFinished.WithLabelValues(result).Inc()
	if s.tracker.finish(runID) {
		s.runsActive.Dec()
	}
}

func (s *PrometheusSink) unit(evt progress.Event, outcome string) {
	s.units.WithLabelValues(outcome).Inc()
	if evt.Dur > 0 {
		s.unitDuration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = struct{}{}
	return true
}

func (t *runTracker) finish(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}
