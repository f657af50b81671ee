package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/map-harvester/internal/coordinator"
	"github.com/JakeFAU/map-harvester/internal/export"
	"github.com/JakeFAU/map-harvester/internal/harvest"
)

const (
	defaultRunLimit  = 50
	maxRunLimit      = 500
	defaultUnitLimit = 100
	maxUnitLimit     = 5000
	liveTimeout      = 3 * time.Second
)

// startRunRequest mirrors coordinator.StartRequest with durations in seconds.
type startRunRequest struct {
	Name              string         `json:"name"`
	Matrix            harvest.Matrix `json:"matrix"`
	Concurrency       int            `json:"concurrency"`
	RequestsPerSecond float64        `json:"requests_per_second"`
	Burst             int            `json:"burst"`
	MaxAttempts       int            `json:"max_attempts"`
	LeaseSeconds      int            `json:"lease_seconds"`
	FetchTimeoutSecs  int            `json:"fetch_timeout_seconds"`
}

func (req startRunRequest) toStart() coordinator.StartRequest {
	return coordinator.StartRequest{
		Name:   req.Name,
		Matrix: req.Matrix,
		Params: harvest.RunParams{
			Concurrency:       req.Concurrency,
			RequestsPerSecond: req.RequestsPerSecond,
			Burst:             req.Burst,
			MaxAttempts:       req.MaxAttempts,
			LeaseDuration:     time.Duration(req.LeaseSeconds) * time.Second,
			FetchTimeout:      time.Duration(req.FetchTimeoutSecs) * time.Second,
		},
	}
}

// startRun handles POST /v1/runs. It returns 202 with the created run, 400 for
// an invalid matrix or parameters, or 503 when the store is unreachable.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	run, err := s.runs.Start(r.Context(), req.toStart())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run": run})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.runs.List(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []harvest.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) runStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.runs.Status(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) purgeRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if err := s.runs.Purge(r.Context(), runID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "purged"})
}

// resumeRun handles POST /v1/runs/{run_id}/resume. A run whose lock is held
// by a live dispatcher yields 409.
func (s *Server) resumeRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Resume(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run": run})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if err := s.runs.Cancel(r.Context(), runID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": coordinator.StateCancelled})
}

// listUnits handles GET /v1/runs/{run_id}/units?status=&limit=.
func (s *Server) listUnits(w http.ResponseWriter, r *http.Request) {
	filter, err := parseUnitFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	units, err := s.runs.Units(r.Context(), chi.URLParam(r, "run_id"), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeUnits(w, units)
}

func (s *Server) listFailed(w http.ResponseWriter, r *http.Request) {
	units, err := s.runs.Failed(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeUnits(w, units)
}

func writeUnits(w http.ResponseWriter, units []harvest.WorkUnit) {
	if units == nil {
		units = []harvest.WorkUnit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"units": units})
}

func (s *Server) requeueFailed(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	n, err := s.runs.RequeueFailed(r.Context(), runID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "requeued": n})
}

func (s *Server) retryUnit(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	ordinal, err := strconv.ParseInt(chi.URLParam(r, "ordinal"), 10, 64)
	if err != nil || ordinal < 0 {
		writeError(w, http.StatusBadRequest, "invalid ordinal")
		return
	}
	if err := s.runs.RetryUnit(r.Context(), runID, ordinal); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "ordinal": ordinal, "status": harvest.UnitPending})
}

// exportRun handles POST /v1/runs/{run_id}/export?format=csv|jsonl and returns
// the artifact URI.
func (s *Server) exportRun(w http.ResponseWriter, r *http.Request) {
	format := s.opts.ExportFormat
	if raw := r.URL.Query().Get("format"); raw != "" {
		parsed, err := export.ParseFormat(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		format = parsed
	}
	runID := chi.URLParam(r, "run_id")
	uri, err := s.runs.Export(r.Context(), runID, format)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "format": string(format), "uri": uri})
}

// liveStatus handles GET /v1/runs/{run_id}/live. It returns 404 when the live
// cache is not configured or holds nothing for the run.
func (s *Server) liveStatus(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		writeError(w, http.StatusNotFound, "live status not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), liveTimeout)
	defer cancel()

	runID := chi.URLParam(r, "run_id")
	st, ok, err := s.live.Live(ctx, runID)
	if err != nil {
		s.logger.Warn("live status lookup failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "live status unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no live status for run")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func parseUnitFilter(r *http.Request) (harvest.UnitFilter, error) {
	var filter harvest.UnitFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := harvest.ParseUnitStatus(raw)
		if err != nil {
			return filter, err
		}
		filter.Status = status
	}
	limit, err := parseLimit(r, defaultUnitLimit, maxUnitLimit)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit
	return filter, nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(limit, maxLimit), nil
}
