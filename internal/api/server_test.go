package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/map-harvester/internal/coordinator"
	"github.com/JakeFAU/map-harvester/internal/export"
	"github.com/JakeFAU/map-harvester/internal/harvest"
	"github.com/JakeFAU/map-harvester/internal/progress/sinks"
)

const startBody = `{
  "name": "coffee-q3",
  "matrix": {
    "cities": [{"name": "Austin"}],
    "requests": [{"query": "coffee"}],
    "categories": [{"name": "cafe"}]
  },
  "concurrency": 3,
  "lease_seconds": 120,
  "fetch_timeout_seconds": 30
}`

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(&fakeRuns{}, nil, Options{}), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadyzReportsStore(t *testing.T) {
	t.Parallel()

	runs := &fakeRuns{}
	srv := newTestServer(runs, nil, Options{})
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/readyz", "").Code)

	runs.setErr(harvest.Unavailable("ping", errors.New("connection refused")))
	require.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodGet, "/readyz", "").Code)
}

func TestStartRunConvertsSeconds(t *testing.T) {
	t.Parallel()

	runs := &fakeRuns{}
	rec := do(t, newTestServer(runs, nil, Options{}), http.MethodPost, "/v1/runs", startBody)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Run harvest.Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "run-1", resp.Run.ID)

	got := runs.lastStart()
	require.Equal(t, "coffee-q3", got.Name)
	require.Equal(t, 3, got.Params.Concurrency)
	require.Equal(t, 2*time.Minute, got.Params.LeaseDuration)
	require.Equal(t, 30*time.Second, got.Params.FetchTimeout)
	require.Equal(t, "Austin", got.Matrix.Cities[0].Name)
}

func TestStartRunRejectsBadJSON(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeRuns{}, nil, Options{})
	require.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/v1/runs", "{").Code)
	require.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/v1/runs", `{"urls":["x"]}`).Code)
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "not found", err: &harvest.RunNotFoundError{RunID: "nope"}, want: http.StatusNotFound},
		{name: "already running", err: &harvest.AlreadyRunningError{RunID: "r", Owner: "host-1"}, want: http.StatusConflict},
		{name: "configuration", err: harvest.NewConfigurationError("matrix has no cities"), want: http.StatusBadRequest},
		{name: "unavailable", err: harvest.Unavailable("get run", errors.New("dial tcp")), want: http.StatusServiceUnavailable},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			runs := &fakeRuns{}
			runs.setErr(tt.err)
			srv := newTestServer(runs, nil, Options{})

			require.Equal(t, tt.want, do(t, srv, http.MethodGet, "/v1/runs/r", "").Code)
			require.Equal(t, tt.want, do(t, srv, http.MethodPost, "/v1/runs/r/resume", "").Code)
			require.Equal(t, tt.want, do(t, srv, http.MethodDelete, "/v1/runs/r", "").Code)
		})
	}
}

func TestRunRoutes(t *testing.T) {
	t.Parallel()

	runs := &fakeRuns{}
	srv := newTestServer(runs, nil, Options{})

	rec := do(t, srv, http.MethodGet, "/v1/runs/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st coordinator.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, coordinator.StateRunning, st.State)
	require.Equal(t, 1, st.Counts.Done)

	rec = do(t, srv, http.MethodGet, "/v1/runs?limit=10000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, maxRunLimit, runs.called("list"))
	require.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/v1/runs?limit=-1", "").Code)

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/v1/runs/run-1/cancel", "").Code)
	require.Equal(t, "run-1", runs.lastRunID())

	rec = do(t, srv, http.MethodPost, "/v1/runs/run-1/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"run_id":"run-1","requeued":2}`, rec.Body.String())

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/v1/runs/run-1/units/7/retry", "").Code)
	require.Equal(t, 7, runs.called("retry_unit"))
	require.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/v1/runs/run-1/units/x/retry", "").Code)

	rec = do(t, srv, http.MethodGet, "/v1/runs/run-1/failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"last_error":"HTTP 403"`)
}

func TestListUnitsFilter(t *testing.T) {
	t.Parallel()

	runs := &fakeRuns{}
	srv := newTestServer(runs, nil, Options{})

	rec := do(t, srv, http.MethodGet, "/v1/runs/run-1/units?status=DONE&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, harvest.UnitFilter{Status: harvest.UnitDone, Limit: 5}, runs.lastFilter())

	rec = do(t, srv, http.MethodGet, "/v1/runs/run-1/units", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, harvest.UnitFilter{Limit: defaultUnitLimit}, runs.lastFilter())
	require.JSONEq(t, `{"units":[]}`, rec.Body.String())

	require.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/v1/runs/run-1/units?status=lost", "").Code)
}

func TestExportFormat(t *testing.T) {
	t.Parallel()

	runs := &fakeRuns{}
	srv := newTestServer(runs, nil, Options{ExportFormat: export.FormatJSONL})

	rec := do(t, srv, http.MethodPost, "/v1/runs/run-1/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"run_id":"run-1","format":"jsonl","uri":"mem://exports/run-1.jsonl"}`, rec.Body.String())

	rec = do(t, srv, http.MethodPost, "/v1/runs/run-1/export?format=CSV", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `run-1.csv`)

	require.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/v1/runs/run-1/export?format=xml", "").Code)
}

func TestLiveStatus(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(&fakeRuns{}, nil, Options{}), http.MethodGet, "/v1/runs/run-1/live", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	live := fakeLive{"run-1": {RunID: "run-1", State: "running", Done: 3}}
	srv := newTestServer(&fakeRuns{}, live, Options{})

	rec = do(t, srv, http.MethodGet, "/v1/runs/run-1/live", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st sinks.LiveStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.EqualValues(t, 3, st.Done)

	require.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/v1/runs/other/live", "").Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeRuns{}, nil, Options{AuthEnabled: true, APIKey: "secret"})

	require.Equal(t, http.StatusForbidden, do(t, srv, http.MethodGet, "/v1/runs", "").Code)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/v1/runs?api_key=secret", "").Code)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/healthz", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(&fakeRuns{}, nil, Options{}), http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	newTestServer(&fakeRuns{}, nil, Options{}).Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

func newTestServer(runs Runs, live LiveReader, opts Options) *Server {
	return NewServer(runs, live, opts, zap.NewNop())
}

func do(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

// fakeRuns returns canned answers, or err from every method once set.
type fakeRuns struct {
	mu     sync.Mutex
	err    error
	start  coordinator.StartRequest
	runID  string
	filter harvest.UnitFilter
	calls  map[string]int
}

func (f *fakeRuns) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRuns) record(name, runID string, v int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name] = v
	f.runID = runID
	return f.err
}

func (f *fakeRuns) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRuns) lastStart() coordinator.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.start
}

func (f *fakeRuns) lastRunID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runID
}

func (f *fakeRuns) lastFilter() harvest.UnitFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter
}

func (f *fakeRuns) Start(_ context.Context, req coordinator.StartRequest) (harvest.Run, error) {
	f.mu.Lock()
	f.start = req
	f.mu.Unlock()
	if err := f.record("start", "run-1", 1); err != nil {
		return harvest.Run{}, err
	}
	return harvest.Run{ID: "run-1", Name: req.Name, Matrix: req.Matrix, Params: req.Params}, nil
}

func (f *fakeRuns) Resume(_ context.Context, runID string) (harvest.Run, error) {
	if err := f.record("resume", runID, 1); err != nil {
		return harvest.Run{}, err
	}
	return harvest.Run{ID: runID}, nil
}

func (f *fakeRuns) Status(_ context.Context, runID string) (coordinator.Status, error) {
	if err := f.record("status", runID, 1); err != nil {
		return coordinator.Status{}, err
	}
	return coordinator.Status{
		Run:    harvest.Run{ID: runID},
		Counts: harvest.RunCounts{Pending: 1, Done: 1},
		State:  coordinator.StateRunning,
		Local:  true,
	}, nil
}

func (f *fakeRuns) Cancel(_ context.Context, runID string) error {
	return f.record("cancel", runID, 1)
}

func (f *fakeRuns) List(_ context.Context, limit int) ([]harvest.Run, error) {
	if err := f.record("list", "", limit); err != nil {
		return nil, err
	}
	return []harvest.Run{{ID: "run-1"}}, nil
}

func (f *fakeRuns) Units(_ context.Context, runID string, filter harvest.UnitFilter) ([]harvest.WorkUnit, error) {
	f.mu.Lock()
	f.filter = filter
	f.mu.Unlock()
	return nil, f.record("units", runID, 1)
}

func (f *fakeRuns) Failed(_ context.Context, runID string) ([]harvest.WorkUnit, error) {
	if err := f.record("failed", runID, 1); err != nil {
		return nil, err
	}
	return []harvest.WorkUnit{{
		RunID: runID, Ordinal: 3, City: "Boston", Request: "tea", Category: "cafe",
		Status: harvest.UnitFailed, Attempts: 3, LastError: "HTTP 403",
	}}, nil
}

func (f *fakeRuns) RetryUnit(_ context.Context, runID string, ordinal int64) error {
	return f.record("retry_unit", runID, int(ordinal))
}

func (f *fakeRuns) RequeueFailed(_ context.Context, runID string) (int, error) {
	if err := f.record("requeue", runID, 1); err != nil {
		return 0, err
	}
	return 2, nil
}

func (f *fakeRuns) Purge(_ context.Context, runID string) error {
	return f.record("purge", runID, 1)
}

func (f *fakeRuns) Export(_ context.Context, runID string, format export.Format) (string, error) {
	if err := f.record("export", runID, 1); err != nil {
		return "", err
	}
	return fmt.Sprintf("mem://exports/%s.%s", runID, format), nil
}

func (f *fakeRuns) Ready(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

type fakeLive map[string]sinks.LiveStatus

func (f fakeLive) Live(_ context.Context, runID string) (sinks.LiveStatus, bool, error) {
	st, ok := f[runID]
	return st, ok, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
