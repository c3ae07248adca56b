package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/stagesync/internal/sync"
)

type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeEngine records calls and returns canned results.
type fakeEngine struct {
	mu          stdsync.Mutex
	status      sync.EngineStatus
	statusCalls int
	page        sync.RecordPage
	pageArgs    [2]int
	control     map[string]sync.ControlResult
	deletedIDs  []int64
	report      sync.ReconcileReport
	reconcile   error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		status:  sync.EngineStatus{Pending: 2, WatcherActive: true, Worker: sync.WorkerStats{State: sync.WorkerIdle}},
		control: map[string]sync.ControlResult{},
	}
}

func (f *fakeEngine) Status(context.Context) (sync.EngineStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statusCalls++

	return f.status, nil
}

func (f *fakeEngine) PendingRecords(_ context.Context, page, size int) (sync.RecordPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pageArgs = [2]int{page, size}

	return f.page, nil
}

func (f *fakeEngine) controlResult(action string) sync.ControlResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	if res, ok := f.control[action]; ok {
		return res
	}

	return sync.ControlResult{Success: true, State: sync.WorkerRunning}
}

func (f *fakeEngine) StartWorker() sync.ControlResult  { return f.controlResult("start") }
func (f *fakeEngine) PauseWorker() sync.ControlResult  { return f.controlResult("pause") }
func (f *fakeEngine) ResumeWorker() sync.ControlResult { return f.controlResult("resume") }
func (f *fakeEngine) StopWorker() sync.ControlResult   { return f.controlResult("stop") }

func (f *fakeEngine) ConfirmDeletion(_ context.Context, ids []int64) []sync.DeletionResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletedIDs = append(f.deletedIDs, ids...)

	out := make([]sync.DeletionResult, len(ids))
	for i, id := range ids {
		out[i] = sync.DeletionResult{ID: id, Outcome: sync.DeletionDeleted}
	}

	return out
}

func (f *fakeEngine) lastPageArgs() [2]int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.pageArgs
}

func (f *fakeEngine) deleted() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]int64(nil), f.deletedIDs...)
}

func (f *fakeEngine) TriggerReconcile(context.Context) (sync.ReconcileReport, error) {
	return f.report, f.reconcile
}

func newTestServer(t *testing.T, engine Engine) *httptest.Server {
	t.Helper()

	s := NewServer(engine, "127.0.0.1:0", 20*time.Millisecond, testLogger(t))
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)

	return ts
}

func doRequest(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, url, strings.NewReader(body))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))

	return resp, decoded
}

func TestServer_Status(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newFakeEngine())

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/v1/status", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.InDelta(t, 2, body["pending"], 0)
	assert.Equal(t, true, body["watcher_active"])
}

func TestServer_PendingRecordsPaging(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	ts := newTestServer(t, engine)

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/v1/records/pending?page=3&size=7", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, [2]int{3, 7}, engine.lastPageArgs())

	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/api/v1/records/pending", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, [2]int{1, defaultPageSize}, engine.lastPageArgs())

	for _, q := range []string{"page=0", "page=x", "size=0", "size=5000"} {
		resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/v1/records/pending?"+q, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
		assert.NotEmpty(t, body["error"], q)
	}
}

func TestServer_WorkerControl(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	engine.control["pause"] = sync.ControlResult{
		Success: false,
		Message: "cannot pause worker: worker is idle",
		State:   sync.WorkerIdle,
	}

	ts := newTestServer(t, engine)

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/worker/start", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	resp, body = doRequest(t, http.MethodPost, ts.URL+"/api/v1/worker/pause", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "idle", body["state"])

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/v1/worker/explode", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ConfirmDeletions(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	ts := newTestServer(t, engine)

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/deletions", `{"ids":[4,9]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["results"], 2)
	assert.Equal(t, []int64{4, 9}, engine.deleted())

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/v1/deletions", `{"ids":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/v1/deletions", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ReconcileGuardIsConflict(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	engine.reconcile = sync.ErrNosyncGuard
	ts := newTestServer(t, engine)

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/reconcile", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], ".nosync")
}

func TestServer_ShutdownEndsStreams(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	s := NewServer(engine, "127.0.0.1:0", time.Hour, testLogger(t))

	ln, err := s.Listen()
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	c := NewClient(ln.Addr().String())

	got := make(chan sync.EngineStatus, 1)
	watched := make(chan error, 1)

	go func() {
		watched <- c.WatchStatus(context.Background(), func(st sync.EngineStatus) error {
			select {
			case got <- st:
			default:
			}

			return nil
		})
	}()

	select {
	case st := <-got:
		assert.Equal(t, 2, st.Pending)
	case <-time.After(5 * time.Second):
		t.Fatal("no status snapshot received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-served)

	select {
	case err := <-watched:
		assert.NoError(t, err, "a server shutdown ends the stream cleanly")
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end on shutdown")
	}
}
