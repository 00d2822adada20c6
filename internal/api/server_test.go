package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lossprevention/lp-vlm/internal/models"
	"github.com/lossprevention/lp-vlm/internal/processor"
	"github.com/lossprevention/lp-vlm/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStatus struct {
	run   *models.RunResult
	stats processor.Stats
}

func (f *fakeStatus) Snapshot() *models.RunResult { return f.run }
func (f *fakeStatus) GetStats() processor.Stats { return f.stats }

type fakeRuns struct {
	runs      map[string]*models.RunResult
	lastLimit int
	err       error
}

func (f *fakeRuns) GetRun(_ context.Context, id string) (*models.RunResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	run, ok := f.runs[id]
	if !ok {
		return nil, storage.ErrRunNotFound
	}
	return run, nil
}

func (f *fakeRuns) ListRuns(_ context.Context, limit int) ([]*models.RunResult, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.RunResult
	for _, r := range f.runs {
		out = append(out, r)
	}
	return out, nil
}

func get(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec.Code, body
}

func TestHealth(t *testing.T) {
	status := &fakeStatus{stats: processor.Stats{Runs: 2, VLMCalls: 5, LastRunAt: time.Now()}}
	s := NewServer(status, nil, zaptest.NewLogger(t))

	code, body := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["storage"])
	stats := body["stats"].(map[string]any)
	assert.EqualValues(t, 2, stats["runs"])
	assert.EqualValues(t, 5, stats["vlm_calls"])
	assert.Contains(t, body, "last_run_at")
}

func TestStatus(t *testing.T) {
	status := &fakeStatus{}
	s := NewServer(status, nil, zaptest.NewLogger(t))

	code, body := get(t, s.Handler(), "/status")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "no run")

	status.run = models.NewRunResult("video.mp4", "video")
	status.run.OD.State = models.StateRunning
	code, body = get(t, s.Handler(), "/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, status.run.RunID, body["run_id"])
	assert.Equal(t, string(models.StateRunning), body["od_status"].(map[string]any)["state"])
}

func TestRunsWithoutStorage(t *testing.T) {
	s := NewServer(&fakeStatus{}, nil, zaptest.NewLogger(t))

	code, _ := get(t, s.Handler(), "/runs")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = get(t, s.Handler(), "/runs/abc")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestRuns(t *testing.T) {
	run := models.NewRunResult("video.mp4", "video")
	runs := &fakeRuns{runs: map[string]*models.RunResult{run.RunID: run}}
	s := NewServer(&fakeStatus{}, runs, zaptest.NewLogger(t))

	code, body := get(t, s.Handler(), "/runs")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, 20, runs.lastLimit)

	code, _ = get(t, s.Handler(), "/runs?limit=1000")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, maxListLimit, runs.lastLimit)

	code, _ = get(t, s.Handler(), "/runs?limit=zero")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = get(t, s.Handler(), "/runs/"+run.RunID)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "video.mp4", body["video_name"])

	code, _ = get(t, s.Handler(), "/runs/missing")
	assert.Equal(t, http.StatusNotFound, code)

	runs.err = errors.New("connection reset")
	code, _ = get(t, s.Handler(), "/runs/"+run.RunID)
	assert.Equal(t, http.StatusInternalServerError, code)
	code, _ = get(t, s.Handler(), "/runs")
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestServeUntilShutdown(t *testing.T) {
	s := NewServer(&fakeStatus{}, nil, zaptest.NewLogger(t))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	url := "http://" + ln.Addr().String() + "/health"

	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server still running after shutdown")
	}
	_, err = http.Get(url)
	require.Error(t, err)
}

func TestShutdownBeforeServe(t *testing.T) {
	s := NewServer(&fakeStatus{}, nil, zaptest.NewLogger(t))
	require.NoError(t, s.Shutdown(context.Background()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server started after shutdown")
	}
	_, err = net.Dial("tcp", ln.Addr().String())
	require.Error(t, err)
}
