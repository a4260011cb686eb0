package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/tabnet-cells/internal/progress/sinks"
)

type fixedStatus struct {
	snap sinks.Snapshot
}

func (f fixedStatus) Snapshot() sinks.Snapshot { return f.snap }

func TestServerHealthAndReady(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, zap.NewNop())
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	}
}

func TestServerStatusReturnsSnapshot(t *testing.T) {
	t.Parallel()

	srv := NewServer(fixedStatus{snap: sinks.Snapshot{
		RunID: "run-1",
		State: sinks.StateRunning,
		Pages: 4,
		Cells: 12,
	}}, zap.NewNop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got sinks.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, sinks.StateRunning, got.State)
	assert.EqualValues(t, 4, got.Pages)
	assert.EqualValues(t, 12, got.Cells)
}

func TestServerStatusWithoutSource(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	NewServer(nil, nil).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "run status unavailable")
}

func TestServerMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, zap.NewNop())
	// One request first so the HTTP collectors have a sample.
	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServerUnknownRoute(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	NewServer(nil, zap.NewNop()).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerRecoversPanics(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, zap.NewNop())
	srv.router.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServerStartAndShutdown(t *testing.T) {
	t.Parallel()

	srv := NewServer(fixedStatus{snap: sinks.Snapshot{State: sinks.StateIdle}}, zap.NewNop())
	require.NoError(t, srv.Start("127.0.0.1:0"))
	require.Error(t, srv.Start("127.0.0.1:0"))

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + srv.Addr() + "/v1/status")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	assert.Contains(t, string(body), `"state":"idle"`)

	require.NoError(t, srv.Shutdown(context.Background()))
}

func TestShutdownWithoutStart(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, zap.NewNop())
	assert.Empty(t, srv.Addr())
	assert.NoError(t, srv.Shutdown(context.Background()))
}
