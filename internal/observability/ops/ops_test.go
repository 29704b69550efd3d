package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-k/telemetry-analysis-service/internal/jobs"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

type fakeBackend struct {
	pingErr error
	jobs    map[string]*jobs.Definition
	runs    map[string][]*jobs.Run
	limit   int
}

func (f *fakeBackend) Ping(context.Context) error { return f.pingErr }

func (f *fakeBackend) Snapshot(context.Context) any {
	return map[string]any{"engine": map[string]int{"workers": 4}}
}

func (f *fakeBackend) Job(_ context.Context, id string) (*jobs.Definition, error) {
	d, ok := f.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return d, nil
}

func (f *fakeBackend) JobRuns(_ context.Context, id string, limit int) ([]*jobs.Run, error) {
	f.limit = limit
	return f.runs[id], nil
}

func newBackend() *fakeBackend {
	return &fakeBackend{
		jobs: map[string]*jobs.Definition{"j1": {ID: "j1", Identifier: "nightly"}},
		runs: map[string][]*jobs.Run{"j1": {{ID: "r1", JobID: "j1", Status: jobs.StatusSucceeded}}},
	}
}

func get(t *testing.T, h http.Handler, path string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzIsOpen(t *testing.T) {
	t.Parallel()
	s := New(Config{Token: "secret"}, newBackend(), logx.Nop())
	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestTokenRequired(t *testing.T) {
	t.Parallel()
	h := New(Config{Token: "secret"}, newBackend(), logx.Nop()).Handler()

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/v1/snapshot").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/v1/snapshot", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/v1/snapshot", "Authorization", "Bearer secret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/v1/snapshot?token=secret").Code)
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	be := newBackend()
	h := New(Config{}, be, logx.Nop()).Handler()
	assert.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)

	be.pingErr = errors.New("database is locked")
	rec := get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is locked")
}

func TestJobRuns(t *testing.T) {
	t.Parallel()
	be := newBackend()
	h := New(Config{}, be, logx.Nop()).Handler()

	rec := get(t, h, "/v1/jobs/j1/runs?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []jobs.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)
	assert.Equal(t, 5, be.limit)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/jobs/missing/runs").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/v1/jobs/j1/runs?limit=-1").Code)
}

func TestJob(t *testing.T) {
	t.Parallel()
	h := New(Config{}, newBackend(), logx.Nop()).Handler()
	rec := get(t, h, "/v1/jobs/j1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nightly")
	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/jobs/nope").Code)
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	off := New(Config{}, newBackend(), logx.Nop()).Handler()
	assert.Equal(t, http.StatusNotFound, get(t, off, "/debug/pprof/cmdline").Code)

	on := New(Config{Pprof: true}, newBackend(), logx.Nop()).Handler()
	assert.Equal(t, http.StatusOK, get(t, on, "/debug/pprof/cmdline").Code)
}

func TestServeOnLoopback(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, newBackend(), logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:6060": true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
