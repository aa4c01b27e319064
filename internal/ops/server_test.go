package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/durable/pkg/api"
)

type fixedQueue int

func (q fixedQueue) Len() int { return int(q) }

func get(t *testing.T, s *Server, path string) (int, []byte) {
	t.Helper()
	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Logf("close body: %v", err)
		}
	}()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestServer_HealthAndVersion(t *testing.T) {
	s := New(Options{Version: "1.2.3"})

	code, body := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	code, _ = get(t, s, "/livez")
	assert.Equal(t, http.StatusOK, code)

	code, body = get(t, s, "/version")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"version":"1.2.3"}`, string(body))
}

func TestServer_Readiness(t *testing.T) {
	ready := errors.New("database unreachable")
	s := New(Options{Ready: func(context.Context) error { return ready }})

	code, _ := get(t, s, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	ready = nil
	code, _ = get(t, s, "/readyz")
	assert.Equal(t, http.StatusOK, code)
}

func TestServer_Stats(t *testing.T) {
	metrics := &api.BasicMetrics{}
	metrics.OnWorkflowStart(context.Background(), &api.Snapshot{})
	s := New(Options{Metrics: metrics, Queue: fixedQueue(3)})

	code, body := get(t, s, "/stats")
	require.Equal(t, http.StatusOK, code)

	var stats Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	require.NotNil(t, stats.Engine)
	assert.Equal(t, int64(1), stats.Engine.WorkflowsStarted)
	require.NotNil(t, stats.QueueDepth)
	assert.Equal(t, 3, *stats.QueueDepth)
	assert.Nil(t, stats.Worker)
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "durable_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	s := New(Options{Gatherer: reg})
	code, body := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "durable_test_total 1")
}
