package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value reads the current value of a counter or gauge.
func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()

	out := &dto.Metric{}
	require.NoError(t, m.Write(out))
	if out.Counter != nil {
		return out.GetCounter().GetValue()
	}
	return out.GetGauge().GetValue()
}

func TestNewPoolCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPoolCollector(reg)

	assert.NotNil(t, c.workersOnline, "workersOnline gauge should be initialized")
	assert.NotNil(t, c.forks, "forks counter should be initialized")
	assert.NotNil(t, c.restarts, "restarts counter should be initialized")
	assert.NotNil(t, c.exits, "exits counter should be initialized")
	assert.NotNil(t, c.relayed, "relayed counter should be initialized")
	assert.NotNil(t, c.deliveries, "deliveries counter should be initialized")
	assert.NotNil(t, c.relayFailures, "relayFailures counter should be initialized")
	assert.NotNil(t, c.dropped, "dropped counter should be initialized")
}

func TestPoolCollector_RecordFork(t *testing.T) {
	c := NewPoolCollector(prometheus.NewRegistry())

	for i := 0; i < 3; i++ {
		c.RecordFork(false)
	}
	c.RecordFork(true)

	assert.Equal(t, 4.0, value(t, c.forks))
	assert.Equal(t, 1.0, value(t, c.restarts))
}

func TestPoolCollector_RecordExit(t *testing.T) {
	c := NewPoolCollector(prometheus.NewRegistry())

	c.RecordExit(true)
	c.RecordExit(true)
	c.RecordExit(false)

	assert.Equal(t, 2.0, value(t, c.exits.WithLabelValues("crash")))
	assert.Equal(t, 1.0, value(t, c.exits.WithLabelValues("clean")))
}

func TestPoolCollector_RecordRelay(t *testing.T) {
	c := NewPoolCollector(prometheus.NewRegistry())

	c.RecordRelay(2, 1)
	c.RecordRelay(3, 0)

	assert.Equal(t, 2.0, value(t, c.relayed))
	assert.Equal(t, 5.0, value(t, c.deliveries))
	assert.Equal(t, 1.0, value(t, c.relayFailures))
}

func TestPoolCollector_Gauges(t *testing.T) {
	c := NewPoolCollector(prometheus.NewRegistry())

	c.SetWorkersOnline(4)
	assert.Equal(t, 4.0, value(t, c.workersOnline))

	c.SetWorkersOnline(3)
	assert.Equal(t, 3.0, value(t, c.workersOnline))

	c.RecordDropped()
	assert.Equal(t, 1.0, value(t, c.dropped))
}

func TestWorkerCollector(t *testing.T) {
	c := NewWorkerCollector(prometheus.NewRegistry())

	c.RecordBroadcastSent()
	c.RecordRelayReceived(1, false)
	c.RecordRelayReceived(1, true)
	c.RecordRequest(http.MethodGet, http.StatusOK)
	c.RecordRequest(http.MethodPost, http.StatusBadRequest)

	assert.Equal(t, 1.0, value(t, c.broadcastsSent))
	assert.Equal(t, 2.0, value(t, c.relaysReceived))
	assert.Equal(t, 1.0, value(t, c.ringEvictions))
	assert.Equal(t, 1.0, value(t, c.ringSize))
	assert.Equal(t, 1.0, value(t, c.httpRequests.WithLabelValues("POST", "400")))
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var pool *PoolCollector
	var worker *WorkerCollector

	assert.NotPanics(t, func() {
		pool.SetWorkersOnline(1)
		pool.RecordFork(true)
		pool.RecordExit(true)
		pool.RecordRelay(1, 1)
		pool.RecordDropped()
		worker.RecordBroadcastSent()
		worker.RecordRelayReceived(1, true)
		worker.RecordRequest("GET", 200)
	})
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPoolCollector(reg)

	assert.Panics(t, func() {
		NewPoolCollector(reg)
	})
}

func TestHandler_ExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPoolCollector(reg)
	c.RecordFork(false)

	srv := NewServer(":0", reg)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "relaypool_worker_forks_total 1"))
}
