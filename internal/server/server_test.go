package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/relaypool/internal/metrics"
	"github.com/ChuLiYu/relaypool/internal/worker"
	"github.com/ChuLiYu/relaypool/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent []types.BroadcastMessage
	err  error
}

func (c *fakeChannel) Send(msg types.BroadcastMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) messages() []types.BroadcastMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.BroadcastMessage(nil), c.sent...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setup builds a cluster-mode server backed by a worker with a fake channel.
func setup(t *testing.T, cluster bool, opts ...Option) (*Server, *worker.Worker, *fakeChannel) {
	t.Helper()

	w := worker.New(worker.Config{ID: 4242, RingCapacity: 3}, worker.WithLogger(quietLogger()))
	ch := &fakeChannel{}
	if cluster {
		w.Attach(ch)
	}

	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New(Config{ClusterMode: cluster}, w, opts...), w, ch
}

func do(t *testing.T, s *Server, method, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s, _, _ := setup(t, true)

	rec := do(t, s, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 4242.0, body["workerId"])
	assert.Equal(t, true, body["clusterMode"])
	assert.Contains(t, body, "uptime")
	assert.Contains(t, body, "memory")

	_, err := time.Parse(time.RFC3339Nano, body["timestamp"].(string))
	assert.NoError(t, err)
}

func TestInfo(t *testing.T) {
	tests := []struct {
		name    string
		cluster bool
		message string
	}{
		{"cluster", true, "relaypool server with cluster mode"},
		{"single process", false, "relaypool server"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := setup(t, tt.cluster)

			rec := do(t, s, http.MethodGet, "/api/info", "", "")
			require.Equal(t, http.StatusOK, rec.Code)

			body := decode(t, rec)
			assert.Equal(t, tt.message, body["message"])
			assert.Equal(t, tt.cluster, body["clusterMode"])
			platform, ok := body["platformInfo"].(map[string]any)
			require.True(t, ok)
			assert.NotEmpty(t, platform["goVersion"])
			assert.NotEmpty(t, platform["os"])
		})
	}
}

func TestBroadcast_JSON(t *testing.T) {
	s, w, ch := setup(t, true)

	rec := do(t, s, http.MethodPost, "/api/worker/broadcast", "application/json", `{"message":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 4242.0, body["workerId"])
	assert.Equal(t, "Message sent to other workers", body["message"])
	assert.Equal(t, "hello", body["data"])

	sent := ch.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, types.KindBroadcast, sent[0].Kind)
	assert.Equal(t, types.WorkerID(4242), sent[0].FromID)
	assert.Equal(t, "hello", sent[0].Payload)

	// 發送者不會收到自己的廣播
	assert.Empty(t, w.Messages())
}

func TestBroadcast_DataFallbackAndForm(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        string
	}{
		{"json data field", "application/json", `{"data":"from-data"}`, "from-data"},
		{"json message wins", "application/json", `{"message":"m","data":"d"}`, "m"},
		{"form message", "application/x-www-form-urlencoded", url.Values{"message": {"form"}}.Encode(), "form"},
		{"form data", "application/x-www-form-urlencoded", url.Values{"data": {"alt"}}.Encode(), "alt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, ch := setup(t, true)

			rec := do(t, s, http.MethodPost, "/api/worker/broadcast", tt.contentType, tt.body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			sent := ch.messages()
			require.Len(t, sent, 1)
			assert.Equal(t, tt.want, sent[0].Payload)
		})
	}
}

func TestBroadcast_BadRequests(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		error string
	}{
		{"empty body", "", "Message is required"},
		{"empty object", `{}`, "Message is required"},
		{"empty message", `{"message":""}`, "Message is required"},
		{"malformed json", `{"message":`, "Invalid JSON body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, ch := setup(t, true)

			rec := do(t, s, http.MethodPost, "/api/worker/broadcast", "application/json", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.error, decode(t, rec)["error"])
			assert.Empty(t, ch.messages(), "nothing should be sent")
		})
	}
}

func TestBroadcast_ChannelFailure(t *testing.T) {
	s, _, ch := setup(t, true)
	ch.err = errors.New("ipc channel closed")

	rec := do(t, s, http.MethodPost, "/api/worker/broadcast", "application/json", `{"message":"x"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Relay channel unavailable", decode(t, rec)["error"])
}

func TestWorkerInfo(t *testing.T) {
	s, w, _ := setup(t, true)

	for i, payload := range []string{"a", "b", "c", "d"} {
		w.OnRelayMessage(types.BroadcastMessage{
			Kind:      types.KindBroadcastRelay,
			FromID:    7,
			Payload:   payload,
			Timestamp: int64(1000 + i),
		})
	}

	rec := do(t, s, http.MethodGet, "/api/worker/info", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body workerInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, types.WorkerID(4242), body.WorkerID)
	assert.Equal(t, 3, body.MessageCount)
	require.Len(t, body.ReceivedMessages, 3)
	assert.Equal(t, "b", body.ReceivedMessages[0].Data, "oldest entry should be evicted")
	assert.Equal(t, "d", body.ReceivedMessages[2].Data)
	assert.Equal(t, types.WorkerID(7), body.ReceivedMessages[0].From)
	assert.Equal(t, int64(1001), body.ReceivedMessages[0].Timestamp)
	assert.NotZero(t, body.ReceivedMessages[0].ReceivedAt)
}

func TestWorkerInfo_Empty(t *testing.T) {
	s, _, _ := setup(t, true)

	rec := do(t, s, http.MethodGet, "/api/worker/info", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"receivedMessages":[]`)
	assert.Contains(t, rec.Body.String(), `"messageCount":0`)
}

func TestClusterDisabled(t *testing.T) {
	s, _, _ := setup(t, false)

	tests := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodPost, "/api/worker/broadcast", `{"message":"x"}`},
		{http.MethodGet, "/api/worker/info", ""},
		{http.MethodGet, "/api/worker/stream", ""},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := do(t, s, tt.method, tt.path, "application/json", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			body := decode(t, rec)
			assert.Equal(t, "Cluster mode is disabled", body["error"])
			assert.Equal(t, "Set ENABLE_CLUSTER=true to enable worker communication", body["message"])
		})
	}
}

func TestNotFound(t *testing.T) {
	s, _, _ := setup(t, true)

	rec := do(t, s, http.MethodGet, "/nope/here", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "Not Found", body["error"])
	assert.Equal(t, "/nope/here", body["path"])
	endpoints, ok := body["availableEndpoints"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/health", endpoints["health"])
	assert.Equal(t, "/api/info", endpoints["info"])
	assert.Equal(t, "/api/worker/info", endpoints["workerInfo"])
}

func TestRoot(t *testing.T) {
	s, _, _ := setup(t, false)

	rec := do(t, s, http.MethodGet, "/", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	endpoints, ok := decode(t, rec)["endpoints"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/health", endpoints["health"])
	assert.NotContains(t, endpoints, "workerBroadcast")
}

func TestRequestID(t *testing.T) {
	s, _, _ := setup(t, true)

	rec := do(t, s, http.MethodGet, "/health", "", "")
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestRecoverFromPanic(t *testing.T) {
	s, _, _ := setup(t, true)
	s.Handle("GET /boom", http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := do(t, s, http.MethodGet, "/boom", "", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error", decode(t, rec)["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewWorkerCollector(reg)
	s, _, _ := setup(t, true, WithMetrics(collector, reg))

	do(t, s, http.MethodGet, "/health", "", "")

	rec := do(t, s, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `relaypool_http_requests_total{code="200",method="GET"} 1`)
}

func TestStream(t *testing.T) {
	s, w, _ := setup(t, true)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/worker/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	// 訂閱在升級後才建立，持續推送直到客戶端收到
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				w.OnRelayMessage(types.BroadcastMessage{Kind: types.KindBroadcastRelay, FromID: 9, Payload: "live"})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got types.ReceivedMessage
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "live", got.Data)
	assert.Equal(t, types.WorkerID(9), got.From)
}

func TestStream_ClosedOnWorkerClose(t *testing.T) {
	s, w, _ := setup(t, true)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/worker/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	w.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
}

func TestServeAndShutdown(t *testing.T) {
	s, _, _ := setup(t, true)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestShutdown_GraceTimeout(t *testing.T) {
	w := worker.New(worker.Config{ID: 1}, worker.WithLogger(quietLogger()))
	s := New(Config{ShutdownGrace: 50 * time.Millisecond}, w, WithLogger(quietLogger()))

	release := make(chan struct{})
	entered := make(chan struct{})
	s.Handle("GET /slow", http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	}))
	defer close(release)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(ln) }()

	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/slow")
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-entered

	err = s.Shutdown(context.Background())
	assert.ErrorIs(t, err, ErrShutdownTimeout)
}
