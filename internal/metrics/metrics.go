// ============================================================================
// relaypool Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 primary 與 worker 進程的運行指標
//
// 指標分類:
//
//   1. Pool 指標（primary 進程）:
//      - relaypool_workers_online: 目前在線的 worker 數量
//      - relaypool_worker_forks_total: 已啟動的 worker 進程總數
//      - relaypool_worker_restarts_total: 因退出而重新啟動的次數
//      - relaypool_worker_exits_total{reason}: worker 退出次數（clean/crash）
//      - relaypool_broadcasts_relayed_total: 已轉發的廣播事件數
//      - relaypool_relay_deliveries_total: 成功投遞到目標 worker 的次數
//      - relaypool_relay_failures_total: 投遞失敗次數
//      - relaypool_messages_dropped_total: 無法辨識而丟棄的訊息數
//
//   2. Worker 指標（每個 worker 進程）:
//      - relaypool_worker_broadcasts_sent_total
//      - relaypool_worker_relays_received_total
//      - relaypool_worker_ring_evictions_total
//      - relaypool_worker_ring_size
//      - relaypool_http_requests_total{method,code}
//
// Prometheus 查詢示例:
//
//   # 每分鐘崩潰重啟次數（crash loop 偵測）
//   rate(relaypool_worker_restarts_total[1m])
//
//   # 投遞失敗率
//   rate(relaypool_relay_failures_total[5m]) / rate(relaypool_relay_deliveries_total[5m])
//
// 所有 Record 方法在 nil receiver 上是 no-op，方便測試時省略指標。
//
// ============================================================================

package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaypool"

// PoolCollector primary 進程的指標收集器
type PoolCollector struct {
	workersOnline prometheus.Gauge
	forks         prometheus.Counter
	restarts      prometheus.Counter
	exits         *prometheus.CounterVec

	relayed       prometheus.Counter
	deliveries    prometheus.Counter
	relayFailures prometheus.Counter
	dropped       prometheus.Counter
}

// NewPoolCollector 創建並註冊 pool 指標
func NewPoolCollector(reg prometheus.Registerer) *PoolCollector {
	c := &PoolCollector{
		workersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_online",
			Help:      "Current number of online worker processes",
		}),
		forks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_forks_total",
			Help:      "Total number of worker processes spawned",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Total number of replacement workers spawned after an exit",
		}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_exits_total",
			Help:      "Total number of worker exits by reason",
		}, []string{"reason"}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_relayed_total",
			Help:      "Total number of broadcasts fanned out by the primary",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_deliveries_total",
			Help:      "Total number of relay messages queued to a target worker",
		}),
		relayFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_failures_total",
			Help:      "Total number of relay messages that could not be queued",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of inbound IPC messages dropped as unrecognised or malformed",
		}),
	}

	reg.MustRegister(
		c.workersOnline,
		c.forks,
		c.restarts,
		c.exits,
		c.relayed,
		c.deliveries,
		c.relayFailures,
		c.dropped,
	)
	return c
}

// SetWorkersOnline 設置在線 worker 數量
func (c *PoolCollector) SetWorkersOnline(n int) {
	if c == nil {
		return
	}
	c.workersOnline.Set(float64(n))
}

// RecordFork 記錄一次 worker 啟動；restart 為 true 表示是替換已退出的 worker
func (c *PoolCollector) RecordFork(restart bool) {
	if c == nil {
		return
	}
	c.forks.Inc()
	if restart {
		c.restarts.Inc()
	}
}

// RecordExit 記錄 worker 退出
func (c *PoolCollector) RecordExit(crashed bool) {
	if c == nil {
		return
	}
	reason := "clean"
	if crashed {
		reason = "crash"
	}
	c.exits.WithLabelValues(reason).Inc()
}

// RecordRelay 記錄一次廣播扇出結果
func (c *PoolCollector) RecordRelay(delivered, failed int) {
	if c == nil {
		return
	}
	c.relayed.Inc()
	c.deliveries.Add(float64(delivered))
	c.relayFailures.Add(float64(failed))
}

// RecordDropped 記錄丟棄的 IPC 訊息
func (c *PoolCollector) RecordDropped() {
	if c == nil {
		return
	}
	c.dropped.Inc()
}

// WorkerCollector worker 進程的指標收集器
type WorkerCollector struct {
	broadcastsSent prometheus.Counter
	relaysReceived prometheus.Counter
	ringEvictions  prometheus.Counter
	ringSize       prometheus.Gauge
	httpRequests   *prometheus.CounterVec
}

// NewWorkerCollector 創建並註冊 worker 指標
func NewWorkerCollector(reg prometheus.Registerer) *WorkerCollector {
	c := &WorkerCollector{
		broadcastsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_broadcasts_sent_total",
			Help:      "Total number of broadcasts originated by this worker",
		}),
		relaysReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_relays_received_total",
			Help:      "Total number of relayed broadcasts received by this worker",
		}),
		ringEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_ring_evictions_total",
			Help:      "Total number of messages evicted from the message ring",
		}),
		ringSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_ring_size",
			Help:      "Current number of messages held in the message ring",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests served by method and status code",
		}, []string{"method", "code"}),
	}

	reg.MustRegister(
		c.broadcastsSent,
		c.relaysReceived,
		c.ringEvictions,
		c.ringSize,
		c.httpRequests,
	)
	return c
}

// RecordBroadcastSent 記錄 worker 發出的廣播
func (c *WorkerCollector) RecordBroadcastSent() {
	if c == nil {
		return
	}
	c.broadcastsSent.Inc()
}

// RecordRelayReceived 記錄收到的轉發訊息與環形緩衝區狀態
func (c *WorkerCollector) RecordRelayReceived(ringSize int, evicted bool) {
	if c == nil {
		return
	}
	c.relaysReceived.Inc()
	c.ringSize.Set(float64(ringSize))
	if evicted {
		c.ringEvictions.Inc()
	}
}

// RecordRequest 記錄 HTTP 請求
func (c *WorkerCollector) RecordRequest(method string, code int) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// Handler 返回指定 registry 的 /metrics handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer 建立 primary 專用的 metrics HTTP 伺服器
//
// 參數：
//   - addr: 監聽地址，例如 ":9090"
//   - g: 指標來源
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}
