// ============================================================================
// relaypool Coordinator - primary 進程的核心協調器
// ============================================================================
//
// Package: internal/coordinator
// 文件: coordinator.go
// 功能: 管理 worker 進程池，轉發廣播，崩潰後重啟，優雅關閉
//
// 架構設計:
//   一個事件循環 goroutine 獨佔 handle 表，所有狀態變更都以事件形式送入：
//   - attachedEvent: worker 建立 IPC 連線（starting → online）
//   - receivedEvent: worker 送來訊息（broadcast → 扇出 broadcast-relay）
//   - detachedEvent: IPC 連線結束
//   - exitedEvent:   進程結束（online → exited，並立即啟動替代進程）
//   - snapshotEvent: 查詢目前的 handle 狀態
//   - shutdownEvent: 收到終止訊號
//
// 重啟策略:
//   任何退出（任何 code、任何 signal）都會立刻重啟一個替代進程。
//   沒有退避、沒有次數上限：持續崩潰的 worker 會被無限重啟，
//   請以 relaypool_worker_restarts_total 監控。關閉期間不再重啟。
//
// 關閉流程:
//   1. Shutdown(sig) 把 sig 轉送給每個 worker，不等待（fire-and-forget）
//   2. 事件循環繼續收集 exit 事件
//   3. ShutdownGrace 到期仍未退出的 worker 會收到 SIGKILL
//   4. 全部退出後停止 IPC 伺服器，Wait() 返回
//
// 致命錯誤:
//   啟動替代進程失敗 → 關閉整個進程池，Wait() 返回 ErrForkFailed
//
// ============================================================================

package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ChuLiYu/relaypool/internal/ipc"
	"github.com/ChuLiYu/relaypool/internal/metrics"
	"github.com/ChuLiYu/relaypool/pkg/types"
)

var (
	// ErrForkFailed is returned when a worker process could not be started.
	ErrForkFailed = errors.New("failed to fork worker")
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("coordinator already started")
)

// DefaultShutdownGrace bounds how long workers get to exit before SIGKILL.
const DefaultShutdownGrace = 10 * time.Second

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Coordinator 配置
type Config struct {
	WorkerCount   int           // worker 進程數量
	ShutdownGrace time.Duration // 關閉時等待 worker 退出的上限
	SocketPath    string        // IPC unix socket 路徑
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.log = l
	}
}

// WithMetrics sets the pool collector.
func WithMetrics(m *metrics.PoolCollector) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithClock overrides time.Now for relay timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

type (
	attachedEvent struct {
		id   types.WorkerID
		peer *ipc.Peer
	}
	receivedEvent struct {
		id  types.WorkerID
		msg types.BroadcastMessage
		err error
	}
	detachedEvent struct {
		id  types.WorkerID
		err error
	}
	exitedEvent struct {
		proc   Process
		status types.ExitStatus
	}
	snapshotEvent struct {
		reply chan []WorkerStatus
	}
	shutdownEvent struct {
		sig os.Signal
	}
)

// Coordinator 進程池協調器
type Coordinator struct {
	cfg     Config
	spawner Spawner
	ipc     *ipc.Server
	log     *slog.Logger
	metrics *metrics.PoolCollector
	now     func() time.Time

	started  atomic.Bool
	events   chan any
	loopDone chan struct{} // 事件循環已結束
	done     chan struct{} // 事件循環結束且 IPC 已關閉
	ipcWg    sync.WaitGroup

	// 以下欄位只在事件循環中存取
	handles      handleTable
	shuttingDown bool
	killTimer    *time.Timer
	killC        <-chan time.Time // 寬限期到期；未關閉時為 nil
	err          error
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New creates a coordinator. Nothing runs until Start.
func New(cfg Config, spawner Spawner, opts ...Option) *Coordinator {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	c := &Coordinator{
		cfg:      cfg,
		spawner:  spawner,
		log:      slog.Default(),
		now:      time.Now,
		events:   make(chan any, 64),
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
		handles:  make(handleTable),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ipc = ipc.NewServer(cfg.SocketPath, c, c.log)
	return c
}

// Start binds the IPC socket and forks WorkerCount workers. Any fork
// failure kills the workers already started and returns ErrForkFailed.
func (c *Coordinator) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := c.ipc.Listen(); err != nil {
		close(c.loopDone)
		close(c.done)
		return fmt.Errorf("failed to start ipc server: %w", err)
	}
	c.ipcWg.Add(1)
	go func() {
		defer c.ipcWg.Done()
		if err := c.ipc.Serve(); err != nil {
			c.log.Error("IPC server stopped", "error", err)
		}
	}()

	// 1. 啟動初始 worker（事件循環尚未運行，可直接寫 handle 表）
	for i := 0; i < c.cfg.WorkerCount; i++ {
		h, err := c.spawn(false)
		if err != nil {
			c.abortStart()
			return err
		}
		c.handles[h.proc.ID()] = h
	}

	// 2. 監看每個進程的退出
	for _, h := range c.handles {
		go c.watch(h.proc)
	}

	// 3. 啟動事件循環
	go c.run()

	c.log.Info("Coordinator started",
		"workers", c.cfg.WorkerCount,
		"socket", c.cfg.SocketPath)
	return nil
}

// abortStart tears down a partially started pool.
func (c *Coordinator) abortStart() {
	for id, h := range c.handles {
		_ = h.proc.Signal(os.Kill)
		h.proc.Wait()
		delete(c.handles, id)
	}
	close(c.loopDone)
	c.ipc.Stop()
	c.ipcWg.Wait()
	close(c.done)
}

// Shutdown forwards sig to every worker and returns without waiting.
// Workers still running after ShutdownGrace are killed. Use Wait or Done
// to observe completion.
func (c *Coordinator) Shutdown(sig os.Signal) {
	if !c.started.Load() {
		return
	}
	c.post(shutdownEvent{sig: sig})
}

// Wait blocks until the pool has shut down. It returns ErrForkFailed if a
// replacement worker could not be started.
func (c *Coordinator) Wait() error {
	<-c.done
	return c.err
}

// Done is closed once the pool has shut down.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Workers returns the current handle table sorted by id. It returns nil
// before Start and after shutdown.
func (c *Coordinator) Workers() []WorkerStatus {
	if !c.started.Load() {
		return nil
	}
	reply := make(chan []WorkerStatus, 1)
	if !c.post(snapshotEvent{reply: reply}) {
		return nil
	}
	select {
	case out := <-reply:
		return out
	case <-c.loopDone:
		return nil
	}
}

// ============================================================================
// ipc.Handler：由各 IPC stream goroutine 呼叫，轉為事件
// ============================================================================

// Attached implements ipc.Handler.
func (c *Coordinator) Attached(id types.WorkerID, peer *ipc.Peer) {
	if !c.post(attachedEvent{id: id, peer: peer}) {
		peer.Close()
	}
}

// Received implements ipc.Handler.
func (c *Coordinator) Received(id types.WorkerID, msg types.BroadcastMessage, err error) {
	c.post(receivedEvent{id: id, msg: msg, err: err})
}

// Detached implements ipc.Handler.
func (c *Coordinator) Detached(id types.WorkerID, err error) {
	c.post(detachedEvent{id: id, err: err})
}

// post hands ev to the loop. It reports false once the loop has ended.
func (c *Coordinator) post(ev any) bool {
	select {
	case <-c.loopDone:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.loopDone:
		return false
	}
}

func (c *Coordinator) watch(p Process) {
	status := p.Wait()
	c.post(exitedEvent{proc: p, status: status})
}

// ============================================================================
// 事件循環
// ============================================================================

func (c *Coordinator) run() {
	defer func() {
		close(c.loopDone)
		if c.killTimer != nil {
			c.killTimer.Stop()
		}
		c.ipc.Stop()
		c.ipcWg.Wait()
		c.metrics.SetWorkersOnline(0)
		c.log.Info("Coordinator stopped")
		close(c.done)
	}()

	for {
		select {
		case ev := <-c.events:
			c.handle(ev)
		case <-c.killC:
			c.killC = nil
			c.killRemaining()
		}

		if c.shuttingDown && len(c.handles) == 0 {
			return
		}
	}
}

func (c *Coordinator) handle(ev any) {
	switch e := ev.(type) {
	case attachedEvent:
		c.onAttached(e.id, e.peer)
	case receivedEvent:
		c.onWorkerMessage(e.id, e.msg, e.err)
	case detachedEvent:
		c.onDetached(e.id, e.err)
	case exitedEvent:
		c.onWorkerExit(e.proc, e.status)
	case snapshotEvent:
		e.reply <- c.handles.snapshot()
	case shutdownEvent:
		c.beginShutdown(e.sig)
	default:
		c.log.Warn("Unknown coordinator event", "event", fmt.Sprintf("%T", ev))
	}
}

func (c *Coordinator) onAttached(id types.WorkerID, peer *ipc.Peer) {
	h, ok := c.handles[id]
	if !ok {
		c.log.Warn("Rejecting IPC attach from unknown worker", "worker_id", id)
		peer.Close()
		return
	}

	h.peer = peer
	if h.state == types.StateStarting {
		h.state = types.StateOnline
		c.log.Info("Worker is online", "worker_id", id)
	}
	c.metrics.SetWorkersOnline(c.handles.online())
}

func (c *Coordinator) onDetached(id types.WorkerID, err error) {
	h, ok := c.handles[id]
	if !ok {
		return
	}
	h.peer = nil
	if err != nil && !c.shuttingDown {
		c.log.Warn("Worker IPC channel closed", "worker_id", id, "error", err)
	} else {
		c.log.Debug("Worker IPC channel closed", "worker_id", id)
	}
}

// onWorkerMessage relays a broadcast to every other attached online worker.
// One failed delivery does not stop the others.
func (c *Coordinator) onWorkerMessage(sender types.WorkerID, msg types.BroadcastMessage, err error) {
	if err != nil {
		c.metrics.RecordDropped()
		if errors.Is(err, ipc.ErrUnknownKind) {
			c.log.Warn("Dropping message with unknown kind", "worker_id", sender, "kind", msg.Kind)
		} else {
			c.log.Warn("Dropping malformed message", "worker_id", sender, "error", err)
		}
		return
	}

	switch msg.Kind {
	case types.KindBroadcast:
	case types.KindBroadcastRelay:
		c.metrics.RecordDropped()
		c.log.Warn("Dropping relay message sent by a worker", "worker_id", sender)
		return
	default:
		c.metrics.RecordDropped()
		c.log.Warn("Dropping message with unknown kind", "worker_id", sender, "kind", msg.Kind)
		return
	}

	// fromId 取自連線身份，而非訊息內容
	msg.FromID = sender
	relay := msg.Relay(c.now())

	delivered, failed := 0, 0
	for id, h := range c.handles {
		if id == sender || h.state != types.StateOnline || h.peer == nil {
			continue
		}
		if err := h.peer.Send(relay); err != nil {
			failed++
			c.log.Warn("Failed to relay broadcast", "from", sender, "worker_id", id, "error", err)
			continue
		}
		delivered++
	}

	c.metrics.RecordRelay(delivered, failed)
	c.log.Debug("Broadcast relayed",
		"from", sender,
		"delivered", delivered,
		"failed", failed)
}

// onWorkerExit forgets the handle and, unless shutting down, forks exactly
// one replacement.
func (c *Coordinator) onWorkerExit(p Process, status types.ExitStatus) {
	id := p.ID()
	h, ok := c.handles[id]
	if !ok {
		return
	}
	h.state = types.StateExited
	if h.peer != nil {
		h.peer.Close()
	}
	delete(c.handles, id)

	c.metrics.RecordExit(status.Crashed())
	c.metrics.SetWorkersOnline(c.handles.online())
	c.log.Info("Worker exited",
		"worker_id", id,
		"code", status.Code,
		"signal", status.Signal,
		"uptime", c.now().Sub(h.startedAt))

	if c.shuttingDown {
		return
	}

	c.log.Info("Starting a new worker", "replacing", id)
	replacement, err := c.spawn(true)
	if err != nil {
		c.log.Error("Could not replace worker, shutting down pool", "error", err)
		c.err = err
		c.beginShutdown(syscall.SIGTERM)
		return
	}
	c.handles[replacement.proc.ID()] = replacement
	go c.watch(replacement.proc)
}

func (c *Coordinator) beginShutdown(sig os.Signal) {
	if c.shuttingDown {
		return
	}
	c.shuttingDown = true

	c.log.Info("Shutting down worker pool",
		"signal", sig.String(),
		"workers", len(c.handles),
		"grace", c.cfg.ShutdownGrace)

	for id, h := range c.handles {
		if err := h.proc.Signal(sig); err != nil {
			c.log.Warn("Failed to signal worker", "worker_id", id, "error", err)
		}
	}
	c.killTimer = time.NewTimer(c.cfg.ShutdownGrace)
	c.killC = c.killTimer.C
}

func (c *Coordinator) killRemaining() {
	for id, h := range c.handles {
		c.log.Warn("Worker did not exit within grace period, killing", "worker_id", id)
		if err := h.proc.Signal(os.Kill); err != nil {
			c.log.Warn("Failed to kill worker", "worker_id", id, "error", err)
		}
	}
}

func (c *Coordinator) spawn(restart bool) (*handle, error) {
	p, err := c.spawner.Spawn()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrForkFailed, err)
	}

	c.metrics.RecordFork(restart)
	c.log.Debug("Worker forked", "worker_id", p.ID(), "restart", restart)
	return &handle{
		proc:      p,
		state:     types.StateStarting,
		startedAt: c.now(),
	}, nil
}
