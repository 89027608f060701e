// ============================================================================
// relaypool Worker - HTTP-serving unit of the pool
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: State owned by one worker process
//
// A Worker:
//   1. Originates broadcasts: Broadcast() hands a "broadcast" message to the
//      IPC channel and returns immediately (fire-and-forget)
//   2. Buffers relays: HandleRelay() appends every "broadcast-relay" from the
//      primary to the bounded MessageRing, in delivery order
//   3. Publishes each buffered relay to live subscribers (websocket stream)
//
// In single-process mode the Worker has no channel; Broadcast returns
// ErrClusterDisabled and the ring stays empty.
//
// ============================================================================

package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/relaypool/internal/ipc"
	"github.com/ChuLiYu/relaypool/internal/metrics"
	"github.com/ChuLiYu/relaypool/internal/ring"
	"github.com/ChuLiYu/relaypool/pkg/types"
)

var (
	// ErrEmptyMessage is returned for a broadcast without payload.
	ErrEmptyMessage = errors.New("message is required")
	// ErrClusterDisabled is returned when no IPC channel is attached.
	ErrClusterDisabled = errors.New("cluster mode is disabled")
)

// Channel is the sending half of the worker's IPC channel.
type Channel interface {
	Send(msg types.BroadcastMessage) error
}

// Config Worker configuration
type Config struct {
	ID           types.WorkerID // worker identity (process id)
	RingCapacity int            // received-message ring size
}

// Option customises a Worker.
type Option func(*Worker)

// WithLogger sets the worker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		w.log = l
	}
}

// WithMetrics sets the worker's collector.
func WithMetrics(m *metrics.WorkerCollector) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		w.now = now
	}
}

// Worker represents one member of the pool (or the single process when
// cluster mode is off).
type Worker struct {
	id        types.WorkerID
	ring      *ring.MessageRing
	hub       *hub
	startedAt time.Time
	now       func() time.Time
	log       *slog.Logger
	metrics   *metrics.WorkerCollector

	mu      sync.RWMutex
	channel Channel
}

// New creates a Worker with an empty ring and no channel.
func New(cfg Config, opts ...Option) *Worker {
	w := &Worker{
		id:   cfg.ID,
		ring: ring.New(cfg.RingCapacity),
		hub:  newHub(),
		now:  time.Now,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.startedAt = w.now()
	return w
}

// Attach sets the IPC channel used by Broadcast.
func (w *Worker) Attach(ch Channel) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.channel = ch
}

// ID returns the worker identity.
func (w *Worker) ID() types.WorkerID {
	return w.id
}

// Uptime returns how long this worker has been running.
func (w *Worker) Uptime() time.Duration {
	return w.now().Sub(w.startedAt)
}

// Messages returns the ring contents in arrival order.
func (w *Worker) Messages() []types.ReceivedMessage {
	return w.ring.List()
}

// RingCapacity returns the configured ring size.
func (w *Worker) RingCapacity() int {
	return w.ring.Cap()
}

// Broadcast sends payload to the primary for relay to every other worker.
// It does not wait for the relay.
func (w *Worker) Broadcast(payload string) (types.BroadcastMessage, error) {
	if payload == "" {
		return types.BroadcastMessage{}, ErrEmptyMessage
	}

	w.mu.RLock()
	ch := w.channel
	w.mu.RUnlock()
	if ch == nil {
		return types.BroadcastMessage{}, ErrClusterDisabled
	}

	msg := types.NewBroadcast(w.id, payload)
	if err := ch.Send(msg); err != nil {
		return types.BroadcastMessage{}, fmt.Errorf("failed to send broadcast: %w", err)
	}

	w.metrics.RecordBroadcastSent()
	w.log.Info("Broadcast sent to primary", "bytes", len(payload))
	return msg, nil
}

// HandleRelay is the worker's IPC receive callback.
func (w *Worker) HandleRelay(msg types.BroadcastMessage, err error) {
	if err != nil {
		if errors.Is(err, ipc.ErrUnknownKind) {
			w.log.Warn("Dropping message with unknown kind", "kind", msg.Kind)
		} else {
			w.log.Warn("Dropping malformed message", "error", err)
		}
		return
	}

	switch msg.Kind {
	case types.KindBroadcastRelay:
		w.OnRelayMessage(msg)
	case types.KindBroadcast:
		w.log.Warn("Dropping broadcast request addressed to a worker", "from", msg.FromID)
	default:
		w.log.Warn("Dropping message with unknown kind", "kind", msg.Kind)
	}
}

// OnRelayMessage appends a relayed broadcast to the ring.
func (w *Worker) OnRelayMessage(msg types.BroadcastMessage) {
	received := types.ReceivedMessage{
		From:       msg.FromID,
		Data:       msg.Payload,
		Timestamp:  msg.Timestamp,
		ReceivedAt: w.now().UnixMilli(),
	}

	evicted := w.ring.Append(received)
	w.hub.publish(received)
	w.metrics.RecordRelayReceived(w.ring.Len(), evicted)

	w.log.Info("Received broadcast", "from", msg.FromID, "bytes", len(msg.Payload))
}

// Subscribe streams messages as they are appended to the ring. The
// returned cancel func must be called to release the subscription.
func (w *Worker) Subscribe() (<-chan types.ReceivedMessage, func()) {
	return w.hub.subscribe()
}

// Close ends every live subscription.
func (w *Worker) Close() {
	w.hub.close()
}
