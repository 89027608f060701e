package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ChuLiYu/relaypool/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// ReceiveFunc handles one inbound envelope on the worker side. err is set
// when the envelope could not be decoded.
type ReceiveFunc func(msg types.BroadcastMessage, err error)

// Client is the worker's end of its channel to the primary.
type Client struct {
	id     types.WorkerID
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	outbox    chan *structpb.Struct
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// Dial attaches worker id to the primary listening on socketPath. onMessage
// is invoked sequentially, in delivery order, from a single goroutine.
func Dial(ctx context.Context, socketPath string, id types.WorkerID, onMessage ReceiveFunc) (*Client, error) {
	conn, err := grpc.NewClient(target(socketPath), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create ipc client: %w", err)
	}

	// The stream outlives the dial context.
	streamCtx, cancel := context.WithCancel(context.Background())
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, workerIDKey, id.String())

	type result struct {
		stream grpc.ClientStream
		err    error
	}
	opened := make(chan result, 1)
	go func() {
		stream, err := conn.NewStream(streamCtx, &relayServiceDesc.Streams[0], attachMethod, grpc.WaitForReady(true))
		opened <- result{stream, err}
	}()

	var stream grpc.ClientStream
	select {
	case res := <-opened:
		if res.err != nil {
			cancel()
			conn.Close()
			return nil, fmt.Errorf("failed to attach to primary: %w", res.err)
		}
		stream = res.stream
	case <-ctx.Done():
		cancel()
		conn.Close()
		return nil, fmt.Errorf("failed to attach to primary: %w", ctx.Err())
	}

	c := &Client{
		id:     id,
		conn:   conn,
		stream: stream,
		cancel: cancel,
		outbox: make(chan *structpb.Struct, DefaultOutboxSize),
		done:   make(chan struct{}),
	}
	go c.sendLoop()
	go c.recvLoop(onMessage)
	return c, nil
}

// ID returns the worker id this client attached as.
func (c *Client) ID() types.WorkerID {
	return c.id
}

// Send queues msg for the primary without blocking.
func (c *Client) Send(msg types.BroadcastMessage) error {
	env, err := Encode(msg)
	if err != nil {
		return err
	}
	return enqueue(c.outbox, c.done, env)
}

// Done is closed when the channel has ended for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the channel ended, or nil while it is open or after a
// clean close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close detaches from the primary.
func (c *Client) Close() error {
	c.shutdown(nil)
	return c.conn.Close()
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.cancel()
	})
}

func (c *Client) sendLoop() {
	for {
		select {
		case env := <-c.outbox:
			if err := c.stream.SendMsg(env); err != nil {
				// The receive side observes the real stream error.
				return
			}
		case <-c.done:
			_ = c.stream.CloseSend()
			return
		}
	}
}

func (c *Client) recvLoop(onMessage ReceiveFunc) {
	for {
		env := &structpb.Struct{}
		if err := c.stream.RecvMsg(env); err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrChannelClosed
			}
			c.shutdown(err)
			return
		}
		msg, err := Decode(env)
		if onMessage != nil {
			onMessage(msg, err)
		}
	}
}
