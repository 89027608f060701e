package ipc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/ChuLiYu/relaypool/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Handler receives channel events on the primary side. Calls arrive from
// per-stream goroutines; implementations hand them to their own loop.
type Handler interface {
	// Attached fires once per stream, before any Received call for it.
	Attached(id types.WorkerID, peer *Peer)
	// Received fires for every inbound envelope. err is non-nil when the
	// envelope could not be decoded (see ErrUnknownKind, ErrMalformedMessage).
	Received(id types.WorkerID, msg types.BroadcastMessage, err error)
	// Detached fires after the stream has ended.
	Detached(id types.WorkerID, err error)
}

// Server is the primary's end of every worker channel.
type Server struct {
	socketPath string
	handler    Handler
	outboxSize int
	log        *slog.Logger

	mu       sync.Mutex
	grpc     *grpc.Server
	listener net.Listener
}

// NewServer creates a server that will listen on socketPath.
func NewServer(socketPath string, handler Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		outboxSize: DefaultOutboxSize,
		log:        log,
	}
}

// SocketPath returns the unix socket path workers dial.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Listen binds the unix socket, replacing a stale socket file if present.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("ipc server already listening")
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}

	s.listener = lis
	s.grpc = grpc.NewServer()
	s.grpc.RegisterService(&relayServiceDesc, s)
	return nil
}

// Serve accepts worker streams until Stop is called.
func (s *Server) Serve() error {
	s.mu.Lock()
	srv, lis := s.grpc, s.listener
	s.mu.Unlock()

	if srv == nil {
		return errors.New("ipc server not listening")
	}
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("ipc server failed: %w", err)
	}
	return nil
}

// Stop closes every stream and removes the socket file.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.grpc
	s.grpc = nil
	s.listener = nil
	s.mu.Unlock()

	if srv != nil {
		srv.Stop()
	}
	_ = os.Remove(s.socketPath)
}

// Attach serves one worker stream for its whole lifetime.
func (s *Server) Attach(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	id, err := workerIDFromMetadata(md)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	peer := newPeer(id, s.outboxSize)
	s.handler.Attached(id, peer)

	recvErr := make(chan error, 1)
	go func() {
		for {
			env := &structpb.Struct{}
			if err := stream.RecvMsg(env); err != nil {
				recvErr <- err
				return
			}
			msg, err := Decode(env)
			s.handler.Received(id, msg, err)
		}
	}()

	err = peer.pump(stream, recvErr)
	peer.Close()
	if errors.Is(err, io.EOF) {
		err = nil
	}
	s.handler.Detached(id, err)
	return err
}

// Peer is the primary's sending half of one worker channel.
type Peer struct {
	id        types.WorkerID
	outbox    chan *structpb.Struct
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(id types.WorkerID, outboxSize int) *Peer {
	return &Peer{
		id:     id,
		outbox: make(chan *structpb.Struct, outboxSize),
		done:   make(chan struct{}),
	}
}

// ID returns the worker on the other end.
func (p *Peer) ID() types.WorkerID {
	return p.id
}

// Send queues msg without blocking.
func (p *Peer) Send(msg types.BroadcastMessage) error {
	env, err := Encode(msg)
	if err != nil {
		return err
	}
	return enqueue(p.outbox, p.done, env)
}

// Close ends the stream from the primary side.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// Done is closed once the peer has been closed.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

func (p *Peer) pump(stream grpc.ServerStream, recvErr <-chan error) error {
	for {
		select {
		case env := <-p.outbox:
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		case err := <-recvErr:
			return err
		case <-p.done:
			return nil
		}
	}
}

func enqueue(outbox chan<- *structpb.Struct, done <-chan struct{}, env *structpb.Struct) error {
	select {
	case <-done:
		return ErrChannelClosed
	default:
	}
	select {
	case outbox <- env:
		return nil
	case <-done:
		return ErrChannelClosed
	default:
		return ErrOutboxFull
	}
}
