// ============================================================================
// relaypool IPC service
// ============================================================================
//
// Package: internal/ipc
// File: service.go
// Purpose: Bidirectional primary <-> worker message channel
//
// Every worker opens one long-lived Attach stream to the primary over a
// unix domain socket. The worker identifies itself with gRPC metadata; the
// stream being accepted is the worker's liveness signal. Envelopes are
// google.protobuf.Struct values so no generated stubs are required.
//
//   worker                     primary
//     │  Attach (md: worker id)   │
//     │ ─────────────────────────▶│  Handler.Attached
//     │  {kind:"broadcast"}       │
//     │ ─────────────────────────▶│  Handler.Received
//     │  {kind:"broadcast-relay"} │
//     │ ◀───────────────────────── │  Peer.Send
//
// Delivery is at-most-once with no acknowledgement. Each direction has a
// bounded outbox; a full outbox rejects the send instead of blocking.
//
// ============================================================================

package ipc

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/ChuLiYu/relaypool/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const (
	serviceName  = "relaypool.ipc.v1.Relay"
	attachMethod = "/" + serviceName + "/Attach"

	// workerIDKey carries the worker's process id on the Attach stream.
	workerIDKey = "x-relaypool-worker-id"

	// DefaultOutboxSize bounds queued, unsent envelopes per direction.
	DefaultOutboxSize = 256
)

var (
	// ErrChannelClosed is returned when sending on a closed channel.
	ErrChannelClosed = errors.New("ipc channel closed")
	// ErrOutboxFull is returned when the peer is not draining its outbox.
	ErrOutboxFull = errors.New("ipc outbox full")
)

// relayServer is the handler type checked by grpc.Server.RegisterService.
type relayServer interface {
	Attach(stream grpc.ServerStream) error
}

var relayServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*relayServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Attach",
			Handler:       attachHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "relaypool/ipc/v1/relay.proto",
}

func attachHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(relayServer).Attach(stream)
}

func workerIDFromMetadata(md metadata.MD) (types.WorkerID, error) {
	values := md.Get(workerIDKey)
	if len(values) == 0 {
		return 0, fmt.Errorf("missing %s metadata", workerIDKey)
	}
	id, err := strconv.Atoi(values[0])
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid worker id %q", values[0])
	}
	return types.WorkerID(id), nil
}

// target builds the grpc dial target for a unix socket path.
func target(socketPath string) string {
	return "unix:" + socketPath
}
