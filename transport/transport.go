// Package transport implements the message channel: the bidirectional link that moves
// opaque frames between a client and the process hosting its services.
//
// Three bindings are provided:
//
//	HTTPChannel      client side of an HTTP long-poll endpoint (POST send, GET poll)
//	LongPollHandler  server side of the same endpoint, one outbound queue per session
//	RedisChannel     point-to-point over two Redis lists (LPUSH / BRPOP)
//	MockLink         in-process, drained explicitly by tests
//
// Channel is the pull-style view used by the broker; Sender is the push-style view the
// client proxy and the dispatcher write to.
package transport

import (
	"context"
	"io"

	"tunnel-rpc/protocol"
)

// Channel moves encoded frames over one physical link.
type Channel interface {
	// Send writes one encoded frame to the remote endpoint.
	Send(ctx context.Context, frame []byte) error

	// Poll blocks until the remote endpoint has data or the poll completes empty.
	// The returned body holds zero or more concatenated frames.
	Poll(ctx context.Context) (io.ReadCloser, error)

	// Close releases pooled connections.
	Close() error
}

// Sender queues a frame for delivery. It never blocks on the network; delivery failures
// are reported through onFailure (or a default sink when onFailure is nil).
type Sender interface {
	Send(frame *protocol.Frame, onFailure func(error))
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(frame *protocol.Frame, onFailure func(error))

func (f SenderFunc) Send(frame *protocol.Frame, onFailure func(error)) {
	f(frame, onFailure)
}

// Receiver handles one inbound frame. reply sends frames back to the frame's origin.
type Receiver func(frame *protocol.Frame, reply Sender)
