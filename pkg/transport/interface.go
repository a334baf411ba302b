package transport

import (
	"context"

	"github.com/netflixpp/meshnode/pkg/protocol"
)

// Node represents a remote peer that we can send messages to
type Node interface {
	// Send queues msg for the connection's writer. It never blocks on the socket.
	Send(msg protocol.Message) error
	Close() error
	// CloseWithError closes the connection and records err as the cause.
	CloseWithError(err error)
	Addr() string
	// Done is closed once the connection is fully shut down.
	Done() <-chan struct{}
	Err() error
}

// Handler receives connection lifecycle callbacks. OnMessage is called from
// the connection's read goroutine, in wire order.
type Handler interface {
	// OnPeer runs before the read loop starts. Returning an error closes the
	// connection with that error.
	OnPeer(node Node, outbound bool) error
	OnMessage(node Node, msg protocol.Message) error
	// OnClose runs exactly once per connection.
	OnClose(node Node, err error)
}

// Transport handles the network layer
type Transport interface {
	ListenAndAccept() error
	Dial(ctx context.Context, addr string) (Node, error)
	Close() error
	Addr() string
	SetHandler(h Handler)
}
