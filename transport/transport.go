package transport

import "context"

// Sender is the minimal outbound capability services depend on.
type Sender interface {
	// Send serializes and delivers a frame to the relay.
	Send(f *Frame) error
}

// Transport is a duplex frame channel to the relay server.
//
// Implementations must be safe for concurrent use. Callbacks are invoked
// from the transport's own goroutines; handlers must not block.
type Transport interface {
	Sender

	// Connect establishes the connection and starts the read loop. It
	// returns once the first connection attempt resolves; reconnection
	// after that is the transport's own business.
	Connect(ctx context.Context) error

	// Close tears the connection down and stops reconnecting.
	Close() error

	// OnFrame registers the inbound frame handler.
	OnFrame(func(*Frame))

	// OnConnect registers a handler invoked after every successful
	// (re)connection.
	OnConnect(func())

	// OnDisconnect registers a handler invoked when the connection drops.
	OnDisconnect(func())
}
