// Package libsyncclient_transport moves whole protocol frames between
// the session engine and a server. One frame is one complete message
// including its header line and payload.
package libsyncclient_transport

import (
	"context"
	"errors"
)

// ErrTransportClosed is returned by SendFrame after the transport has
// started closing.
var ErrTransportClosed = errors.New("transport closed")

// ErrSendQueueFull is returned by SendFrame when the outbound queue is
// saturated. The caller decides whether that is fatal for the
// connection.
var ErrSendQueueFull = errors.New("transport send queue full")

// EventHandler receives transport lifecycle events. OnFrame and
// OnClosed are invoked from the transport's reader goroutine, never
// concurrently with each other. OnClosed is invoked exactly once.
type EventHandler interface {
	// OnFrame delivers one inbound frame. The slice is only valid for
	// the duration of the call. A returned error closes the transport.
	OnFrame(frame []byte) error

	// OnClosed reports the end of the transport. err is nil for an
	// orderly local close.
	OnClosed(err error)
}

// Transport is a full-duplex frame pipe. Implementations must allow
// SendFrame and Close from any goroutine.
type Transport interface {
	// SendFrame queues one frame for delivery. The frame is copied
	// before SendFrame returns.
	SendFrame(frame []byte) error

	// Close starts an orderly shutdown. It does not wait for the peer;
	// OnClosed fires when the reader goroutine winds down.
	Close() error

	// Done is closed once the transport is fully shut down.
	Done() <-chan struct{}
}

// Dialer establishes transports. The session manager owns one and
// redials through it whenever a connection has to be rebuilt.
type Dialer interface {
	Dial(ctx context.Context, serverURL string, signedUserToken string, handler EventHandler) (Transport, error)
}
