package tunnel

import "errors"

// ErrTransportClosed is returned by Send once the underlying Transport has
// been closed.
var ErrTransportClosed = errors.New("tunnel: transport closed")

// Transport is the pre-established, bidirectional message channel a Proxy
// multiplexes its events over. A single Transport may be shared by multiple
// Proxy instances (each filters inbound frames by its own TunnelId).
//
// Implementations: internal/wstransport (gorilla/websocket) and
// internal/sshtransport (golang.org/x/crypto/ssh).
type Transport interface {
	// Send writes one already-encoded frame to the peer. Send may be
	// called concurrently from multiple goroutines; implementations must
	// serialize writes themselves.
	Send(frame []byte) error

	// Messages returns a channel of inbound frames. The channel is closed
	// when the transport closes, for any reason.
	Messages() <-chan []byte

	// OnClose registers fn to run once, when the transport closes. If the
	// transport is already closed, fn runs (asynchronously) immediately.
	OnClose(fn func(error))

	// Close shuts down the transport. Idempotent.
	Close() error
}
