// Package overlay provides keypair-addressed peer-to-peer sessions.
//
// A Node listens on derived keypairs and connects to derived public keys.
// Every session exposes two independent views of the same underlying
// connection: a reliable byte stream with half-close, and a
// message-boundary-preserving datagram channel. A forwarder engine uses
// exactly one of the two views and must leave the other alone.
//
// The production implementation rides on WebRTC (pion) with STUN-based hole
// punching; peers find each other through a rendezvous server that relays the
// session handshake but never sees tunneled bytes. An in-memory
// implementation (MemoryNetwork) backs the tests.
package overlay

import (
	"context"
	"errors"
	"io"

	"github.com/ayane-k/keyfwd/internal/keys"
)

var (
	// ErrPeerNotFound is returned by Connect when no peer is currently
	// advertising the requested public key. Transient: the peer may simply
	// not have announced yet.
	ErrPeerNotFound = errors.New("overlay: peer not found")

	// ErrClosed is returned for operations on a closed endpoint.
	ErrClosed = errors.New("overlay: endpoint closed")
)

// Stream is the reliable byte-stream view of a session. CloseWrite half-closes
// the sending direction; the peer observes io.EOF after draining. Close tears
// down the whole endpoint, not just the stream.
type Stream interface {
	io.Reader
	io.Writer
	CloseWrite() error
	Close() error
}

// Endpoint is one end of an established overlay session.
type Endpoint interface {
	// Stream returns the byte-stream view. The same Stream is returned on
	// every call.
	Stream() Stream

	// Send transmits one datagram on the message view. Blocks until the
	// session is ready. Message boundaries are preserved; reliability is
	// whatever the underlying session provides.
	Send(p []byte) error

	// OnMessage registers the handler for inbound datagrams. Messages that
	// arrive before registration are buffered (bounded; overflow is dropped).
	// Register at most once.
	OnMessage(fn func(p []byte))

	// Ready is closed once the session is established end to end.
	Ready() <-chan struct{}

	// Done is closed when the session is gone, whichever side ended it.
	Done() <-chan struct{}

	// Close tears the session down. Idempotent.
	Close() error
}

// Listener accepts inbound sessions addressed to one sub-keypair.
type Listener interface {
	Accept(ctx context.Context) (Endpoint, error)
	Key() keys.PublicKey
	Close() error
}

// Node is the process-wide overlay attachment point. One shared Node serves
// every forwarder in the process.
type Node interface {
	Listen(kp keys.KeyPair) (Listener, error)
	Connect(ctx context.Context, pub keys.PublicKey) (Endpoint, error)
	Close() error
}
