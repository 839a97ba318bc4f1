package overlay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ayane-k/keyfwd/internal/keys"
	"github.com/ayane-k/keyfwd/internal/util"
)

// memInboxSize is the per-endpoint datagram buffer. Overflow is dropped, as
// on the real datagram channel.
const memInboxSize = 256

// MemoryNetwork is an in-process overlay: every Node attached to the same
// MemoryNetwork can reach every listener registered on it. Sessions are
// linked endpoint pairs with no real networking, used by the engine and
// manager tests.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[keys.PublicKey]*memListener
}

// NewMemoryNetwork creates an empty in-process overlay.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[keys.PublicKey]*memListener)}
}

// Node attaches a new node to the network.
func (m *MemoryNetwork) Node() Node {
	return &memNode{net: m}
}

type memNode struct {
	net *MemoryNetwork

	mu  sync.Mutex
	own []*memListener
}

func (n *memNode) Listen(kp keys.KeyPair) (Listener, error) {
	l := &memListener{
		net:      n.net,
		key:      kp.Public,
		acceptCh: make(chan Endpoint, 16),
		closed:   make(chan struct{}),
	}

	n.net.mu.Lock()
	if _, exists := n.net.listeners[kp.Public]; exists {
		n.net.mu.Unlock()
		return nil, fmt.Errorf("overlay: already listening on %s", kp.Public)
	}
	n.net.listeners[kp.Public] = l
	n.net.mu.Unlock()

	n.mu.Lock()
	n.own = append(n.own, l)
	n.mu.Unlock()
	return l, nil
}

func (n *memNode) Connect(ctx context.Context, pub keys.PublicKey) (Endpoint, error) {
	n.net.mu.Lock()
	l, ok := n.net.listeners[pub]
	n.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, pub)
	}

	local, remote := newMemoryPair()

	select {
	case l.acceptCh <- remote:
		return local, nil
	case <-l.closed:
		local.Close()
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, pub)
	case <-ctx.Done():
		local.Close()
		return nil, ctx.Err()
	}
}

func (n *memNode) Close() error {
	n.mu.Lock()
	own := n.own
	n.own = nil
	n.mu.Unlock()

	for _, l := range own {
		l.Close()
	}
	return nil
}

type memListener struct {
	net      *MemoryNetwork
	key      keys.PublicKey
	acceptCh chan Endpoint

	closeOnce sync.Once
	closed    chan struct{}
}

func (l *memListener) Accept(ctx context.Context) (Endpoint, error) {
	select {
	case ep := <-l.acceptCh:
		return ep, nil
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memListener) Key() keys.PublicKey { return l.key }

func (l *memListener) Close() error {
	l.closeOnce.Do(func() {
		l.net.mu.Lock()
		if l.net.listeners[l.key] == l {
			delete(l.net.listeners, l.key)
		}
		l.net.mu.Unlock()
		close(l.closed)
	})
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Linked endpoint pair
// ──────────────────────────────────────────────────────────────────────────────

// newMemoryPair builds two endpoints joined back to back: bytes written on
// one stream are read from the other, datagrams sent on one are delivered to
// the other's handler.
func newMemoryPair() (*memEndpoint, *memEndpoint) {
	aRead, bWrite := io.Pipe()
	bRead, aWrite := io.Pipe()

	ready := make(chan struct{})
	close(ready)

	a := &memEndpoint{
		ready:        ready,
		done:         make(chan struct{}),
		inbox:        make(chan []byte, memInboxSize),
		handlerReady: make(chan struct{}),
	}
	b := &memEndpoint{
		ready:        ready,
		done:         make(chan struct{}),
		inbox:        make(chan []byte, memInboxSize),
		handlerReady: make(chan struct{}),
	}
	a.peer, b.peer = b, a
	a.stream = &memStream{ep: a, r: aRead, w: aWrite}
	b.stream = &memStream{ep: b, r: bRead, w: bWrite}

	go a.dispatch()
	go b.dispatch()
	return a, b
}

type memEndpoint struct {
	peer   *memEndpoint
	stream *memStream

	ready chan struct{}

	closeOnce sync.Once
	done      chan struct{}

	inbox        chan []byte
	handlerOnce  sync.Once
	handlerReady chan struct{}
	handler      func([]byte)
}

func (e *memEndpoint) Stream() Stream { return e.stream }

func (e *memEndpoint) Ready() <-chan struct{} { return e.ready }

func (e *memEndpoint) Done() <-chan struct{} { return e.done }

func (e *memEndpoint) Send(p []byte) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}

	msg := make([]byte, len(p))
	copy(msg, p)

	select {
	case e.peer.inbox <- msg:
	default:
		util.LogDebug("memory overlay: inbox full, dropping %d-byte datagram", len(p))
	}
	return nil
}

func (e *memEndpoint) OnMessage(fn func(p []byte)) {
	e.handlerOnce.Do(func() {
		e.handler = fn
		close(e.handlerReady)
	})
}

// dispatch delivers buffered datagrams once a handler is registered,
// preserving arrival order.
func (e *memEndpoint) dispatch() {
	select {
	case <-e.handlerReady:
	case <-e.done:
		return
	}
	for {
		select {
		case msg := <-e.inbox:
			e.handler(msg)
		case <-e.done:
			return
		}
	}
}

func (e *memEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.stream.w.Close()
		e.stream.r.Close()
		e.peer.peerGone()
	})
	return nil
}

// peerGone mirrors a remote close: Done fires on this side too.
func (e *memEndpoint) peerGone() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.stream.w.Close()
		e.stream.r.Close()
	})
}

type memStream struct {
	ep *memEndpoint
	r  *io.PipeReader
	w  *io.PipeWriter

	eofOnce sync.Once
}

func (s *memStream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = ErrClosed
	}
	return n, err
}

func (s *memStream) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		err = ErrClosed
	}
	return n, err
}

func (s *memStream) CloseWrite() error {
	s.eofOnce.Do(func() { s.w.Close() })
	return nil
}

func (s *memStream) Close() error { return s.ep.Close() }
