// Package engine implements the three forwarder engines: TCP over the
// overlay stream, UDP over the overlay datagram channel, and TCP carried as
// datagrams. Each engine has a server half (overlay session → local service)
// and a client half (local listener → overlay session). All three share one
// bridging discipline, held in bridge.
package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ayane-k/keyfwd/internal/overlay"
	"github.com/ayane-k/keyfwd/internal/util"
)

// Per-engine tuning.
const (
	tcpConnectTimeout   = 15 * time.Second // TCP engine: dial, probe, ready wait
	tcpIdleTimeout      = 15 * time.Second // TCP engine: per-bridge inactivity
	dgramConnectTimeout = 10 * time.Second // datagram engine: dial, probe, ready wait
	dgramIdleTimeout    = 10 * time.Second // datagram engine: per-bridge inactivity
	udpConnectTimeout   = 15 * time.Second // UDP engine: persistent session open

	// shutdownGrace is how long a graceful external shutdown waits for a
	// bridge to drain before destroying it.
	shutdownGrace = 5 * time.Second

	streamBufSize = 32 * 1024
	dgramBufSize  = 16 * 1024
	udpBufSize    = 64 * 1024
)

// bridgeState is the per-bridge lifecycle value. It only ever moves forward.
type bridgeState int

const (
	stateOpen bridgeState = iota
	stateHalfClosedLocal
	stateHalfClosedRemote
	stateDestroyed
)

// bridge holds the lifecycle shared by every engine: a write-once destroy
// latch, the half-close state, and an optional inactivity timer. The two
// endpoint-closing callbacks are idempotent by construction (net.Conn.Close
// and overlay Endpoint.Close both are).
type bridge struct {
	id uint32

	mu    sync.Mutex
	state bridgeState

	destroyOnce sync.Once
	destroyed   chan struct{}

	idleTimeout time.Duration
	idle        *time.Timer

	closeLocal  func()
	closeRemote func()
}

func newBridge(id uint32, idleTimeout time.Duration, closeLocal, closeRemote func()) *bridge {
	b := &bridge{
		id:          id,
		state:       stateOpen,
		destroyed:   make(chan struct{}),
		idleTimeout: idleTimeout,
		closeLocal:  closeLocal,
		closeRemote: closeRemote,
	}
	if idleTimeout > 0 {
		b.idle = time.AfterFunc(idleTimeout, func() {
			b.destroy("idle timeout")
		})
	}
	util.Stats.AddBridge()
	return b
}

// touch resets the inactivity timer. Called on every forwarded chunk.
func (b *bridge) touch() {
	if b.idle != nil {
		b.idle.Reset(b.idleTimeout)
	}
}

// gone reports whether the bridge has been destroyed.
func (b *bridge) gone() bool {
	select {
	case <-b.destroyed:
		return true
	default:
		return false
	}
}

// halfClose records a natural end of one direction. Only the direction state
// changes; the opposite direction keeps flowing until it ends too.
func (b *bridge) halfClose(local bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.state == stateOpen && local:
		b.state = stateHalfClosedLocal
	case b.state == stateOpen && !local:
		b.state = stateHalfClosedRemote
	}
}

// destroy tears the bridge down exactly once: both endpoints are closed and
// no further bytes flow. Safe to call from any goroutine, any number of times.
func (b *bridge) destroy(reason string) {
	b.destroyOnce.Do(func() {
		b.mu.Lock()
		b.state = stateDestroyed
		b.mu.Unlock()

		close(b.destroyed)
		if b.idle != nil {
			b.idle.Stop()
		}
		b.closeLocal()
		b.closeRemote()
		util.Stats.RemoveBridge()
		util.LogInfo("[%08x] bridge closed (%s)", b.id, reason)
	})
}

// watch translates external events into bridge teardown: a vanished overlay
// session destroys the bridge immediately, a cancelled context asks for a
// graceful end and destroys after the grace period.
func (b *bridge) watch(ctx context.Context, ep overlay.Endpoint, gracefulEnd func()) {
	select {
	case <-b.destroyed:
	case <-ep.Done():
		b.destroy("overlay session ended")
	case <-ctx.Done():
		if gracefulEnd != nil {
			gracefulEnd()
		}
		select {
		case <-b.destroyed:
		case <-time.After(shutdownGrace):
			b.destroy("shutdown")
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Stream bridge (TCP engine)
// ──────────────────────────────────────────────────────────────────────────────

// runStreamBridge pumps bytes between a local TCP connection and the overlay
// byte stream until both directions have ended or a fatal error occurs. The
// two directions are independent: a natural EOF on one side half-closes only
// that direction (half-open TCP is allowed).
func runStreamBridge(ctx context.Context, id uint32, conn *net.TCPConn, ep overlay.Endpoint, idleTimeout time.Duration) {
	st := ep.Stream()
	b := newBridge(id, idleTimeout,
		func() { conn.Close() },
		func() { ep.Close() },
	)

	go b.watch(ctx, ep, func() {
		conn.CloseWrite()
		st.CloseWrite()
	})

	var wg sync.WaitGroup
	wg.Add(2)

	// local → overlay
	go func() {
		defer wg.Done()
		buf := make([]byte, streamBufSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				b.touch()
				if _, werr := st.Write(buf[:n]); werr != nil {
					b.destroy("overlay write: " + werr.Error())
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					// Local side finished sending; the overlay direction
					// stays open for the response.
					st.CloseWrite()
					b.halfClose(true)
				} else if !b.gone() {
					b.destroy("local read: " + err.Error())
				}
				return
			}
		}
	}()

	// overlay → local
	go func() {
		defer wg.Done()
		buf := make([]byte, streamBufSize)
		for {
			n, err := st.Read(buf)
			if n > 0 {
				b.touch()
				if _, werr := conn.Write(buf[:n]); werr != nil {
					b.destroy("local write: " + werr.Error())
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					conn.CloseWrite()
					b.halfClose(false)
				} else if !b.gone() {
					b.destroy("overlay read: " + err.Error())
				}
				return
			}
		}
	}()

	wg.Wait()
	b.destroy("closed")
}

// ──────────────────────────────────────────────────────────────────────────────
// Datagram bridge (TCP-over-datagram engine)
// ──────────────────────────────────────────────────────────────────────────────

// runDatagramBridge pumps between a local TCP connection and the overlay
// datagram channel: each TCP read becomes one datagram, each datagram is
// written verbatim to the TCP side. Datagram channels have no half-close, so
// both directions end together.
func runDatagramBridge(ctx context.Context, id uint32, conn *net.TCPConn, ep overlay.Endpoint, idleTimeout time.Duration) {
	b := newBridge(id, idleTimeout,
		func() { conn.Close() },
		func() { ep.Close() },
	)

	ep.OnMessage(func(p []byte) {
		if b.gone() {
			return
		}
		b.touch()
		if _, err := conn.Write(p); err != nil {
			b.destroy("local write: " + err.Error())
		}
	})

	go b.watch(ctx, ep, nil)

	buf := make([]byte, dgramBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			b.touch()
			if serr := ep.Send(buf[:n]); serr != nil {
				b.destroy("overlay send: " + serr.Error())
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				b.destroy("local closed")
			} else if !b.gone() {
				b.destroy("local read: " + err.Error())
			}
			return
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// UDP bridges
// ──────────────────────────────────────────────────────────────────────────────

// runUDPServerBridge pumps between a connected local UDP socket and the
// overlay datagram channel, one local datagram per overlay datagram. UDP is
// forwarded best-effort: no retransmission, no reordering.
func runUDPServerBridge(ctx context.Context, id uint32, conn *net.UDPConn, ep overlay.Endpoint) {
	b := newBridge(id, 0,
		func() { conn.Close() },
		func() { ep.Close() },
	)

	ep.OnMessage(func(p []byte) {
		if b.gone() {
			return
		}
		if _, err := conn.Write(p); err != nil {
			b.destroy("local write: " + err.Error())
		}
	})

	go b.watch(ctx, ep, nil)

	buf := make([]byte, udpBufSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !b.gone() {
				b.destroy("local read: " + err.Error())
			}
			return
		}
		if serr := ep.Send(buf[:n]); serr != nil {
			b.destroy("overlay send: " + serr.Error())
			return
		}
	}
}

// runUDPClientBridge pumps between an unconnected local UDP socket and the
// persistent overlay session. The first local datagram's source address is
// latched for the session's lifetime and all overlay datagrams are delivered
// back to it (single-peer contract). Overlay datagrams arriving before any
// local datagram have no destination and are dropped.
func runUDPClientBridge(ctx context.Context, id uint32, conn *net.UDPConn, ep overlay.Endpoint) {
	b := newBridge(id, 0,
		func() { conn.Close() },
		func() { ep.Close() },
	)

	var peerMu sync.Mutex
	var peer *net.UDPAddr

	ep.OnMessage(func(p []byte) {
		if b.gone() {
			return
		}
		peerMu.Lock()
		dst := peer
		peerMu.Unlock()
		if dst == nil {
			util.LogDebug("[%08x] dropping %d-byte reply: no local peer yet", id, len(p))
			return
		}
		if _, err := conn.WriteToUDP(p, dst); err != nil {
			b.destroy("local write: " + err.Error())
		}
	})

	go b.watch(ctx, ep, nil)

	buf := make([]byte, udpBufSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !b.gone() {
				b.destroy("local read: " + err.Error())
			}
			return
		}

		peerMu.Lock()
		if peer == nil {
			peer = addr
			util.LogInfo("[%08x] local peer latched: %s", id, addr)
		}
		peerMu.Unlock()

		if serr := ep.Send(buf[:n]); serr != nil {
			b.destroy("overlay send: " + serr.Error())
			return
		}
	}
}
