package engine

import (
	"context"
	"fmt"
	"net"

	"github.com/ayane-k/keyfwd/internal/keys"
	"github.com/ayane-k/keyfwd/internal/overlay"
	"github.com/ayane-k/keyfwd/internal/util"
)

// UDPServer exposes one local UDP service through the overlay. Every inbound
// overlay session gets its own connected UDP socket to the target, pumped
// over the session's datagram channel. The byte stream is left untouched.
type UDPServer struct {
	ls     overlay.Listener
	cancel context.CancelFunc
}

// StartUDPServer listens on the sub-keypair and returns once the listener is
// registered.
func StartUDPServer(ctx context.Context, node overlay.Node, kp keys.KeyPair, target string) (*UDPServer, error) {
	// Resolve up front so a bad target is a startup error, not a per-session
	// log line.
	raddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("udp server target %s: %w", target, err)
	}

	ls, err := node.Listen(kp)
	if err != nil {
		return nil, fmt.Errorf("udp server listen: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &UDPServer{ls: ls, cancel: cancel}
	go s.acceptLoop(sctx, raddr)

	util.LogInfo("udp: exposing %s as %s", target, kp.Public)
	return s, nil
}

func (s *UDPServer) acceptLoop(ctx context.Context, raddr *net.UDPAddr) {
	for {
		ep, err := s.ls.Accept(ctx)
		if err != nil {
			return
		}
		go s.handle(ctx, ep, raddr)
	}
}

func (s *UDPServer) handle(ctx context.Context, ep overlay.Endpoint, raddr *net.UDPAddr) {
	select {
	case <-ep.Ready():
	case <-ep.Done():
		return
	case <-ctx.Done():
		ep.Close()
		return
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		util.LogError("udp dial %s failed: %v", raddr, err)
		ep.Close()
		return
	}

	id := util.NextBridgeID()
	util.LogInfo("[%08x] udp bridge open to %s", id, raddr)
	runUDPServerBridge(ctx, id, conn, ep)
}

// Close unregisters the listener. Live bridges are destroyed once the
// shutdown grace period has passed, unless they end before that.
func (s *UDPServer) Close() error {
	s.cancel()
	return s.ls.Close()
}

// UDPClient binds a local UDP socket and forwards datagrams over one
// persistent overlay session. Single-peer: the first local source is latched
// and receives all replies.
type UDPClient struct {
	conn   *net.UDPConn
	ep     overlay.Endpoint
	cancel context.CancelFunc
}

// StartUDPClient opens the persistent session, waits for it to be ready, and
// binds 127.0.0.1:localPort.
func StartUDPClient(ctx context.Context, node overlay.Node, pub keys.PublicKey, localPort int) (*UDPClient, error) {
	dctx, dcancel := context.WithTimeout(ctx, udpConnectTimeout)
	defer dcancel()

	ep, err := node.Connect(dctx, pub)
	if err != nil {
		return nil, fmt.Errorf("udp client connect: %w", err)
	}

	select {
	case <-ep.Ready():
	case <-ep.Done():
		ep.Close()
		return nil, fmt.Errorf("udp client: session closed before open")
	case <-dctx.Done():
		ep.Close()
		return nil, fmt.Errorf("udp client: session open timed out")
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: localPort})
	if err != nil {
		ep.Close()
		return nil, fmt.Errorf("udp client bind: %w", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &UDPClient{conn: conn, ep: ep, cancel: cancel}

	id := util.NextBridgeID()
	util.LogInfo("[%08x] udp: listening on %s for %s", id, conn.LocalAddr(), pub)
	go runUDPClientBridge(cctx, id, conn, ep)

	return c, nil
}

// Addr returns the bound local socket address.
func (c *UDPClient) Addr() net.Addr { return c.conn.LocalAddr() }

// Close tears the forward down, session included.
func (c *UDPClient) Close() error {
	c.cancel()
	c.conn.Close()
	return c.ep.Close()
}
