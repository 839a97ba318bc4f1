package engine

import (
	"context"
	"fmt"
	"net"

	"github.com/ayane-k/keyfwd/internal/keys"
	"github.com/ayane-k/keyfwd/internal/overlay"
	"github.com/ayane-k/keyfwd/internal/util"
)

// TCPServer exposes one local TCP service through the overlay: every inbound
// overlay session becomes one connection to the target address, bridged over
// the session's byte stream.
type TCPServer struct {
	ls     overlay.Listener
	cancel context.CancelFunc
}

// StartTCPServer listens on the sub-keypair and returns once the listener is
// registered. Bridging runs in the background until Close or ctx cancellation.
func StartTCPServer(ctx context.Context, node overlay.Node, kp keys.KeyPair, target string) (*TCPServer, error) {
	ls, err := node.Listen(kp)
	if err != nil {
		return nil, fmt.Errorf("tcp server listen: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &TCPServer{ls: ls, cancel: cancel}
	go s.acceptLoop(sctx, target)

	util.LogInfo("tcp: exposing %s as %s", target, kp.Public)
	return s, nil
}

func (s *TCPServer) acceptLoop(ctx context.Context, target string) {
	for {
		ep, err := s.ls.Accept(ctx)
		if err != nil {
			return
		}
		go s.handle(ctx, ep, target)
	}
}

func (s *TCPServer) handle(ctx context.Context, ep overlay.Endpoint, target string) {
	select {
	case <-ep.Ready():
	case <-ep.Done():
		return
	case <-ctx.Done():
		ep.Close()
		return
	}

	conn, err := net.DialTimeout("tcp", target, tcpConnectTimeout)
	if err != nil {
		util.LogError("tcp dial %s failed: %v", target, err)
		ep.Close()
		return
	}

	tcpConn := conn.(*net.TCPConn)
	id := util.BridgeIDFromConn(tcpConn)
	util.LogInfo("[%08x] tcp bridge open to %s", id, target)
	runStreamBridge(ctx, id, tcpConn, ep, tcpIdleTimeout)
}

// Close unregisters the listener and ends live bridges: each is asked for a
// graceful end and destroyed after the shutdown grace period.
func (s *TCPServer) Close() error {
	s.cancel()
	return s.ls.Close()
}

// TCPClient binds a local TCP listener and bridges each accepted connection
// over a fresh overlay session to the peer's derived key.
type TCPClient struct {
	ln     net.Listener
	cancel context.CancelFunc
}

// StartTCPClient probes the peer first (fail fast on unreachable keys), then
// binds 127.0.0.1:localPort and returns. Accepting runs in the background.
func StartTCPClient(ctx context.Context, node overlay.Node, pub keys.PublicKey, localPort int) (*TCPClient, error) {
	if err := probe(ctx, node, pub, tcpConnectTimeout); err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", localPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp client listen on %s: %w", addr, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &TCPClient{ln: ln, cancel: cancel}

	go func() {
		<-cctx.Done()
		ln.Close()
	}()
	go c.acceptLoop(cctx, node, pub)

	util.LogInfo("tcp: listening on %s for %s", ln.Addr(), pub)
	return c, nil
}

func (c *TCPClient) acceptLoop(ctx context.Context, node overlay.Node, pub keys.PublicKey) {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				util.LogError("tcp accept error: %v", err)
			}
			return
		}
		go c.handle(ctx, node, pub, conn.(*net.TCPConn))
	}
}

func (c *TCPClient) handle(ctx context.Context, node overlay.Node, pub keys.PublicKey, conn *net.TCPConn) {
	id := util.BridgeIDFromConn(conn)

	dctx, cancel := context.WithTimeout(ctx, tcpConnectTimeout)
	defer cancel()

	ep, err := node.Connect(dctx, pub)
	if err != nil {
		util.LogError("[%08x] overlay connect failed: %v", id, err)
		conn.Close()
		return
	}

	select {
	case <-ep.Ready():
	case <-ep.Done():
		util.LogError("[%08x] overlay session closed before open", id)
		conn.Close()
		return
	case <-dctx.Done():
		util.LogError("[%08x] overlay session open timed out", id)
		ep.Close()
		conn.Close()
		return
	}

	util.LogInfo("[%08x] tcp bridge open from %s", id, conn.RemoteAddr())
	runStreamBridge(ctx, id, conn, ep, tcpIdleTimeout)
}

// Addr returns the bound local listener address.
func (c *TCPClient) Addr() net.Addr { return c.ln.Addr() }

// Close shuts the local listener down and ends live bridges: each is asked
// for a graceful end and destroyed after the shutdown grace period.
func (c *TCPClient) Close() error {
	c.cancel()
	return c.ln.Close()
}
