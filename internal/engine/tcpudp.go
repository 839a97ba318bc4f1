package engine

import (
	"context"
	"fmt"
	"net"

	"github.com/ayane-k/keyfwd/internal/keys"
	"github.com/ayane-k/keyfwd/internal/overlay"
	"github.com/ayane-k/keyfwd/internal/util"
)

// DatagramServer exposes one local TCP service through the overlay's datagram
// channel: raw TCP byte blocks cross the session as individual datagrams.
// The point is NAT traversal — UDP-style hole punching succeeds on routers
// where TCP hole punching fails, while the application still sees a byte
// stream on both ends. No framing, reassembly, or retransmission is added on
// top of what the overlay provides.
type DatagramServer struct {
	ls     overlay.Listener
	cancel context.CancelFunc
}

// StartDatagramServer listens on the sub-keypair and returns once the
// listener is registered.
func StartDatagramServer(ctx context.Context, node overlay.Node, kp keys.KeyPair, target string) (*DatagramServer, error) {
	ls, err := node.Listen(kp)
	if err != nil {
		return nil, fmt.Errorf("tcpudp server listen: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &DatagramServer{ls: ls, cancel: cancel}
	go s.acceptLoop(sctx, target)

	util.LogInfo("tcpudp: exposing %s as %s", target, kp.Public)
	return s, nil
}

func (s *DatagramServer) acceptLoop(ctx context.Context, target string) {
	for {
		ep, err := s.ls.Accept(ctx)
		if err != nil {
			return
		}
		go s.handle(ctx, ep, target)
	}
}

func (s *DatagramServer) handle(ctx context.Context, ep overlay.Endpoint, target string) {
	select {
	case <-ep.Ready():
	case <-ep.Done():
		return
	case <-ctx.Done():
		ep.Close()
		return
	}

	conn, err := net.DialTimeout("tcp", target, dgramConnectTimeout)
	if err != nil {
		util.LogError("tcpudp dial %s failed: %v", target, err)
		ep.Close()
		return
	}

	tcpConn := conn.(*net.TCPConn)
	tcpConn.SetNoDelay(true)

	id := util.BridgeIDFromConn(tcpConn)
	util.LogInfo("[%08x] tcpudp bridge open to %s", id, target)
	runDatagramBridge(ctx, id, tcpConn, ep, dgramIdleTimeout)
}

// Close unregisters the listener. Live bridges are destroyed once the
// shutdown grace period has passed, unless they end before that.
func (s *DatagramServer) Close() error {
	s.cancel()
	return s.ls.Close()
}

// DatagramClient binds a local TCP listener and bridges each accepted
// connection over a fresh overlay session's datagram channel.
type DatagramClient struct {
	ln     net.Listener
	cancel context.CancelFunc
}

// StartDatagramClient probes the peer first, then binds 127.0.0.1:localPort.
func StartDatagramClient(ctx context.Context, node overlay.Node, pub keys.PublicKey, localPort int) (*DatagramClient, error) {
	if err := probe(ctx, node, pub, dgramConnectTimeout); err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", localPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcpudp client listen on %s: %w", addr, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &DatagramClient{ln: ln, cancel: cancel}

	go func() {
		<-cctx.Done()
		ln.Close()
	}()
	go c.acceptLoop(cctx, node, pub)

	util.LogInfo("tcpudp: listening on %s for %s", ln.Addr(), pub)
	return c, nil
}

func (c *DatagramClient) acceptLoop(ctx context.Context, node overlay.Node, pub keys.PublicKey) {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				util.LogError("tcpudp accept error: %v", err)
			}
			return
		}
		go c.handle(ctx, node, pub, conn.(*net.TCPConn))
	}
}

func (c *DatagramClient) handle(ctx context.Context, node overlay.Node, pub keys.PublicKey, conn *net.TCPConn) {
	conn.SetNoDelay(true)
	id := util.BridgeIDFromConn(conn)

	dctx, cancel := context.WithTimeout(ctx, dgramConnectTimeout)
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

	util.LogInfo("[%08x] tcpudp bridge open from %s", id, conn.RemoteAddr())
	runDatagramBridge(ctx, id, conn, ep, dgramIdleTimeout)
}

// Addr returns the bound local listener address.
func (c *DatagramClient) Addr() net.Addr { return c.ln.Addr() }

// Close shuts the local listener down. Live bridges are destroyed once the
// shutdown grace period has passed, unless they end before that.
func (c *DatagramClient) Close() error {
	c.cancel()
	return c.ln.Close()
}
