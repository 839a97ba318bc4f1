package overlay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/ayane-k/keyfwd/internal/keys"
	"github.com/ayane-k/keyfwd/internal/rendezvous"
	"github.com/ayane-k/keyfwd/internal/util"
)

// STUN servers for ICE candidate gathering. No TURN — the tool is designed
// for direct P2P connectivity with zero infrastructure cost beyond the
// rendezvous.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config parameterizes the WebRTC-backed overlay node.
type Config struct {
	// Rendezvous is the base URL of the rendezvous server.
	Rendezvous string

	// STUNServers overrides the default STUN set.
	STUNServers []string
}

// NewNode creates the process's shared overlay node. The node itself holds no
// network resources until Listen or Connect is called; sharing one node keeps
// all sessions under a single lifecycle.
func NewNode(ctx context.Context, cfg Config) Node {
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = defaultSTUNServers
	}
	nctx, cancel := context.WithCancel(ctx)
	return &webrtcNode{ctx: nctx, cancel: cancel, cfg: cfg}
}

type webrtcNode struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config

	mu        sync.Mutex
	listeners []*webrtcListener
}

// newSession creates a PeerConnection with the two pre-negotiated
// DataChannels and wraps them in an endpoint. Using negotiated mode lets both
// sides create the channels independently without OnDataChannel.
func (n *webrtcNode) newSession() (*webrtc.PeerConnection, *webrtcEndpoint, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: n.cfg.STUNServers}},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("peer connection: %w", err)
	}

	ordered := true
	negotiated := true
	streamID := uint16(0)
	dgramID := uint16(1)

	dcStream, err := pc.CreateDataChannel("stream", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &streamID,
	})
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("stream channel: %w", err)
	}

	dcDgram, err := pc.CreateDataChannel("dgram", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &dgramID,
	})
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("dgram channel: %w", err)
	}

	ep := newEndpoint(n.ctx, pc, dcStream, dcDgram)
	return pc, ep, nil
}

func (n *webrtcNode) Connect(ctx context.Context, pub keys.PublicKey) (Endpoint, error) {
	pc, ep, err := n.newSession()
	if err != nil {
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		ep.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		ep.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}

	// Vanilla (non-trickle) ICE: wait for gathering so one rendezvous round
	// trip carries the complete description.
	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-ctx.Done():
		ep.Close()
		return nil, ctx.Err()
	}

	answerSDP, sig, err := rendezvous.Exchange(ctx, n.cfg.Rendezvous, pub, pc.LocalDescription().SDP)
	if err != nil {
		ep.Close()
		if errors.Is(err, rendezvous.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, pub)
		}
		return nil, err
	}

	// The peer signs its answer with the sub key it advertised. The answer
	// carries the DTLS fingerprint, so a valid signature binds the encrypted
	// session to the advertised identity.
	if !keys.Verify(pub, []byte(answerSDP), sig) {
		ep.Close()
		return nil, fmt.Errorf("overlay: peer identity verification failed for %s", pub)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}); err != nil {
		ep.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	return ep, nil
}

func (n *webrtcNode) Listen(kp keys.KeyPair) (Listener, error) {
	ann, err := rendezvous.Announce(n.ctx, n.cfg.Rendezvous, kp)
	if err != nil {
		return nil, err
	}

	lctx, lcancel := context.WithCancel(n.ctx)
	l := &webrtcListener{
		node:     n,
		kp:       kp,
		ann:      ann,
		acceptCh: make(chan Endpoint, 16),
		ctx:      lctx,
		cancel:   lcancel,
	}

	n.mu.Lock()
	n.listeners = append(n.listeners, l)
	n.mu.Unlock()

	go l.run()
	return l, nil
}

func (n *webrtcNode) Close() error {
	n.cancel()

	n.mu.Lock()
	listeners := n.listeners
	n.listeners = nil
	n.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	return nil
}

// webrtcListener answers offers addressed to one sub-keypair.
type webrtcListener struct {
	node *webrtcNode
	kp   keys.KeyPair
	ann  *rendezvous.Announcer

	acceptCh chan Endpoint

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (l *webrtcListener) run() {
	for {
		select {
		case offer := <-l.ann.Offers():
			go l.answer(offer)
		case <-l.ann.Done():
			util.LogWarning("rendezvous registration lost for %s", l.kp.Public)
			l.Close()
			return
		case <-l.ctx.Done():
			return
		}
	}
}

// answer builds a session for one inbound offer and hands the endpoint to
// Accept. The answer is signed with the sub key to prove the advertised
// identity end to end.
func (l *webrtcListener) answer(offer rendezvous.Offer) {
	pc, ep, err := l.node.newSession()
	if err != nil {
		util.LogError("inbound session setup failed: %v", err)
		return
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		util.LogError("inbound offer rejected: %v", err)
		ep.Close()
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		util.LogError("create answer failed: %v", err)
		ep.Close()
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		util.LogError("set local description failed: %v", err)
		ep.Close()
		return
	}

	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-l.ctx.Done():
		ep.Close()
		return
	}

	sdp := pc.LocalDescription().SDP
	if err := l.ann.SendAnswer(offer.Session, sdp, l.kp.Sign([]byte(sdp))); err != nil {
		util.LogError("answer relay failed: %v", err)
		ep.Close()
		return
	}

	select {
	case l.acceptCh <- ep:
	case <-l.ctx.Done():
		ep.Close()
	}
}

func (l *webrtcListener) Accept(ctx context.Context) (Endpoint, error) {
	select {
	case ep := <-l.acceptCh:
		return ep, nil
	case <-l.ctx.Done():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *webrtcListener) Key() keys.PublicKey { return l.kp.Public }

func (l *webrtcListener) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.ann.Close()
	})
	return nil
}
