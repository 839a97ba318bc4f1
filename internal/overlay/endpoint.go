package overlay

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/ayane-k/keyfwd/internal/util"
)

// dgramInboxSize buffers datagrams that arrive before OnMessage registration.
const dgramInboxSize = 256

// webrtcEndpoint is one end of a WebRTC-backed overlay session: a
// PeerConnection carrying the "stream" and "dgram" DataChannels.
//
// Its lifecycle is governed by the DataChannel states and the context passed
// at construction time. The PeerConnection state is watched only for terminal
// failures.
type webrtcEndpoint struct {
	pc     *webrtc.PeerConnection
	dgram  *webrtc.DataChannel
	stream *dcStream

	ready chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	inbox        chan []byte
	handlerOnce  sync.Once
	handlerReady chan struct{}
	handler      func([]byte)
}

// newEndpoint wires an endpoint over a fresh PeerConnection and its two
// pre-negotiated DataChannels. Ready fires when both channels are open.
func newEndpoint(parent context.Context, pc *webrtc.PeerConnection, dcStream, dcDgram *webrtc.DataChannel) *webrtcEndpoint {
	ctx, cancel := context.WithCancel(parent)

	e := &webrtcEndpoint{
		pc:           pc,
		dgram:        dcDgram,
		ready:        make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		inbox:        make(chan []byte, dgramInboxSize),
		handlerReady: make(chan struct{}),
	}

	// Both channels open → session ready.
	var opened atomic.Int32
	onOpen := func() {
		if opened.Add(1) == 2 {
			close(e.ready)
		}
	}
	dcStream.OnOpen(onOpen)
	dcDgram.OnOpen(onOpen)

	// Either channel closing ends the session.
	dcStream.OnClose(cancel)
	dcDgram.OnClose(cancel)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("peer connection state: %s", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			cancel()
		}
	})

	e.stream = newDCStream(e, dcStream)

	dcDgram.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		select {
		case e.inbox <- data:
		default:
			util.LogDebug("dgram inbox full, dropping %d-byte datagram", len(data))
		}
	})

	go e.dispatch()
	return e
}

func (e *webrtcEndpoint) Stream() Stream { return e.stream }

func (e *webrtcEndpoint) Ready() <-chan struct{} { return e.ready }

func (e *webrtcEndpoint) Done() <-chan struct{} { return e.ctx.Done() }

func (e *webrtcEndpoint) Send(p []byte) error {
	select {
	case <-e.ready:
	case <-e.ctx.Done():
		return ErrClosed
	}
	if err := e.dgram.Send(p); err != nil {
		return err
	}
	util.Stats.AddSent(len(p))
	return nil
}

func (e *webrtcEndpoint) OnMessage(fn func(p []byte)) {
	e.handlerOnce.Do(func() {
		e.handler = fn
		close(e.handlerReady)
	})
}

// dispatch delivers buffered datagrams once a handler is registered,
// preserving arrival order.
func (e *webrtcEndpoint) dispatch() {
	select {
	case <-e.handlerReady:
	case <-e.ctx.Done():
		return
	}
	for {
		select {
		case msg := <-e.inbox:
			util.Stats.AddRecv(len(msg))
			e.handler(msg)
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *webrtcEndpoint) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		e.dgram.Close()
		e.pc.Close()
	})
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Stream view
// ──────────────────────────────────────────────────────────────────────────────

// dcStream adapts the "stream" DataChannel into a byte stream with half-close.
// Outbound bytes are chunked into data frames through the sender; an EOF frame
// closes the direction.
type dcStream struct {
	ep     *webrtcEndpoint
	sender *sender

	recv     chan []byte
	leftover []byte

	eofOnce sync.Once
}

func newDCStream(ep *webrtcEndpoint, dc *webrtc.DataChannel) *dcStream {
	s := &dcStream{
		ep:     ep,
		recv:   make(chan []byte, 256),
		sender: newSender(ep.ctx, dc, ep.ready),
	}

	// pion delivers OnMessage callbacks for one channel sequentially, so the
	// eofSeen flag needs no lock. Blocking on a full recv channel stalls only
	// this channel's delivery.
	eofSeen := false
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if eofSeen {
			return
		}
		typ, payload, err := decodeFrame(msg.Data)
		if err != nil {
			util.LogWarning("stream frame decode failed: %v", err)
			return
		}
		switch typ {
		case frameData:
			data := make([]byte, len(payload))
			copy(data, payload)
			select {
			case s.recv <- data:
			case <-ep.ctx.Done():
			}
		case frameEOF:
			eofSeen = true
			close(s.recv)
		}
	})

	return s
}

func (s *dcStream) Read(p []byte) (int, error) {
	if len(s.leftover) > 0 {
		n := copy(p, s.leftover)
		s.leftover = s.leftover[n:]
		return n, nil
	}

	select {
	case msg, ok := <-s.recv:
		if !ok {
			return 0, io.EOF
		}
		util.Stats.AddRecv(len(msg))
		n := copy(p, msg)
		s.leftover = msg[n:]
		return n, nil
	case <-s.ep.ctx.Done():
		return 0, ErrClosed
	}
}

func (s *dcStream) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxFramePayload {
			chunk = chunk[:maxFramePayload]
		}
		if err := s.sender.send(s.ep.ctx, encodeFrame(frameData, chunk)); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (s *dcStream) CloseWrite() error {
	var err error
	s.eofOnce.Do(func() {
		err = s.sender.send(s.ep.ctx, encodeFrame(frameEOF, nil))
	})
	return err
}

func (s *dcStream) Close() error { return s.ep.Close() }
