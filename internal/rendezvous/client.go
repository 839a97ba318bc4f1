package rendezvous

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ayane-k/keyfwd/internal/keys"
	"github.com/ayane-k/keyfwd/internal/util"
)

// ErrNotFound is returned by Exchange when the rendezvous has no announcer
// for the requested key.
var ErrNotFound = errors.New("rendezvous: no announcer for key")

// reasonNotFound is the wire form of ErrNotFound.
const reasonNotFound = "peer not found"

// wsURL normalizes a rendezvous base URL ("host:port", "ws://…", "wss://…")
// into the full /ws endpoint URL.
func wsURL(base string) string {
	if !strings.Contains(base, "://") {
		base = "ws://" + base
	}
	base = strings.TrimSuffix(base, "/")
	return base + "/ws"
}

// Offer is one inbound connect attempt relayed to an announcer.
type Offer struct {
	Session string
	SDP     string
}

// Announcer holds a long-lived registration for one sub-keypair. Inbound
// offers arrive on Offers; answers go back through SendAnswer.
type Announcer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	offers chan Offer

	closeOnce sync.Once
	done      chan struct{}
}

// Announce registers kp's public key with the rendezvous server, proving
// possession of the private half by signing the server's challenge.
func Announce(ctx context.Context, baseURL string, kp keys.KeyPair) (*Announcer, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(baseURL), nil)
	if err != nil {
		return nil, fmt.Errorf("rendezvous dial: %w", err)
	}

	if err := conn.WriteJSON(Message{Type: MsgTypeAnnounce, Key: kp.Public.String()}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rendezvous announce: %w", err)
	}

	var challenge Message
	if err := conn.ReadJSON(&challenge); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rendezvous announce: %w", err)
	}
	if challenge.Type != MsgTypeChallenge {
		conn.Close()
		return nil, fmt.Errorf("rendezvous announce: unexpected %q (%s)", challenge.Type, challenge.Reason)
	}
	nonce, err := base64.StdEncoding.DecodeString(challenge.Nonce)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rendezvous announce: bad nonce: %w", err)
	}

	sig := kp.Sign(AnnounceDigest(nonce))
	if err := conn.WriteJSON(Message{
		Type:      MsgTypeProof,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rendezvous announce: %w", err)
	}

	var ok Message
	if err := conn.ReadJSON(&ok); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rendezvous announce: %w", err)
	}
	if ok.Type != MsgTypeOK {
		conn.Close()
		return nil, fmt.Errorf("rendezvous announce rejected: %s", ok.Reason)
	}

	a := &Announcer{
		conn:   conn,
		offers: make(chan Offer, 16),
		done:   make(chan struct{}),
	}
	go a.readLoop()
	return a, nil
}

// Offers yields inbound connect attempts. The channel is never closed; watch
// Done for the end of the registration.
func (a *Announcer) Offers() <-chan Offer { return a.offers }

// Done is closed when the registration is over (Close called or the server
// connection dropped).
func (a *Announcer) Done() <-chan struct{} { return a.done }

// SendAnswer relays a signed answer for the given session back to its
// connector.
func (a *Announcer) SendAnswer(session, sdp string, sig []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteJSON(Message{
		Type:      MsgTypeAnswer,
		Session:   session,
		SDP:       sdp,
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
}

// Close drops the registration.
func (a *Announcer) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.conn.Close()
	})
	return nil
}

func (a *Announcer) readLoop() {
	defer a.Close()
	for {
		var msg Message
		if err := a.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != MsgTypeOffer {
			continue
		}
		select {
		case a.offers <- Offer{Session: msg.Session, SDP: msg.SDP}:
		default:
			util.LogWarning("rendezvous: offer queue full, dropping session %s", msg.Session)
		}
	}
}

// Exchange performs one offer/answer handshake with whoever announced pub.
// Returns the answer SDP and the announcer's signature over it.
func Exchange(ctx context.Context, baseURL string, pub keys.PublicKey, offerSDP string) (string, []byte, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(baseURL), nil)
	if err != nil {
		return "", nil, fmt.Errorf("rendezvous dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(Message{
		Type: MsgTypeOffer,
		Key:  pub.String(),
		SDP:  offerSDP,
	}); err != nil {
		return "", nil, fmt.Errorf("rendezvous offer: %w", err)
	}

	// Unblock the read when ctx expires mid-exchange.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	var answer Message
	if err := conn.ReadJSON(&answer); err != nil {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		return "", nil, fmt.Errorf("rendezvous answer: %w", err)
	}

	switch answer.Type {
	case MsgTypeAnswer:
		sig, err := base64.StdEncoding.DecodeString(answer.Signature)
		if err != nil {
			return "", nil, fmt.Errorf("rendezvous answer: bad signature encoding: %w", err)
		}
		return answer.SDP, sig, nil
	case MsgTypeError:
		if answer.Reason == reasonNotFound {
			return "", nil, ErrNotFound
		}
		return "", nil, fmt.Errorf("rendezvous: %s", answer.Reason)
	default:
		return "", nil, fmt.Errorf("rendezvous: unexpected %q", answer.Type)
	}
}
