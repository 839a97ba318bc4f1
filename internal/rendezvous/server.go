package rendezvous

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayane-k/keyfwd/internal/keys"
	"github.com/ayane-k/keyfwd/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// answerTimeout bounds how long a connector waits for the announcer to
// produce an answer. DHT-scale discovery latency applies on the connector's
// side, not here: by the time an offer reaches the server the announcer is
// already attached.
const answerTimeout = 60 * time.Second

// Server relays session handshakes between announcers and connectors.
// One WebSocket per announcer (long-lived) and one per connect attempt.
type Server struct {
	mu         sync.Mutex
	announcers map[string]*announcerConn
	pending    map[string]chan Message
}

// NewServer creates an empty rendezvous server.
func NewServer() *Server {
	return &Server{
		announcers: make(map[string]*announcerConn),
		pending:    make(map[string]chan Message),
	}
}

// Handler returns the HTTP handler exposing the /ws endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// announcerConn wraps an announcer's WebSocket with a write lock, since
// offers are forwarded to it from connector goroutines.
type announcerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (a *announcerConn) writeJSON(msg Message) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteJSON(msg)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var first Message
	if err := conn.ReadJSON(&first); err != nil {
		return
	}

	switch first.Type {
	case MsgTypeAnnounce:
		s.serveAnnouncer(conn, first)
	case MsgTypeOffer:
		s.serveConnector(conn, first)
	default:
		conn.WriteJSON(Message{Type: MsgTypeError, Reason: "unexpected message type"})
	}
}

// serveAnnouncer runs the challenge handshake, registers the key, and then
// routes answers coming back from the announcer to waiting connectors.
func (s *Server) serveAnnouncer(conn *websocket.Conn, announce Message) {
	pub, err := keys.ParsePublicKey(announce.Key)
	if err != nil {
		conn.WriteJSON(Message{Type: MsgTypeError, Reason: err.Error()})
		return
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		conn.WriteJSON(Message{Type: MsgTypeError, Reason: "internal error"})
		return
	}
	if err := conn.WriteJSON(Message{
		Type:  MsgTypeChallenge,
		Nonce: base64.StdEncoding.EncodeToString(nonce),
	}); err != nil {
		return
	}

	var proof Message
	if err := conn.ReadJSON(&proof); err != nil || proof.Type != MsgTypeProof {
		return
	}
	sig, err := base64.StdEncoding.DecodeString(proof.Signature)
	if err != nil || !keys.Verify(pub, AnnounceDigest(nonce), sig) {
		conn.WriteJSON(Message{Type: MsgTypeError, Reason: "challenge signature invalid"})
		return
	}

	ac := &announcerConn{conn: conn}

	s.mu.Lock()
	if _, taken := s.announcers[announce.Key]; taken {
		s.mu.Unlock()
		conn.WriteJSON(Message{Type: MsgTypeError, Reason: "key already announced"})
		return
	}
	s.announcers[announce.Key] = ac
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.announcers[announce.Key] == ac {
			delete(s.announcers, announce.Key)
		}
		s.mu.Unlock()
		util.LogInfo("announce gone: %s", announce.Key)
	}()

	if err := ac.writeJSON(Message{Type: MsgTypeOK}); err != nil {
		return
	}
	util.LogInfo("announce: %s", announce.Key)

	// Route answers back to the matching connector. The read loop ends when
	// the announcer disconnects, which also ends the registration.
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != MsgTypeAnswer {
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[msg.Session]
		if ok {
			delete(s.pending, msg.Session)
		}
		s.mu.Unlock()

		if !ok {
			util.LogDebug("answer for unknown session %s", msg.Session)
			continue
		}
		ch <- msg
	}
}

// serveConnector forwards one offer to the announcer of the requested key and
// relays the answer back.
func (s *Server) serveConnector(conn *websocket.Conn, offer Message) {
	s.mu.Lock()
	ac, ok := s.announcers[offer.Key]
	s.mu.Unlock()
	if !ok {
		conn.WriteJSON(Message{Type: MsgTypeError, Reason: reasonNotFound})
		return
	}

	session := newSessionID()
	ch := make(chan Message, 1)

	s.mu.Lock()
	s.pending[session] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, session)
		s.mu.Unlock()
	}()

	if err := ac.writeJSON(Message{
		Type:    MsgTypeOffer,
		Session: session,
		SDP:     offer.SDP,
	}); err != nil {
		conn.WriteJSON(Message{Type: MsgTypeError, Reason: reasonNotFound})
		return
	}

	select {
	case answer := <-ch:
		conn.WriteJSON(Message{
			Type:      MsgTypeAnswer,
			SDP:       answer.SDP,
			Signature: answer.Signature,
		})
	case <-time.After(answerTimeout):
		conn.WriteJSON(Message{Type: MsgTypeError, Reason: "answer timeout"})
	}
}

// newSessionID returns a random offer/answer correlation id.
func newSessionID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
