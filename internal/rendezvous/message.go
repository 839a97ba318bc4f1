// Package rendezvous implements the discovery service that stands in for the
// DHT: servers announce derived public keys, clients address offers to them,
// and the service relays the session handshake. It authenticates announcers
// by a challenge signature and never carries tunneled bytes.
package rendezvous

// MessageType identifies the kind of rendezvous message.
type MessageType string

const (
	MsgTypeAnnounce  MessageType = "announce"  // announcer → server: claim a key
	MsgTypeChallenge MessageType = "challenge" // server → announcer: prove it
	MsgTypeProof     MessageType = "proof"     // announcer → server: challenge signature
	MsgTypeOK        MessageType = "ok"        // server → announcer: registered
	MsgTypeOffer     MessageType = "offer"     // connector → server → announcer
	MsgTypeAnswer    MessageType = "answer"    // announcer → server → connector
	MsgTypeError     MessageType = "error"     // server → either side
)

// Message is the JSON structure exchanged over the rendezvous WebSocket.
type Message struct {
	Type      MessageType `json:"type"`
	Key       string      `json:"key,omitempty"`       // base58 sub public key
	Session   string      `json:"session,omitempty"`   // offer/answer correlation id
	SDP       string      `json:"sdp,omitempty"`       // complete session description
	Nonce     string      `json:"nonce,omitempty"`     // base64 challenge nonce
	Signature string      `json:"signature,omitempty"` // base64 ed25519 signature
	Reason    string      `json:"reason,omitempty"`    // error detail
}

// announceContext domain-separates challenge signatures from every other use
// of the sub key.
const announceContext = "keyfwd rendezvous announce v1"

// AnnounceDigest is the byte string an announcer signs to prove possession of
// the announced key.
func AnnounceDigest(nonce []byte) []byte {
	return append([]byte(announceContext), nonce...)
}
