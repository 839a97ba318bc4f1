package rendezvous

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayane-k/keyfwd/internal/keys"
)

func startServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(NewServer().Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestAnnounceExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	base := startServer(t)
	kp := keys.FromSecret([]byte("abc")).Derive("tcp7000")

	ann, err := Announce(ctx, base, kp)
	if err != nil {
		t.Fatal(err)
	}
	defer ann.Close()

	// Answer every offer with a signed SDP, like a listener would.
	go func() {
		for {
			select {
			case offer := <-ann.Offers():
				if offer.SDP != "v=0 offer" {
					t.Errorf("offer SDP = %q", offer.SDP)
				}
				ann.SendAnswer(offer.Session, "v=0 answer", kp.Sign([]byte("v=0 answer")))
			case <-ann.Done():
				return
			}
		}
	}()

	sdp, sig, err := Exchange(ctx, base, kp.Public, "v=0 offer")
	if err != nil {
		t.Fatal(err)
	}
	if sdp != "v=0 answer" {
		t.Fatalf("answer SDP = %q", sdp)
	}
	if !keys.Verify(kp.Public, []byte(sdp), sig) {
		t.Fatal("answer signature does not verify")
	}
}

func TestExchangeUnknownKey(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	base := startServer(t)
	pub := keys.FromSecret([]byte("never announced")).Public

	if _, _, err := Exchange(ctx, base, pub, "v=0 offer"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error %v, want ErrNotFound", err)
	}
}

func TestAnnounceRejectsBadProof(t *testing.T) {
	base := startServer(t)
	kp := keys.FromSecret([]byte("abc")).Derive("tcp7000")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(base), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(Message{Type: MsgTypeAnnounce, Key: kp.Public.String()}); err != nil {
		t.Fatal(err)
	}

	var challenge Message
	if err := conn.ReadJSON(&challenge); err != nil || challenge.Type != MsgTypeChallenge {
		t.Fatalf("challenge: %v %v", challenge.Type, err)
	}

	// Sign the wrong bytes: possession is not proven.
	bogus := kp.Sign([]byte("not the challenge"))
	if err := conn.WriteJSON(Message{
		Type:      MsgTypeProof,
		Signature: base64.StdEncoding.EncodeToString(bogus),
	}); err != nil {
		t.Fatal(err)
	}

	var resp Message
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Type != MsgTypeError {
		t.Fatalf("got %q, want rejection", resp.Type)
	}
}

func TestDuplicateAnnounceRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	base := startServer(t)
	kp := keys.FromSecret([]byte("abc")).Derive("udp7001")

	first, err := Announce(ctx, base, kp)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	if _, err := Announce(ctx, base, kp); err == nil {
		t.Fatal("second announce for the same key should fail")
	}
}

func TestWSURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:4600":        "ws://127.0.0.1:4600/ws",
		"ws://rdv.example":      "ws://rdv.example/ws",
		"wss://rdv.example/":    "wss://rdv.example/ws",
		"wss://rdv.example:443": "wss://rdv.example:443/ws",
	}
	for in, want := range cases {
		if got := wsURL(in); got != want {
			t.Errorf("wsURL(%q) = %q, want %q", in, got, want)
		}
	}
}
