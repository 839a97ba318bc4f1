package keys

import (
	"bytes"
	"testing"
)

func TestFromSecretDeterministic(t *testing.T) {
	a := FromSecret([]byte("abc"))
	b := FromSecret([]byte("abc"))

	if a.Public != b.Public {
		t.Fatalf("same secret produced different public keys: %s vs %s", a.Public, b.Public)
	}
	if a.Public.String() != b.Public.String() {
		t.Fatalf("display encoding not stable: %s vs %s", a.Public, b.Public)
	}

	c := FromSecret([]byte("abd"))
	if a.Public == c.Public {
		t.Fatal("distinct secrets produced the same public key")
	}
}

func TestDerivePublicMatchesDerive(t *testing.T) {
	root := FromSecret([]byte("shared secret"))

	for _, label := range []string{
		Label("tcp", 7000),
		Label("udp", 7001),
		Label("tcpudp", 443),
	} {
		sub := root.Derive(label)

		pub, err := DerivePublic(root.Public, label)
		if err != nil {
			t.Fatalf("DerivePublic(%q): %v", label, err)
		}
		if pub != sub.Public {
			t.Fatalf("label %q: public-side derivation %s != private-side %s", label, pub, sub.Public)
		}
	}
}

func TestDeriveDistinctLabels(t *testing.T) {
	root := FromSecret([]byte("shared secret"))

	seen := map[PublicKey]string{}
	for _, label := range []string{"tcp7000", "tcp7001", "udp7000", "tcpudp7000"} {
		sub := root.Derive(label)
		if prev, ok := seen[sub.Public]; ok {
			t.Fatalf("labels %q and %q derived the same sub key", prev, label)
		}
		seen[sub.Public] = label
	}
}

func TestLabel(t *testing.T) {
	if got := Label("tcp", 7000); got != "tcp7000" {
		t.Fatalf("Label = %q, want tcp7000", got)
	}
	if got := Label("tcpudp", 65535); got != "tcpudp65535" {
		t.Fatalf("Label = %q, want tcpudp65535", got)
	}
}

func TestSignVerifyRoot(t *testing.T) {
	kp := FromSecret([]byte("abc"))
	msg := []byte("challenge bytes")

	sig := kp.Sign(msg)
	if !Verify(kp.Public, msg, sig) {
		t.Fatal("root signature did not verify")
	}
	if Verify(kp.Public, []byte("other"), sig) {
		t.Fatal("signature verified against the wrong message")
	}
}

func TestSignVerifyDerived(t *testing.T) {
	root := FromSecret([]byte("abc"))
	sub := root.Derive(Label("tcp", 7000))
	msg := []byte("v=0 fake sdp body")

	sig := sub.Sign(msg)

	// The verifying side only ever holds the root public key.
	pub, err := DerivePublic(root.Public, Label("tcp", 7000))
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(pub, msg, sig) {
		t.Fatal("derived-key signature did not verify against publicly-derived key")
	}
	if Verify(pub, msg, append(bytes.Clone(sig[:63]), sig[63]^1)) {
		t.Fatal("corrupted signature verified")
	}
}

func TestParsePublicKeyRoundTrip(t *testing.T) {
	kp := FromSecret([]byte("roundtrip"))

	parsed, err := ParsePublicKey(kp.Public.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != kp.Public {
		t.Fatalf("round trip changed key: %s vs %s", parsed, kp.Public)
	}

	if _, err := ParsePublicKey("not!!base58"); err == nil {
		t.Fatal("expected error for invalid base58")
	}
	if _, err := ParsePublicKey("abc"); err == nil {
		t.Fatal("expected error for short key")
	}
}
