// Package keys derives the identity keypairs that address tunnels.
//
// A root keypair is expanded deterministically from a shared secret. Each
// forwarded (protocol, port) pair gets its own sub-keypair, blinded from the
// root under a textual label, so one advertised identity fans out to many
// services. The blinding is multiplicative on the ed25519 scalar, which means
// the *public* half of a sub-keypair is computable from the root public key
// alone — a client that only knows the displayed key can still address every
// service behind it.
package keys

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"
	"strconv"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// Domain separation prefixes for the blinding hashes.
const (
	blindScalarContext = "keyfwd/v1 blind scalar"
	blindPrefixContext = "keyfwd/v1 blind prefix"
)

// PublicKey is a raw 32-byte ed25519 public key.
type PublicKey [ed25519.PublicKeySize]byte

// String returns the base58 encoding of the raw key bytes. Identical secrets
// produce identical encodings across runs and implementations.
func (p PublicKey) String() string {
	return base58.Encode(p[:])
}

// ParsePublicKey decodes a base58 public key string.
func ParsePublicKey(s string) (PublicKey, error) {
	var pub PublicKey
	raw, err := base58.Decode(s)
	if err != nil {
		return pub, fmt.Errorf("malformed public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return pub, fmt.Errorf("malformed public key: %d bytes (want %d)", len(raw), ed25519.PublicKeySize)
	}
	if _, err := new(edwards25519.Point).SetBytes(raw); err != nil {
		return pub, fmt.Errorf("malformed public key: %w", err)
	}
	copy(pub[:], raw)
	return pub, nil
}

// KeyPair holds an ed25519 keypair in expanded form: the secret scalar plus
// the nonce prefix used for deterministic signing. The expanded form is what
// allows sub-keypairs, whose scalars are not derived from any seed, to sign.
type KeyPair struct {
	Public PublicKey

	scalar *edwards25519.Scalar
	prefix [32]byte
}

// FromSecret derives the root keypair from an opaque shared secret.
// The secret is hashed to a 32-byte seed and expanded exactly as
// crypto/ed25519 expands a seed, so the root public key matches
// ed25519.NewKeyFromSeed(blake2b(secret)).
func FromSecret(secret []byte) KeyPair {
	seed := blake2b.Sum256(secret)

	h := sha512.Sum512(seed[:])
	scalar, err := edwards25519.NewScalar().SetBytesWithClamping(h[:32])
	if err != nil {
		// SetBytesWithClamping only fails on wrong input length.
		panic("keys: " + err.Error())
	}

	kp := KeyPair{scalar: scalar}
	copy(kp.prefix[:], h[32:])

	pub := new(edwards25519.Point).ScalarBaseMult(scalar)
	copy(kp.Public[:], pub.Bytes())
	return kp
}

// Label builds the sub-key derivation label for a (protocol, port) pair:
// the transport tag concatenated with the decimal port.
func Label(proto string, port int) string {
	return proto + strconv.Itoa(port)
}

// blindFactor computes the per-label blinding scalar from a root public key.
// Both sides of a tunnel compute the same factor without a handshake.
func blindFactor(root PublicKey, label string) *edwards25519.Scalar {
	h, err := blake2b.New512(nil)
	if err != nil {
		panic("keys: " + err.Error())
	}
	h.Write([]byte(blindScalarContext))
	h.Write(root[:])
	h.Write([]byte(label))

	t, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		panic("keys: " + err.Error())
	}
	return t
}

// Derive returns the sub-keypair for the given label. The sub scalar is
// t·a mod L where t is the blinding factor, so the sub public key equals
// DerivePublic(root.Public, label).
func (k KeyPair) Derive(label string) KeyPair {
	t := blindFactor(k.Public, label)

	sub := KeyPair{
		scalar: edwards25519.NewScalar().Multiply(t, k.scalar),
	}

	// Fresh signing prefix per label; any deterministic expansion works as
	// long as it never collides with a sibling's.
	ph, err := blake2b.New512(nil)
	if err != nil {
		panic("keys: " + err.Error())
	}
	ph.Write([]byte(blindPrefixContext))
	ph.Write(k.prefix[:])
	ph.Write([]byte(label))
	copy(sub.prefix[:], ph.Sum(nil))

	pub := new(edwards25519.Point).ScalarBaseMult(sub.scalar)
	copy(sub.Public[:], pub.Bytes())
	return sub
}

// DerivePublic computes the sub public key for a label given only the root
// public key: t·A where A is the root point.
func DerivePublic(root PublicKey, label string) (PublicKey, error) {
	var pub PublicKey
	point, err := new(edwards25519.Point).SetBytes(root[:])
	if err != nil {
		return pub, fmt.Errorf("malformed root public key: %w", err)
	}

	t := blindFactor(root, label)
	sub := new(edwards25519.Point).ScalarMult(t, point)
	copy(pub[:], sub.Bytes())
	return pub, nil
}

// Sign produces a standard ed25519 signature over msg using the expanded
// keypair. Verification is plain ed25519.Verify against k.Public.
func (k KeyPair) Sign(msg []byte) []byte {
	rh := sha512.New()
	rh.Write(k.prefix[:])
	rh.Write(msg)
	r, err := edwards25519.NewScalar().SetUniformBytes(rh.Sum(nil))
	if err != nil {
		panic("keys: " + err.Error())
	}

	R := new(edwards25519.Point).ScalarBaseMult(r)

	kh := sha512.New()
	kh.Write(R.Bytes())
	kh.Write(k.Public[:])
	kh.Write(msg)
	c, err := edwards25519.NewScalar().SetUniformBytes(kh.Sum(nil))
	if err != nil {
		panic("keys: " + err.Error())
	}

	S := edwards25519.NewScalar().MultiplyAdd(c, k.scalar, r)

	sig := make([]byte, ed25519.SignatureSize)
	copy(sig[:32], R.Bytes())
	copy(sig[32:], S.Bytes())
	return sig
}

// Verify reports whether sig is a valid signature over msg by pub.
func Verify(pub PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}
