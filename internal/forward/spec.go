// Package forward turns a set of forward specs into running forwarder
// engines: validation, concurrent startup, public-key display, and shutdown.
package forward

import (
	"errors"
	"fmt"

	"github.com/ayane-k/keyfwd/internal/keys"
)

// Error kinds surfaced by the manager. Bridge-level failures never appear
// here; they stay inside their bridge.
var (
	// ErrConfig marks a malformed spec. Nothing is started.
	ErrConfig = errors.New("forward: invalid spec")

	// ErrStartup marks a forward that failed to come up (listener bind,
	// overlay registration). Startup as a whole fails.
	ErrStartup = errors.New("forward: startup failed")
)

// Role selects the forward direction.
type Role string

const (
	RoleServer Role = "server" // expose a local service
	RoleClient Role = "client" // bind a local listener for a remote service
)

// Proto selects the forwarder engine.
type Proto string

const (
	ProtoTCP    Proto = "tcp"    // TCP over the overlay byte stream
	ProtoUDP    Proto = "udp"    // UDP over the overlay datagram channel
	ProtoTCPUDP Proto = "tcpudp" // TCP carried as overlay datagrams
)

// Spec describes one forward. The JSON field names are the config-file
// schema.
type Spec struct {
	Role  Role  `json:"role"`
	Proto Proto `json:"proto"`

	// RemotePort is the exposed service port on the server side and the
	// port half of the derivation label on both sides.
	RemotePort int `json:"remotePort"`

	// LocalPort is where the client-side listener binds. Defaults to
	// RemotePort. Ignored for servers.
	LocalPort int `json:"localPort,omitempty"`

	// Host is the server-side service address. Defaults to 127.0.0.1.
	// Ignored for clients.
	Host string `json:"host,omitempty"`

	// Secret is the server-side shared secret the identity derives from.
	Secret string `json:"secret,omitempty"`

	// Key is the client-side base58 root public key.
	Key string `json:"peerPublicKey,omitempty"`
}

// normalize validates the spec and fills defaults, in place.
func (s *Spec) normalize() error {
	switch s.Proto {
	case ProtoTCP, ProtoUDP, ProtoTCPUDP:
	default:
		return fmt.Errorf("%w: unknown proto %q", ErrConfig, s.Proto)
	}

	if s.RemotePort < 1 || s.RemotePort > 65535 {
		return fmt.Errorf("%w: remote port %d out of range", ErrConfig, s.RemotePort)
	}

	switch s.Role {
	case RoleServer:
		if s.Secret == "" {
			return fmt.Errorf("%w: server forward needs a secret", ErrConfig)
		}
		if s.Key != "" {
			return fmt.Errorf("%w: server forward takes a secret, not a peer key", ErrConfig)
		}
		if s.Host == "" {
			s.Host = "127.0.0.1"
		}

	case RoleClient:
		if s.Key == "" {
			return fmt.Errorf("%w: client forward needs a peer public key", ErrConfig)
		}
		if s.Secret != "" {
			return fmt.Errorf("%w: client forward takes a peer key, not a secret", ErrConfig)
		}
		if _, err := keys.ParsePublicKey(s.Key); err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
		if s.LocalPort == 0 {
			s.LocalPort = s.RemotePort
		}
		if s.LocalPort < 1 || s.LocalPort > 65535 {
			return fmt.Errorf("%w: local port %d out of range", ErrConfig, s.LocalPort)
		}

	default:
		return fmt.Errorf("%w: unknown role %q", ErrConfig, s.Role)
	}

	return nil
}

// Label is the sub-key derivation label for this forward. Server and client
// must agree on it, and do, because both sides derive it from (proto,
// remotePort).
func (s Spec) Label() string {
	return keys.Label(string(s.Proto), s.RemotePort)
}

// Target is the server-side service address.
func (s Spec) Target() string {
	return fmt.Sprintf("%s:%d", s.Host, s.RemotePort)
}
