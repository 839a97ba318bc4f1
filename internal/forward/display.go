package forward

import (
	"fmt"
	"strings"

	"github.com/ayane-k/keyfwd/internal/keys"
)

// Summary builds the user-facing startup lines for a set of validated specs:
// for every distinct server secret, the base58 root public key and a ready-
// to-paste client command covering all of that secret's forwards, in input
// order. Server specs sharing one secret therefore collapse into a single
// key line and a single command.
func Summary(rendezvous string, specs []Spec) []string {
	type group struct {
		key      string
		forwards []Spec
	}

	var order []string
	groups := make(map[string]*group)

	for _, spec := range specs {
		if spec.Role != RoleServer {
			continue
		}
		g, ok := groups[spec.Secret]
		if !ok {
			g = &group{key: keys.FromSecret([]byte(spec.Secret)).Public.String()}
			groups[spec.Secret] = g
			order = append(order, spec.Secret)
		}
		g.forwards = append(g.forwards, spec)
	}

	var lines []string
	for _, secret := range order {
		g := groups[secret]

		var cmd strings.Builder
		cmd.WriteString("connect with: keyfwd -role client")
		if rendezvous != "" {
			fmt.Fprintf(&cmd, " -rendezvous %s", rendezvous)
		}
		fmt.Fprintf(&cmd, " -key %s", g.key)
		for _, spec := range g.forwards {
			fmt.Fprintf(&cmd, " -p %s:%d", spec.Proto, spec.RemotePort)
		}

		lines = append(lines, fmt.Sprintf("public key: %s", g.key), cmd.String())
	}
	return lines
}
