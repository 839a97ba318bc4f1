// Keyfwd — CLI entry point.
//
// This tool forwards TCP/UDP ports between peers through an end-to-end
// encrypted overlay that traverses NATs via hole punching. A server derives
// its identity from a shared secret and exposes local ports under per-port
// sub-keys; a client only needs the displayed public key to reach them.
//
// Forwards are given as repeated -p flags (proto:remotePort[:localPort]) or
// through a JSON config file (-config).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/ayane-k/keyfwd/internal/forward"
	"github.com/ayane-k/keyfwd/internal/overlay"
	"github.com/ayane-k/keyfwd/internal/util"
)

var version = "dev"

// portFlag collects repeated -p values in input order.
type portFlag []portSpec

type portSpec struct {
	proto      forward.Proto
	remotePort int
	localPort  int
}

func (f *portFlag) String() string {
	parts := make([]string, len(*f))
	for i, p := range *f {
		parts[i] = fmt.Sprintf("%s:%d", p.proto, p.remotePort)
	}
	return strings.Join(parts, ",")
}

func (f *portFlag) Set(v string) error {
	parts := strings.Split(v, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return fmt.Errorf("want proto:remotePort[:localPort], got %q", v)
	}

	p := portSpec{proto: forward.Proto(parts[0])}
	switch p.proto {
	case forward.ProtoTCP, forward.ProtoUDP, forward.ProtoTCPUDP:
	default:
		return fmt.Errorf("unknown proto %q", parts[0])
	}

	var err error
	if p.remotePort, err = strconv.Atoi(parts[1]); err != nil {
		return fmt.Errorf("bad remote port %q", parts[1])
	}
	if len(parts) == 3 {
		if p.localPort, err = strconv.Atoi(parts[2]); err != nil {
			return fmt.Errorf("bad local port %q", parts[2])
		}
	}

	*f = append(*f, p)
	return nil
}

// configFile is the JSON config schema: the rendezvous URL plus a list of
// forward specs.
type configFile struct {
	Rendezvous string         `json:"rendezvous,omitempty"`
	Forwards   []forward.Spec `json:"forwards"`
}

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var ports portFlag
	role := flag.String("role", "", "Role: server or client")
	secret := flag.String("secret", "", "Shared secret the server identity derives from (server only)")
	key := flag.String("key", "", "Peer's base58 public key (client only)")
	host := flag.String("host", "", "Address of the exposed service (server only, default 127.0.0.1)")
	rendezvousURL := flag.String("rendezvous", "", "Rendezvous server URL")
	configPath := flag.String("config", "", "JSON config file with forwards")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Var(&ports, "p", "Forward as proto:remotePort[:localPort]; repeatable")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("keyfwd — v%s", version))
	pterm.Println()

	specs, rendezvous, err := buildSpecs(*configPath, *role, *secret, *key, *host, *rendezvousURL, ports)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	node := overlay.NewNode(ctx, overlay.Config{Rendezvous: rendezvous})
	defer node.Close()

	mgr := forward.NewManager(node)
	if err := mgr.Start(ctx, specs); err != nil {
		util.LogError("startup failed: %v", err)
		os.Exit(1)
	}

	for _, line := range forward.Summary(rendezvous, specs) {
		pterm.Println(line)
	}

	util.StartStatsReporter(ctx)

	<-ctx.Done()
	mgr.Close()
	util.LogInfo("all forwards closed")
}

// buildSpecs assembles the forward list from either the config file or the
// CLI flags. Flag-built specs share one role/secret/key.
func buildSpecs(configPath, role, secret, key, host, rendezvous string, ports portFlag) ([]forward.Spec, string, error) {
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("read config: %w", err)
		}
		var cfg configFile
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, "", fmt.Errorf("parse config: %w", err)
		}
		if rendezvous == "" {
			rendezvous = cfg.Rendezvous
		}
		if rendezvous == "" {
			return nil, "", fmt.Errorf("no rendezvous server configured")
		}
		return cfg.Forwards, rendezvous, nil
	}

	if rendezvous == "" {
		return nil, "", fmt.Errorf("missing -rendezvous")
	}
	if len(ports) == 0 {
		return nil, "", fmt.Errorf("no forwards given; use -p proto:port")
	}

	var specs []forward.Spec
	switch forward.Role(role) {
	case forward.RoleServer:
		if secret == "" {
			return nil, "", fmt.Errorf("missing -secret for server role")
		}
		for _, p := range ports {
			specs = append(specs, forward.Spec{
				Role:       forward.RoleServer,
				Proto:      p.proto,
				RemotePort: p.remotePort,
				Host:       host,
				Secret:     secret,
			})
		}

	case forward.RoleClient:
		if key == "" {
			return nil, "", fmt.Errorf("missing -key for client role")
		}
		for _, p := range ports {
			specs = append(specs, forward.Spec{
				Role:       forward.RoleClient,
				Proto:      p.proto,
				RemotePort: p.remotePort,
				LocalPort:  p.localPort,
				Key:        key,
			})
		}

	default:
		return nil, "", fmt.Errorf("invalid -role: must be 'server' or 'client'")
	}

	return specs, rendezvous, nil
}
