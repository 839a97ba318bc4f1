package forward

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ayane-k/keyfwd/internal/engine"
	"github.com/ayane-k/keyfwd/internal/keys"
	"github.com/ayane-k/keyfwd/internal/overlay"
)

func TestNormalize(t *testing.T) {
	validKey := keys.FromSecret([]byte("abc")).Public.String()

	cases := []struct {
		name string
		spec Spec
		ok   bool
	}{
		{"server ok", Spec{Role: RoleServer, Proto: ProtoTCP, RemotePort: 7000, Secret: "abc"}, true},
		{"client ok", Spec{Role: RoleClient, Proto: ProtoUDP, RemotePort: 7001, Key: validKey}, true},
		{"bad proto", Spec{Role: RoleServer, Proto: "sctp", RemotePort: 7000, Secret: "abc"}, false},
		{"bad role", Spec{Role: "peer", Proto: ProtoTCP, RemotePort: 7000, Secret: "abc"}, false},
		{"port zero", Spec{Role: RoleServer, Proto: ProtoTCP, RemotePort: 0, Secret: "abc"}, false},
		{"port high", Spec{Role: RoleServer, Proto: ProtoTCP, RemotePort: 70000, Secret: "abc"}, false},
		{"server no secret", Spec{Role: RoleServer, Proto: ProtoTCP, RemotePort: 7000}, false},
		{"server with key", Spec{Role: RoleServer, Proto: ProtoTCP, RemotePort: 7000, Secret: "abc", Key: validKey}, false},
		{"client no key", Spec{Role: RoleClient, Proto: ProtoTCP, RemotePort: 7000}, false},
		{"client bad key", Spec{Role: RoleClient, Proto: ProtoTCP, RemotePort: 7000, Key: "zzz"}, false},
		{"client with secret", Spec{Role: RoleClient, Proto: ProtoTCP, RemotePort: 7000, Key: validKey, Secret: "abc"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.normalize()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrConfig) {
					t.Fatalf("error %v is not ErrConfig", err)
				}
			}
		})
	}
}

func TestNormalizeDefaults(t *testing.T) {
	srv := Spec{Role: RoleServer, Proto: ProtoTCP, RemotePort: 7000, Secret: "abc"}
	if err := srv.normalize(); err != nil {
		t.Fatal(err)
	}
	if srv.Host != "127.0.0.1" {
		t.Fatalf("host default = %q", srv.Host)
	}
	if srv.Target() != "127.0.0.1:7000" {
		t.Fatalf("target = %q", srv.Target())
	}

	cli := Spec{Role: RoleClient, Proto: ProtoTCP, RemotePort: 7000, Key: keys.FromSecret([]byte("abc")).Public.String()}
	if err := cli.normalize(); err != nil {
		t.Fatal(err)
	}
	if cli.LocalPort != 7000 {
		t.Fatalf("local port default = %d, want remote port", cli.LocalPort)
	}

	if srv.Label() != "tcp7000" || cli.Label() != "tcp7000" {
		t.Fatalf("labels disagree: %q vs %q", srv.Label(), cli.Label())
	}
}

func TestSummaryConsolidated(t *testing.T) {
	specs := []Spec{
		{Role: RoleServer, Proto: ProtoTCP, RemotePort: 7000, Secret: "abc"},
		{Role: RoleServer, Proto: ProtoUDP, RemotePort: 7001, Secret: "abc"},
		{Role: RoleServer, Proto: ProtoTCP, RemotePort: 7002, Secret: "abc"},
	}

	lines := Summary("ws://rdv.example:4600", specs)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2 (one key, one command): %v", len(lines), lines)
	}

	wantKey := keys.FromSecret([]byte("abc")).Public.String()
	if lines[0] != "public key: "+wantKey {
		t.Fatalf("key line = %q", lines[0])
	}

	cmd := lines[1]
	if !strings.Contains(cmd, "-key "+wantKey) {
		t.Fatalf("command missing key: %q", cmd)
	}
	// All three pairs, in input order.
	want := "-p tcp:7000 -p udp:7001 -p tcp:7002"
	if !strings.Contains(cmd, want) {
		t.Fatalf("command %q does not list forwards in input order (%q)", cmd, want)
	}
}

func TestSummaryDistinctSecrets(t *testing.T) {
	specs := []Spec{
		{Role: RoleServer, Proto: ProtoTCP, RemotePort: 7000, Secret: "one"},
		{Role: RoleServer, Proto: ProtoTCP, RemotePort: 7001, Secret: "two"},
		{Role: RoleClient, Proto: ProtoTCP, RemotePort: 9999, Key: "ignored"},
	}

	lines := Summary("", specs)
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4 (two key/command pairs): %v", len(lines), lines)
	}

	keyLines := 0
	for _, l := range lines {
		if strings.HasPrefix(l, "public key: ") {
			keyLines++
		}
	}
	if keyLines != 2 {
		t.Fatalf("got %d key lines, want 2", keyLines)
	}
}

// freePort grabs an ephemeral port that is free at call time.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestManagerEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mnet := overlay.NewMemoryNetwork()

	// Echo service the server forward will expose.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(conn, conn)
		}
	}()
	echoPort := ln.Addr().(*net.TCPAddr).Port
	localPort := freePort(t)

	serverMgr := NewManager(mnet.Node())
	defer serverMgr.Close()
	if err := serverMgr.Start(ctx, []Spec{
		{Role: RoleServer, Proto: ProtoTCP, RemotePort: echoPort, Secret: "e2e secret"},
	}); err != nil {
		t.Fatal(err)
	}

	clientMgr := NewManager(mnet.Node())
	defer clientMgr.Close()
	if err := clientMgr.Start(ctx, []Spec{
		{
			Role:       RoleClient,
			Proto:      ProtoTCP,
			RemotePort: echoPort,
			LocalPort:  localPort,
			Key:        keys.FromSecret([]byte("e2e secret")).Public.String(),
		},
	}); err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	conn.Write([]byte("through the manager\n"))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "through the manager\n" {
		t.Fatalf("echo returned %q", line)
	}
}

func TestManagerProbeFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mnet := overlay.NewMemoryNetwork()
	mgr := NewManager(mnet.Node())
	defer mgr.Close()

	err := mgr.Start(ctx, []Spec{
		{
			Role:       RoleClient,
			Proto:      ProtoTCP,
			RemotePort: 7000,
			LocalPort:  freePort(t),
			Key:        keys.FromSecret([]byte("nobody announced this")).Public.String(),
		},
	})
	if err == nil {
		t.Fatal("expected probe failure")
	}
	if !errors.Is(err, engine.ErrProbe) {
		t.Fatalf("error %v, want ErrProbe", err)
	}
	if errors.Is(err, ErrStartup) {
		t.Fatalf("probe failure misclassified as startup error: %v", err)
	}
}

func TestManagerRejectsBadSpecBeforeStarting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mnet := overlay.NewMemoryNetwork()
	mgr := NewManager(mnet.Node())

	err := mgr.Start(ctx, []Spec{
		{Role: RoleServer, Proto: ProtoTCP, RemotePort: 7000, Secret: "ok"},
		{Role: RoleServer, Proto: "bogus", RemotePort: 7001, Secret: "ok"},
	})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("error %v, want ErrConfig", err)
	}

	// The valid spec must not have been started: its key is free to claim.
	kp := keys.FromSecret([]byte("ok")).Derive(keys.Label("tcp", 7000))
	ls, err := mnet.Node().Listen(kp)
	if err != nil {
		t.Fatalf("listener was left registered: %v", err)
	}
	ls.Close()
}
