package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ayane-k/keyfwd/internal/engine"
	"github.com/ayane-k/keyfwd/internal/keys"
	"github.com/ayane-k/keyfwd/internal/overlay"
	"github.com/ayane-k/keyfwd/internal/util"
)

// Manager owns a set of running forwards on one shared overlay node. It does
// no per-connection work; bridging lives entirely in the engines.
type Manager struct {
	node overlay.Node

	mu      sync.Mutex
	closers []io.Closer
}

// NewManager wraps the process's shared overlay node.
func NewManager(node overlay.Node) *Manager {
	return &Manager{node: node}
}

// Start validates every spec, then starts them all concurrently. Server
// forwards count as started once their overlay listener is registered;
// client forwards once the probe passed and the local listener is bound. Any
// failure stops startup and tears down whatever already started.
func (m *Manager) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("%w: no forwards configured", ErrConfig)
	}
	for i := range specs {
		if err := specs[i].normalize(); err != nil {
			return err
		}
	}

	var (
		startedMu sync.Mutex
		started   []io.Closer
		failOnce  sync.Once
		firstErr  error
	)

	// The forwards outlive Start, so they run on fctx; only a failing spec
	// cancels it, which also stops the startups still in flight.
	fctx, cancelStartup := context.WithCancel(ctx)
	fail := func(err error) {
		failOnce.Do(func() { firstErr = err; cancelStartup() })
	}

	var g errgroup.Group
	for i := range specs {
		spec := specs[i]
		g.Go(func() error {
			closer, err := m.startOne(fctx, spec)
			if err != nil {
				if !errors.Is(err, engine.ErrProbe) {
					err = fmt.Errorf("%w: %w", ErrStartup, err)
				}
				err = fmt.Errorf("%s %s/%d: %w", spec.Role, spec.Proto, spec.RemotePort, err)
				fail(err)
				return err
			}
			startedMu.Lock()
			started = append(started, closer)
			startedMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, c := range started {
			c.Close()
		}
		return firstErr
	}

	m.mu.Lock()
	m.closers = append(m.closers, started...)
	m.mu.Unlock()

	util.LogInfo("%d forward(s) running", len(specs))
	return nil
}

// startOne dispatches a validated spec to its engine.
func (m *Manager) startOne(ctx context.Context, spec Spec) (io.Closer, error) {
	if spec.Role == RoleServer {
		kp := keys.FromSecret([]byte(spec.Secret)).Derive(spec.Label())
		switch spec.Proto {
		case ProtoTCP:
			return engine.StartTCPServer(ctx, m.node, kp, spec.Target())
		case ProtoUDP:
			return engine.StartUDPServer(ctx, m.node, kp, spec.Target())
		default:
			return engine.StartDatagramServer(ctx, m.node, kp, spec.Target())
		}
	}

	root, err := keys.ParsePublicKey(spec.Key)
	if err != nil {
		// normalize() already parsed it once; this is unreachable.
		return nil, err
	}
	pub, err := keys.DerivePublic(root, spec.Label())
	if err != nil {
		return nil, err
	}

	switch spec.Proto {
	case ProtoTCP:
		return engine.StartTCPClient(ctx, m.node, pub, spec.LocalPort)
	case ProtoUDP:
		return engine.StartUDPClient(ctx, m.node, pub, spec.LocalPort)
	default:
		return engine.StartDatagramClient(ctx, m.node, pub, spec.LocalPort)
	}
}

// Close shuts every forward down, most recent first. Engines give their live
// bridges a graceful end and the bridges destroy themselves after the grace
// period.
func (m *Manager) Close() error {
	m.mu.Lock()
	closers := m.closers
	m.closers = nil
	m.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		closers[i].Close()
	}
	return nil
}
