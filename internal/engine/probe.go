package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayane-k/keyfwd/internal/keys"
	"github.com/ayane-k/keyfwd/internal/overlay"
	"github.com/ayane-k/keyfwd/internal/util"
)

// ErrProbe marks a client startup probe that failed after all retries. The
// affected forward does not start. forward.Manager treats it as a failure of
// its whole startup, so forwards started alongside it are closed as well.
var ErrProbe = errors.New("engine: overlay probe failed")

const (
	probeAttempts   = 3
	probeRetryDelay = time.Second
)

// probe opens one throwaway session to pub and closes it as soon as it is
// ready. Peer discovery dominates first-connection latency; doing it once up
// front makes later user-initiated connections feel responsive and surfaces
// unreachable peers as an explicit startup failure instead of a silent hang.
func probe(ctx context.Context, node overlay.Node, pub keys.PublicKey, timeout time.Duration) error {
	var lastErr error

	for attempt := 1; attempt <= probeAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(probeRetryDelay):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrProbe, ctx.Err())
			}
		}

		lastErr = probeOnce(ctx, node, pub, timeout)
		if lastErr == nil {
			return nil
		}
		util.LogWarning("probe attempt %d/%d for %s failed: %v", attempt, probeAttempts, pub, lastErr)
	}

	return fmt.Errorf("%w: %v", ErrProbe, lastErr)
}

func probeOnce(ctx context.Context, node overlay.Node, pub keys.PublicKey, timeout time.Duration) error {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ep, err := node.Connect(actx, pub)
	if err != nil {
		return err
	}
	defer ep.Close()

	select {
	case <-ep.Ready():
		return nil
	case <-ep.Done():
		return errors.New("session closed before open")
	case <-actx.Done():
		return actx.Err()
	}
}
