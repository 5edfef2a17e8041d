package core

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PeerProbe sends a single heartbeat to a peer and returns nil if the peer acknowledged this server as leader
type PeerProbe func(ctx context.Context, peer ServerID) error

// QuorumProber confirms leadership by probing every peer in parallel. It succeeds as soon as a majority of the
// cluster, counting this server, has acknowledged, and cancels the probes that are still outstanding.
type QuorumProber struct {
	peers   []ServerID
	probe   PeerProbe
	timeout time.Duration
	log     *zap.Logger
}

// NewQuorumProber creates a QuorumProber. A zero timeout means the caller's context is the only bound.
func NewQuorumProber(peers []ServerID, probe PeerProbe, timeout time.Duration, log *zap.Logger) *QuorumProber {
	if log == nil {
		log = zap.NewNop()
	}
	return &QuorumProber{
		peers:   peers,
		probe:   probe,
		timeout: timeout,
		log:     log.Named("quorum"),
	}
}

// needed returns the number of peer acknowledgements required for a majority. This server votes for itself.
func (q *QuorumProber) needed() int32 {
	clusterSize := len(q.peers) + 1
	return int32(clusterSize / 2)
}

// Probe performs one round of heartbeats
func (q *QuorumProber) Probe(ctx context.Context) error {
	needed := q.needed()
	if needed == 0 {
		return nil
	}

	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var acks atomic.Int32
	var g errgroup.Group
	for _, peer := range q.peers {
		peer := peer
		g.Go(func() error {
			if err := q.probe(ctx, peer); err != nil {
				q.log.Debug("Peer did not acknowledge", zap.String("peer", string(peer)), zap.Error(err))
				// A single unreachable peer must not fail the round
				return nil
			}
			if acks.Add(1) >= needed {
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	if got := acks.Load(); got < needed {
		return fmt.Errorf("%w: %d of %d required acknowledgements", ErrNoQuorum, got, needed)
	}
	return nil
}
