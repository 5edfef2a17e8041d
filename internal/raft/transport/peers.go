package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"raft-session-protocol/internal/raft/core"
)

const (
	// RPCTimeout is the maximum time to wait for a single forwarded RPC attempt
	RPCTimeout = 500 * time.Millisecond

	// MaxForwardAttempts is the number of times a forwarded request is retried on a transport failure
	MaxForwardAttempts = 3

	// RetryBackoffBase is the base duration for the linear backoff between retries
	RetryBackoffBase = 10 * time.Millisecond

	// MaxRetryBackoff is the maximum backoff duration between retries
	MaxRetryBackoff = 100 * time.Millisecond
)

// ErrUnknownPeer is returned when no connection exists for a peer
var ErrUnknownPeer = errors.New("unknown peer")

// Backoff returns the delay before retry number attempt (zero based)
func Backoff(attempt int) time.Duration {
	backoff := RetryBackoffBase * time.Duration(attempt+1)
	if backoff > MaxRetryBackoff {
		backoff = MaxRetryBackoff
	}
	return backoff
}

type PeersOption func(*Peers)

// WithDialOptions replaces the options used when dialing peers. Without it peers are dialed with insecure
// credentials.
func WithDialOptions(opts ...grpc.DialOption) PeersOption {
	return func(p *Peers) {
		p.dialOpts = opts
	}
}

func WithPeersLogger(log *zap.Logger) PeersOption {
	return func(p *Peers) {
		p.log = log
	}
}

func WithPeersClock(clk clock.Clock) PeersOption {
	return func(p *Peers) {
		p.clock = clk
	}
}

// Peers is the connection pool a server uses to reach the rest of the cluster
type Peers struct {
	// map[core.ServerID]*grpc.ClientConn. Reads dominate: every forwarded request loads a connection.
	conns    *sync.Map
	dialOpts []grpc.DialOption
	clock    clock.Clock
	log      *zap.Logger
}

func NewPeers(opts ...PeersOption) *Peers {
	p := &Peers{
		conns:    &sync.Map{},
		dialOpts: []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		clock:    clock.New(),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Peers) conn(id core.ServerID) (*grpc.ClientConn, error) {
	value, ok := p.conns.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}

	conn, ok := value.(*grpc.ClientConn)
	if !ok {
		return nil, fmt.Errorf("invalid connection type for peer %s: %T", id, value)
	}
	return conn, nil
}

// AddPeer registers the peer address with the resolver and opens a channel to it. Adding a known peer only updates
// its address.
func (p *Peers) AddPeer(id core.ServerID, addr core.ServerAddress) error {
	// The resolver must know the address before the channel resolves the target
	RegisterResolverPeer(id, addr)

	if _, err := p.conn(id); err == nil {
		return nil
	}

	conn, err := grpc.NewClient(Target(id), p.dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to establish gRPC connection to peer %s: %w", id, err)
	}

	if _, loaded := p.conns.LoadOrStore(id, conn); loaded {
		// Lost a race with a concurrent AddPeer
		return conn.Close()
	}
	p.log.Info("added peer", zap.String("peer", string(id)), zap.String("addr", string(addr)))
	return nil
}

// RemovePeer closes and forgets the connection to a peer
func (p *Peers) RemovePeer(id core.ServerID) error {
	value, ok := p.conns.LoadAndDelete(id)
	if !ok {
		return nil
	}
	conn, ok := value.(*grpc.ClientConn)
	if !ok {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("closing connection to peer %s: %w", id, err)
	}
	p.log.Info("removed peer", zap.String("peer", string(id)))
	return nil
}

// Client returns a session client bound to the connection of a peer
func (p *Peers) Client(id core.ServerID) (*SessionClient, error) {
	conn, err := p.conn(id)
	if err != nil {
		return nil, err
	}
	return NewSessionClient(conn), nil
}

// Call runs fn against a peer, retrying transport failures with a capped linear backoff. Each attempt gets its own
// RPCTimeout.
func (p *Peers) Call(ctx context.Context, id core.ServerID, fn func(context.Context, *SessionClient) error) error {
	client, err := p.Client(id)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < MaxForwardAttempts; attempt++ {
		rpcCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
		lastErr = fn(rpcCtx, client)
		cancel()

		if lastErr == nil {
			if attempt > 0 {
				p.log.Debug("peer call succeeded after retries", zap.String("peer", string(id)),
					zap.Int("retries", attempt))
			}
			return nil
		}

		if attempt == MaxForwardAttempts-1 {
			break
		}

		timer := p.clock.Timer(Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("call to %s cancelled: %w", id, ctx.Err())
		case <-timer.C:
		}
	}

	p.log.Warn("peer call failed", zap.String("peer", string(id)), zap.Int("attempts", MaxForwardAttempts),
		zap.Error(lastErr))
	return fmt.Errorf("call to %s failed after %d attempts: %w", id, MaxForwardAttempts, lastErr)
}

// CloseAll closes every connection in the pool
func (p *Peers) CloseAll() error {
	var errs error
	p.conns.Range(func(key, value any) bool {
		p.conns.Delete(key)
		if conn, ok := value.(*grpc.ClientConn); ok {
			errs = multierr.Append(errs, conn.Close())
		}
		return true
	})
	return errs
}
