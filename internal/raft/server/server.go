package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"raft-session-protocol/internal/pubsub"
	"raft-session-protocol/internal/raft/batcher"
	"raft-session-protocol/internal/raft/core"
	"raft-session-protocol/internal/raft/operation"
	"raft-session-protocol/internal/raft/protocol"
	"raft-session-protocol/internal/raft/router"
	"raft-session-protocol/internal/raft/session"
	"raft-session-protocol/internal/raft/storage"
	"raft-session-protocol/internal/raft/transport"
)

var ErrServerShutdown = errors.New("server is shutting down")

// Option configures a Server
type Option func(*Server)

func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

func WithMetrics(m MetricsCollector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithStore persists sessions. The server closes the store on shutdown.
func WithStore(store storage.SessionStore) Option {
	return func(s *Server) { s.store = store }
}

// WithPeers replaces the connection pool used to forward requests to the leader
func WithPeers(peers *transport.Peers) Option {
	return func(s *Server) { s.peers = peers }
}

// WithPubSub shares an event bus with the server. The server does not shut a shared bus down.
func WithPubSub(p *pubsub.PubSubClient) Option {
	return func(s *Server) { s.pubSub = p }
}

// Server answers client sessions on top of a Raft core. Every request is answered with a typed response: protocol
// failures travel as an ERROR status with a code and never as a transport error.
type Server struct {
	// The ID of the server in the cluster
	ID core.ServerID
	// The network address of the server
	Address core.ServerAddress

	cfg  Config
	core core.Core

	tracker *session.Tracker
	batcher *batcher.Batcher
	queue   *IndexQueue
	// Sessions this server served reads for while it was not the leader
	followers *followerSessions
	// Transport used for forwarding requests to the leader
	peers *transport.Peers
	store storage.SessionStore
	// pubSub is used to send events about the state of the server to subscribed jobs
	pubSub     *pubsub.PubSubClient
	ownsPubSub bool

	// Client identities seen by Connect, map[string]time.Time
	clients sync.Map

	clock   clock.Clock
	metrics MetricsCollector
	log     *zap.Logger

	// Protects grpcServer and stopped
	mu         sync.Mutex
	grpcServer *grpc.Server
	stopped    bool

	jobs         sync.WaitGroup
	expiryJob    sync.WaitGroup
	expirySub    pubsub.SubscriberID
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer creates a server for the given core and starts its background jobs
func NewServer(cfg Config, c core.Core, opts ...Option) (*Server, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	s := &Server{
		ID:      core.ServerID(cfg.Server.ID),
		Address: core.ServerAddress(cfg.Server.BindAddress),
		cfg:     cfg,
		core:    c,
		clock:   clock.New(),
		metrics: noopMetrics{},
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ID == "" {
		s.ID = core.ServerID(uuid.New().String())
	}
	s.log = s.log.Named("server").With(zap.String("server", string(s.ID)))

	if s.peers == nil {
		s.peers = transport.NewPeers(transport.WithPeersLogger(s.log), transport.WithPeersClock(s.clock))
	}
	for _, peer := range cfg.Server.Peers {
		if err := s.peers.AddPeer(core.ServerID(peer.ID), core.ServerAddress(peer.Address)); err != nil {
			return nil, multierr.Append(err, s.peers.CloseAll())
		}
	}

	trackerOpts := []session.Option{session.WithClock(s.clock), session.WithLogger(s.log)}
	if s.store != nil {
		trackerOpts = append(trackerOpts, session.WithStore(s.store))
	}
	tracker, err := session.NewTracker(cfg.SessionPolicy(), trackerOpts...)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to create session tracker: %w", err), s.peers.CloseAll())
	}
	s.tracker = tracker
	s.batcher = batcher.New(c, cfg.BatchPolicy(),
		batcher.WithClock(s.clock), batcher.WithLogger(s.log), batcher.WithMetrics(s.metrics))
	s.queue = NewIndexQueue(c.ReadState().LastApplied, time.Duration(cfg.Query.MaxQueryWait), s.clock,
		s.metrics.SetPendingQueries)
	s.followers = newFollowerSessions(time.Duration(cfg.Session.MinTimeout))

	if s.pubSub == nil {
		s.pubSub = pubsub.NewPubSub(s.log)
		s.ownsPubSub = true
	}
	s.tracker.OnExpire(func(id uint64) {
		pubsub.Publish(s.pubSub, pubsub.NewEvent(SessionExpired, id))
	})

	// Cores that report applied entries drive the pending queue directly
	if notifier, ok := c.(interface{ OnApplied(func(index uint64)) }); ok {
		notifier.OnApplied(s.OnApplied)
	}

	s.startJobs()
	return s, nil
}

// OnApplied must be called by the Raft core every time the last applied index advanced
func (s *Server) OnApplied(index uint64) {
	s.queue.Advance(index)
}

// Connect validates the identity of a client. It is answered by any server.
func (s *Server) Connect(ctx context.Context, req *protocol.ConnectRequest) (*protocol.ConnectResponse, error) {
	resp := &protocol.ConnectResponse{}
	if err := validateClientID(req.ClientID); err != nil {
		s.fail(ctx, &resp.ResponseHeader, err)
		return resp, nil
	}

	s.clients.Store(req.ClientID, s.clock.Now())
	resp.Succeed()
	return resp, nil
}

// Register opens a session on the leader
func (s *Server) Register(ctx context.Context, req *protocol.RegisterRequest) (*protocol.RegisterResponse, error) {
	resp := &protocol.RegisterResponse{}
	if s.redirect(ctx, &resp.ResponseHeader, func(ctx context.Context, c *transport.SessionClient) error {
		return c.Register(ctx, req, resp)
	}) {
		return resp, nil
	}

	if err := validateClientID(req.ClientID); err != nil {
		s.fail(ctx, &resp.ResponseHeader, err)
		return resp, nil
	}

	info, err := s.tracker.Register(req.ClientID, req.Timeout)
	if err != nil {
		s.fail(ctx, &resp.ResponseHeader, err)
		return resp, nil
	}
	s.clients.Store(req.ClientID, s.clock.Now())
	s.metrics.SetActiveSessions(s.tracker.Len())

	resp.Session = info.ID
	resp.Timeout = info.Timeout
	resp.Succeed()
	return resp, nil
}

// KeepAlive refreshes a session on the leader and releases the results the client acknowledged
func (s *Server) KeepAlive(ctx context.Context, req *protocol.KeepAliveRequest) (*protocol.KeepAliveResponse, error) {
	resp := &protocol.KeepAliveResponse{}
	if s.redirect(ctx, &resp.ResponseHeader, func(ctx context.Context, c *transport.SessionClient) error {
		return c.KeepAlive(ctx, req, resp)
	}) {
		return resp, nil
	}

	ctx = SetRequestSession(ctx, req.Session)
	if err := s.tracker.KeepAlive(req.Session, req.CommandSequence); err != nil {
		s.fail(ctx, &resp.ResponseHeader, err)
		return resp, nil
	}
	resp.Succeed()
	return resp, nil
}

// Unregister closes a session on the leader
func (s *Server) Unregister(ctx context.Context, req *protocol.UnregisterRequest) (*protocol.UnregisterResponse, error) {
	resp := &protocol.UnregisterResponse{}
	if s.redirect(ctx, &resp.ResponseHeader, func(ctx context.Context, c *transport.SessionClient) error {
		return c.Unregister(ctx, req, resp)
	}) {
		return resp, nil
	}

	ctx = SetRequestSession(ctx, req.Session)
	if err := s.tracker.Unregister(req.Session); err != nil {
		s.fail(ctx, &resp.ResponseHeader, err)
		return resp, nil
	}
	s.metrics.SetActiveSessions(s.tracker.Len())
	resp.Succeed()
	return resp, nil
}

// Command applies a command exactly once, in the order of its sequence number within the session
func (s *Server) Command(ctx context.Context, req *protocol.CommandRequest) (*protocol.CommandResponse, error) {
	resp := &protocol.CommandResponse{}
	if s.redirect(ctx, &resp.ResponseHeader, func(ctx context.Context, c *transport.SessionClient) error {
		return c.Command(ctx, req, resp)
	}) {
		return resp, nil
	}

	ctx = SetRequestSession(ctx, req.Session)
	start := s.clock.Now()

	for {
		decision, err := s.tracker.Accept(req.Session, req.Sequence)
		if err != nil {
			s.fail(ctx, &resp.ResponseHeader, err)
			return resp, nil
		}

		switch decision.Verdict {
		case session.Duplicate:
			resp.Result = decision.Result
			resp.Index = decision.Index
			resp.Succeed()
			s.metrics.RecordCommand(s.clock.Since(start), true)
			return resp, nil
		case session.Wait:
			select {
			case <-decision.Ready:
				continue
			case <-ctx.Done():
				s.tracker.Withdraw(req.Session, req.Sequence, decision.Ready)
				s.fail(ctx, &resp.ResponseHeader, fmt.Errorf("%w: %w", protocol.QueryFailure, ctx.Err()))
				return resp, nil
			}
		}

		index, result, err := s.core.Commit(ctx, req.Command())
		if err != nil {
			if index == 0 {
				// Nothing reached the log, the client may retry with the same sequence
				s.tracker.Abort(req.Session, req.Sequence)
			} else if cerr := s.tracker.Complete(req.Session, req.Sequence, index, nil); cerr != nil {
				s.log.Error("Failed to record command result", zap.Uint64("session", req.Session),
					zap.Uint64("sequence", req.Sequence), zap.Error(cerr))
			}
			s.fail(ctx, &resp.ResponseHeader, err)
			return resp, nil
		}
		if err := s.tracker.Complete(req.Session, req.Sequence, index, result); err != nil {
			// The command is applied; only its cached result may be lost on restart
			s.log.Error("Failed to record command result", zap.Uint64("session", req.Session),
				zap.Uint64("sequence", req.Sequence), zap.Error(err))
		}

		resp.Result = result
		resp.Index = index
		resp.Succeed()
		s.metrics.RecordCommand(s.clock.Since(start), false)
		return resp, nil
	}
}

// Query serves a read with the consistency the client asked for
func (s *Server) Query(ctx context.Context, req *protocol.QueryRequest) (*protocol.QueryResponse, error) {
	resp := &protocol.QueryResponse{}
	level := req.Consistency.OrDefault()
	ctx = SetRequestConsistency(SetRequestSession(ctx, req.Session), level)
	hops := transport.HopsFromIncoming(ctx)

	st := s.core.ReadState()
	index := req.Index
	if st.Role == core.Leader {
		// Sessions live on the leader: validate it and never serve older than the session's own commands
		effective, err := s.tracker.BeginQuery(req.Session, level, req.Index)
		if err != nil {
			s.fail(ctx, &resp.ResponseHeader, err)
			return resp, nil
		}
		index = effective
	} else if !level.RequiresLeader() {
		if err := s.checkFollowerSession(ctx, req.Session, level, req.Index, hops); err != nil {
			s.fail(ctx, &resp.ResponseHeader, err)
			return resp, nil
		}
	}

	decision := router.Route(level, st, index, hops, s.cfg.Query.MaxForwardHops)
	s.metrics.RecordQuery(level, decision.Disposition)
	s.log.Debug("Routed query", zap.Uint64("session", req.Session), zap.Stringer("consistency", level),
		zap.Stringer("decision", decision), zap.Uint64("index", index), zap.Int("hops", hops))

	switch decision.Disposition {
	case router.ServeLocal:
		if st.Role == core.Leader && level == operation.BoundedLinearizable {
			// A lease read reflects everything committed so far
			index = max(index, st.CommitIndex)
		}
		s.serve(ctx, req, index, resp)
	case router.QueueUntil:
		s.serve(ctx, req, decision.Index, resp)
	case router.Linearize:
		readIndex, err := s.batcher.Await(ctx, req.Session)
		if err != nil {
			s.fail(ctx, &resp.ResponseHeader, unavailable(ctx, err))
			return resp, nil
		}
		s.serve(ctx, req, max(index, readIndex), resp)
	case router.Forward:
		s.forward(ctx, &resp.ResponseHeader, hops, func(ctx context.Context, c *transport.SessionClient) error {
			return c.Query(ctx, req, resp)
		})
	case router.Reject:
		s.fail(ctx, &resp.ResponseHeader, fmt.Errorf("%w: query forwarded %d times", protocol.NotLeader, hops))
	}
	return resp, nil
}

// checkFollowerSession validates the session of a read served without the leader. The leader confirms the session
// when this server has not heard about it for a while, and a SEQUENTIAL read that goes back in time is rejected.
func (s *Server) checkFollowerSession(ctx context.Context, id uint64, level operation.ConsistencyLevel, index uint64,
	hops int) error {
	now := s.clock.Now()
	if s.followers.needsVerify(id, now) {
		if err := s.verifySession(ctx, id, hops); err != nil {
			return err
		}
		s.followers.verified(id, now)
	}
	return s.followers.begin(id, level, index, now)
}

// verifySession asks the leader whether a session is alive. The keep-alive acknowledges no results.
func (s *Server) verifySession(ctx context.Context, id uint64, hops int) error {
	leader, ok := s.core.Leader()
	if !ok || leader == s.ID {
		return fmt.Errorf("%w: no known leader to verify session %d", protocol.NotLeader, id)
	}

	req := &protocol.KeepAliveRequest{Session: id}
	resp := &protocol.KeepAliveResponse{}
	call := func(ctx context.Context, c *transport.SessionClient) error { return c.KeepAlive(ctx, req, resp) }
	if err := s.peers.Call(transport.WithHops(ctx, hops+1), leader, call); err != nil {
		return fmt.Errorf("%w: verifying session %d with %s: %w", protocol.NotLeader, id, leader, err)
	}
	if err := resp.Err(); err != nil {
		if errors.Is(err, protocol.SessionExpired) || errors.Is(err, protocol.SessionUnknown) {
			s.followers.forget(id)
		}
		return fmt.Errorf("session %d: %w", id, err)
	}
	return nil
}

// serve applies the query once the local state machine reached index
func (s *Server) serve(ctx context.Context, req *protocol.QueryRequest, index uint64, resp *protocol.QueryResponse) {
	// The core may be ahead of the last index it reported
	s.queue.Advance(s.core.ReadState().LastApplied)

	if err := s.queue.Wait(ctx, req.Session, index); err != nil {
		s.fail(ctx, &resp.ResponseHeader, unavailable(ctx, err))
		return
	}

	applied := s.core.ReadState().LastApplied
	result, err := s.core.Query(req.Query(), index)
	if err != nil {
		s.fail(ctx, &resp.ResponseHeader, err)
		return
	}

	resp.Result = result
	resp.Index = max(index, applied)
	resp.Succeed()
}

// redirect sends a leader only request to the leader when this server is not the leader. It returns false when the
// request must be handled locally.
func (s *Server) redirect(ctx context.Context, header *protocol.ResponseHeader,
	call func(context.Context, *transport.SessionClient) error) bool {
	hops := transport.HopsFromIncoming(ctx)
	// Writes and session requests follow the routing of linearizable reads
	decision := router.Route(operation.Linearizable, s.core.ReadState(), 0, hops, s.cfg.Query.MaxForwardHops)

	switch decision.Disposition {
	case router.Forward:
		s.forward(ctx, header, hops, call)
		return true
	case router.Reject:
		s.fail(ctx, header, fmt.Errorf("%w: request forwarded %d times", protocol.NotLeader, hops))
		return true
	default:
		return false
	}
}

// forward relays a request to the leader. The leader's response is decoded straight into the response of the
// caller.
func (s *Server) forward(ctx context.Context, header *protocol.ResponseHeader, hops int,
	call func(context.Context, *transport.SessionClient) error) {
	leader, ok := s.core.Leader()
	if !ok || leader == s.ID {
		s.fail(ctx, header, fmt.Errorf("%w: no known leader", protocol.NotLeader))
		return
	}

	s.metrics.RecordForward()
	if err := s.peers.Call(transport.WithHops(ctx, hops+1), leader, call); err != nil {
		s.fail(ctx, header, fmt.Errorf("%w: forwarding to %s: %w", protocol.NotLeader, leader, err))
	}
}

// fail turns err into the error status of a response
func (s *Server) fail(ctx context.Context, header *protocol.ResponseHeader, err error) {
	code := protocol.CodeOf(err)
	header.Fail(code)
	s.metrics.RecordError(code)

	fields := []zap.Field{zap.String("code", code.Error()), zap.Error(err)}
	if id, ok := GetRequestSession(ctx); ok {
		fields = append(fields, zap.Uint64("session", id))
	}
	if level, ok := GetRequestConsistency(ctx); ok {
		fields = append(fields, zap.Stringer("consistency", level))
	}
	if code == protocol.InternalError {
		s.log.Error("Request failed", fields...)
		return
	}
	s.log.Debug("Request failed", fields...)
}

// unavailable reports a wait that ended because the client went away as a retryable failure
func unavailable(ctx context.Context, err error) error {
	if ctx.Err() != nil && protocol.CodeOf(err) == protocol.InternalError {
		return fmt.Errorf("%w: %w", protocol.QueryFailure, err)
	}
	return err
}

func validateClientID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %w %q", protocol.SessionUnknown, session.ErrInvalidClientID, id)
	}
	return nil
}

// Serve answers the session service on lis until the server shuts down
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrServerShutdown
	}
	// Assign the address to the server, as the port may be randomly chosen
	if tcpAddr, ok := lis.Addr().(*net.TCPAddr); ok {
		s.Address = core.ServerAddress(tcpAddr.String())
	}
	opts := append(transport.ServerOptions(), grpc.ConnectionTimeout(30*time.Second))
	s.grpcServer = grpc.NewServer(opts...)
	transport.RegisterSessionServiceServer(s.grpcServer, s)
	g := s.grpcServer
	s.mu.Unlock()

	s.log.Info("Session server running", zap.String("addr", lis.Addr().String()),
		zap.Stringer("role", s.core.ReadState().Role))

	// This one blocks as under the hood there is a call to lis.Accept which is a blocking operation.
	return g.Serve(lis)
}

// ListenAndServe listens on the configured bind address and serves on it
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.cfg.Server.BindAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.BindAddress, err)
	}
	return s.Serve(lis)
}

// GracefulShutdown fails parked queries, waits for the requests in flight and releases every resource of the server
func (s *Server) GracefulShutdown() error {
	s.log.Info("Shutting down server gracefully")
	return s.shutdown((*grpc.Server).GracefulStop)
}

// ForceShutdown closes all connections at once and releases every resource of the server
func (s *Server) ForceShutdown() error {
	s.log.Info("Force shutting down server")
	return s.shutdown((*grpc.Server).Stop)
}

func (s *Server) shutdown(stopGRPC func(*grpc.Server)) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		g := s.grpcServer
		s.mu.Unlock()

		// Parked queries would otherwise hold a graceful stop until they time out
		s.queue.Close(fmt.Errorf("%w: %w", protocol.QueryFailure, ErrServerShutdown))
		s.batcher.Close()
		if g != nil {
			stopGRPC(g)
		}

		// Send a signal to all jobs that the server is shutting down
		pubsub.Publish(s.pubSub, pubsub.NewEvent(ServerShutDown, struct{}{}))
		s.jobs.Wait()
		s.pubSub.Unsubscribe(SessionExpired, s.expirySub)
		s.expiryJob.Wait()
		if s.ownsPubSub {
			s.pubSub.GracefulShutdown()
		}

		var errs error
		errs = multierr.Append(errs, s.peers.CloseAll())
		if s.store != nil {
			errs = multierr.Append(errs, s.store.Close())
		}
		s.shutdownErr = errs
	})
	return s.shutdownErr
}
