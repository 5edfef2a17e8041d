// Package client is the client side of the session protocol. A Client owns one session: it numbers commands,
// remembers the highest log index it has observed so that reads never go back in time, keeps the session alive and
// retries requests that failed for a transient reason.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"raft-session-protocol/internal/raft/operation"
	"raft-session-protocol/internal/raft/protocol"
	"raft-session-protocol/internal/raft/transport"
)

const (
	// DefaultMaxRetries is how many times a request failing with a retryable code is resubmitted
	DefaultMaxRetries = 5
)

var (
	ErrNoSession     = errors.New("client has no open session")
	ErrSessionClosed = errors.New("session is closed")
)

// Recorder receives client side latencies. *metrics.Metrics implements it.
type Recorder interface {
	RecordCommand(latency time.Duration, duplicate bool)
	RecordQueryLatency(latency time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) RecordCommand(time.Duration, bool) {}
func (noopRecorder) RecordQueryLatency(time.Duration)  {}

type Option func(*Client)

func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

func WithLogger(log *zap.Logger) Option {
	return func(cl *Client) { cl.log = log }
}

func WithRecorder(r Recorder) Option {
	return func(cl *Client) { cl.recorder = r }
}

// WithClientID replaces the random client identity
func WithClientID(id string) Option {
	return func(cl *Client) { cl.id = id }
}

// WithSessionTimeout asks the server for a session timeout. Zero takes the server default.
func WithSessionTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.requestedTimeout = d }
}

func WithMaxRetries(n int) Option {
	return func(cl *Client) { cl.maxRetries = n }
}

// Client talks to a cluster through one server. It is safe for concurrent use.
type Client struct {
	id               string
	rpc              *transport.SessionClient
	conn             *grpc.ClientConn
	requestedTimeout time.Duration
	maxRetries       int

	clock    clock.Clock
	recorder Recorder
	log      *zap.Logger

	// Protects all fields below
	mu      sync.Mutex
	session uint64
	timeout time.Duration
	// closed refuses new requests. lost means the server no longer knows the session, so Close skips Unregister.
	closed   bool
	lost     bool
	shutdown bool
	// Last sequence handed to a command
	sequence uint64
	// Every command up to ackedSequence got its response
	ackedSequence uint64
	completed     map[uint64]struct{}
	// Highest log index observed in any response
	lastIndex     uint64
	querySequence uint64

	stopKeepAlive chan struct{}
	keepAlive     sync.WaitGroup
}

// New creates a client on top of an existing connection. The caller keeps ownership of cc.
func New(cc grpc.ClientConnInterface, opts ...Option) *Client {
	c := &Client{
		id:         uuid.New().String(),
		rpc:        transport.NewSessionClient(cc),
		maxRetries: DefaultMaxRetries,
		clock:      clock.New(),
		recorder:   noopRecorder{},
		log:        zap.NewNop(),
		completed:  make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("client").With(zap.String("client", c.id))
	return c
}

// Dial connects to the server at addr. The connection is closed with the client.
func Dial(addr string, opts ...Option) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c := New(conn, opts...)
	c.conn = conn
	return c, nil
}

// ID returns the client identity
func (c *Client) ID() string {
	return c.id
}

// Session returns the id of the open session, zero if there is none
func (c *Client) Session() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// LastIndex returns the highest log index the client has observed
func (c *Client) LastIndex() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastIndex
}

// Connect announces the client to the server
func (c *Client) Connect(ctx context.Context) error {
	resp := &protocol.ConnectResponse{}
	return c.retry(ctx, "connect", func(ctx context.Context) (*protocol.ResponseHeader, error) {
		resp.Reset()
		err := c.rpc.Connect(ctx, &protocol.ConnectRequest{ClientID: c.id}, resp)
		return &resp.ResponseHeader, err
	})
}

// Register opens a session and starts keeping it alive
func (c *Client) Register(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.session != 0 {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	resp := protocol.AcquireRegisterResponse()
	defer protocol.ReleaseRegisterResponse(resp)

	req := &protocol.RegisterRequest{ClientID: c.id, Timeout: c.requestedTimeout}
	err := c.retry(ctx, "register", func(ctx context.Context) (*protocol.ResponseHeader, error) {
		resp.Reset()
		err := c.rpc.Register(ctx, req, resp)
		return &resp.ResponseHeader, err
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.session = resp.Session
	c.timeout = resp.Timeout
	c.stopKeepAlive = make(chan struct{})
	// Create the ticker before the job runs so a mock clock advanced right after Register fires it
	ticker := c.clock.Ticker(keepAliveInterval(resp.Timeout))
	c.keepAlive.Add(1)
	go c.keepAliveJob(ticker, c.stopKeepAlive)
	c.mu.Unlock()

	c.log.Info("Registered session", zap.Uint64("session", resp.Session), zap.Duration("timeout", resp.Timeout))
	return nil
}

func keepAliveInterval(timeout time.Duration) time.Duration {
	interval := timeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}

// keepAliveJob refreshes the session until it is stopped or the session is gone
func (c *Client) keepAliveJob(ticker *clock.Ticker, stop chan struct{}) {
	defer c.keepAlive.Done()
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			req := &protocol.KeepAliveRequest{Session: c.session, CommandSequence: c.ackedSequence}
			interval := keepAliveInterval(c.timeout)
			c.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), interval)
			resp := protocol.AcquireKeepAliveResponse()
			err := c.rpc.KeepAlive(ctx, req, resp)
			if err == nil {
				err = resp.Err()
			}
			protocol.ReleaseKeepAliveResponse(resp)
			cancel()

			switch code := protocol.CodeOf(err); {
			case err == nil:
			case code == protocol.SessionExpired || code == protocol.SessionUnknown:
				c.log.Warn("Session lost", zap.Uint64("session", req.Session), zap.Error(err))
				c.mu.Lock()
				c.closed, c.lost = true, true
				c.mu.Unlock()
				return
			default:
				c.log.Debug("Keep alive failed", zap.Uint64("session", req.Session), zap.Error(err))
			}
		}
	}
}

// Submit applies a command exactly once and returns its result. A retried command keeps its sequence number, so a
// retry after a lost response returns the original result.
//
// When Submit fails the server may or may not hold the command, and every later command of the session would wait
// behind it. The client therefore gives the session up: later calls return ErrSessionClosed and the caller needs a
// new client.
func (c *Client) Submit(ctx context.Context, payload []byte) ([]byte, error) {
	c.mu.Lock()
	if err := c.liveLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.sequence++
	req := &protocol.CommandRequest{Session: c.session, Sequence: c.sequence, Payload: payload}
	c.mu.Unlock()

	resp := protocol.AcquireCommandResponse()
	defer protocol.ReleaseCommandResponse(resp)

	start := c.clock.Now()
	err := c.retry(ctx, "command", func(ctx context.Context) (*protocol.ResponseHeader, error) {
		resp.Reset()
		err := c.rpc.Command(ctx, req, resp)
		return &resp.ResponseHeader, err
	})

	if err != nil {
		c.fail(err)
		c.mu.Lock()
		if !c.closed {
			c.log.Warn("Giving up the session after a failed command", zap.Uint64("session", req.Session),
				zap.Uint64("sequence", req.Sequence), zap.Error(err))
			c.closed = true
		}
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	c.ackLocked(req.Sequence)
	c.observeLocked(resp.Index)
	c.mu.Unlock()
	c.recorder.RecordCommand(c.clock.Since(start), false)

	return append([]byte(nil), resp.Result...), nil
}

// Query reads with the given consistency. The read reflects at least every index the client has observed.
func (c *Client) Query(ctx context.Context, level operation.ConsistencyLevel, payload []byte) ([]byte, error) {
	c.mu.Lock()
	if err := c.liveLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.querySequence++
	req := &protocol.QueryRequest{
		Session:     c.session,
		Sequence:    c.querySequence,
		Index:       c.lastIndex,
		Consistency: level,
		Payload:     payload,
	}
	c.mu.Unlock()

	resp := protocol.AcquireQueryResponse()
	defer protocol.ReleaseQueryResponse(resp)

	start := c.clock.Now()
	err := c.retry(ctx, "query", func(ctx context.Context) (*protocol.ResponseHeader, error) {
		resp.Reset()
		err := c.rpc.Query(ctx, req, resp)
		return &resp.ResponseHeader, err
	})
	if err != nil {
		c.fail(err)
		return nil, err
	}
	c.recorder.RecordQueryLatency(c.clock.Since(start))

	c.mu.Lock()
	c.observeLocked(resp.Index)
	c.mu.Unlock()

	return append([]byte(nil), resp.Result...), nil
}

// Close stops the keep-alive job, unregisters the session and closes the connection the client dialed
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	session, lost, wasShutdown := c.session, c.lost, c.shutdown
	c.closed, c.shutdown = true, true
	stop := c.stopKeepAlive
	c.stopKeepAlive = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	c.keepAlive.Wait()

	var errs error
	if session != 0 && !lost && !wasShutdown {
		resp := &protocol.UnregisterResponse{}
		err := c.rpc.Unregister(ctx, &protocol.UnregisterRequest{Session: session}, resp)
		if err == nil {
			err = resp.Err()
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to unregister session %d: %w", session, err))
		}
	}
	if c.conn != nil {
		errs = multierr.Append(errs, c.conn.Close())
	}
	return errs
}

// retry runs call until it succeeds, fails with a code that is not retryable or runs out of attempts. Transport
// errors are retried like NotLeader.
func (c *Client) retry(ctx context.Context, op string, call func(context.Context) (*protocol.ResponseHeader, error)) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			timer := c.clock.Timer(transport.Backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%s cancelled: %w", op, multierr.Append(ctx.Err(), lastErr))
			case <-timer.C:
			}
		}

		header, err := call(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%s cancelled: %w", op, err)
			}
			lastErr = err
			continue
		}
		if header.OK() {
			return nil
		}

		err = header.Err()
		if !protocol.CodeOf(err).Retryable() {
			return fmt.Errorf("%s failed: %w", op, err)
		}
		lastErr = err
		c.log.Debug("Retrying request", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, c.maxRetries+1, lastErr)
}

// fail closes the client once the server reported its session as gone
func (c *Client) fail(err error) {
	code := protocol.CodeOf(err)
	if code != protocol.SessionExpired && code != protocol.SessionUnknown {
		return
	}
	c.mu.Lock()
	c.closed, c.lost = true, true
	c.mu.Unlock()
}

func (c *Client) liveLocked() error {
	if c.closed {
		return ErrSessionClosed
	}
	if c.session == 0 {
		return ErrNoSession
	}
	return nil
}

func (c *Client) observeLocked(index uint64) {
	if index > c.lastIndex {
		c.lastIndex = index
	}
}

// ackLocked records a response and advances the acknowledged sequence over every contiguous response
func (c *Client) ackLocked(sequence uint64) {
	c.completed[sequence] = struct{}{}
	for {
		if _, ok := c.completed[c.ackedSequence+1]; !ok {
			return
		}
		delete(c.completed, c.ackedSequence+1)
		c.ackedSequence++
	}
}
