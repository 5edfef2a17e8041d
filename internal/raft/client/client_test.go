package client

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"raft-session-protocol/internal/raft/core"
	"raft-session-protocol/internal/raft/metrics"
	"raft-session-protocol/internal/raft/operation"
	"raft-session-protocol/internal/raft/protocol"
	"raft-session-protocol/internal/raft/server"
	"raft-session-protocol/internal/raft/state_machine"
	"raft-session-protocol/internal/raft/transport"
)

// interceptingService wraps a real server and injects failures
type interceptingService struct {
	transport.SessionServiceServer

	// Number of commands answered with NotLeader before the real server sees them
	commandFailures atomic.Int32
	commandCalls    atomic.Int32
	expireKeepAlive atomic.Bool

	mu         sync.Mutex
	keepAlives []*protocol.KeepAliveRequest
}

func (s *interceptingService) Command(ctx context.Context, req *protocol.CommandRequest) (*protocol.CommandResponse, error) {
	s.commandCalls.Add(1)
	if s.commandFailures.Add(-1) >= 0 {
		resp := &protocol.CommandResponse{}
		resp.Fail(protocol.NotLeader)
		return resp, nil
	}
	return s.SessionServiceServer.Command(ctx, req)
}

func (s *interceptingService) KeepAlive(ctx context.Context, req *protocol.KeepAliveRequest) (*protocol.KeepAliveResponse, error) {
	s.mu.Lock()
	s.keepAlives = append(s.keepAlives, req)
	s.mu.Unlock()

	if s.expireKeepAlive.Load() {
		resp := &protocol.KeepAliveResponse{}
		resp.Fail(protocol.SessionExpired)
		return resp, nil
	}
	return s.SessionServiceServer.KeepAlive(ctx, req)
}

func (s *interceptingService) getKeepAlives() []*protocol.KeepAliveRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.KeepAliveRequest(nil), s.keepAlives...)
}

type testCluster struct {
	core    *core.MemoryCore
	server  *server.Server
	service *interceptingService
	conn    *grpc.ClientConn
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()

	c := core.NewMemoryCore("node-1", core.Leader, state_machine.NewKVStateMachine(nil))
	cfg := server.DefaultConfig()
	cfg.Server.ID = "node-1"
	s, err := server.NewServer(cfg, c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.ForceShutdown() })

	svc := &interceptingService{SessionServiceServer: s}
	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer(transport.ServerOptions()...)
	transport.RegisterSessionServiceServer(g, svc)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testCluster{core: c, server: s, service: svc, conn: conn}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_Session(t *testing.T) {
	cluster := newTestCluster(t)
	ctx := testContext(t)
	recorder := metrics.NewMetrics()
	c := New(cluster.conn, WithRecorder(recorder))

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Register(ctx))
	assert.NotZero(t, c.Session())

	result, err := c.Submit(ctx, []byte("SET x=1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("OK"), result)
	assert.Equal(t, uint64(1), c.LastIndex())

	for _, level := range []operation.ConsistencyLevel{operation.Causal, operation.Sequential,
		operation.BoundedLinearizable, operation.Linearizable} {
		t.Run(level.String(), func(t *testing.T) {
			value, err := c.Query(ctx, level, []byte("GET x"))
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), value)
		})
	}

	report := recorder.GetReport(1, operation.Linearizable)
	assert.Equal(t, uint64(1), report.CommandsCommitted)
	assert.Equal(t, 4, report.QueryLatency.Count)

	require.NoError(t, c.Close(ctx))
	_, err = c.Submit(ctx, []byte("SET x=2"))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestClient_NoSession(t *testing.T) {
	cluster := newTestCluster(t)
	c := New(cluster.conn)

	_, err := c.Submit(testContext(t), []byte("SET x=1"))
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = c.Query(testContext(t), operation.Causal, []byte("GET x"))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestClient_Retry(t *testing.T) {
	t.Run("not leader is retried with the same sequence", func(t *testing.T) {
		cluster := newTestCluster(t)
		ctx := testContext(t)
		c := New(cluster.conn)
		require.NoError(t, c.Register(ctx))

		cluster.service.commandFailures.Store(2)
		result, err := c.Submit(ctx, []byte("SET x=1"))
		require.NoError(t, err)
		assert.Equal(t, []byte("OK"), result)
		assert.Equal(t, int32(3), cluster.service.commandCalls.Load())
		assert.Equal(t, uint64(1), cluster.core.ReadState().CommitIndex)

		// The next command follows without a gap
		_, err = c.Submit(ctx, []byte("SET x=2"))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), c.LastIndex())
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		cluster := newTestCluster(t)
		ctx := testContext(t)
		c := New(cluster.conn, WithMaxRetries(2))
		require.NoError(t, c.Register(ctx))

		cluster.service.commandFailures.Store(100)
		_, err := c.Submit(ctx, []byte("SET x=1"))
		assert.ErrorIs(t, err, protocol.NotLeader)
		assert.Equal(t, int32(3), cluster.service.commandCalls.Load())
	})

	t.Run("exhausted retries give the session up", func(t *testing.T) {
		cluster := newTestCluster(t)
		ctx := testContext(t)
		c := New(cluster.conn, WithMaxRetries(1))
		require.NoError(t, c.Register(ctx))
		session := c.Session()

		cluster.service.commandFailures.Store(2)
		_, err := c.Submit(ctx, []byte("SET x=1"))
		assert.ErrorIs(t, err, protocol.NotLeader)

		// The next command fails at once instead of waiting behind the lost sequence
		_, err = c.Submit(ctx, []byte("SET y=2"))
		assert.ErrorIs(t, err, ErrSessionClosed)
		assert.Equal(t, int32(2), cluster.service.commandCalls.Load())

		// Closing still releases the session on the server
		require.NoError(t, c.Close(ctx))
		ka, err := cluster.server.KeepAlive(ctx, &protocol.KeepAliveRequest{Session: session})
		require.NoError(t, err)
		assert.ErrorIs(t, ka.Err(), protocol.SessionExpired)

		fresh := New(cluster.conn)
		require.NoError(t, fresh.Register(ctx))
		result, err := fresh.Submit(ctx, []byte("SET y=2"))
		require.NoError(t, err)
		assert.Equal(t, []byte("OK"), result)
		require.NoError(t, fresh.Close(ctx))
	})

	t.Run("session errors are not retried", func(t *testing.T) {
		cluster := newTestCluster(t)
		ctx := testContext(t)
		c := New(cluster.conn)
		require.NoError(t, c.Register(ctx))

		un, err := cluster.server.Unregister(ctx, &protocol.UnregisterRequest{Session: c.Session()})
		require.NoError(t, err)
		require.True(t, un.OK())

		_, err = c.Submit(ctx, []byte("SET x=1"))
		assert.ErrorIs(t, err, protocol.SessionExpired)
		assert.Equal(t, int32(1), cluster.service.commandCalls.Load())

		_, err = c.Submit(ctx, []byte("SET x=1"))
		assert.ErrorIs(t, err, ErrSessionClosed)
	})
}

func TestClient_KeepAlive(t *testing.T) {
	t.Run("acknowledges received responses", func(t *testing.T) {
		cluster := newTestCluster(t)
		ctx := testContext(t)
		mockClock := clock.NewMock()
		c := New(cluster.conn, WithClock(mockClock), WithSessionTimeout(2*time.Second))
		require.NoError(t, c.Register(ctx))

		_, err := c.Submit(ctx, []byte("SET x=1"))
		require.NoError(t, err)

		mockClock.Add(time.Second)
		require.Eventually(t, func() bool { return len(cluster.service.getKeepAlives()) == 1 }, time.Second,
			time.Millisecond)

		keepAlive := cluster.service.getKeepAlives()[0]
		assert.Equal(t, c.Session(), keepAlive.Session)
		assert.Equal(t, uint64(1), keepAlive.CommandSequence)
		require.NoError(t, c.Close(ctx))
	})

	t.Run("lost session closes the client", func(t *testing.T) {
		cluster := newTestCluster(t)
		ctx := testContext(t)
		mockClock := clock.NewMock()
		c := New(cluster.conn, WithClock(mockClock), WithSessionTimeout(2*time.Second))
		require.NoError(t, c.Register(ctx))

		cluster.service.expireKeepAlive.Store(true)
		mockClock.Add(time.Second)

		require.Eventually(t, func() bool {
			_, err := c.Query(ctx, operation.Causal, []byte("GET x"))
			return err == ErrSessionClosed
		}, time.Second, time.Millisecond)
		assert.NoError(t, c.Close(ctx))
	})
}

func TestClient_AckLocked(t *testing.T) {
	c := New(nil)

	c.ackLocked(2)
	assert.Equal(t, uint64(0), c.ackedSequence)

	c.ackLocked(1)
	assert.Equal(t, uint64(2), c.ackedSequence)

	c.ackLocked(4)
	c.ackLocked(3)
	assert.Equal(t, uint64(4), c.ackedSequence)
	assert.Empty(t, c.completed)
}
