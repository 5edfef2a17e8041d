package protocol

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raft-session-protocol/internal/raft/core"
	"raft-session-protocol/internal/raft/operation"
)

func TestErrorCode(t *testing.T) {
	t.Run("wire ids", func(t *testing.T) {
		assert.Equal(t, uint8(1), NotLeader.ID())
		assert.Equal(t, uint8(2), SessionExpired.ID())
		assert.Equal(t, uint8(3), SessionUnknown.ID())
		assert.Equal(t, uint8(4), QueryFailure.ID())
		assert.Equal(t, uint8(5), CommandOutOfOrder.ID())
		assert.Equal(t, uint8(6), InternalError.ID())
	})

	t.Run("retryable codes", func(t *testing.T) {
		assert.True(t, NotLeader.Retryable())
		assert.True(t, QueryFailure.Retryable())
		assert.False(t, SessionExpired.Retryable())
		assert.False(t, SessionUnknown.Retryable())
		assert.False(t, CommandOutOfOrder.Retryable())
		assert.False(t, InternalError.Retryable())
	})

	t.Run("lookup by id", func(t *testing.T) {
		code, err := ErrorCodeForID(5)
		require.NoError(t, err)
		assert.Equal(t, CommandOutOfOrder, code)

		_, err = ErrorCodeForID(0)
		assert.ErrorIs(t, err, ErrUnknownErrorCode)
		_, err = ErrorCodeForID(7)
		assert.ErrorIs(t, err, ErrUnknownErrorCode)
	})
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{name: "nil", err: nil, want: NoError},
		{name: "code", err: SessionExpired, want: SessionExpired},
		{name: "wrapped code", err: fmt.Errorf("session 7: %w", SessionUnknown), want: SessionUnknown},
		{name: "not leader", err: fmt.Errorf("commit: %w", core.ErrNotLeader), want: NotLeader},
		{name: "no quorum", err: core.ErrNoQuorum, want: QueryFailure},
		{name: "deadline", err: context.DeadlineExceeded, want: QueryFailure},
		{name: "anything else", err: errors.New("disk on fire"), want: InternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestRequests_WireLayout(t *testing.T) {
	t.Run("query request", func(t *testing.T) {
		req := &QueryRequest{Session: 1, Sequence: 2, Index: 3, Consistency: operation.Sequential, Payload: []byte("ab")}
		data, err := req.MarshalBinary()
		require.NoError(t, err)

		want := []byte{
			0, 0, 0, 0, 0, 0, 0, 1,
			0, 0, 0, 0, 0, 0, 0, 2,
			0, 0, 0, 0, 0, 0, 0, 3,
			2,
			0, 0, 0, 2, 'a', 'b',
		}
		if diff := cmp.Diff(want, data); diff != "" {
			t.Errorf("QueryRequest frame mismatch (-want +got):\n%s", diff)
		}

		var decoded QueryRequest
		require.NoError(t, decoded.UnmarshalBinary(data))
		if diff := cmp.Diff(req, &decoded); diff != "" {
			t.Errorf("QueryRequest round trip mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("register request encodes the timeout in milliseconds", func(t *testing.T) {
		req := &RegisterRequest{ClientID: "c", Timeout: 5 * time.Second}
		data, err := req.MarshalBinary()
		require.NoError(t, err)

		want := []byte{0, 0, 0, 1, 'c', 0, 0, 0, 0, 0, 0, 0x13, 0x88}
		assert.Equal(t, want, data)
	})

	t.Run("oversized register timeout saturates", func(t *testing.T) {
		frame := []byte{0, 0, 0, 1, 'c', 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

		var decoded RegisterRequest
		require.NoError(t, decoded.UnmarshalBinary(frame))
		assert.Equal(t, time.Duration(math.MaxInt64), decoded.Timeout)

		// The largest value that still fits is decoded exactly
		ms := uint64(math.MaxInt64 / int64(time.Millisecond))
		frame = []byte{0, 0, 0, 1, 'c', byte(ms >> 56), byte(ms >> 48), byte(ms >> 40), byte(ms >> 32), byte(ms >> 24),
			byte(ms >> 16), byte(ms >> 8), byte(ms)}
		require.NoError(t, decoded.UnmarshalBinary(frame))
		assert.Equal(t, time.Duration(ms)*time.Millisecond, decoded.Timeout)
		assert.Positive(t, decoded.Timeout)
	})

	t.Run("command request round trip", func(t *testing.T) {
		req := &CommandRequest{Session: 9, Sequence: 1, Payload: []byte("SET x=1")}
		data, err := req.MarshalBinary()
		require.NoError(t, err)

		var decoded CommandRequest
		require.NoError(t, decoded.UnmarshalBinary(data))
		assert.Equal(t, req, &decoded)
		assert.Equal(t, []byte("SET x=1"), decoded.Command().Bytes())
	})

	t.Run("unspecified consistency decodes as linearizable", func(t *testing.T) {
		req := &QueryRequest{Session: 1, Payload: []byte("GET x")}
		data, err := req.MarshalBinary()
		require.NoError(t, err)

		var decoded QueryRequest
		require.NoError(t, decoded.UnmarshalBinary(data))
		assert.Equal(t, operation.Linearizable, decoded.Consistency)
	})
}

func TestRequests_MalformedFrames(t *testing.T) {
	valid, err := (&QueryRequest{Session: 1, Sequence: 1, Consistency: operation.Causal, Payload: []byte("GET x")}).MarshalBinary()
	require.NoError(t, err)

	t.Run("truncated", func(t *testing.T) {
		for _, n := range []int{0, 7, 24, 25, len(valid) - 1} {
			var req QueryRequest
			assert.ErrorIs(t, req.UnmarshalBinary(valid[:n]), ErrMalformedFrame, "length %d", n)
		}
	})

	t.Run("trailing bytes", func(t *testing.T) {
		var req QueryRequest
		assert.ErrorIs(t, req.UnmarshalBinary(append(append([]byte{}, valid...), 0)), ErrMalformedFrame)
	})

	t.Run("unknown consistency", func(t *testing.T) {
		frame := append([]byte{}, valid...)
		frame[24] = 9
		var req QueryRequest
		assert.ErrorIs(t, req.UnmarshalBinary(frame), ErrMalformedFrame)
	})

	t.Run("length prefix beyond the frame", func(t *testing.T) {
		var req ConnectRequest
		assert.ErrorIs(t, req.UnmarshalBinary([]byte{0xff, 0xff, 0xff, 0xff, 'a'}), ErrMalformedFrame)
	})
}

func TestResponses_WireLayout(t *testing.T) {
	t.Run("error response is status and code only", func(t *testing.T) {
		resp := &QueryResponse{Result: []byte("stale"), Index: 4}
		resp.Fail(QueryFailure)

		data, err := resp.MarshalBinary()
		require.NoError(t, err)
		assert.Equal(t, []byte{0, 4}, data)

		var decoded QueryResponse
		require.NoError(t, decoded.UnmarshalBinary(data))
		assert.Equal(t, QueryFailure, decoded.Error)
		assert.Nil(t, decoded.Result)
		assert.ErrorIs(t, decoded.Err(), QueryFailure)
	})

	t.Run("ok command response", func(t *testing.T) {
		resp := &CommandResponse{Result: []byte("OK"), Index: 10}
		resp.Succeed()

		data, err := resp.MarshalBinary()
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 0, 0, 0, 2, 'O', 'K', 0, 0, 0, 0, 0, 0, 0, 10}, data)

		decoded := AcquireCommandResponse()
		defer ReleaseCommandResponse(decoded)
		require.NoError(t, decoded.UnmarshalBinary(data))
		if diff := cmp.Diff(resp, decoded); diff != "" {
			t.Errorf("CommandResponse mismatch (-want +got):\n%s", diff)
		}
		assert.NoError(t, decoded.Err())
	})

	t.Run("register response echoes the granted timeout", func(t *testing.T) {
		resp := &RegisterResponse{Session: 3, Timeout: 2500 * time.Millisecond}
		resp.Succeed()

		data, err := resp.MarshalBinary()
		require.NoError(t, err)

		var decoded RegisterResponse
		require.NoError(t, decoded.UnmarshalBinary(data))
		assert.True(t, resp.Equal(&decoded))
		assert.Equal(t, 2500*time.Millisecond, decoded.Timeout)
	})

	t.Run("zero error code is sent as internal error", func(t *testing.T) {
		resp := &KeepAliveResponse{}
		data, err := resp.MarshalBinary()
		require.NoError(t, err)
		assert.Equal(t, []byte{0, 6}, data)
	})
}

func TestResponses_MalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{name: "empty", frame: nil, want: ErrMalformedFrame},
		{name: "unknown status", frame: []byte{2}, want: ErrUnknownStatus},
		{name: "error without code", frame: []byte{0}, want: ErrMalformedFrame},
		{name: "unknown error code", frame: []byte{0, 42}, want: ErrUnknownErrorCode},
		{name: "error followed by payload", frame: []byte{0, 1, 0}, want: ErrMalformedFrame},
		{name: "truncated payload", frame: []byte{1, 0, 0, 0, 2, 'O'}, want: ErrMalformedFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp CommandResponse
			err := resp.UnmarshalBinary(tt.frame)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestResponses_Equal(t *testing.T) {
	ok := func(result string, index uint64) *QueryResponse {
		r := &QueryResponse{Result: []byte(result), Index: index}
		r.Succeed()
		return r
	}
	failed := func(code ErrorCode) *QueryResponse {
		r := &QueryResponse{}
		r.Fail(code)
		return r
	}

	assert.True(t, ok("1", 10).Equal(ok("1", 10)))
	assert.False(t, ok("1", 10).Equal(ok("2", 10)))
	assert.False(t, ok("1", 10).Equal(ok("1", 11)))
	assert.True(t, failed(NotLeader).Equal(failed(NotLeader)))
	assert.False(t, failed(NotLeader).Equal(failed(QueryFailure)))
	assert.False(t, ok("", 0).Equal(failed(NotLeader)))
}

func TestPool_ReleasedResponsesAreReset(t *testing.T) {
	for i := 0; i < 10; i++ {
		resp := AcquireQueryResponse()
		assert.True(t, resp.Equal(&QueryResponse{}))
		assert.Nil(t, resp.Result)
		assert.Equal(t, Status(0), resp.Status)

		resp.Result = []byte("x")
		resp.Index = uint64(i + 1)
		resp.Succeed()
		ReleaseQueryResponse(resp)
	}
}

func TestCodec(t *testing.T) {
	c := Codec{}
	assert.Equal(t, "raft-session", c.Name())

	data, err := c.Marshal(&UnregisterRequest{Session: 5})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 5}, data)

	var req UnregisterRequest
	require.NoError(t, c.Unmarshal(data, &req))
	assert.Equal(t, uint64(5), req.Session)

	_, err = c.Marshal("not a message")
	assert.Error(t, err)
	assert.Error(t, c.Unmarshal(data, new(int)))
}
