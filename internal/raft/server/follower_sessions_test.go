package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"raft-session-protocol/internal/raft/operation"
	"raft-session-protocol/internal/raft/protocol"
)

func TestFollowerSessions(t *testing.T) {
	start := time.Unix(1000, 0)

	t.Run("verification goes stale", func(t *testing.T) {
		f := newFollowerSessions(time.Second)
		assert.True(t, f.needsVerify(1, start))

		f.verified(1, start)
		assert.False(t, f.needsVerify(1, start.Add(999*time.Millisecond)))
		assert.True(t, f.needsVerify(1, start.Add(time.Second)))
	})

	t.Run("unverified session is unknown", func(t *testing.T) {
		f := newFollowerSessions(time.Second)
		assert.ErrorIs(t, f.begin(1, operation.Causal, 0, start), protocol.SessionUnknown)
	})

	t.Run("sequential watermark only moves forward", func(t *testing.T) {
		f := newFollowerSessions(time.Second)
		f.verified(1, start)

		assert.NoError(t, f.begin(1, operation.Sequential, 5, start))
		assert.NoError(t, f.begin(1, operation.Sequential, 5, start))
		assert.ErrorIs(t, f.begin(1, operation.Sequential, 4, start), protocol.CommandOutOfOrder)
		assert.NoError(t, f.begin(1, operation.Causal, 2, start))
		assert.NoError(t, f.begin(1, operation.Sequential, 6, start))
		assert.ErrorIs(t, f.begin(1, operation.Sequential, 5, start), protocol.CommandOutOfOrder)
	})

	t.Run("idle sessions are evicted", func(t *testing.T) {
		f := newFollowerSessions(time.Second)
		f.verified(1, start)
		f.verified(2, start)
		assert.NoError(t, f.begin(2, operation.Causal, 0, start.Add(time.Minute)))

		assert.Equal(t, 1, f.evictIdle(start.Add(time.Minute+time.Second), time.Minute))
		assert.Equal(t, 1, f.Len())
		assert.True(t, f.needsVerify(1, start))

		f.forget(2)
		assert.Zero(t, f.Len())
	})
}
