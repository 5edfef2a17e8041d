package server

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"raft-session-protocol/internal/pubsub"
	"raft-session-protocol/internal/raft/protocol"
)

/*
In this file we define all Background jobs that could run in a given Server. Each job is responsible for subscribing to
the events that stop it, in order to exit gracefully and prevent goroutine leakage.
See: https://medium.com/@srajsonu/understanding-and-preventing-goroutine-leaks-in-go-623cac542954
*/

// ExpireSessionsJob periodically expires sessions whose keep-alive is overdue. Sessions are also expired lazily when
// a request touches them; the sweep makes sure that pending work of an idle session is failed too. It should be
// called as a goroutine and stops on ServerShutDown.
func (s *Server) ExpireSessionsJob(ctx serverCtx, interval time.Duration, stopJobCh chan *pubsub.Event[struct{}]) {
	defer s.jobs.Done()

	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	s.log.Debug("Started ExpireSessionsJob", zap.String("server", string(ctx.ID)), zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			if expired := s.tracker.ExpireStale(); len(expired) > 0 {
				s.log.Info("Expired stale sessions", zap.String("server", string(ctx.ID)),
					zap.Uint64s("sessions", expired))
			}
			s.metrics.SetActiveSessions(s.tracker.Len())
			if evicted := s.followers.evictIdle(s.clock.Now(), time.Duration(s.cfg.Session.MaxTimeout)); evicted > 0 {
				s.log.Debug("Forgot idle follower sessions", zap.String("server", string(ctx.ID)),
					zap.Int("sessions", evicted))
			}
		case <-stopJobCh:
			s.log.Debug("Stopping ExpireSessionsJob", zap.String("server", string(ctx.ID)))
			return
		}
	}
}

// FailExpiredSessionsJob fails the queued and batched queries of every session that expired, so that none of them
// waits for an index or a round trip on behalf of a dead session. It exits once its subscription is closed during
// shutdown.
func (s *Server) FailExpiredSessionsJob(ctx serverCtx, expiredCh chan *pubsub.Event[uint64]) {
	defer s.expiryJob.Done()

	for event := range expiredCh {
		id := event.Payload
		err := fmt.Errorf("%w: session %d", protocol.SessionExpired, id)

		s.followers.forget(id)
		queued := s.queue.FailSession(id, err)
		s.batcher.FailSession(id, err)
		s.metrics.SetActiveSessions(s.tracker.Len())

		if queued > 0 {
			s.log.Debug("Failed queries of expired session", zap.String("server", string(ctx.ID)),
				zap.Uint64("session", id), zap.Int("queued", queued))
		}
	}
}

// startJobs subscribes the background jobs before starting them, so no event published after NewServer returns is
// missed.
func (s *Server) startJobs() {
	ctx := serverCtx{ID: s.ID, Addr: s.Address}

	stopJobCh := make(chan *pubsub.Event[struct{}], 1)
	pubsub.Subscribe(s.pubSub, ServerShutDown, stopJobCh, pubsub.SubscriptionOptions{IsBlocking: false})

	// Blocking: an expiry notification must never be dropped
	expiredCh := make(chan *pubsub.Event[uint64], 64)
	s.expirySub = pubsub.Subscribe(s.pubSub, SessionExpired, expiredCh, pubsub.SubscriptionOptions{IsBlocking: true})

	s.jobs.Add(1)
	go s.ExpireSessionsJob(ctx, time.Duration(s.cfg.Session.ExpiryInterval), stopJobCh)

	s.expiryJob.Add(1)
	go s.FailExpiredSessionsJob(ctx, expiredCh)
}
