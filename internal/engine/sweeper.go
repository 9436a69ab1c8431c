package engine

import (
	"context"
	"time"

	"github.com/socialmap/internal/logger"
	"github.com/socialmap/internal/wire"
)

// Sweeper runs the periodic maintenance passes: reaping expired
// presence leases and transitioning stale pending invites to expired.
// Store errors are logged and retried on the next tick.
type Sweeper struct {
	coord          *Coordinator
	sweepInterval  time.Duration
	inviteTTL      time.Duration
	inviteInterval time.Duration
}

func NewSweeper(coord *Coordinator, sweepInterval, inviteTTL, inviteInterval time.Duration) *Sweeper {
	return &Sweeper{
		coord:          coord,
		sweepInterval:  sweepInterval,
		inviteTTL:      inviteTTL,
		inviteInterval: inviteInterval,
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	presenceTick := time.NewTicker(s.sweepInterval)
	inviteTick := time.NewTicker(s.inviteInterval)
	defer presenceTick.Stop()
	defer inviteTick.Stop()
	logger.Infof("sweeper started: presence every %s, invites every %s", s.sweepInterval, s.inviteInterval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopped")
			return
		case now := <-presenceTick.C:
			if err := s.coord.presence.ExpirePass(ctx, now.UTC()); err != nil {
				logger.Errorf("presence sweep: %v", err)
			} else {
				logger.Debugf("presence sweep pass done")
			}
		case now := <-inviteTick.C:
			s.expireInvites(ctx, now.UTC())
		}
	}
}

func (s *Sweeper) expireInvites(ctx context.Context, now time.Time) {
	expired, err := s.coord.invites.ExpireBefore(ctx, now.Add(-s.inviteTTL))
	if err != nil {
		logger.Errorf("invite sweep: %v", err)
		return
	}
	for i := range expired {
		inv := &expired[i]
		frame := wire.InviteFrame(inv)
		s.coord.fanout.SendToUser(inv.FromUser, frame)
		s.coord.fanout.SendToUser(inv.ToUser, frame)
	}
	if len(expired) > 0 {
		logger.Infof("invite sweep: expired %d pending", len(expired))
	}
}
