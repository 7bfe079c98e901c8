package engine

import (
	"context"
	"time"

	"herald/internal/campaign"
	logx "herald/pkg/logx"
)

// Recover re-admits campaigns that were in flight when the previous process
// died. PROCESSING campaigns resume delivery of their remaining PENDING
// recipients (SENT/FAILED outcomes are durable, so nothing is re-sent);
// QUEUED campaigns re-enter the admission queue unless their scheduled time
// is still in the future, in which case the schedule runner admits them when
// due. PAUSED campaigns stay paused until an explicit resume.
func (s *Service) Recover(ctx context.Context) error {
	cs, err := s.store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	recovered := 0
	for _, c := range cs {
		switch {
		case c.Status == campaign.StatusPaused:
			continue
		case c.Status == campaign.StatusQueued && c.ScheduledAt != nil && c.ScheduledAt.After(now):
			s.log.Debug("leaving scheduled campaign for the schedule runner",
				logx.String("campaign", c.ID), logx.Time("scheduled_at", *c.ScheduledAt))
			continue
		}
		if err := s.Enqueue(c.ID); err != nil {
			s.log.Warn("recovery enqueue failed",
				logx.String("campaign", c.ID), logx.Err(err))
			continue
		}
		recovered++
		s.log.Info("campaign recovered",
			logx.String("campaign", c.ID), logx.String("status", string(c.Status)))
	}

	if recovered > 0 {
		s.log.Info("recovery complete", logx.Int("recovered", recovered))
	}
	return nil
}
