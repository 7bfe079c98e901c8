package engine

import (
	"context"
	"math/rand"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"herald/internal/campaign"
	"herald/internal/channel"
	"herald/internal/eventbus"
	logx "herald/pkg/logx"
)

// runCampaign drives one campaign to a terminal-or-paused outcome.
func (s *Service) runCampaign(ctx context.Context, campaignID string) {
	start := time.Now()
	log := s.log.With(logx.String("campaign", campaignID))

	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		log.Warn("campaign fetch failed", logx.Err(err))
		return
	}

	switch c.Status {
	case campaign.StatusQueued:
		if err := s.store.UpdateCampaignStatus(ctx, c.ID, campaign.StatusProcessing); err != nil {
			log.Warn("promotion to PROCESSING failed", logx.Err(err))
			return
		}
		c.Status = campaign.StatusProcessing
	case campaign.StatusProcessing:
		// resumed or recovered mid-run
	default:
		log.Debug("skipping non-runnable campaign", logx.String("status", string(c.Status)))
		return
	}

	if strings.TrimSpace(c.Template) == "" {
		s.failCampaign(ctx, c.ID, "campaign has no message template", log)
		return
	}

	valid := s.validAssignments(c.Assignments, log)
	if len(valid) == 0 {
		s.failCampaign(ctx, c.ID, "campaign has no valid channel assigned", log)
		return
	}

	pending, err := s.store.PendingRecipients(ctx, c.ID)
	if err != nil {
		log.Warn("pending query failed", logx.Err(err))
		return
	}
	if len(pending) == 0 {
		s.completeCampaign(ctx, c.ID, start, log)
		return
	}

	s.metrics.Begin(c.ID)
	s.publish(eventbus.CampaignStarted, CampaignEvent{CampaignID: c.ID, Status: string(c.Status)})
	log.Info("campaign started",
		logx.Int("pending", len(pending)),
		logx.Int("channels", len(valid)))

	p := newPool(s, c, pending, valid, s.stopCheck(c.ID))
	p.run(ctx)

	// Post-loop: status is re-evaluated, never assumed. A pause/cancel that
	// landed while workers were draining is left as-is.
	st, err := s.store.CampaignStatus(ctx, c.ID)
	if err != nil {
		log.Warn("status re-read failed", logx.Err(err))
		return
	}
	if !st.Runnable() {
		if st.Terminal() {
			s.metrics.Forget(c.ID)
		}
		log.Info("campaign stopped", logx.String("status", string(st)), logx.Duration("took", time.Since(start)))
		return
	}

	counts, err := s.store.RecipientCounts(ctx, c.ID)
	if err != nil {
		log.Warn("recipient counts failed", logx.Err(err))
		return
	}
	if counts.Pending == 0 {
		s.completeCampaign(ctx, c.ID, start, log)
		return
	}
	// Workers exited while work remained (e.g. engine shutdown mid-run).
	// Recipient status is the durable progress marker; recovery re-admits
	// the campaign on next start.
	log.Info("campaign interrupted", logx.Int("pending", counts.Pending), logx.Duration("took", time.Since(start)))
}

func (s *Service) validAssignments(as []campaign.ChannelAssignment, log logx.Logger) []campaign.ChannelAssignment {
	valid := make([]campaign.ChannelAssignment, 0, len(as))
	for _, a := range as {
		if s.channels.Valid(a.ChannelID) {
			valid = append(valid, a)
		} else {
			log.Warn("assignment references unknown channel", logx.String("channel", a.ChannelID))
		}
	}
	return valid
}

func (s *Service) failCampaign(ctx context.Context, campaignID, reason string, log logx.Logger) {
	if err := s.store.UpdateCampaignStatus(ctx, campaignID, campaign.StatusFailed); err != nil {
		log.Warn("FAILED transition rejected", logx.Err(err))
		return
	}
	s.metrics.Forget(campaignID)
	s.publish(eventbus.CampaignFailed, CampaignEvent{CampaignID: campaignID, Status: string(campaign.StatusFailed), Error: reason})
	log.Error("campaign failed", logx.String("reason", reason))
}

func (s *Service) completeCampaign(ctx context.Context, campaignID string, start time.Time, log logx.Logger) {
	counts, err := s.store.RecipientCounts(ctx, campaignID)
	if err != nil {
		log.Debug("recipient counts unavailable for completion summary", logx.Err(err))
	}
	if err := s.store.UpdateCampaignStatus(ctx, campaignID, campaign.StatusCompleted); err != nil {
		log.Warn("COMPLETED transition rejected", logx.Err(err))
		return
	}
	s.metrics.Forget(campaignID)
	s.publish(eventbus.CampaignCompleted, CampaignEvent{
		CampaignID: campaignID,
		Status:     string(campaign.StatusCompleted),
		Sent:       counts.Sent,
		Failed:     counts.Failed,
		Took:       time.Since(start),
	})
	log.Info("campaign completed",
		logx.Int("sent", counts.Sent),
		logx.Int("failed", counts.Failed),
		logx.Duration("took", time.Since(start)))
}

// pool fans one campaign's pending recipients out across its assigned
// channels: one worker per channel, racing to claim recipients from a shared
// cursor over the immutable snapshot taken at pool start.
type pool struct {
	svc  *Service
	camp *campaign.Campaign
	stop stopFn

	pending []campaign.Recipient
	cursor  atomic.Int64

	mu       sync.Mutex
	cond     *sync.Cond
	assigned map[string]campaign.ChannelAssignment // current assignment set (refreshed live)
	active   map[string]bool                       // channels with a live worker
	closed   bool
}

func newPool(s *Service, c *campaign.Campaign, pending []campaign.Recipient, valid []campaign.ChannelAssignment, stop stopFn) *pool {
	p := &pool{
		svc:      s,
		camp:     c,
		stop:     stop,
		pending:  pending,
		assigned: make(map[string]campaign.ChannelAssignment, len(valid)),
		active:   map[string]bool{},
	}
	p.cond = sync.NewCond(&p.mu)
	for _, a := range valid {
		p.assigned[a.ChannelID] = a
	}
	return p
}

func (p *pool) run(ctx context.Context) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// One worker per assigned channel, capped by configured parallelism.
	p.mu.Lock()
	initial := make([]campaign.ChannelAssignment, 0, len(p.assigned))
	for _, a := range p.assigned {
		initial = append(initial, a)
	}
	p.mu.Unlock()
	for _, a := range initial {
		p.spawnWorker(rctx, a)
	}

	var refreshWG sync.WaitGroup
	refreshWG.Add(1)
	go func() {
		defer refreshWG.Done()
		p.refreshLoop(rctx)
	}()

	// Join-all: the pool does not proceed until every worker has exited.
	// The assignment refresher may still spawn workers while others run, so
	// the active set under the mutex is the source of truth.
	p.mu.Lock()
	for len(p.active) > 0 {
		p.cond.Wait()
	}
	p.closed = true
	p.mu.Unlock()

	cancel()
	refreshWG.Wait()
}

func (p *pool) spawnWorker(ctx context.Context, a campaign.ChannelAssignment) bool {
	ch, ok := p.svc.channels.Get(a.ChannelID)
	if !ok {
		return false
	}
	workerCap := p.svc.config().Workers

	p.mu.Lock()
	if p.closed || p.active[a.ChannelID] || len(p.active) >= workerCap {
		p.mu.Unlock()
		return false
	}
	p.active[a.ChannelID] = true
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.svc.log.Error("panic in delivery worker",
					logx.String("campaign", p.camp.ID),
					logx.String("channel", a.ChannelID),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())))
			}
			p.mu.Lock()
			delete(p.active, a.ChannelID)
			p.cond.Broadcast()
			p.mu.Unlock()
		}()
		p.worker(ctx, ch, a)
	}()
	return true
}

func (p *pool) worker(ctx context.Context, ch channel.Channel, a campaign.ChannelAssignment) {
	log := p.svc.log.With(
		logx.String("campaign", p.camp.ID),
		logx.String("channel", a.ChannelID))

	first := true
	for {
		// No delay precedes a worker's first send.
		if !first && !p.sleepJitter(ctx) {
			return
		}
		if p.stop(ctx) {
			return
		}
		if !p.isAssigned(a.ChannelID) {
			log.Debug("channel unassigned; worker exiting")
			return
		}

		// Claim-next: each recipient index is handed to exactly one worker.
		i := int(p.cursor.Add(1)) - 1
		if i >= len(p.pending) {
			return
		}
		p.deliver(ctx, ch, a, p.pending[i], log)
		first = false
	}
}

func (p *pool) deliver(ctx context.Context, ch channel.Channel, a campaign.ChannelAssignment, r campaign.Recipient, log logx.Logger) {
	content := campaign.Render(p.camp.Template, r)
	err := ch.Send(ctx, channel.Message{
		To:       r.Address,
		Text:     content,
		ImageRef: p.camp.ImageRef,
		Routing:  a.Routing,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Engine shutdown aborted the send; leave the recipient PENDING
			// so recovery re-attempts it, instead of recording a failure
			// that never reached the channel.
			return
		}
		if uerr := p.svc.store.UpdateRecipientStatus(ctx, r.ID, campaign.RecipientFailed, err.Error(), time.Time{}); uerr != nil {
			log.Warn("recording delivery failure failed", logx.String("to", r.Address), logx.Err(uerr))
		}
		p.svc.metrics.RecordFailed(p.camp.ID, a.ChannelID, err.Error())
		p.svc.publish(eventbus.SendFailed, CampaignEvent{CampaignID: p.camp.ID, Channel: a.ChannelID, Error: err.Error()})
		log.Debug("send failed", logx.String("to", r.Address), logx.Err(err))
		return
	}

	now := time.Now()
	if uerr := p.svc.store.UpdateRecipientStatus(ctx, r.ID, campaign.RecipientSent, "", now); uerr != nil {
		log.Warn("recording delivery failed", logx.String("to", r.Address), logx.Err(uerr))
	}
	p.svc.metrics.RecordSent(p.camp.ID, a.ChannelID)
	log.Debug("sent", logx.String("to", r.Address))
}

// sleepJitter sleeps a uniformly sampled delay in [MinDelay, MaxDelay],
// decomposed into poll ticks so a concurrent pause/cancel is honored within
// one tick rather than only after the full delay. Returns false when the
// worker must stop.
func (p *pool) sleepJitter(ctx context.Context) bool {
	cfg := p.svc.config()
	deadline := time.Now().Add(jitterDelay(cfg.MinDelay, cfg.MaxDelay))
	for {
		if p.stop(ctx) {
			return false
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return true
		}
		tick := cfg.PollTick
		if remain < tick {
			tick = remain
		}
		t := time.NewTimer(tick)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

func jitterDelay(min, max time.Duration) time.Duration {
	if min >= max {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func (p *pool) isAssigned(channelID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.assigned[channelID]
	return ok
}

// refreshLoop re-reads the campaign's current channel assignments so
// channels added after pool start get workers (cap still honored) and
// workers on removed channels exit after their in-flight send.
func (p *pool) refreshLoop(ctx context.Context) {
	cfg := p.svc.config()
	t := time.NewTicker(cfg.AssignmentRefresh)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.refreshAssignments(ctx)
		}
	}
}

func (p *pool) refreshAssignments(ctx context.Context) {
	as, err := p.svc.store.Assignments(ctx, p.camp.ID)
	if err != nil {
		if ctx.Err() == nil {
			p.svc.log.Warn("assignment refresh failed",
				logx.String("campaign", p.camp.ID), logx.Err(err))
		}
		return
	}

	cur := make(map[string]campaign.ChannelAssignment, len(as))
	for _, a := range as {
		if p.svc.channels.Valid(a.ChannelID) {
			cur[a.ChannelID] = a
		}
	}

	p.mu.Lock()
	p.assigned = cur
	p.mu.Unlock()

	for _, a := range cur {
		p.spawnWorker(ctx, a)
	}
}
