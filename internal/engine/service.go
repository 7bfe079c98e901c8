package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"herald/internal/campaign"
	"herald/internal/channel"
	"herald/internal/eventbus"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

// Service is the campaign execution engine: a FIFO admission queue with
// de-duplication, drained by a bounded set of campaign runners (one by
// default, so campaigns never run concurrently with each other), each
// driving a per-campaign delivery worker pool.
type Service struct {
	mu sync.Mutex

	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	store    store.Store
	channels *channel.Registry
	metrics  *Tracker

	// queue survives Start/Stop cycles so campaigns admitted while stopped
	// run once the engine starts.
	queue    chan string
	queuedMu sync.Mutex
	queued   map[string]bool

	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	drainWG   sync.WaitGroup
}

func New(cfg Config, st store.Store, channels *channel.Registry, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		store:    st,
		channels: channels,
		metrics:  NewTracker(),
		queue:    make(chan string, cfg.QueueSize),
		queued:   map[string]bool{},
	}
}

// Apply updates the rate/parallelism knobs. Running pools pick up delay
// bounds on their next sleep; worker counts apply from the next campaign.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete (prevents double
	// runner pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	runners := s.cfg.CampaignConcurrency
	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.drainWG.Add(runners)
	for i := 0; i < runners; i++ {
		idx := i
		go func() {
			defer s.drainWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in campaign runner",
						logx.Int("runner", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			s.drain(runCtx, stopCh, queue, idx)
		}()
	}

	s.log.Info("engine started",
		logx.Int("runners", runners),
		logx.Int("worker_cap", s.cfg.Workers),
		logx.Duration("min_delay", s.cfg.MinDelay),
		logx.Duration("max_delay", s.cfg.MaxDelay))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.drainWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("engine stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// Enqueue admits a campaign for processing. It is idempotent: enqueueing an
// ID already waiting in the queue is a no-op.
func (s *Service) Enqueue(campaignID string) error {
	s.queuedMu.Lock()
	if s.queued[campaignID] {
		s.queuedMu.Unlock()
		return nil
	}
	s.queued[campaignID] = true
	s.queuedMu.Unlock()

	select {
	case s.queue <- campaignID:
		s.log.Debug("campaign enqueued", logx.String("campaign", campaignID), logx.Int("queue_len", len(s.queue)))
		return nil
	default:
		s.queuedMu.Lock()
		delete(s.queued, campaignID)
		s.queuedMu.Unlock()
		s.log.Warn("campaign queue full", logx.String("campaign", campaignID))
		return ErrQueueFull
	}
}

func (s *Service) dequeued(campaignID string) {
	s.queuedMu.Lock()
	delete(s.queued, campaignID)
	s.queuedMu.Unlock()
}

func (s *Service) drain(ctx context.Context, stopCh <-chan struct{}, queue <-chan string, idx int) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case id := <-queue:
			s.dequeued(id)
			s.runCampaign(ctx, id)
		}
	}
}

// Pause requests a cooperative stop of a PROCESSING campaign. Workers honor
// it within one poll tick; in-flight sends complete and record their
// outcome.
func (s *Service) Pause(ctx context.Context, campaignID string) error {
	if err := s.store.UpdateCampaignStatus(ctx, campaignID, campaign.StatusPaused); err != nil {
		return err
	}
	s.publish(eventbus.CampaignPaused, CampaignEvent{CampaignID: campaignID, Status: string(campaign.StatusPaused)})
	s.log.Info("campaign paused", logx.String("campaign", campaignID))
	return nil
}

// Resume moves a PAUSED campaign back to PROCESSING and re-admits it. The
// pool picks up remaining PENDING recipients from where it left off.
func (s *Service) Resume(ctx context.Context, campaignID string) error {
	if err := s.store.UpdateCampaignStatus(ctx, campaignID, campaign.StatusProcessing); err != nil {
		return err
	}
	s.log.Info("campaign resumed", logx.String("campaign", campaignID))
	return s.Enqueue(campaignID)
}

// Cancel terminates a campaign. Terminal and unknown campaigns report typed
// errors; running workers stop within one poll tick.
func (s *Service) Cancel(ctx context.Context, campaignID string) error {
	if err := s.store.UpdateCampaignStatus(ctx, campaignID, campaign.StatusCancelled); err != nil {
		return err
	}
	s.metrics.Forget(campaignID)
	s.publish(eventbus.CampaignCancelled, CampaignEvent{CampaignID: campaignID, Status: string(campaign.StatusCancelled)})
	s.log.Info("campaign cancelled", logx.String("campaign", campaignID))
	return nil
}

// AddChannel appends a channel assignment to a non-terminal campaign. A
// running pool picks the new channel up on its next assignment refresh
// without restarting existing workers.
func (s *Service) AddChannel(ctx context.Context, campaignID, channelID, routing string) error {
	if !s.channels.Valid(channelID) {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	if err := s.store.AddAssignment(ctx, campaignID, campaign.ChannelAssignment{ChannelID: channelID, Routing: routing}); err != nil {
		return err
	}
	s.log.Info("channel assigned", logx.String("campaign", campaignID), logx.String("channel", channelID))
	return nil
}

// RemoveChannel removes a channel assignment. The last remaining assignment
// cannot be removed; a worker on the removed channel exits after its current
// in-flight send.
func (s *Service) RemoveChannel(ctx context.Context, campaignID, channelID string) error {
	if err := s.store.RemoveAssignment(ctx, campaignID, channelID); err != nil {
		return err
	}
	s.log.Info("channel unassigned", logx.String("campaign", campaignID), logx.String("channel", channelID))
	return nil
}

// RuntimeMetrics returns live per-channel counters for a campaign. When no
// live tracker exists (not running in this process, or it ran before a
// restart), totals are recomputed from the store's authoritative counts.
func (s *Service) RuntimeMetrics(ctx context.Context, campaignID string) (CampaignMetrics, error) {
	if m, ok := s.metrics.Snapshot(campaignID); ok {
		return m, nil
	}
	counts, err := s.store.RecipientCounts(ctx, campaignID)
	if err != nil {
		return CampaignMetrics{}, err
	}
	return CampaignMetrics{
		CampaignID: campaignID,
		Live:       false,
		Sent:       counts.Sent,
		Failed:     counts.Failed,
	}, nil
}

// stopCheck builds the cooperative cancellation check for one campaign:
// status is re-read from the store and anything non-runnable stops workers.
// A store read error also stops the pool, since progress could no longer be
// recorded anyway.
func (s *Service) stopCheck(campaignID string) stopFn {
	return func(ctx context.Context) bool {
		if ctx.Err() != nil {
			return true
		}
		st, err := s.store.CampaignStatus(ctx, campaignID)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.log.Warn("status poll failed; stopping workers",
					logx.String("campaign", campaignID), logx.Err(err))
			}
			return true
		}
		return !st.Runnable()
	}
}

func (s *Service) publish(typ string, data CampaignEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
