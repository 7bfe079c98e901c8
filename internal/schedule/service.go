// Package schedule admits due campaigns into the engine.
//
// A cron-driven scan finds QUEUED campaigns whose scheduled time has passed
// (or that carry no schedule at all) and enqueues them. Enqueue is
// idempotent, so re-scanning a campaign that is already waiting is harmless.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"herald/internal/campaign"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

type Config struct {
	Enabled      bool
	ScanInterval time.Duration
	Timezone     string // IANA TZ, e.g. "Asia/Jakarta"
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 15 * time.Second
	}
	return c
}

// Admitter is the engine surface the runner needs.
type Admitter interface {
	Enqueue(campaignID string) error
}

type Service struct {
	mu sync.Mutex

	cfg   Config
	log   logx.Logger
	store store.Store
	admit Admitter

	parser cron.Parser
	c      *cron.Cron

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, st store.Store, admit Admitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log,
		store: st,
		admit: admit,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply updates the runner config; interval or timezone changes restart the
// underlying cron with the new settings.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if prev.ScanInterval != cfg.ScanInterval ||
		strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.startCronLocked()

	// One scan right away so due campaigns don't wait a full interval after
	// boot.
	runCtx := s.runCtx
	go s.scan(runCtx)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	stopped := s.c.Stop()
	s.c = nil
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	s.log.Info("schedule runner stopped")
}

func (s *Service) startCronLocked() {
	loc := s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	runCtx := s.runCtx
	spec := fmt.Sprintf("@every %s", s.cfg.ScanInterval.String())
	if _, err := s.c.AddFunc(spec, func() { s.scan(runCtx) }); err != nil {
		s.log.Error("schedule registration failed", logx.String("spec", spec), logx.Err(err))
		return
	}
	s.c.Start()
	s.log.Info("schedule runner started",
		logx.Duration("interval", s.cfg.ScanInterval),
		logx.String("tz", loc.String()))
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	s.startCronLocked()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// scan admits every QUEUED campaign that is due. A campaign without a
// scheduled time counts as due; this also re-admits campaigns whose original
// enqueue was rejected by a full queue.
func (s *Service) scan(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cs, err := s.store.ListNonTerminal(ctx)
	if err != nil {
		s.log.Warn("schedule scan failed", logx.Err(err))
		return
	}

	now := time.Now()
	admitted := 0
	for _, c := range cs {
		if c.Status != campaign.StatusQueued {
			continue
		}
		if c.ScheduledAt != nil && c.ScheduledAt.After(now) {
			continue
		}
		if err := s.admit.Enqueue(c.ID); err != nil {
			s.log.Warn("admission failed", logx.String("campaign", c.ID), logx.Err(err))
			continue
		}
		admitted++
	}
	if admitted > 0 {
		s.log.Debug("scan admitted campaigns", logx.Int("admitted", admitted))
	}
}
