package engine

import (
	"context"
	"errors"
	"time"
)

// Config controls the campaign execution engine.
type Config struct {
	// Workers caps per-campaign parallelism. The effective worker count is
	// min(Workers, number of channel assignments).
	Workers int

	// QueueSize bounds the admission queue of campaign IDs.
	QueueSize int

	// CampaignConcurrency is how many campaigns may be driven at once.
	// The default of 1 keeps campaigns strictly sequential (FIFO); raise it
	// only if cross-campaign throughput matters more than predictable
	// resource usage.
	CampaignConcurrency int

	// MinDelay/MaxDelay bound the jittered inter-send delay per worker.
	// If MinDelay >= MaxDelay the delay is exactly MinDelay.
	MinDelay time.Duration
	MaxDelay time.Duration

	// PollTick is the granularity at which sleeping workers re-check
	// campaign status, so pause/cancel is honored within one tick.
	PollTick time.Duration

	// AssignmentRefresh is how often a running pool re-reads the campaign's
	// channel assignments to pick up live add/remove.
	AssignmentRefresh time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.CampaignConcurrency <= 0 {
		c.CampaignConcurrency = 1
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if c.MaxDelay < 0 {
		c.MaxDelay = 0
	}
	if c.PollTick <= 0 {
		c.PollTick = 500 * time.Millisecond
	}
	if c.AssignmentRefresh <= 0 {
		c.AssignmentRefresh = 2 * time.Second
	}
	return c
}

var (
	ErrQueueFull      = errors.New("campaign queue is full")
	ErrUnknownChannel = errors.New("unknown channel identifier")
)

// stopFn reports whether the campaign must stop. It is passed into the
// claim/sleep loop explicitly so tests can drive stop conditions without a
// real status race; in production it re-reads campaign status from the
// store (status itself is the cooperative stop signal).
type stopFn func(ctx context.Context) bool

// CampaignEvent is the payload published on the event bus for campaign
// lifecycle events.
type CampaignEvent struct {
	CampaignID string        `json:"campaign_id"`
	Status     string        `json:"status,omitempty"`
	Channel    string        `json:"channel,omitempty"`
	Sent       int           `json:"sent"`
	Failed     int           `json:"failed"`
	Error      string        `json:"error,omitempty"`
	Took       time.Duration `json:"took,omitempty"`
}
