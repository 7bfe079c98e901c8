package engine

import (
	"sync"
	"time"
)

// errHistKeyLen bounds the error strings used as histogram keys so variants
// of the same failure (different IDs, offsets) group together.
const errHistKeyLen = 120

// ChannelMetrics are per-channel delivery counters for one running campaign.
type ChannelMetrics struct {
	Sent         int       `json:"sent"`
	Failed       int       `json:"failed"`
	LastError    string    `json:"last_error,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

// CampaignMetrics is the runtime view of one campaign's delivery progress.
//
// Live metrics exist only while (or after) the campaign ran in this process;
// they are not persisted. When absent, RuntimeMetrics falls back to the
// store's authoritative counts with Live=false and no per-channel split.
type CampaignMetrics struct {
	CampaignID string                    `json:"campaign_id"`
	Live       bool                      `json:"live"`
	Sent       int                       `json:"sent"`
	Failed     int                       `json:"failed"`
	Channels   map[string]ChannelMetrics `json:"channels,omitempty"`
	Errors     map[string]int            `json:"errors,omitempty"`
}

// Tracker accumulates in-memory runtime metrics, keyed by campaign then
// channel. Best-effort and process-local: no cross-process synchronization.
type Tracker struct {
	mu        sync.RWMutex
	campaigns map[string]*campaignMetrics
}

type campaignMetrics struct {
	channels map[string]*ChannelMetrics
	errors   map[string]int
}

func NewTracker() *Tracker {
	return &Tracker{campaigns: map[string]*campaignMetrics{}}
}

// Begin (re)initializes tracking for a campaign; called at pool start.
func (t *Tracker) Begin(campaignID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.campaigns[campaignID] == nil {
		t.campaigns[campaignID] = &campaignMetrics{
			channels: map[string]*ChannelMetrics{},
			errors:   map[string]int{},
		}
	}
}

func (t *Tracker) RecordSent(campaignID, channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := t.channelLocked(campaignID, channelID)
	if ch == nil {
		return
	}
	ch.Sent++
	ch.LastActivity = time.Now()
}

func (t *Tracker) RecordFailed(campaignID, channelID, errText string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cm := t.campaigns[campaignID]
	ch := t.channelLocked(campaignID, channelID)
	if cm == nil || ch == nil {
		return
	}
	ch.Failed++
	ch.LastError = errText
	ch.LastActivity = time.Now()
	cm.errors[truncateErr(errText)]++
}

func (t *Tracker) channelLocked(campaignID, channelID string) *ChannelMetrics {
	cm := t.campaigns[campaignID]
	if cm == nil {
		return nil
	}
	ch := cm.channels[channelID]
	if ch == nil {
		ch = &ChannelMetrics{}
		cm.channels[channelID] = ch
	}
	return ch
}

// Snapshot returns a copy of the live metrics for a campaign, if any.
func (t *Tracker) Snapshot(campaignID string) (CampaignMetrics, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cm := t.campaigns[campaignID]
	if cm == nil {
		return CampaignMetrics{}, false
	}
	out := CampaignMetrics{
		CampaignID: campaignID,
		Live:       true,
		Channels:   make(map[string]ChannelMetrics, len(cm.channels)),
		Errors:     make(map[string]int, len(cm.errors)),
	}
	for id, ch := range cm.channels {
		out.Channels[id] = *ch
		out.Sent += ch.Sent
		out.Failed += ch.Failed
	}
	for k, n := range cm.errors {
		out.Errors[k] = n
	}
	return out, true
}

// Forget drops a campaign's live metrics (on completion).
func (t *Tracker) Forget(campaignID string) {
	t.mu.Lock()
	delete(t.campaigns, campaignID)
	t.mu.Unlock()
}

func truncateErr(s string) string {
	if len(s) <= errHistKeyLen {
		return s
	}
	return s[:errHistKeyLen]
}
