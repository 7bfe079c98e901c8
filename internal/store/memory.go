package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald/internal/campaign"
)

// Memory is a mutex-guarded in-process store.
//
// It implements the same transition and invariant checks as the sqlite
// driver, so engine tests exercise the real contracts.
type Memory struct {
	mu         sync.RWMutex
	campaigns  map[string]*campaign.Campaign
	recipients map[string]*campaign.Recipient // by recipient ID
	order      map[string][]string            // campaign ID -> recipient IDs in insert order
}

func NewMemory() *Memory {
	return &Memory{
		campaigns:  map[string]*campaign.Campaign{},
		recipients: map[string]*campaign.Recipient{},
		order:      map[string][]string{},
	}
}

func (m *Memory) CreateCampaign(ctx context.Context, c *campaign.Campaign, recipients []campaign.Recipient) error {
	if c == nil {
		return fmt.Errorf("nil campaign")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if !c.Status.Valid() {
		c.Status = campaign.StatusQueued
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[c.ID]; ok {
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	cp := cloneCampaign(c)
	m.campaigns[c.ID] = cp
	for i := range recipients {
		r := recipients[i]
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.CampaignID = c.ID
		if r.Status == "" {
			r.Status = campaign.RecipientPending
		}
		rc := r
		m.recipients[r.ID] = &rc
		m.order[c.ID] = append(m.order[c.ID], r.ID)
	}
	return nil
}

func (m *Memory) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCampaign(c), nil
}

func (m *Memory) CampaignStatus(ctx context.Context, id string) (campaign.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.campaigns[id]
	if !ok {
		return "", ErrNotFound
	}
	return c.Status, nil
}

func (m *Memory) UpdateCampaignStatus(ctx context.Context, id string, to campaign.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	if err := campaign.CheckTransition(c.Status, to); err != nil {
		return err
	}
	c.Status = to
	if to == campaign.StatusCompleted {
		now := time.Now()
		c.CompletedAt = &now
	}
	return nil
}

func (m *Memory) UpdateRecipientStatus(ctx context.Context, recipientID string, to campaign.RecipientStatus, errText string, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[recipientID]
	if !ok {
		return ErrRecipientNotFound
	}
	if r.Status.Resolved() {
		return ErrRecipientResolved
	}
	r.Status = to
	r.Error = errText
	if to == campaign.RecipientSent && !sentAt.IsZero() {
		at := sentAt
		r.SentAt = &at
	}
	return nil
}

func (m *Memory) PendingRecipients(ctx context.Context, campaignID string) ([]campaign.Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.campaigns[campaignID]; !ok {
		return nil, ErrNotFound
	}
	var out []campaign.Recipient
	for _, id := range m.order[campaignID] {
		r := m.recipients[id]
		if r != nil && r.Status == campaign.RecipientPending {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *Memory) RecipientCounts(ctx context.Context, campaignID string) (campaign.RecipientCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.campaigns[campaignID]; !ok {
		return campaign.RecipientCounts{}, ErrNotFound
	}
	var counts campaign.RecipientCounts
	for _, id := range m.order[campaignID] {
		switch m.recipients[id].Status {
		case campaign.RecipientPending:
			counts.Pending++
		case campaign.RecipientSent:
			counts.Sent++
		case campaign.RecipientFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

func (m *Memory) Assignments(ctx context.Context, campaignID string) ([]campaign.ChannelAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]campaign.ChannelAssignment(nil), c.Assignments...), nil
}

func (m *Memory) AddAssignment(ctx context.Context, campaignID string, a campaign.ChannelAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return ErrNotFound
	}
	if c.Status.Terminal() {
		return campaign.ErrTerminal
	}
	if c.HasChannel(a.ChannelID) {
		return ErrDuplicateAssignment
	}
	c.Assignments = append(c.Assignments, a)
	return nil
}

func (m *Memory) RemoveAssignment(ctx context.Context, campaignID, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return ErrNotFound
	}
	if c.Status.Terminal() {
		return campaign.ErrTerminal
	}
	if !c.HasChannel(channelID) {
		return ErrAssignmentNotFound
	}
	if len(c.Assignments) == 1 {
		return ErrLastAssignment
	}
	kept := c.Assignments[:0]
	for _, a := range c.Assignments {
		if a.ChannelID != channelID {
			kept = append(kept, a)
		}
	}
	c.Assignments = kept
	return nil
}

func (m *Memory) ListNonTerminal(ctx context.Context) ([]*campaign.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*campaign.Campaign
	for _, c := range m.campaigns {
		if !c.Status.Terminal() {
			out = append(out, cloneCampaign(c))
		}
	}
	// Deterministic order for callers (recovery enqueues oldest first).
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) Close() error { return nil }

func cloneCampaign(c *campaign.Campaign) *campaign.Campaign {
	cp := *c
	cp.Assignments = append([]campaign.ChannelAssignment(nil), c.Assignments...)
	if c.ScheduledAt != nil {
		at := *c.ScheduledAt
		cp.ScheduledAt = &at
	}
	if c.CompletedAt != nil {
		at := *c.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}
