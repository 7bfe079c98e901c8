package store

import (
	"context"
	"errors"
	"time"

	"herald/internal/campaign"
)

// Config configures the campaign store.
//
// Driver values:
//   - "memory": in-process store (tests, dev mode)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

var (
	ErrNotFound            = errors.New("campaign not found")
	ErrRecipientNotFound   = errors.New("recipient not found")
	ErrRecipientResolved   = errors.New("recipient already resolved")
	ErrAssignmentNotFound  = errors.New("channel assignment not found")
	ErrDuplicateAssignment = errors.New("channel already assigned")
	ErrLastAssignment      = errors.New("cannot remove the last channel assignment")
)

// Store is the durable campaign record the engine drives against.
//
// All progress the worker pool makes is externalized here before the next
// recipient is claimed, which is what makes campaigns resumable after a
// crash. Status transitions and recipient updates are atomic and
// transition-checked; campaign status doubles as the cooperative stop signal
// polled by workers.
type Store interface {
	// CreateCampaign persists a campaign together with its recipient
	// snapshot. Empty IDs are minted. Recipients start PENDING.
	CreateCampaign(ctx context.Context, c *campaign.Campaign, recipients []campaign.Recipient) error

	GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error)

	// CampaignStatus is the cheap status read used by worker stop checks.
	CampaignStatus(ctx context.Context, id string) (campaign.Status, error)

	// UpdateCampaignStatus applies a lifecycle transition. It fails with
	// campaign.ErrTerminal or *campaign.InvalidTransitionError when the
	// step is not legal, and records the completion timestamp on COMPLETED.
	UpdateCampaignStatus(ctx context.Context, id string, to campaign.Status) error

	// UpdateRecipientStatus resolves a PENDING recipient to SENT or FAILED.
	// Resolved recipients are never revisited: updating one fails with
	// ErrRecipientResolved and changes nothing.
	UpdateRecipientStatus(ctx context.Context, recipientID string, to campaign.RecipientStatus, errText string, sentAt time.Time) error

	PendingRecipients(ctx context.Context, campaignID string) ([]campaign.Recipient, error)
	RecipientCounts(ctx context.Context, campaignID string) (campaign.RecipientCounts, error)

	Assignments(ctx context.Context, campaignID string) ([]campaign.ChannelAssignment, error)

	// AddAssignment appends a channel assignment. Duplicates and terminal
	// campaigns are rejected.
	AddAssignment(ctx context.Context, campaignID string, a campaign.ChannelAssignment) error

	// RemoveAssignment removes a channel assignment. The last remaining
	// assignment of a non-terminal campaign cannot be removed
	// (ErrLastAssignment).
	RemoveAssignment(ctx context.Context, campaignID, channelID string) error

	// ListNonTerminal returns campaigns in QUEUED, PROCESSING or PAUSED
	// status; recovery and the schedule runner filter what they need.
	ListNonTerminal(ctx context.Context) ([]*campaign.Campaign, error)

	Close() error
}
