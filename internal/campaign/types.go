package campaign

import "time"

// Campaign is one bulk-send job: a message template, a recipient snapshot and
// one or more channel assignments, plus its lifecycle status.
//
// The engine never caches a Campaign across operations; it is a transient view
// fetched from the store per call.
type Campaign struct {
	ID          string
	Name        string
	Template    string
	ImageRef    string
	Assignments []ChannelAssignment
	Status      Status
	ScheduledAt *time.Time
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// ChannelAssignment binds a delivery channel to a campaign, optionally with a
// routing parameter (e.g. a proxy) the channel implementation may interpret.
type ChannelAssignment struct {
	ChannelID string
	Routing   string
}

// HasChannel reports whether the campaign currently has the given channel
// assigned.
func (c *Campaign) HasChannel(channelID string) bool {
	for _, a := range c.Assignments {
		if a.ChannelID == channelID {
			return true
		}
	}
	return false
}

// Recipient is one destination targeted by a campaign.
//
// Recipient status is monotone: PENDING is the only non-terminal value; once
// SENT or FAILED it is never revisited.
type Recipient struct {
	ID         string
	CampaignID string
	Address    string
	Name       string
	Status     RecipientStatus
	Error      string
	SentAt     *time.Time
}

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "PENDING"
	RecipientSent    RecipientStatus = "SENT"
	RecipientFailed  RecipientStatus = "FAILED"
)

// Resolved reports whether the recipient reached a terminal delivery status.
func (s RecipientStatus) Resolved() bool {
	return s == RecipientSent || s == RecipientFailed
}

// RecipientCounts is an aggregate view over a campaign's recipients.
type RecipientCounts struct {
	Pending int
	Sent    int
	Failed  int
}

func (c RecipientCounts) Total() int { return c.Pending + c.Sent + c.Failed }
