package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"herald/internal/campaign"
	logx "herald/pkg/logx"
)

// Both drivers must satisfy the same contract, so every test runs against
// each of them.
func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "herald.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func seedCampaign(t *testing.T, st Store, assignments []campaign.ChannelAssignment, recipients int) *campaign.Campaign {
	t.Helper()
	c := &campaign.Campaign{
		Name:        "spring-promo",
		Template:    "Hi {{name}}",
		Assignments: assignments,
		Status:      campaign.StatusQueued,
	}
	var rs []campaign.Recipient
	for i := 0; i < recipients; i++ {
		rs = append(rs, campaign.Recipient{
			Address: "+1555000" + string(rune('0'+i)),
			Name:    "r" + string(rune('0'+i)),
		})
	}
	if err := st.CreateCampaign(context.Background(), c, rs); err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	return c
}

func TestCampaignRoundTrip(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := seedCampaign(t, st, []campaign.ChannelAssignment{{ChannelID: "tg-main"}}, 3)

			got, err := st.GetCampaign(ctx, c.ID)
			if err != nil {
				t.Fatalf("GetCampaign: %v", err)
			}
			if got.Name != "spring-promo" || got.Status != campaign.StatusQueued {
				t.Fatalf("unexpected campaign: %+v", got)
			}
			if len(got.Assignments) != 1 || got.Assignments[0].ChannelID != "tg-main" {
				t.Fatalf("unexpected assignments: %+v", got.Assignments)
			}

			pending, err := st.PendingRecipients(ctx, c.ID)
			if err != nil {
				t.Fatalf("PendingRecipients: %v", err)
			}
			if len(pending) != 3 {
				t.Fatalf("pending = %d, want 3", len(pending))
			}

			if _, err := st.GetCampaign(ctx, "no-such-id"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetCampaign(miss) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := seedCampaign(t, st, []campaign.ChannelAssignment{{ChannelID: "ch-1"}}, 1)

			if err := st.UpdateCampaignStatus(ctx, c.ID, campaign.StatusCompleted); err == nil {
				t.Fatal("QUEUED -> COMPLETED should be rejected")
			}
			if err := st.UpdateCampaignStatus(ctx, c.ID, campaign.StatusProcessing); err != nil {
				t.Fatalf("QUEUED -> PROCESSING: %v", err)
			}
			if err := st.UpdateCampaignStatus(ctx, c.ID, campaign.StatusCompleted); err != nil {
				t.Fatalf("PROCESSING -> COMPLETED: %v", err)
			}

			got, err := st.GetCampaign(ctx, c.ID)
			if err != nil {
				t.Fatalf("GetCampaign: %v", err)
			}
			if got.CompletedAt == nil {
				t.Fatal("CompletedAt not recorded on COMPLETED")
			}

			// Terminal immutability.
			err = st.UpdateCampaignStatus(ctx, c.ID, campaign.StatusProcessing)
			if !errors.Is(err, campaign.ErrTerminal) {
				t.Fatalf("terminal transition = %v, want ErrTerminal", err)
			}
			err = st.AddAssignment(ctx, c.ID, campaign.ChannelAssignment{ChannelID: "ch-2"})
			if !errors.Is(err, campaign.ErrTerminal) {
				t.Fatalf("terminal AddAssignment = %v, want ErrTerminal", err)
			}
		})
	}
}

func TestRecipientMonotonicity(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := seedCampaign(t, st, []campaign.ChannelAssignment{{ChannelID: "ch-1"}}, 2)

			pending, err := st.PendingRecipients(ctx, c.ID)
			if err != nil {
				t.Fatalf("PendingRecipients: %v", err)
			}
			r := pending[0]

			now := time.Now()
			if err := st.UpdateRecipientStatus(ctx, r.ID, campaign.RecipientSent, "", now); err != nil {
				t.Fatalf("resolve SENT: %v", err)
			}
			err = st.UpdateRecipientStatus(ctx, r.ID, campaign.RecipientFailed, "boom", time.Time{})
			if !errors.Is(err, ErrRecipientResolved) {
				t.Fatalf("second resolve = %v, want ErrRecipientResolved", err)
			}

			counts, err := st.RecipientCounts(ctx, c.ID)
			if err != nil {
				t.Fatalf("RecipientCounts: %v", err)
			}
			if counts.Sent != 1 || counts.Pending != 1 || counts.Failed != 0 {
				t.Fatalf("counts = %+v", counts)
			}

			pending, err = st.PendingRecipients(ctx, c.ID)
			if err != nil {
				t.Fatalf("PendingRecipients: %v", err)
			}
			if len(pending) != 1 {
				t.Fatalf("pending after resolve = %d, want 1", len(pending))
			}
		})
	}
}

func TestAssignmentInvariants(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := seedCampaign(t, st, []campaign.ChannelAssignment{{ChannelID: "ch-1"}}, 1)

			// Last-assignment protection.
			err := st.RemoveAssignment(ctx, c.ID, "ch-1")
			if !errors.Is(err, ErrLastAssignment) {
				t.Fatalf("remove last = %v, want ErrLastAssignment", err)
			}

			if err := st.AddAssignment(ctx, c.ID, campaign.ChannelAssignment{ChannelID: "ch-2", Routing: "proxy-a"}); err != nil {
				t.Fatalf("AddAssignment: %v", err)
			}
			err = st.AddAssignment(ctx, c.ID, campaign.ChannelAssignment{ChannelID: "ch-2"})
			if !errors.Is(err, ErrDuplicateAssignment) {
				t.Fatalf("duplicate add = %v, want ErrDuplicateAssignment", err)
			}

			if err := st.RemoveAssignment(ctx, c.ID, "ch-1"); err != nil {
				t.Fatalf("remove with two assigned: %v", err)
			}
			as, err := st.Assignments(ctx, c.ID)
			if err != nil {
				t.Fatalf("Assignments: %v", err)
			}
			if len(as) != 1 || as[0].ChannelID != "ch-2" || as[0].Routing != "proxy-a" {
				t.Fatalf("assignments = %+v", as)
			}

			err = st.RemoveAssignment(ctx, c.ID, "ch-9")
			if !errors.Is(err, ErrAssignmentNotFound) {
				t.Fatalf("remove unknown = %v, want ErrAssignmentNotFound", err)
			}
		})
	}
}

func TestListNonTerminal(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := seedCampaign(t, st, []campaign.ChannelAssignment{{ChannelID: "ch-1"}}, 1)
			b := seedCampaign(t, st, []campaign.ChannelAssignment{{ChannelID: "ch-1"}}, 1)

			if err := st.UpdateCampaignStatus(ctx, b.ID, campaign.StatusCancelled); err != nil {
				t.Fatalf("cancel: %v", err)
			}

			list, err := st.ListNonTerminal(ctx)
			if err != nil {
				t.Fatalf("ListNonTerminal: %v", err)
			}
			if len(list) != 1 || list[0].ID != a.ID {
				t.Fatalf("list = %+v, want only %s", list, a.ID)
			}
		})
	}
}
