package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"herald/internal/campaign"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

type fakeAdmitter struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeAdmitter) Enqueue(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return nil
}

func (f *fakeAdmitter) admitted() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for _, id := range f.ids {
		out[id]++
	}
	return out
}

func create(t *testing.T, st store.Store, name string, scheduledAt *time.Time) *campaign.Campaign {
	t.Helper()
	c := &campaign.Campaign{
		Name:        name,
		Template:    "hi {{name}}",
		Assignments: []campaign.ChannelAssignment{{ChannelID: "tg-main"}},
		ScheduledAt: scheduledAt,
	}
	if err := st.CreateCampaign(context.Background(), c, []campaign.Recipient{{Address: "+15550000000"}}); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestScanAdmitsDueCampaigns(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	defer st.Close()
	adm := &fakeAdmitter{}
	s := New(Config{}, st, adm, logx.Nop())

	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	due := create(t, st, "due", &past)
	unscheduled := create(t, st, "asap", nil)
	later := create(t, st, "later", &future)

	running := create(t, st, "running", nil)
	if err := st.UpdateCampaignStatus(ctx, running.ID, campaign.StatusProcessing); err != nil {
		t.Fatal(err)
	}

	s.scan(ctx)

	got := adm.admitted()
	if got[due.ID] != 1 || got[unscheduled.ID] != 1 {
		t.Fatalf("admitted = %v, want due and unscheduled campaigns", got)
	}
	if got[later.ID] != 0 {
		t.Error("future-scheduled campaign admitted early")
	}
	if got[running.ID] != 0 {
		t.Error("non-QUEUED campaign admitted")
	}

	// Re-scanning is safe; admission stays idempotent downstream.
	s.scan(ctx)
	if got := adm.admitted(); got[due.ID] != 2 {
		t.Fatalf("second scan did not re-admit still-queued campaign: %v", got)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	defer st.Close()
	adm := &fakeAdmitter{}
	s := New(Config{Enabled: true, ScanInterval: 10 * time.Millisecond}, st, adm, logx.Nop())

	c := create(t, st, "boot", nil)

	ctx := context.Background()
	s.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if adm.admitted()[c.ID] > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop(ctx)
	if adm.admitted()[c.ID] == 0 {
		t.Fatal("startup scan never admitted the queued campaign")
	}

	// Stop is idempotent; a second Start after Stop works.
	s.Stop(ctx)
	s.Start(ctx)
	s.Stop(ctx)
}
