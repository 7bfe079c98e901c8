package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"herald/internal/campaign"
	"herald/internal/channel"
	"herald/internal/eventbus"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

// fakeChannel records sends and can fail per-address, signal send entry and
// hold sends on a gate.
type fakeChannel struct {
	id      string
	started chan string   // buffered; receives the address when Send is entered
	block   chan struct{} // when non-nil, Send waits for a token or close

	mu   sync.Mutex
	sent []string
	fail map[string]error
}

func newFakeChannel(id string) *fakeChannel {
	return &fakeChannel{id: id, started: make(chan string, 32)}
}

func (f *fakeChannel) ID() string { return f.id }

func (f *fakeChannel) Send(ctx context.Context, msg channel.Message) error {
	select {
	case f.started <- msg.To:
	default:
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[msg.To]; ok {
		return &channel.SendError{ChannelID: f.id, Err: err}
	}
	f.sent = append(f.sent, msg.To)
	return nil
}

func (f *fakeChannel) Ping(context.Context) error { return nil }

func (f *fakeChannel) sentAddrs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeChannel) sentCount() int { return len(f.sentAddrs()) }

func newTestEngine(t *testing.T, cfg Config, chans ...channel.Channel) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	reg := channel.NewRegistry()
	for _, c := range chans {
		if err := reg.Add(c); err != nil {
			t.Fatalf("register channel: %v", err)
		}
	}
	if cfg.PollTick == 0 {
		cfg.PollTick = 5 * time.Millisecond
	}
	if cfg.AssignmentRefresh == 0 {
		cfg.AssignmentRefresh = 10 * time.Millisecond
	}
	return New(cfg, st, reg, eventbus.New(), logx.Nop()), st
}

func seedCampaign(t *testing.T, st store.Store, channels []string, n int) *campaign.Campaign {
	t.Helper()
	c := &campaign.Campaign{
		Name:     "launch",
		Template: "hello {{name}}",
	}
	for _, id := range channels {
		c.Assignments = append(c.Assignments, campaign.ChannelAssignment{ChannelID: id})
	}
	recipients := make([]campaign.Recipient, 0, n)
	for i := 0; i < n; i++ {
		recipients = append(recipients, campaign.Recipient{
			Address: fmt.Sprintf("+1555000%04d", i),
			Name:    fmt.Sprintf("user-%d", i),
		})
	}
	if err := st.CreateCampaign(context.Background(), c, recipients); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, st store.Store, id string, want campaign.Status) {
	t.Helper()
	waitFor(t, fmt.Sprintf("campaign %s to reach %s", id, want), func() bool {
		got, err := st.CampaignStatus(context.Background(), id)
		return err == nil && got == want
	})
}

func TestRunToCompletion(t *testing.T) {
	t.Parallel()
	ch1 := newFakeChannel("tg-main")
	ch2 := newFakeChannel("gw-backup")
	s, st := newTestEngine(t, Config{}, ch1, ch2)
	c := seedCampaign(t, st, []string{"tg-main", "gw-backup"}, 7)

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	if err := s.Enqueue(c.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitStatus(t, st, c.ID, campaign.StatusCompleted)

	// Every recipient was delivered by exactly one channel.
	seen := map[string]int{}
	for _, a := range append(ch1.sentAddrs(), ch2.sentAddrs()...) {
		seen[a]++
	}
	if len(seen) != 7 {
		t.Fatalf("delivered %d distinct addresses, want 7", len(seen))
	}
	for a, n := range seen {
		if n != 1 {
			t.Errorf("address %s delivered %d times", a, n)
		}
	}

	counts, err := st.RecipientCounts(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Pending != 0 || counts.Sent != 7 || counts.Failed != 0 {
		t.Fatalf("counts = %+v, want 0 pending / 7 sent / 0 failed", counts)
	}

	got, err := st.GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedAt == nil {
		t.Error("completed campaign has no completion timestamp")
	}

	// Live metrics are dropped on completion; the store view takes over.
	m, err := s.RuntimeMetrics(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Live {
		t.Error("metrics still live after completion")
	}
	if m.Sent != 7 || m.Failed != 0 {
		t.Errorf("fallback metrics = %d sent / %d failed, want 7/0", m.Sent, m.Failed)
	}
}

func TestFailedSendsRecordedNotRetried(t *testing.T) {
	t.Parallel()
	ch := newFakeChannel("tg-main")
	ch.fail = map[string]error{"+15550000001": errors.New("chat not found")}
	s, st := newTestEngine(t, Config{}, ch)
	c := seedCampaign(t, st, []string{"tg-main"}, 3)

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	if err := s.Enqueue(c.ID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, st, c.ID, campaign.StatusCompleted)

	counts, err := st.RecipientCounts(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Sent != 2 || counts.Failed != 1 || counts.Pending != 0 {
		t.Fatalf("counts = %+v, want 2 sent / 1 failed / 0 pending", counts)
	}
	for _, a := range ch.sentAddrs() {
		if a == "+15550000001" {
			t.Error("failed recipient was retried")
		}
	}
}

func TestEnqueueDedupAndQueueFull(t *testing.T) {
	t.Parallel()
	s, st := newTestEngine(t, Config{QueueSize: 1})
	a := seedCampaign(t, st, []string{"tg-main"}, 1)
	b := seedCampaign(t, st, []string{"tg-main"}, 1)

	if err := s.Enqueue(a.ID); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	// Same ID again is an idempotent no-op even with a full queue.
	if err := s.Enqueue(a.ID); err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if err := s.Enqueue(b.ID); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("enqueue into full queue = %v, want ErrQueueFull", err)
	}
}

func TestNoValidChannelFailsCampaign(t *testing.T) {
	t.Parallel()
	s, st := newTestEngine(t, Config{}, newFakeChannel("tg-main"))
	c := seedCampaign(t, st, []string{"decommissioned"}, 2)

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	if err := s.Enqueue(c.ID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, st, c.ID, campaign.StatusFailed)

	// Recipients stay untouched.
	counts, err := st.RecipientCounts(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Pending != 2 {
		t.Fatalf("pending = %d, want 2", counts.Pending)
	}
}

func TestEmptyTemplateFailsCampaign(t *testing.T) {
	t.Parallel()
	ch := newFakeChannel("tg-main")
	s, st := newTestEngine(t, Config{}, ch)

	c := &campaign.Campaign{
		Name:        "blank",
		Template:    "   ",
		Assignments: []campaign.ChannelAssignment{{ChannelID: "tg-main"}},
	}
	if err := st.CreateCampaign(context.Background(), c, []campaign.Recipient{{Address: "+15550000000"}}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	if err := s.Enqueue(c.ID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, st, c.ID, campaign.StatusFailed)
	if ch.sentCount() != 0 {
		t.Errorf("sent %d messages from a template-less campaign", ch.sentCount())
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	ch := newFakeChannel("tg-main")
	ch.block = make(chan struct{})
	s, st := newTestEngine(t, Config{}, ch)
	c := seedCampaign(t, st, []string{"tg-main"}, 3)

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	if err := s.Enqueue(c.ID); err != nil {
		t.Fatal(err)
	}

	// First send is in flight and held on the gate.
	<-ch.started
	if err := s.Pause(ctx, c.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	close(ch.block)

	// The in-flight send completes and records its outcome; the worker then
	// observes PAUSED and stops before claiming another recipient.
	waitFor(t, "in-flight send to land", func() bool {
		counts, err := st.RecipientCounts(ctx, c.ID)
		return err == nil && counts.Sent == 1 && counts.Pending == 2
	})
	waitStatus(t, st, c.ID, campaign.StatusPaused)

	// Metrics survive a pause.
	m, err := s.RuntimeMetrics(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Live || m.Sent != 1 {
		t.Errorf("paused metrics = live=%v sent=%d, want live with 1 sent", m.Live, m.Sent)
	}

	if err := s.Resume(ctx, c.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitStatus(t, st, c.ID, campaign.StatusCompleted)

	if got := ch.sentCount(); got != 3 {
		t.Fatalf("sent %d messages, want 3", got)
	}
}

func TestCancelAndTerminalImmutability(t *testing.T) {
	t.Parallel()
	s, st := newTestEngine(t, Config{}, newFakeChannel("tg-main"))
	c := seedCampaign(t, st, []string{"tg-main"}, 2)

	ctx := context.Background()
	if err := s.Enqueue(c.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Cancel(ctx, c.ID); err != nil {
		t.Fatalf("cancel queued campaign: %v", err)
	}

	// The stale queue entry is skipped once the engine drains it.
	s.Start(ctx)
	defer s.Stop(ctx)
	time.Sleep(50 * time.Millisecond)

	got, err := st.CampaignStatus(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != campaign.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got)
	}

	if err := s.Pause(ctx, c.ID); !errors.Is(err, campaign.ErrTerminal) {
		t.Errorf("pause of cancelled campaign = %v, want ErrTerminal", err)
	}
	if err := s.Resume(ctx, c.ID); !errors.Is(err, campaign.ErrTerminal) {
		t.Errorf("resume of cancelled campaign = %v, want ErrTerminal", err)
	}
	if err := s.Cancel(ctx, c.ID); !errors.Is(err, campaign.ErrTerminal) {
		t.Errorf("double cancel = %v, want ErrTerminal", err)
	}
	if err := s.AddChannel(ctx, c.ID, "tg-main", ""); err == nil {
		t.Error("assignment added to a cancelled campaign")
	}
}

func TestAddChannelPickedUpLive(t *testing.T) {
	t.Parallel()
	ch1 := newFakeChannel("tg-main")
	ch1.block = make(chan struct{})
	ch2 := newFakeChannel("gw-backup")
	s, st := newTestEngine(t, Config{}, ch1, ch2)
	c := seedCampaign(t, st, []string{"tg-main"}, 6)

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	if err := s.Enqueue(c.ID); err != nil {
		t.Fatal(err)
	}
	<-ch1.started // first send held on the gate

	if err := s.AddChannel(ctx, c.ID, "gw-backup", ""); err != nil {
		t.Fatalf("add channel: %v", err)
	}
	// The refresher spawns a worker for the new channel while the original
	// worker is still mid-send; it drains the remaining recipients.
	waitFor(t, "new channel to deliver", func() bool { return ch2.sentCount() == 5 })

	close(ch1.block)
	waitStatus(t, st, c.ID, campaign.StatusCompleted)
	if got := ch1.sentCount(); got != 1 {
		t.Errorf("original channel sent %d, want 1", got)
	}

	if err := s.AddChannel(ctx, c.ID, "nope", ""); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("add unknown channel = %v, want ErrUnknownChannel", err)
	}
}

func TestRemoveChannelStopsWorker(t *testing.T) {
	t.Parallel()
	ch1 := newFakeChannel("tg-main")
	ch1.block = make(chan struct{})
	ch2 := newFakeChannel("gw-backup")
	ch2.block = make(chan struct{})
	s, st := newTestEngine(t, Config{}, ch1, ch2)
	c := seedCampaign(t, st, []string{"tg-main", "gw-backup"}, 8)

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	if err := s.Enqueue(c.ID); err != nil {
		t.Fatal(err)
	}
	// Both workers hold their first send on a gate, so each has claimed
	// exactly one recipient before the removal lands.
	<-ch1.started
	<-ch2.started

	if err := s.RemoveChannel(ctx, c.ID, "tg-main"); err != nil {
		t.Fatalf("remove channel: %v", err)
	}
	// One assignment left while the campaign is still running.
	if err := s.RemoveChannel(ctx, c.ID, "gw-backup"); !errors.Is(err, store.ErrLastAssignment) {
		t.Errorf("remove last assignment = %v, want ErrLastAssignment", err)
	}

	close(ch2.block)
	waitFor(t, "remaining channel to drain", func() bool { return ch2.sentCount() == 7 })
	close(ch1.block)
	waitStatus(t, st, c.ID, campaign.StatusCompleted)

	// The removed channel's in-flight send completed; everything else went
	// through the remaining channel.
	if got := ch1.sentCount(); got != 1 {
		t.Errorf("removed channel sent %d, want 1", got)
	}
	if got := ch2.sentCount(); got != 7 {
		t.Errorf("remaining channel sent %d, want 7", got)
	}

	if err := s.RemoveChannel(ctx, c.ID, "gw-backup"); !errors.Is(err, campaign.ErrTerminal) {
		t.Errorf("remove from completed campaign = %v, want ErrTerminal", err)
	}
}

func TestStopLeavesRecipientsPending(t *testing.T) {
	t.Parallel()
	ch := newFakeChannel("tg-main")
	ch.block = make(chan struct{})
	s, st := newTestEngine(t, Config{}, ch)
	c := seedCampaign(t, st, []string{"tg-main"}, 4)

	ctx := context.Background()
	s.Start(ctx)
	if err := s.Enqueue(c.ID); err != nil {
		t.Fatal(err)
	}
	<-ch.started

	// Shutdown aborts the held send; the claimed recipient must stay PENDING
	// rather than being recorded as a delivery failure.
	s.Stop(ctx)

	counts, err := st.RecipientCounts(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Pending != 4 {
		t.Fatalf("pending = %d after shutdown, want 4", counts.Pending)
	}
	got, err := st.CampaignStatus(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != campaign.StatusProcessing {
		t.Fatalf("status = %s after shutdown, want PROCESSING", got)
	}

	// Restart plus recovery finishes the job.
	close(ch.block)
	ch.block = nil
	s.Start(ctx)
	defer s.Stop(ctx)
	if err := s.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	waitStatus(t, st, c.ID, campaign.StatusCompleted)
	if got := ch.sentCount(); got != 4 {
		t.Errorf("sent %d messages, want 4", got)
	}
}

func TestRecoverSkipsFutureAndPaused(t *testing.T) {
	t.Parallel()
	ch := newFakeChannel("tg-main")
	s, st := newTestEngine(t, Config{}, ch)
	ctx := context.Background()

	due := seedCampaign(t, st, []string{"tg-main"}, 1)

	future := time.Now().Add(time.Hour)
	scheduled := &campaign.Campaign{
		Name:        "later",
		Template:    "hello {{name}}",
		Assignments: []campaign.ChannelAssignment{{ChannelID: "tg-main"}},
		ScheduledAt: &future,
	}
	if err := st.CreateCampaign(ctx, scheduled, []campaign.Recipient{{Address: "+15550009999"}}); err != nil {
		t.Fatal(err)
	}

	paused := seedCampaign(t, st, []string{"tg-main"}, 1)
	if err := st.UpdateCampaignStatus(ctx, paused.ID, campaign.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateCampaignStatus(ctx, paused.ID, campaign.StatusPaused); err != nil {
		t.Fatal(err)
	}

	s.Start(ctx)
	defer s.Stop(ctx)
	if err := s.Recover(ctx); err != nil {
		t.Fatal(err)
	}

	waitStatus(t, st, due.ID, campaign.StatusCompleted)

	for _, tc := range []struct {
		id   string
		want campaign.Status
	}{
		{scheduled.ID, campaign.StatusQueued},
		{paused.ID, campaign.StatusPaused},
	} {
		got, err := st.CampaignStatus(ctx, tc.id)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("campaign %s status = %s, want %s", tc.id, got, tc.want)
		}
	}
}

func TestJitterDelayBounds(t *testing.T) {
	t.Parallel()
	min, max := 100*time.Millisecond, 300*time.Millisecond
	for i := 0; i < 200; i++ {
		d := jitterDelay(min, max)
		if d < min || d >= max {
			t.Fatalf("jitterDelay = %v, want in [%v, %v)", d, min, max)
		}
	}
	if d := jitterDelay(max, min); d != max {
		t.Errorf("inverted bounds = %v, want %v", d, max)
	}
	if d := jitterDelay(min, min); d != min {
		t.Errorf("equal bounds = %v, want %v", d, min)
	}
}
