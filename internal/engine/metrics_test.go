package engine

import (
	"strings"
	"testing"
)

func TestTrackerCounters(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	tr.Begin("c1")
	tr.RecordSent("c1", "tg-main")
	tr.RecordSent("c1", "tg-main")
	tr.RecordSent("c1", "gw-backup")
	tr.RecordFailed("c1", "gw-backup", "upstream 502")
	tr.RecordFailed("c1", "gw-backup", "upstream 502")
	tr.RecordFailed("c1", "tg-main", "chat not found")

	m, ok := tr.Snapshot("c1")
	if !ok {
		t.Fatal("no snapshot for tracked campaign")
	}
	if !m.Live {
		t.Error("snapshot not marked live")
	}
	if m.Sent != 3 || m.Failed != 3 {
		t.Fatalf("totals = %d sent / %d failed, want 3/3", m.Sent, m.Failed)
	}
	tg := m.Channels["tg-main"]
	if tg.Sent != 2 || tg.Failed != 1 || tg.LastError != "chat not found" {
		t.Errorf("tg-main = %+v", tg)
	}
	gw := m.Channels["gw-backup"]
	if gw.Sent != 1 || gw.Failed != 2 || gw.LastError != "upstream 502" {
		t.Errorf("gw-backup = %+v", gw)
	}
	if m.Errors["upstream 502"] != 2 || m.Errors["chat not found"] != 1 {
		t.Errorf("error histogram = %v", m.Errors)
	}
}

func TestTrackerIgnoresUntracked(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	// Records for a campaign that never began (or was forgotten) are dropped.
	tr.RecordSent("ghost", "tg-main")
	tr.RecordFailed("ghost", "tg-main", "nope")
	if _, ok := tr.Snapshot("ghost"); ok {
		t.Fatal("snapshot exists for untracked campaign")
	}
}

func TestTrackerForget(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	tr.Begin("c1")
	tr.RecordSent("c1", "tg-main")
	tr.Forget("c1")
	if _, ok := tr.Snapshot("c1"); ok {
		t.Fatal("snapshot survives Forget")
	}
}

func TestErrorKeyTruncation(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	tr.Begin("c1")
	long := strings.Repeat("x", errHistKeyLen+50)
	tr.RecordFailed("c1", "tg-main", long+"-variant-a")
	tr.RecordFailed("c1", "tg-main", long+"-variant-b")

	m, _ := tr.Snapshot("c1")
	if len(m.Errors) != 1 {
		t.Fatalf("histogram has %d keys, want 1 (variants grouped)", len(m.Errors))
	}
	for k, n := range m.Errors {
		if len(k) != errHistKeyLen {
			t.Errorf("key length = %d, want %d", len(k), errHistKeyLen)
		}
		if n != 2 {
			t.Errorf("count = %d, want 2", n)
		}
	}
}
