package track

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct {
	at time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{at: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.at = c.at.Add(d)
}

func TestAdmitExecutedIDSkips(t *testing.T) {
	clock := newFakeClock()
	tr := New(WithClock(clock.Now))
	params := map[string]any{"cell": "A1", "value": 5.0}

	if v := tr.Admit("cmd-1", "set_cell_value", params); v != Run {
		t.Fatalf("first delivery: %v", v)
	}
	tr.MarkExecuted("cmd-1", "set_cell_value", params)
	if v := tr.Admit("cmd-1", "set_cell_value", params); v != SkipExecuted {
		t.Fatalf("redelivery: %v", v)
	}
	if s := tr.StateOf("cmd-1"); s != StateExecuted {
		t.Fatalf("state: %s", s)
	}
}

func TestAdmitRapidDuplicateAbsorbed(t *testing.T) {
	clock := newFakeClock()
	tr := New(WithClock(clock.Now))
	params := map[string]any{"cell": "A1", "value": 5.0}

	tr.Admit("cmd-1", "set_cell_value", params)
	tr.MarkExecuted("cmd-1", "set_cell_value", params)

	clock.Advance(500 * time.Millisecond)
	if v := tr.Admit("cmd-2", "set_cell_value", params); v != SkipDuplicate {
		t.Fatalf("rapid repeat under a new id: %v", v)
	}
	// The absorbed id settles as executed so its own redelivery skips.
	if v := tr.Admit("cmd-2", "set_cell_value", params); v != SkipExecuted {
		t.Fatalf("absorbed id redelivery: %v", v)
	}
}

func TestAdmitSlowRepeatRuns(t *testing.T) {
	clock := newFakeClock()
	tr := New(WithClock(clock.Now))
	params := map[string]any{"cell": "A1", "value": 5.0}

	tr.Admit("cmd-1", "set_cell_value", params)
	tr.MarkExecuted("cmd-1", "set_cell_value", params)

	clock.Advance(5 * time.Second)
	if v := tr.Admit("cmd-2", "set_cell_value", params); v != Run {
		t.Fatalf("deliberate repeat outside the window: %v", v)
	}
}

func TestAdmitKeyOrderInsensitive(t *testing.T) {
	a := SemanticKey("op", map[string]any{"x": 1.0, "y": "s"})
	b := SemanticKey("op", map[string]any{"y": "s", "x": 1.0})
	if a != b {
		t.Fatalf("keys differ: %q vs %q", a, b)
	}
	c := SemanticKey("op", map[string]any{"x": 2.0, "y": "s"})
	if a == c {
		t.Fatalf("different parameters share a key: %q", a)
	}
}

func TestFailedIDRetries(t *testing.T) {
	clock := newFakeClock()
	tr := New(WithClock(clock.Now))
	params := map[string]any{"range": "A1:B2"}

	tr.Admit("cmd-1", "clear_range", params)
	tr.MarkFailed("cmd-1")
	if s := tr.StateOf("cmd-1"); s != StateFailed {
		t.Fatalf("state: %s", s)
	}
	if v := tr.Admit("cmd-1", "clear_range", params); v != Run {
		t.Fatalf("failed id redelivery: %v", v)
	}
}

func TestPendingIDRetries(t *testing.T) {
	clock := newFakeClock()
	tr := New(WithClock(clock.Now))
	params := map[string]any{"range": "A1:B2"}

	// First attempt left unsettled, as after a grid outage.
	tr.Admit("cmd-1", "clear_range", params)
	if s := tr.StateOf("cmd-1"); s != StatePending {
		t.Fatalf("state: %s", s)
	}
	if v := tr.Admit("cmd-1", "clear_range", params); v != Run {
		t.Fatalf("pending id redelivery: %v", v)
	}
}

func TestSemanticRetentionPruned(t *testing.T) {
	clock := newFakeClock()
	tr := New(WithClock(clock.Now))
	params := map[string]any{"cell": "B2"}

	tr.Admit("cmd-1", "set_cell_value", params)
	tr.MarkExecuted("cmd-1", "set_cell_value", params)
	clock.Advance(11 * time.Second)
	// Prune runs inside Admit; the old key must be gone, not merely stale.
	tr.Admit("cmd-2", "set_cell_value", params)
	tr.mu.Lock()
	n := len(tr.semantic)
	tr.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected pruned semantic map, have %d entries", n)
	}
}

func TestRecordEvictsOldest(t *testing.T) {
	clock := newFakeClock()
	tr := New(WithClock(clock.Now), WithActionCapacity(3))
	for i := 0; i < 5; i++ {
		tr.Record(Action{ToolName: fmt.Sprintf("op-%d", i)})
		clock.Advance(time.Second)
	}
	got := tr.RecentActions(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(got))
	}
	if got[0].ToolName != "op-2" || got[2].ToolName != "op-4" {
		t.Fatalf("wrong retained actions: %v", got)
	}
}

func TestRecentActionsOldestFirst(t *testing.T) {
	clock := newFakeClock()
	tr := New(WithClock(clock.Now))
	tr.Record(Action{ToolName: "first"})
	clock.Advance(time.Second)
	tr.Record(Action{ToolName: "second"})

	got := tr.RecentActions(2)
	if len(got) != 2 || got[0].ToolName != "first" || got[1].ToolName != "second" {
		t.Fatalf("order: %v", got)
	}
	if !got[0].Timestamp.Before(got[1].Timestamp) {
		t.Fatalf("timestamps: %v", got)
	}
	one := tr.RecentActions(1)
	if len(one) != 1 || one[0].ToolName != "second" {
		t.Fatalf("most recent: %v", one)
	}
}
