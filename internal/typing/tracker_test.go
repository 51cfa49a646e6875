package typing

import (
	"sort"
	"testing"
	"time"
)

func TestStart_Idempotent(t *testing.T) {
	tr := NewTracker()

	if !tr.Start("general", "c1", "alice") {
		t.Fatal("first Start should report a new marker")
	}
	if tr.Start("general", "c1", "alice") {
		t.Fatal("repeated Start should not report a new marker")
	}
	if n := tr.Count(); n != 1 {
		t.Fatalf("expected 1 marker, got %d", n)
	}
}

func TestStop_ReturnsRoom(t *testing.T) {
	tr := NewTracker()
	tr.Start("general", "c1", "alice")

	room, ok := tr.Stop("c1")
	if !ok || room != "general" {
		t.Fatalf("Stop = (%q, %v), want (general, true)", room, ok)
	}
	if names := tr.List("general"); len(names) != 0 {
		t.Fatalf("expected empty typing list, got %v", names)
	}
}

func TestStop_NotTypingIsNoOp(t *testing.T) {
	tr := NewTracker()

	if room, ok := tr.Stop("c1"); ok || room != "" {
		t.Fatalf("Stop on idle connection = (%q, %v), want (\"\", false)", room, ok)
	}

	// Stopping twice only changes state once.
	tr.Start("general", "c1", "alice")
	if _, ok := tr.Stop("c1"); !ok {
		t.Fatal("first Stop should succeed")
	}
	if _, ok := tr.Stop("c1"); ok {
		t.Fatal("second Stop should be a no-op")
	}
}

func TestList(t *testing.T) {
	tr := NewTracker()
	tr.Start("general", "c1", "alice")
	tr.Start("general", "c2", "bob")
	tr.Start("other", "c3", "carol")

	names := tr.List("general")
	sort.Strings(names)
	if len(names) != 2 || names[0] != "alice" || names[1] != "bob" {
		t.Fatalf("List(general) = %v, want [alice bob]", names)
	}
	if names := tr.List("missing"); names != nil {
		t.Fatalf("List(missing) = %v, want nil", names)
	}
}

func TestReapStale(t *testing.T) {
	tr := NewTracker()
	tr.Start("general", "c1", "alice")

	// Fresh marker survives.
	if expired := tr.ReapStale(time.Minute); len(expired) != 0 {
		t.Fatalf("expected no expirations, got %v", expired)
	}

	time.Sleep(20 * time.Millisecond)
	expired := tr.ReapStale(10 * time.Millisecond)
	if len(expired) != 1 {
		t.Fatalf("expected 1 expiration, got %v", expired)
	}
	e := expired[0]
	if e.Room != "general" || e.ConnID != "c1" || e.DisplayName != "alice" {
		t.Fatalf("unexpected expiration %+v", e)
	}
	if n := tr.Count(); n != 0 {
		t.Fatalf("expected 0 markers after reap, got %d", n)
	}
}

func TestReapStale_StartRefreshesTimestamp(t *testing.T) {
	tr := NewTracker()
	tr.Start("general", "c1", "alice")

	time.Sleep(20 * time.Millisecond)
	tr.Start("general", "c1", "alice")

	if expired := tr.ReapStale(15 * time.Millisecond); len(expired) != 0 {
		t.Fatalf("refreshed marker should survive, got %v", expired)
	}
}
