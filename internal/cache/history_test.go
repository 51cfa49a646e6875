package cache

import (
	"context"
	"testing"
)

func TestHistoryBuffer_ChronologicalOrder(t *testing.T) {
	h := newHistoryBuffer(5)

	h.add("general", Message{Username: "alice", Content: "one", Timestamp: 1})
	h.add("general", Message{Username: "bob", Content: "two", Timestamp: 2})
	h.add("general", Message{Username: "alice", Content: "three", Timestamp: 3})

	got := h.get("general")
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	for i, want := range []string{"one", "two", "three"} {
		if got[i].Content != want {
			t.Errorf("message[%d] = %q, want %q", i, got[i].Content, want)
		}
	}
}

func TestHistoryBuffer_OverwritesOldest(t *testing.T) {
	h := newHistoryBuffer(3)

	for i, content := range []string{"a", "b", "c", "d", "e"} {
		h.add("general", Message{Content: content, Timestamp: int64(i)})
	}

	got := h.get("general")
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	for i, want := range []string{"c", "d", "e"} {
		if got[i].Content != want {
			t.Errorf("message[%d] = %q, want %q", i, got[i].Content, want)
		}
	}
}

func TestHistoryBuffer_UnknownRoom(t *testing.T) {
	h := newHistoryBuffer(3)
	if got := h.get("nope"); got != nil {
		t.Fatalf("expected nil for unknown room, got %v", got)
	}
}

func TestHistoryBuffer_Remove(t *testing.T) {
	h := newHistoryBuffer(3)
	h.add("general", Message{Content: "hi"})
	h.remove("general")
	if got := h.get("general"); got != nil {
		t.Fatalf("expected nil after remove, got %v", got)
	}
}

func TestStore_MemoryOnlyMode(t *testing.T) {
	s := NewStore("")
	if s.Available() {
		t.Fatal("store without redis should report unavailable")
	}

	ctx := context.Background()
	s.AppendMessage(ctx, "general", Message{Username: "alice", Content: "hello", Timestamp: 1})
	s.AppendMessage(ctx, "general", Message{Username: "bob", Content: "hi", Timestamp: 2})

	got := s.History(ctx, "general")
	if len(got) != 2 || got[0].Content != "hello" || got[1].Content != "hi" {
		t.Fatalf("unexpected history %v", got)
	}

	// Redis-only operations are silent no-ops without a client.
	s.AddRoomUser(ctx, "general", "alice")
	s.RemoveRoomUser(ctx, "general", "alice")
	s.SaveSession(ctx, "c1", "general", "alice")
	s.TouchSession(ctx, "c1")
	s.DeleteSession(ctx, "c1")

	s.DeleteRoom(ctx, "general")
	if got := s.History(ctx, "general"); len(got) != 0 {
		t.Fatalf("expected empty history after DeleteRoom, got %v", got)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
