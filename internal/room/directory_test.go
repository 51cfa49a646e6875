package room

import (
	"errors"
	"testing"
	"time"
)

func TestCreate_Duplicate(t *testing.T) {
	d := NewDirectory(time.Second)

	if err := d.Create("general"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Create("general"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestList_OrderedByCreationDescending(t *testing.T) {
	d := NewDirectory(time.Second)

	if err := d.Create("A"); err != nil {
		t.Fatalf("create A: %v", err)
	}
	if err := d.Create("B"); err != nil {
		t.Fatalf("create B: %v", err)
	}

	infos := d.List()
	if len(infos) != 2 {
		t.Fatalf("expected 2 rooms, got %d", len(infos))
	}
	if infos[0].Name != "B" || infos[1].Name != "A" {
		t.Errorf("expected order [B A], got [%s %s]", infos[0].Name, infos[1].Name)
	}
	if infos[0].MemberCount != 0 || infos[1].MemberCount != 0 {
		t.Errorf("expected empty member counts, got %d and %d",
			infos[0].MemberCount, infos[1].MemberCount)
	}
}

func TestAddMember_AutoCreatesRoom(t *testing.T) {
	d := NewDirectory(time.Second)

	if err := d.AddMember("lobby", "c1", "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Exists("lobby") {
		t.Fatal("expected room to be auto-created")
	}
	if n := d.MemberCount("lobby"); n != 1 {
		t.Fatalf("expected 1 member, got %d", n)
	}
}

func TestAddMember_DuplicateDisplayNameCaseInsensitive(t *testing.T) {
	d := NewDirectory(time.Second)

	if err := d.AddMember("general", "c1", "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.AddMember("general", "c2", "Alice"); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	if n := d.MemberCount("general"); n != 1 {
		t.Fatalf("expected 1 member after rejected join, got %d", n)
	}
}

func TestAddMember_SameConnReclaimsName(t *testing.T) {
	d := NewDirectory(time.Second)

	if err := d.AddMember("general", "c1", "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The same connection re-asserting its own name is not a collision.
	if err := d.AddMember("general", "c1", "Alice"); err != nil {
		t.Fatalf("expected same-connection rejoin to succeed, got %v", err)
	}
	if n := d.MemberCount("general"); n != 1 {
		t.Fatalf("expected 1 member, got %d", n)
	}
}

func TestRemoveMember(t *testing.T) {
	d := NewDirectory(time.Second)

	d.AddMember("general", "c1", "alice")
	d.AddMember("general", "c2", "bob")

	removed, name, empty := d.RemoveMember("general", "c1")
	if !removed || name != "alice" || empty {
		t.Fatalf("got removed=%v name=%q empty=%v, want true alice false", removed, name, empty)
	}

	removed, name, empty = d.RemoveMember("general", "c2")
	if !removed || name != "bob" || !empty {
		t.Fatalf("got removed=%v name=%q empty=%v, want true bob true", removed, name, empty)
	}
}

func TestRemoveMember_AbsentIsNoOp(t *testing.T) {
	d := NewDirectory(time.Second)

	if removed, _, _ := d.RemoveMember("nope", "c1"); removed {
		t.Error("expected no-op for missing room")
	}

	d.Create("general")
	if removed, _, _ := d.RemoveMember("general", "c1"); removed {
		t.Error("expected no-op for missing member")
	}
}

func TestScheduleDeletion_DeletesEmptyRoomAfterGrace(t *testing.T) {
	d := NewDirectory(30 * time.Millisecond)

	d.AddMember("general", "c1", "alice")
	d.RemoveMember("general", "c1")
	d.ScheduleDeletion("general")

	// Still alive within the grace period.
	time.Sleep(10 * time.Millisecond)
	if !d.Exists("general") {
		t.Fatal("room deleted before grace period elapsed")
	}

	time.Sleep(50 * time.Millisecond)
	if d.Exists("general") {
		t.Fatal("room should be deleted after grace period")
	}
}

func TestScheduleDeletion_CancelledByRejoin(t *testing.T) {
	d := NewDirectory(30 * time.Millisecond)

	d.AddMember("general", "c1", "alice")
	d.RemoveMember("general", "c1")
	d.ScheduleDeletion("general")

	// A member joins during the grace period; the stale timer must not
	// delete the room.
	d.AddMember("general", "c2", "bob")

	time.Sleep(60 * time.Millisecond)
	if !d.Exists("general") {
		t.Fatal("room deleted despite being non-empty at fire time")
	}
	if n := d.MemberCount("general"); n != 1 {
		t.Fatalf("expected 1 member, got %d", n)
	}
}

func TestScheduleDeletion_FiresOnDeletedCallback(t *testing.T) {
	d := NewDirectory(10 * time.Millisecond)

	fired := make(chan string, 1)
	d.SetOnDeleted(func(name string) { fired <- name })

	d.Create("ghost")
	d.ScheduleDeletion("ghost")

	select {
	case name := <-fired:
		if name != "ghost" {
			t.Fatalf("callback got %q, want ghost", name)
		}
	case <-time.After(time.Second):
		t.Fatal("onDeleted callback never fired")
	}
}

func TestScheduleDeletion_IdempotentOnAlreadyDeleted(t *testing.T) {
	d := NewDirectory(10 * time.Millisecond)

	d.Create("ghost")
	// Two empty-transitions, two timers.
	d.ScheduleDeletion("ghost")
	d.ScheduleDeletion("ghost")

	time.Sleep(40 * time.Millisecond)
	if d.Exists("ghost") {
		t.Fatal("room should be deleted")
	}
	// Second timer firing on an already-deleted room must not panic or
	// recreate anything; reaching here without either is the assertion.
	if rooms, _, _ := d.Stats(); rooms != 0 {
		t.Fatalf("expected 0 rooms, got %d", rooms)
	}
}

func TestStats(t *testing.T) {
	d := NewDirectory(time.Second)

	d.Create("empty1")
	d.AddMember("busy", "c1", "alice")
	d.AddMember("busy", "c2", "bob")

	rooms, members, empty := d.Stats()
	if rooms != 2 || members != 2 || empty != 1 {
		t.Fatalf("Stats() = (%d, %d, %d), want (2, 2, 1)", rooms, members, empty)
	}
}
