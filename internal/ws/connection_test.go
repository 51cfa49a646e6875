package ws

import (
	"net"
	"testing"
	"time"
)

func TestWriteMessageDeadline_TimesOutOnStalledPeer(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := &Connection{ID: "c1", Conn: server}

	// The peer never reads, so the write can only finish via the deadline.
	done := make(chan error, 1)
	go func() {
		done <- c.WriteMessageDeadline([]byte("hello"), 20*time.Millisecond)
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a timeout error writing to a stalled peer")
		}
	case <-time.After(time.Second):
		t.Fatal("write did not respect the deadline")
	}
}

func TestSendToGroup_StalledMemberDoesNotBlock(t *testing.T) {
	cm := NewConnectionManager(20 * time.Millisecond)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cm.Add(&Connection{ID: "c1", Fd: 1, Conn: server})
	cm.AddToGroup("c1", "general")

	done := make(chan struct{})
	go func() {
		cm.SendToGroup("general", []byte("hello"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("group send blocked on a peer that never reads")
	}
}

func TestBroadcast_StalledMemberDoesNotBlock(t *testing.T) {
	cm := NewConnectionManager(20 * time.Millisecond)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cm.Add(&Connection{ID: "c1", Fd: 1, Conn: server})

	done := make(chan struct{})
	go func() {
		cm.Broadcast([]byte("hello"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a peer that never reads")
	}
}
