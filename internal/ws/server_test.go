package ws

import (
	"testing"
)

func TestFramePayload_RejectsOversizedLength(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)

	if _, _, err := s.framePayload(maxFrameBytes + 1); err == nil {
		t.Fatal("expected a frame beyond the limit to be rejected")
	}
	data, putBack, err := s.framePayload(maxFrameBytes)
	if err != nil {
		t.Fatalf("frame at the limit should be accepted, got %v", err)
	}
	if len(data) != maxFrameBytes {
		t.Fatalf("expected %d-byte buffer, got %d", maxFrameBytes, len(data))
	}
	putBack()
}

func TestFramePayload_SizesBufferToFrame(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)

	// Small frame: served from the pooled buffer.
	data, putBack, err := s.framePayload(128)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data) != 128 {
		t.Fatalf("expected 128-byte buffer, got %d", len(data))
	}
	putBack()

	// Frame larger than the pooled buffer but under the cap.
	data, putBack, err = s.framePayload(16 * 1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data) != 16*1024 {
		t.Fatalf("expected 16KiB buffer, got %d", len(data))
	}
	putBack()

	// Empty frame.
	data, putBack, err = s.framePayload(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", len(data))
	}
	putBack()
}
