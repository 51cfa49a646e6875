package cache

import "sync"

// historyBuffer keeps the last N messages per room in memory. It backs the
// store when Redis is not available and uses a fixed-size ring per room.
type historyBuffer struct {
	mu    sync.RWMutex
	size  int
	rooms map[string]*ring
}

type ring struct {
	items []Message
	pos   int
	count int
}

func newHistoryBuffer(size int) *historyBuffer {
	return &historyBuffer{
		size:  size,
		rooms: make(map[string]*ring),
	}
}

// add appends a message, overwriting the oldest entry once the ring is
// full.
func (h *historyBuffer) add(room string, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[room]
	if !ok {
		r = &ring{items: make([]Message, h.size)}
		h.rooms[room] = r
	}

	r.items[r.pos] = msg
	r.pos = (r.pos + 1) % h.size
	if r.count < h.size {
		r.count++
	}
}

// get returns the room's messages in chronological order, oldest first.
func (h *historyBuffer) get(room string) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rooms[room]
	if !ok {
		return nil
	}

	out := make([]Message, r.count)
	start := (r.pos - r.count + h.size) % h.size
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(start+i)%h.size]
	}
	return out
}

func (h *historyBuffer) remove(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, room)
}
