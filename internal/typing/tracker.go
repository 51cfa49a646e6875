// Package typing tracks which connections are currently composing a
// message, grouped per room. Markers carry a start timestamp so a periodic
// reaper can expire markers whose owner went quiet without sending an
// explicit stop.
package typing

import (
	"sync"
	"time"
)

// marker is one connection's active typing state within a room.
type marker struct {
	displayName string
	startedAt   time.Time
}

// Expired is a typing marker removed by ReapStale, identifying the room
// whose typing list changed and the connection that went quiet.
type Expired struct {
	Room        string
	ConnID      string
	DisplayName string
}

// Tracker owns all typing markers. A connection types in at most one room
// at a time, so Stop scans rooms for the connection rather than taking a
// room argument.
type Tracker struct {
	mu    sync.Mutex
	rooms map[string]map[string]marker // room -> connID -> marker
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{rooms: make(map[string]map[string]marker)}
}

// Start records that the connection is typing in the room. Calling Start
// again while already typing refreshes the marker's timestamp. It reports
// whether the marker is new, so callers can skip redundant broadcasts.
func (t *Tracker) Start(room, connID, displayName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.rooms[room]
	if !ok {
		set = make(map[string]marker)
		t.rooms[room] = set
	}
	_, existed := set[connID]
	set[connID] = marker{displayName: displayName, startedAt: time.Now()}
	return !existed
}

// Stop removes the connection's typing marker wherever it is. It returns
// the room whose typing list changed, or ("", false) if the connection was
// not typing anywhere.
func (t *Tracker) Stop(connID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for room, set := range t.rooms {
		if _, ok := set[connID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(t.rooms, room)
			}
			return room, true
		}
	}
	return "", false
}

// List returns the display names currently typing in the room. Order is
// not significant.
func (t *Tracker) List(room string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.rooms[room]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(set))
	for _, m := range set {
		names = append(names, m.displayName)
	}
	return names
}

// ReapStale removes markers older than maxAge and returns them so the
// caller can broadcast refreshed typing lists for the affected rooms.
func (t *Tracker) ReapStale(maxAge time.Duration) []Expired {
	cutoff := time.Now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []Expired
	for room, set := range t.rooms {
		for connID, m := range set {
			if m.startedAt.Before(cutoff) {
				delete(set, connID)
				expired = append(expired, Expired{
					Room:        room,
					ConnID:      connID,
					DisplayName: m.displayName,
				})
			}
		}
		if len(set) == 0 {
			delete(t.rooms, room)
		}
	}
	return expired
}

// Count returns the total number of active typing markers.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, set := range t.rooms {
		n += len(set)
	}
	return n
}
