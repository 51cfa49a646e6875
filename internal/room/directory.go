// Package room owns the set of live chat rooms and their member rosters.
// All mutation goes through the Directory, which serializes access with a
// single mutex; empty rooms are deleted only after a grace period so that
// a quick refresh does not flash a room out of existence.
package room

import (
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrAlreadyExists is returned when creating a room whose name
	// collides with a live room.
	ErrAlreadyExists = errors.New("room: already exists")

	// ErrDuplicateName is returned when a member's display name collides
	// case-insensitively with an existing member of the room.
	ErrDuplicateName = errors.New("room: display name already in use")
)

// Info is the external view of a room, used for directory listings.
type Info struct {
	Name        string
	MemberCount int
	CreatedAt   time.Time
}

// state is the internal representation of one live room.
type state struct {
	createdAt time.Time
	members   map[string]string // connID -> display name
}

func (s *state) empty() bool { return len(s.members) == 0 }

// Directory is the single owner of all live rooms.
type Directory struct {
	mu          sync.Mutex
	rooms       map[string]*state
	gracePeriod time.Duration
	onDeleted   func(name string)
}

// NewDirectory creates an empty Directory. gracePeriod is how long a room
// must remain empty before a scheduled deletion actually removes it.
func NewDirectory(gracePeriod time.Duration) *Directory {
	return &Directory{
		rooms:       make(map[string]*state),
		gracePeriod: gracePeriod,
	}
}

// SetOnDeleted registers a callback invoked (on the timer goroutine) after
// a deferred deletion removes a room. Used to push a refreshed room
// directory to clients.
func (d *Directory) SetOnDeleted(fn func(name string)) {
	d.onDeleted = fn
}

// Create adds an empty room with the current timestamp. Returns
// ErrAlreadyExists if a live room of that name exists. Name validation is
// the caller's responsibility.
func (d *Directory) Create(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.createLocked(name)
}

func (d *Directory) createLocked(name string) error {
	if _, ok := d.rooms[name]; ok {
		return ErrAlreadyExists
	}
	d.rooms[name] = &state{
		createdAt: time.Now(),
		members:   make(map[string]string),
	}
	log.Printf("[room] created name=%q", name)
	return nil
}

// AddMember inserts a member into the room, creating the room first if it
// does not exist. Returns ErrDuplicateName if another connection already
// holds the display name (case-insensitive) in this room.
func (d *Directory) AddMember(roomName, connID, displayName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.rooms[roomName]
	if !ok {
		// Auto-create on first join. Under the lock the room cannot
		// exist here, so createLocked cannot fail.
		_ = d.createLocked(roomName)
		st = d.rooms[roomName]
	}

	lower := strings.ToLower(displayName)
	for id, name := range st.members {
		if id != connID && strings.ToLower(name) == lower {
			return ErrDuplicateName
		}
	}

	st.members[connID] = displayName
	return nil
}

// RemoveMember deletes the member from the room. It reports whether a
// member was actually removed, the display name it held, and whether the
// roster is now empty.
func (d *Directory) RemoveMember(roomName, connID string) (removed bool, displayName string, becameEmpty bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.rooms[roomName]
	if !ok {
		return false, "", false
	}
	name, ok := st.members[connID]
	if !ok {
		return false, "", false
	}
	delete(st.members, connID)
	return true, name, st.empty()
}

// List returns all live rooms ordered by creation time descending (most
// recent first).
func (d *Directory) List() []Info {
	d.mu.Lock()
	infos := make([]Info, 0, len(d.rooms))
	for name, st := range d.rooms {
		infos = append(infos, Info{
			Name:        name,
			MemberCount: len(st.members),
			CreatedAt:   st.createdAt,
		})
	}
	d.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos
}

// Exists reports whether a live room of that name exists.
func (d *Directory) Exists(name string) bool {
	d.mu.Lock()
	_, ok := d.rooms[name]
	d.mu.Unlock()
	return ok
}

// Members returns a snapshot of the room's roster (connID -> display
// name), or nil if the room does not exist.
func (d *Directory) Members(name string) map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.rooms[name]
	if !ok {
		return nil
	}
	snapshot := make(map[string]string, len(st.members))
	for id, n := range st.members {
		snapshot[id] = n
	}
	return snapshot
}

// MemberCount returns the roster size, or 0 if the room does not exist.
func (d *Directory) MemberCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.rooms[name]; ok {
		return len(st.members)
	}
	return 0
}

// ScheduleDeletion starts the grace-period timer for an empty room. The
// room is deleted only if it still exists and is still empty when the
// timer fires; a member joining during the grace period turns the firing
// into a no-op. Multiple timers for the same room are harmless because
// the check happens at fire time.
func (d *Directory) ScheduleDeletion(name string) {
	time.AfterFunc(d.gracePeriod, func() {
		if !d.deleteIfEmpty(name) {
			return
		}
		if d.onDeleted != nil {
			d.onDeleted(name)
		}
	})
}

// deleteIfEmpty removes the room if it exists and has no members.
func (d *Directory) deleteIfEmpty(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.rooms[name]
	if !ok || !st.empty() {
		return false
	}
	delete(d.rooms, name)
	log.Printf("[room] deleted name=%q after grace period", name)
	return true
}

// Stats returns the number of live rooms, total members across rooms, and
// the number of currently empty rooms.
func (d *Directory) Stats() (rooms, members, empty int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, st := range d.rooms {
		members += len(st.members)
		if st.empty() {
			empty++
		}
	}
	return len(d.rooms), members, empty
}
