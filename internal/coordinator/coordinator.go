// Package coordinator implements the chat server's event state machine. It
// receives transport callbacks (connect, disconnect, parsed client events),
// sequences calls across the room directory, session registry and typing
// tracker, and drives broadcasts through the transport.
//
// All event handlers run under a single coordinator mutex, so no two events
// ever observe the stores mid-transition. Payloads are computed and handed
// to the transport while the mutex is held; every transport write carries a
// deadline, so a client that stops draining its socket bounds rather than
// wedges event processing.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/babachat/chat-server/internal/cache"
	"github.com/babachat/chat-server/internal/metrics"
	"github.com/babachat/chat-server/internal/notify"
	"github.com/babachat/chat-server/internal/protocol"
	"github.com/babachat/chat-server/internal/ratelimit"
	"github.com/babachat/chat-server/internal/room"
	"github.com/babachat/chat-server/internal/session"
	"github.com/babachat/chat-server/internal/typing"
	"github.com/babachat/chat-server/internal/validate"
)

// Error codes carried in error responses.
const (
	CodeInvalidInput  = "invalid_input"
	CodeAlreadyExists = "already_exists"
	CodeNotFound      = "not_found"
	CodeDuplicateName = "duplicate_name"
	CodeNotAuthorized = "not_authorized"
	CodeInternal      = "internal"
)

// Transport is the outbound surface the coordinator drives. Group names
// are room names; membership in a group mirrors membership in the room.
type Transport interface {
	SendTo(connID string, data []byte) error
	SendToGroup(group string, data []byte)
	Broadcast(data []byte)
	AddToGroup(connID, group string)
	RemoveFromGroup(connID, group string)
	IsConnected(connID string) bool
}

// Config holds the coordinator's tunable behavior.
type Config struct {
	RoomGracePeriod time.Duration // how long an empty room survives
	TypingTimeout   time.Duration // implicit typing-marker expiry
	SessionIdleMax  time.Duration // idle bound before a session is reaped
	ReapInterval    time.Duration // how often the reapers run
	Limits          validate.Limits
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		RoomGracePeriod: 5 * time.Second,
		TypingTimeout:   3 * time.Second,
		SessionIdleMax:  30 * time.Minute,
		ReapInterval:    5 * time.Second,
		Limits:          validate.DefaultLimits(),
	}
}

// Coordinator owns the shared chat state and processes one event at a time.
type Coordinator struct {
	mu sync.Mutex // serializes all event handling

	cfg       Config
	rooms     *room.Directory
	sessions  *session.Registry
	typing    *typing.Tracker
	validator *validate.Validator
	broadcast *Broadcaster
	transport Transport
	store     *cache.Store
	notifier  notify.Notifier
	limiter   *ratelimit.Limiter
}

// New wires a Coordinator over the given transport and collaborators. The
// store must be non-nil (use a memory-only cache.Store when Redis is not
// configured); notifier may be notify.NopNotifier.
func New(cfg Config, transport Transport, store *cache.Store, notifier notify.Notifier, limiter *ratelimit.Limiter) *Coordinator {
	tracker := typing.NewTracker()
	rooms := room.NewDirectory(cfg.RoomGracePeriod)

	c := &Coordinator{
		cfg:       cfg,
		rooms:     rooms,
		sessions:  session.NewRegistry(tracker),
		typing:    tracker,
		validator: validate.New(cfg.Limits),
		broadcast: NewBroadcaster(rooms, tracker, transport),
		transport: transport,
		store:     store,
		notifier:  notifier,
		limiter:   limiter,
	}

	// Runs on the deletion timer goroutine, after the grace period.
	rooms.SetOnDeleted(func(name string) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.store.DeleteRoom(context.Background(), name)
		c.broadcast.RoomList()
		metrics.RoomsDeletedTotal.Inc()
		c.syncGauges()
	})

	return c
}

// HandleConnect records a new transport connection. No session exists yet.
func (c *Coordinator) HandleConnect(connID string) {
	log.Printf("[coordinator] connected conn=%s", connID)
}

// HandleDisconnect runs the leave sequence for a dropped connection. It is
// idempotent and never fails; cleanup continues even if individual steps go
// wrong, so a partial failure still releases the session and typing marker.
func (c *Coordinator) HandleDisconnect(ctx context.Context, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[coordinator] disconnect cleanup panic conn=%s: %v", connID, r)
			c.typing.Stop(connID)
			c.sessions.Destroy(connID)
		}
	}()

	if !c.leaveLocked(ctx, connID) {
		return
	}
	log.Printf("[coordinator] disconnected conn=%s", connID)
}

// HandleCreateRoom creates a room on behalf of connID and announces the
// refreshed directory to everyone.
func (c *Coordinator) HandleCreateRoom(ctx context.Context, connID, roomName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validator.RoomName(roomName); err != nil {
		c.sendError(connID, CodeInvalidInput, err.Error())
		return
	}

	if err := c.rooms.Create(roomName); err != nil {
		if errors.Is(err, room.ErrAlreadyExists) {
			c.sendError(connID, CodeAlreadyExists, fmt.Sprintf("room %q already exists", roomName))
		} else {
			c.sendError(connID, CodeInternal, "failed to create room")
		}
		return
	}

	c.sendTo(connID, protocol.TypeRoomCreated, protocol.RoomCreatedMsg{RoomID: roomName})
	c.broadcast.RoomList()
	c.syncGauges()
}

// HandleJoin puts connID into a room under a display name. A session left
// behind by a connection the transport no longer knows is evicted first, so
// a reconnecting client wins over its own dead half; a name held by a live
// member is rejected as a duplicate.
func (c *Coordinator) HandleJoin(ctx context.Context, connID, roomName, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validator.RoomName(roomName); err != nil {
		c.sendError(connID, CodeInvalidInput, err.Error())
		return
	}
	if err := c.validator.Username(username); err != nil {
		c.sendError(connID, CodeInvalidInput, err.Error())
		return
	}
	username = validate.Sanitize(username)

	if allowed, _ := c.limiter.Allow(ctx, connID, ratelimit.RuleJoin); !allowed {
		c.sendTo(connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int(ratelimit.RuleJoin.Window.Seconds()),
		})
		return
	}

	// A same-name session whose connection is gone from the transport is
	// the stale half of a reconnect; evict it so the new connection can
	// claim the name. A collision with a live connection is left for the
	// roster check below to reject.
	for _, dup := range c.sessions.FindDuplicates(roomName, username, connID) {
		if c.transport.IsConnected(dup) {
			continue
		}
		log.Printf("[coordinator] evicting stale conn=%s for reconnect of %q", dup, username)
		c.leaveLocked(ctx, dup)
	}

	if err := c.rooms.AddMember(roomName, connID, username); err != nil {
		if errors.Is(err, room.ErrDuplicateName) {
			c.sendError(connID, CodeDuplicateName, fmt.Sprintf("name %q is already taken in this room", username))
		} else {
			c.sendError(connID, CodeInternal, "failed to join room")
		}
		return
	}

	c.sessions.Create(connID, roomName, username)
	c.transport.AddToGroup(connID, roomName)

	c.store.SaveSession(ctx, connID, roomName, username)
	c.store.AddRoomUser(ctx, roomName, username)

	c.sendTo(connID, protocol.TypeJoinSuccess, protocol.JoinSuccessMsg{
		Room:     roomName,
		Username: username,
	})
	c.sendHistory(ctx, connID, roomName)

	c.broadcast.SystemMessage(roomName, username+" joined")
	metrics.MessagesTotal.WithLabelValues(protocol.KindSystem).Inc()
	c.broadcast.UserList(roomName)
	c.broadcast.RoomList()
	c.syncGauges()
}

// HandleLeave removes connID from its room. No-op without a session.
func (c *Coordinator) HandleLeave(ctx context.Context, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.leaveLocked(ctx, connID) {
		return
	}
	c.sendTo(connID, protocol.TypeLeaveSuccess, protocol.LeaveSuccessMsg{})
}

// leaveLocked is the shared leave sequence: drop the typing marker, remove
// room membership, destroy the session, and broadcast what changed. An
// empty room is scheduled for deferred deletion instead of getting a
// member-list broadcast nobody would see. Reports whether a session existed.
func (c *Coordinator) leaveLocked(ctx context.Context, connID string) bool {
	sess, ok := c.sessions.Peek(connID)
	if !ok {
		return false
	}

	if typingRoom, changed := c.typing.Stop(connID); changed {
		c.broadcast.TypingStatus(typingRoom)
	}

	removed, displayName, becameEmpty := c.rooms.RemoveMember(sess.Room, connID)
	c.sessions.Destroy(connID)
	c.transport.RemoveFromGroup(connID, sess.Room)

	c.store.DeleteSession(ctx, connID)
	c.store.RemoveRoomUser(ctx, sess.Room, sess.DisplayName)

	if becameEmpty {
		c.rooms.ScheduleDeletion(sess.Room)
	} else if removed {
		c.broadcast.SystemMessage(sess.Room, displayName+" left")
		metrics.MessagesTotal.WithLabelValues(protocol.KindSystem).Inc()
		c.broadcast.UserList(sess.Room)
	}

	c.broadcast.RoomList()
	c.syncGauges()
	return true
}

// HandleMessage validates and relays a chat message to the sender's room,
// then fires the mention hook for any @mentioned room members.
func (c *Coordinator) HandleMessage(ctx context.Context, connID, roomName, username, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// The claimed room and name must match the live session; anything else
	// is a desynced or spoofed client.
	sess, ok := c.sessions.Get(connID)
	if !ok || sess.Room != roomName || sess.DisplayName != username {
		c.sendError(connID, CodeNotAuthorized, "not in this room")
		return
	}

	if allowed, _ := c.limiter.Allow(ctx, connID, ratelimit.RuleMessage); !allowed {
		c.sendTo(connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int(ratelimit.RuleMessage.Window.Seconds()),
		})
		return
	}

	if err := c.validator.Message(text); err != nil {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		c.sendError(connID, CodeInvalidInput, err.Error())
		return
	}
	text = validate.Sanitize(text)

	// Sending a message implies the author stopped composing it.
	if typingRoom, changed := c.typing.Stop(connID); changed {
		c.broadcast.TypingStatus(typingRoom)
	}

	now := time.Now()
	data, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerChatMsg{
		Kind:      protocol.KindUser,
		Content:   text,
		Username:  sess.DisplayName,
		UserID:    connID,
		Timestamp: now.Unix(),
	})
	if err != nil {
		log.Printf("[coordinator] build message conn=%s: %v", connID, err)
		c.sendError(connID, CodeInternal, "failed to deliver message")
		return
	}
	c.transport.SendToGroup(roomName, data)
	metrics.MessagesTotal.WithLabelValues(protocol.KindUser).Inc()
	metrics.MessageLatency.Observe(time.Since(now).Seconds())

	c.store.AppendMessage(ctx, roomName, cache.Message{
		Username:  sess.DisplayName,
		Content:   text,
		Timestamp: now.Unix(),
	})
	c.store.TouchSession(ctx, connID)

	c.notifyMentions(roomName, sess.DisplayName, text, now)
}

// notifyMentions fires the mention hook once for each @mentioned name that
// matches a current room member.
func (c *Coordinator) notifyMentions(roomName, sender, text string, now time.Time) {
	mentions := validate.ExtractMentions(text)
	if len(mentions) == 0 {
		return
	}

	members := c.rooms.Members(roomName)
	for _, mention := range mentions {
		lower := strings.ToLower(mention)
		for memberConn, memberName := range members {
			if strings.ToLower(memberName) != lower {
				continue
			}
			c.notifier.NotifyMention(notify.Mention{
				Room:          roomName,
				MentionedName: memberName,
				MentionedConn: memberConn,
				SenderName:    sender,
				Message:       text,
				Timestamp:     now.Unix(),
			})
			// Display names are unique per room, so this mention is done.
			break
		}
	}
}

// HandleTypingStart marks connID as typing in its room and broadcasts the
// room's typing list if it changed.
func (c *Coordinator) HandleTypingStart(ctx context.Context, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions.Get(connID)
	if !ok {
		c.sendError(connID, CodeNotAuthorized, "not in a room")
		return
	}

	if c.typing.Start(sess.Room, connID, sess.DisplayName) {
		c.broadcast.TypingStatus(sess.Room)
	}
	c.syncGauges()
}

// HandleTypingStop clears connID's typing marker. No broadcast happens if
// the connection was not typing; nothing observable changed.
func (c *Coordinator) HandleTypingStop(ctx context.Context, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sessions.Get(connID); !ok {
		c.sendError(connID, CodeNotAuthorized, "not in a room")
		return
	}

	if typingRoom, changed := c.typing.Stop(connID); changed {
		c.broadcast.TypingStatus(typingRoom)
	}
	c.syncGauges()
}

// HandleListRooms answers a room directory request.
func (c *Coordinator) HandleListRooms(ctx context.Context, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcast.SendRoomList(connID)
}

// HandleListUsers answers a member list request for a specific room.
func (c *Coordinator) HandleListUsers(ctx context.Context, connID, roomName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.rooms.Exists(roomName) {
		c.sendError(connID, CodeNotFound, fmt.Sprintf("room %q does not exist", roomName))
		return
	}
	c.broadcast.SendUserList(connID, roomName)
}

// HandlePing answers a keepalive ping, echoing the client timestamp and
// refreshing session activity.
func (c *Coordinator) HandlePing(ctx context.Context, connID string, timestamp int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Any liveness probe counts as activity.
	if _, ok := c.sessions.Get(connID); ok {
		c.store.TouchSession(ctx, connID)
	}

	c.sendTo(connID, protocol.TypePong, protocol.PongMsg{
		Timestamp:  timestamp,
		ServerTime: time.Now().UnixMilli(),
	})
}

// ReapIdleSessions force-leaves every session idle longer than the
// configured bound. Returns how many were removed.
func (c *Coordinator) ReapIdleSessions(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	stale := c.sessions.ReapStale(c.cfg.SessionIdleMax)
	for _, sess := range stale {
		removed, _, becameEmpty := c.rooms.RemoveMember(sess.Room, sess.ConnID)
		c.transport.RemoveFromGroup(sess.ConnID, sess.Room)
		c.store.DeleteSession(ctx, sess.ConnID)
		c.store.RemoveRoomUser(ctx, sess.Room, sess.DisplayName)

		if becameEmpty {
			c.rooms.ScheduleDeletion(sess.Room)
		} else if removed {
			c.broadcast.SystemMessage(sess.Room, sess.DisplayName+" left")
			c.broadcast.UserList(sess.Room)
		}
		metrics.ReapedTotal.WithLabelValues("session").Inc()
	}

	if len(stale) > 0 {
		c.broadcast.RoomList()
		c.syncGauges()
	}
	return len(stale)
}

// ReapTypingMarkers expires typing markers older than the configured
// timeout and broadcasts refreshed typing lists for the affected rooms.
// Returns how many markers were removed.
func (c *Coordinator) ReapTypingMarkers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := c.typing.ReapStale(c.cfg.TypingTimeout)
	seen := make(map[string]struct{}, len(expired))
	for _, e := range expired {
		metrics.ReapedTotal.WithLabelValues("typing").Inc()
		if _, ok := seen[e.Room]; ok {
			continue
		}
		seen[e.Room] = struct{}{}
		c.broadcast.TypingStatus(e.Room)
	}

	if len(expired) > 0 {
		c.syncGauges()
	}
	return len(expired)
}

// Stats returns a snapshot of live room, member, session and typing counts.
func (c *Coordinator) Stats() (rooms, members, sessions, typingMarkers int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms, members, _ = c.rooms.Stats()
	return rooms, members, c.sessions.Count(), c.typing.Count()
}

func (c *Coordinator) syncGauges() {
	rooms, _, _ := c.rooms.Stats()
	metrics.RoomsActive.Set(float64(rooms))
	metrics.SessionsActive.Set(float64(c.sessions.Count()))
	metrics.TypingActive.Set(float64(c.typing.Count()))
}

func (c *Coordinator) sendTo(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[coordinator] build %s conn=%s: %v", msgType, connID, err)
		return
	}
	if err := c.transport.SendTo(connID, data); err != nil {
		log.Printf("[coordinator] send %s conn=%s: %v", msgType, connID, err)
	}
}

func (c *Coordinator) sendError(connID, code, message string) {
	c.sendTo(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (c *Coordinator) sendHistory(ctx context.Context, connID, roomName string) {
	msgs := c.store.History(ctx, roomName)
	if len(msgs) == 0 {
		return
	}
	entries := make([]protocol.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, protocol.HistoryEntry{
			Username:  m.Username,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	c.sendTo(connID, protocol.TypeMessageHistory, protocol.MessageHistoryMsg{
		Room:     roomName,
		Messages: entries,
	})
}
