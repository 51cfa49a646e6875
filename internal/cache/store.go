// Package cache persists best-effort chat state in Redis: recent message
// history per room, room member sets, and session snapshots. Redis being
// down never blocks chat traffic; the store degrades to an in-memory
// history buffer and skips the rest.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	historyPrefix = "chat:history:"
	usersPrefix   = "chat:room_users:"
	sessionPrefix = "chat:session:"

	// HistoryLimit is how many recent messages are retained per room.
	HistoryLimit = 50

	// historyTTL expires history for rooms nobody writes to anymore.
	historyTTL = 24 * time.Hour

	// sessionTTL bounds how long a session snapshot outlives its owner.
	sessionTTL = 1 * time.Hour
)

// Message is one stored chat message, oldest-first in history results.
type Message struct {
	Username  string `json:"username"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Store writes chat state to Redis when available and keeps a local
// history buffer otherwise. All methods are safe to call in either mode.
type Store struct {
	client *redis.Client // nil in memory-only mode
	local  *historyBuffer
}

// NewStore connects to Redis at addr. If addr is empty or the connection
// fails, the store runs in memory-only mode rather than failing startup.
func NewStore(redisAddr string) *Store {
	s := &Store{local: newHistoryBuffer(HistoryLimit)}
	if redisAddr == "" {
		log.Printf("[cache] no redis address configured, using in-memory history only")
		return s
	}

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("[cache] redis unavailable at %s, using in-memory history only: %v", redisAddr, err)
		_ = client.Close()
		return s
	}

	s.client = client
	log.Printf("[cache] connected to redis at %s", redisAddr)
	return s
}

// AppendMessage records a message in the room's history.
func (s *Store) AppendMessage(ctx context.Context, room string, msg Message) {
	if s.client == nil {
		s.local.add(room, msg)
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[cache] marshal message: %v", err)
		return
	}

	key := historyPrefix + room
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, HistoryLimit-1)
	pipe.Expire(ctx, key, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[cache] append message room=%q: %v", room, err)
	}
}

// History returns the room's recent messages, oldest first.
func (s *Store) History(ctx context.Context, room string) []Message {
	if s.client == nil {
		return s.local.get(room)
	}

	raw, err := s.client.LRange(ctx, historyPrefix+room, 0, HistoryLimit-1).Result()
	if err != nil {
		log.Printf("[cache] load history room=%q: %v", room, err)
		return nil
	}

	// LPush stores newest first; reverse into chronological order.
	msgs := make([]Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var m Message
		if err := json.Unmarshal([]byte(raw[i]), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// AddRoomUser adds the display name to the room's member set.
func (s *Store) AddRoomUser(ctx context.Context, room, username string) {
	if s.client == nil {
		return
	}
	if err := s.client.SAdd(ctx, usersPrefix+room, username).Err(); err != nil {
		log.Printf("[cache] add room user room=%q: %v", room, err)
	}
}

// RemoveRoomUser removes the display name from the room's member set.
func (s *Store) RemoveRoomUser(ctx context.Context, room, username string) {
	if s.client == nil {
		return
	}
	if err := s.client.SRem(ctx, usersPrefix+room, username).Err(); err != nil {
		log.Printf("[cache] remove room user room=%q: %v", room, err)
	}
}

// SaveSession snapshots a connection's session for post-mortem inspection
// and cross-instance visibility.
func (s *Store) SaveSession(ctx context.Context, connID, room, displayName string) {
	if s.client == nil {
		return
	}

	key := sessionPrefix + connID
	fields := map[string]interface{}{
		"room":        room,
		"username":    displayName,
		"joined_at":   time.Now().Unix(),
		"last_active": time.Now().Unix(),
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[cache] save session conn=%s: %v", connID, err)
	}
}

// TouchSession refreshes a session snapshot's activity timestamp and TTL.
func (s *Store) TouchSession(ctx context.Context, connID string) {
	if s.client == nil {
		return
	}

	key := sessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[cache] touch session conn=%s: %v", connID, err)
	}
}

// DeleteSession removes a connection's session snapshot.
func (s *Store) DeleteSession(ctx context.Context, connID string) {
	if s.client == nil {
		return
	}
	if err := s.client.Del(ctx, sessionPrefix+connID).Err(); err != nil {
		log.Printf("[cache] delete session conn=%s: %v", connID, err)
	}
}

// DeleteRoom drops the room's history and member set after the room is
// deleted from the directory.
func (s *Store) DeleteRoom(ctx context.Context, room string) {
	if s.client == nil {
		s.local.remove(room)
		return
	}
	if err := s.client.Del(ctx, historyPrefix+room, usersPrefix+room).Err(); err != nil {
		log.Printf("[cache] delete room room=%q: %v", room, err)
	}
}

// Client returns the underlying Redis client for use by other packages,
// or nil in memory-only mode.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Available reports whether the store is backed by Redis.
func (s *Store) Available() bool {
	return s.client != nil
}

// Close releases the Redis connection, if any.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("cache: close redis: %w", err)
	}
	return nil
}
