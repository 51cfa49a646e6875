// Package protocol defines the WebSocket message types and structures used
// for communication between the client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeCreateRoom  = "create_room"
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypeMessage     = "message"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
	TypeGetUserList = "get_user_list"
	TypeGetRooms    = "get_rooms"
	TypePing        = "ping"
)

// Server -> Client message types. TypeMessage is shared: the server relays
// chat messages under the same discriminator with a kind field.
const (
	TypeRoomCreated    = "room_created"
	TypeJoinSuccess    = "join_success"
	TypeLeaveSuccess   = "leave_success"
	TypeUserList       = "user_list"
	TypeRoomsList      = "rooms_list"
	TypeTypingStatus   = "typing_status"
	TypeMessageHistory = "message_history"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Message kinds carried by ServerChatMsg.
const (
	KindUser   = "user"
	KindSystem = "system"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// CreateRoomMsg is sent by the client to create a new room.
type CreateRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// JoinMsg is sent by the client to enter a room under a display name.
type JoinMsg struct {
	Type     string `json:"type"`
	Room     string `json:"room"`
	Username string `json:"username"`
}

// LeaveMsg is sent by the client to leave its current room.
type LeaveMsg struct {
	Type string `json:"type"`
}

// ChatMsg is a text message sent by the client to its room.
type ChatMsg struct {
	Type     string `json:"type"`
	Room     string `json:"room"`
	Username string `json:"username"`
	Msg      string `json:"msg"`
}

// TypingStartMsg signals the client has begun composing a message.
type TypingStartMsg struct {
	Type string `json:"type"`
}

// TypingStopMsg signals the client has stopped composing.
type TypingStopMsg struct {
	Type string `json:"type"`
}

// GetUserListMsg requests the member list of a room.
type GetUserListMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// GetRoomsMsg requests the room directory.
type GetRoomsMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping. The timestamp is echoed
// back so the client can measure round-trip time.
type PingMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// RoomCreatedMsg confirms room creation to the requesting client.
type RoomCreatedMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// JoinSuccessMsg confirms a join to the requesting client.
type JoinSuccessMsg struct {
	Type     string `json:"type"`
	Room     string `json:"room"`
	Username string `json:"username"`
}

// LeaveSuccessMsg confirms a leave to the requesting client.
type LeaveSuccessMsg struct {
	Type string `json:"type"`
}

// ServerChatMsg is a chat message relayed to a room. Kind distinguishes
// user-authored messages from server-generated system notices.
type ServerChatMsg struct {
	Type      string `json:"type"`
	Kind      string `json:"kind"` // user | system
	Content   string `json:"content"`
	Username  string `json:"username,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// UserListEntry is one member in a UserListMsg.
type UserListEntry struct {
	SID      string `json:"sid"`
	Username string `json:"username"`
}

// UserListMsg carries a room's current member list.
type UserListMsg struct {
	Type  string          `json:"type"`
	Room  string          `json:"room"`
	Users []UserListEntry `json:"users"`
}

// RoomsListEntry is one room in a RoomsListMsg.
type RoomsListEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UserCount int    `json:"user_count"`
	CreatedAt int64  `json:"created_at"`
}

// RoomsListMsg carries the room directory, most recently created first.
type RoomsListMsg struct {
	Type  string           `json:"type"`
	Rooms []RoomsListEntry `json:"rooms"`
}

// TypingStatusMsg carries the display names currently typing in a room.
type TypingStatusMsg struct {
	Type  string   `json:"type"`
	Room  string   `json:"room"`
	Users []string `json:"users"`
}

// HistoryEntry is one archived message in a MessageHistoryMsg.
type HistoryEntry struct {
	Username  string `json:"username"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// MessageHistoryMsg replays a room's recent messages to a joining client.
type MessageHistoryMsg struct {
	Type     string         `json:"type"`
	Room     string         `json:"room"`
	Messages []HistoryEntry `json:"messages"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping, echoing the client's
// timestamp and adding the server's own clock reading.
type PongMsg struct {
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp"`
	ServerTime int64  `json:"server_time"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeCreateRoom:
		var m CreateRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart:
		var m TypingStartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStop:
		var m TypingStopMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetUserList:
		var m GetUserListMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetRooms:
		var m GetRoomsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
