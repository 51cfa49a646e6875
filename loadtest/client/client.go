// Package client provides a reusable WebSocket load test client for the chat
// server. It connects using gobwas/ws (the same library the server uses),
// offers typed helpers for the join/message/ping flows, and tracks
// per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
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

// Server -> Client message types.
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

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	JoinLatency      time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the chat server.
// It manages the WebSocket lifecycle and dispatches incoming messages to
// registered handlers.
type Client struct {
	conn      net.Conn
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once

	room     string
	username string
}

// New creates a new load test client connected to the given WebSocket URL.
// The connection is established immediately and a background goroutine begins
// reading messages. Unlike a browser client, no join happens automatically;
// call Join to enter a room.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Start reading messages in background.
	go c.readLoop()

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// Join sends a join request and blocks until the server confirms with
// join_success, rejects with an error message, or the context expires.
// On success the client remembers the room and username for SendChat.
func (c *Client) Join(ctx context.Context, room, username string) error {
	confirmed := make(chan struct{}, 1)
	rejected := make(chan string, 1)

	c.On(TypeJoinSuccess, func(_ json.RawMessage) {
		select {
		case confirmed <- struct{}{}:
		default:
		}
	})
	c.On(TypeError, func(raw json.RawMessage) {
		var msg struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case rejected <- msg.Code + ": " + msg.Message:
			default:
			}
		}
	})

	start := time.Now()
	if err := c.Send(map[string]string{
		"type":     TypeJoin,
		"room":     room,
		"username": username,
	}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	select {
	case <-confirmed:
		c.metrics.JoinLatency = time.Since(start)
		c.room = room
		c.username = username
		return nil
	case detail := <-rejected:
		return fmt.Errorf("join rejected: %s", detail)
	case <-c.done:
		return fmt.Errorf("connection closed before join completed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendChat sends a chat message to the room the client joined.
func (c *Client) SendChat(text string) error {
	return c.Send(map[string]string{
		"type":     TypeMessage,
		"room":     c.room,
		"username": c.username,
		"msg":      text,
	})
}

// Leave sends a leave request and waits for the server's confirmation.
func (c *Client) Leave(ctx context.Context) error {
	confirmed := make(chan struct{}, 1)
	c.On(TypeLeaveSuccess, func(_ json.RawMessage) {
		select {
		case confirmed <- struct{}{}:
		default:
		}
	})

	if err := c.Send(map[string]string{"type": TypeLeave}); err != nil {
		return fmt.Errorf("send leave: %w", err)
	}

	select {
	case <-confirmed:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before leave completed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping sends a keepalive ping and waits for the matching pong. It returns
// the measured round-trip time.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	ponged := make(chan struct{}, 1)
	c.On(TypePong, func(_ json.RawMessage) {
		select {
		case ponged <- struct{}{}:
		default:
		}
	})

	start := time.Now()
	if err := c.Send(map[string]interface{}{
		"type":      TypePing,
		"timestamp": start.UnixMilli(),
	}); err != nil {
		return 0, fmt.Errorf("send ping: %w", err)
	}

	select {
	case <-ponged:
		return time.Since(start), nil
	case <-c.done:
		return 0, fmt.Errorf("connection closed before pong arrived")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Username returns the display name the client joined with, or an empty
// string if it has not joined a room.
func (c *Client) Username() string {
	return c.username
}

// Room returns the room the client joined, or an empty string.
func (c *Client) Room() string {
	return c.room
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.metrics.Errors++
			return
		}

		c.metrics.MessagesReceived++

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Dispatch to registered handler if one exists.
		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
