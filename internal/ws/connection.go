package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID         string    // connection ID (UUID)
	Conn       net.Conn  // underlying TCP connection
	Fd         int       // file descriptor for epoll lookups
	CreatedAt  time.Time // when the connection was established
	LastPing   time.Time // last heartbeat received from the client
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WriteMessageDeadline sends a WebSocket text frame under a write deadline,
// so a peer that stops draining its socket cannot block the caller forever.
// A zero timeout writes without a deadline.
func (c *Connection) WriteMessageDeadline(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// file descriptors to their respective Connection objects, and tracks named
// send groups (one per room). It supports O(1) lookups by both ID and fd.
type ConnectionManager struct {
	mu           sync.RWMutex
	byID         map[string]*Connection            // conn_id -> Connection
	byFd         map[int]*Connection               // fd -> Connection
	groups       map[string]map[string]*Connection // group -> conn_id -> Connection
	writeTimeout time.Duration                     // deadline applied to group and broadcast writes
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
// writeTimeout bounds every group and broadcast write; zero disables the
// deadline.
func NewConnectionManager(writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		byID:         make(map[string]*Connection),
		byFd:         make(map[int]*Connection),
		groups:       make(map[string]map[string]*Connection),
		writeTimeout: writeTimeout,
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from the lookup maps and any groups. Returns
// true if the connection was found and removed, false if it was already
// gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
		cm.dropFromGroupsLocked(id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// RemoveByFd removes a connection by file descriptor, closes the underlying
// network connection, and removes it from the lookup maps and any groups.
// It returns the removed connection, or nil if no connection was registered
// for that fd.
func (cm *ConnectionManager) RemoveByFd(fd int) *Connection {
	cm.mu.Lock()
	conn, ok := cm.byFd[fd]
	if ok {
		delete(cm.byFd, fd)
		delete(cm.byID, conn.ID)
		cm.dropFromGroupsLocked(conn.ID)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
		return conn
	}
	return nil
}

// dropFromGroupsLocked removes the connection from every group. Callers
// must hold cm.mu.
func (cm *ConnectionManager) dropFromGroupsLocked(id string) {
	for group, members := range cm.groups {
		delete(members, id)
		if len(members) == 0 {
			delete(cm.groups, group)
		}
	}
}

// AddToGroup inserts a registered connection into a named group. Unknown
// connection IDs are ignored.
func (cm *ConnectionManager) AddToGroup(id, group string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.byID[id]
	if !ok {
		return
	}
	members, ok := cm.groups[group]
	if !ok {
		members = make(map[string]*Connection)
		cm.groups[group] = members
	}
	members[id] = conn
}

// RemoveFromGroup removes a connection from a named group, deleting the
// group once it is empty.
func (cm *ConnectionManager) RemoveFromGroup(id, group string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	members, ok := cm.groups[group]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(cm.groups, group)
	}
}

// SendToGroup sends a message to every member of a group. Each write runs
// under the manager's write deadline, so one stalled peer cannot hold the
// whole group send. Errors on individual connections are silently ignored —
// failed connections will be cleaned up by the epoll event loop when the
// next read fails.
func (cm *ConnectionManager) SendToGroup(group string, msg []byte) {
	cm.mu.RLock()
	members := cm.groups[group]
	conns := make([]*Connection, 0, len(members))
	for _, conn := range members {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.WriteMessageDeadline(msg, cm.writeTimeout)
	}
}

// GroupSize returns the number of connections in a group.
func (cm *ConnectionManager) GroupSize(group string) int {
	cm.mu.RLock()
	n := len(cm.groups[group])
	cm.mu.RUnlock()
	return n
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Broadcast sends a message to all connected clients. Writes carry the
// manager's write deadline. Errors on individual connections are silently
// ignored — failed connections will be cleaned up by the epoll event loop
// when the next read fails.
func (cm *ConnectionManager) Broadcast(msg []byte) {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.WriteMessageDeadline(msg, cm.writeTimeout)
	}
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
