package ws

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID         string     // connection ID (UUID)
	Conn       net.Conn   // underlying connection, as returned by Epoll.Add
	Fd         int        // file descriptor, -1 off Linux
	CreatedAt  time.Time  // when the connection was established
	RemoteAddr string     // client address after proxy headers
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
	lastActive int64      // atomic unix nanos of the last frame received

	mu     sync.Mutex
	userID string
	rooms  map[string]struct{}
}

// NewConnection wraps conn.
func NewConnection(id string, conn net.Conn) *Connection {
	now := time.Now()
	return &Connection{
		ID:         id,
		Conn:       conn,
		Fd:         socketFD(conn),
		CreatedAt:  now,
		lastActive: now.UnixNano(),
		rooms:      make(map[string]struct{}),
	}
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// LastActive returns when the connection last showed activity.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// UserID returns the authenticated user, or "" before authentication.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// SetUserID binds the connection to a user. Rebinding to another user
// drops every joined room.
func (c *Connection) SetUserID(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" && c.userID != userID {
		c.rooms = make(map[string]struct{})
	}
	c.userID = userID
}

// Join adds chatID to the joined rooms. It reports false when the room was
// already joined.
func (c *Connection) Join(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[chatID]; ok {
		return false
	}
	c.rooms[chatID] = struct{}{}
	return true
}

// Leave removes chatID from the joined rooms. It reports whether the room
// was joined.
func (c *Connection) Leave(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[chatID]; !ok {
		return false
	}
	delete(c.rooms, chatID)
	return true
}

// InRoom reports whether chatID is joined.
func (c *Connection) InRoom(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[chatID]
	return ok
}

// Rooms returns the joined rooms, sorted.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// network connections to their Connection objects.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // conn_id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection registered for c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// ByUser returns every connection authenticated as userID.
func (cm *ConnectionManager) ByUser(userID string) []*Connection {
	var out []*Connection
	for _, c := range cm.All() {
		if c.UserID() == userID {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
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
