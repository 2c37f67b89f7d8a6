package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the protocol position of one connection.
type State int

const (
	StateAuthenticated State = iota // identity attached, no room yet
	StateJoined                     // member of exactly one board room
	StateClosed                     // transport gone, bookkeeping removed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the subset of the websocket connection the registry writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Member identifies a room participant for presence payloads.
type Member struct {
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
	SocketID string `json:"socketId"`
}

// Connection is one live authenticated socket. A connection belongs to at
// most one room at a time and is destroyed on disconnect; reconnects get a
// fresh id.
type Connection struct {
	ID       string
	UserID   int64
	UserName string

	conn         Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration

	mu      sync.RWMutex
	state   State
	boardID string
}

// NewConnection wraps an authenticated socket.
func NewConnection(conn Conn, userID int64, userName string) *Connection {
	return &Connection{
		ID:       uuid.NewString(),
		UserID:   userID,
		UserName: userName,
		conn:     conn,
		state:    StateAuthenticated,
	}
}

// SetWriteTimeout bounds each frame write. Zero disables the deadline.
func (c *Connection) SetWriteTimeout(d time.Duration) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writeTimeout = d
}

// Send writes one frame, serialized per connection so concurrent fanouts
// cannot interleave partial writes.
func (c *Connection) Send(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(messageType, data)
}

// State returns the connection's protocol state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Board returns the board this connection is joined to, if any.
func (c *Connection) Board() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.boardID, c.state == StateJoined
}

// Member returns the presence identity of this connection.
func (c *Connection) Member() Member {
	return Member{
		UserID:   c.UserID,
		UserName: c.UserName,
		SocketID: c.ID,
	}
}

func (c *Connection) setRoom(boardID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boardID = boardID
	c.state = StateJoined
}

func (c *Connection) clearRoom(closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boardID = ""
	if closed {
		c.state = StateClosed
	} else {
		c.state = StateAuthenticated
	}
}

// Registry tracks which live connections belong to which board room. All
// membership bookkeeping happens under one lock so a member list snapshot
// can never observe a half-applied join or leave.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection            // connection id -> connection
	rooms map[string]map[string]*Connection // board id -> connection id -> connection
}

// NewRegistry creates an empty Registry. One per process; pass it to the
// socket handler explicitly.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		rooms: make(map[string]map[string]*Connection),
	}
}

// Register adds an authenticated connection to the registry.
func (r *Registry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
}

// Join moves the connection into the target board's room, atomically
// leaving any previous room, and returns the current members excluding the
// caller for hydration. Board access must be checked by the caller first.
func (r *Registry) Join(c *Connection, boardID string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeFromRoomLocked(c)

	room := r.rooms[boardID]
	if room == nil {
		room = make(map[string]*Connection)
		r.rooms[boardID] = room
	}

	peers := make([]Member, 0, len(room))
	for _, other := range room {
		peers = append(peers, other.Member())
	}

	room[c.ID] = c
	c.setRoom(boardID)

	return peers
}

// Leave removes the connection from its room, if any. Idempotent; returns
// the previous board id.
func (r *Registry) Leave(c *Connection) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	boardID, ok := r.removeFromRoomLocked(c)
	if ok {
		c.clearRoom(false)
	}
	return boardID, ok
}

// Unregister removes the connection entirely: room membership and the
// connection record. Called exactly once on disconnect.
func (r *Registry) Unregister(c *Connection) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	boardID, ok := r.removeFromRoomLocked(c)
	delete(r.conns, c.ID)
	c.clearRoom(true)
	return boardID, ok
}

// MembersOf returns the members currently joined to a board.
func (r *Registry) MembersOf(boardID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[boardID]
	members := make([]Member, 0, len(room))
	for _, c := range room {
		members = append(members, c.Member())
	}
	return members
}

// RoomSize returns the number of connections in a board's room.
func (r *Registry) RoomSize(boardID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[boardID])
}

func (r *Registry) removeFromRoomLocked(c *Connection) (string, bool) {
	boardID, joined := c.Board()
	if !joined {
		return "", false
	}

	room := r.rooms[boardID]
	if room != nil {
		delete(room, c.ID)
		if len(room) == 0 {
			delete(r.rooms, boardID)
		}
	}
	return boardID, true
}
