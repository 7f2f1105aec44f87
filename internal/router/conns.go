package router

import (
	"sync"

	"codesync/server/internal/models"
)

// Conn is one live session connection. Send must not block: it queues the
// event for delivery and reports false if the event was dropped.
type Conn interface {
	ID() string
	Send(event string, payload any) bool
	Close() error
}

// binding is the router's view of one connection.
type binding struct {
	conn   Conn
	roomID string // empty until joined
	user   models.User
}

type member struct {
	conn   Conn
	userID string
}

// connTable owns every connection held by this process and the local
// delivery group of each room. It lives as long as its Router.
type connTable struct {
	mu    sync.RWMutex
	conns map[string]*binding
	rooms map[string]map[string]*binding
}

func newConnTable() *connTable {
	return &connTable{
		conns: make(map[string]*binding),
		rooms: make(map[string]map[string]*binding),
	}
}

func (t *connTable) add(conn Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[conn.ID()] = &binding{conn: conn}
}

func (t *connTable) has(connID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.conns[connID]
	return ok
}

// joined returns a copy of the connection's binding if it is bound to a room.
func (t *connTable) joined(connID string) (binding, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.conns[connID]
	if !ok || b.roomID == "" {
		return binding{}, false
	}
	return *b, true
}

// bind places the connection in roomID's delivery group.
func (t *connTable) bind(connID, roomID string, user models.User) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.conns[connID]
	if !ok {
		return false
	}
	t.leaveRoom(connID, b)
	b.roomID, b.user = roomID, user
	group, ok := t.rooms[roomID]
	if !ok {
		group = make(map[string]*binding)
		t.rooms[roomID] = group
	}
	group[connID] = b
	return true
}

// unbind releases the room binding but keeps the connection.
func (t *connTable) unbind(connID string) (binding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.conns[connID]
	if !ok || b.roomID == "" {
		return binding{}, false
	}
	prev := *b
	t.leaveRoom(connID, b)
	return prev, true
}

// remove forgets the connection and returns its last binding.
func (t *connTable) remove(connID string) (binding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.conns[connID]
	if !ok {
		return binding{}, false
	}
	prev := *b
	t.leaveRoom(connID, b)
	delete(t.conns, connID)
	return prev, true
}

func (t *connTable) leaveRoom(connID string, b *binding) {
	if b.roomID == "" {
		return
	}
	if group, ok := t.rooms[b.roomID]; ok {
		delete(group, connID)
		if len(group) == 0 {
			delete(t.rooms, b.roomID)
		}
	}
	b.roomID, b.user = "", models.User{}
}

// setUser replaces the session record held for a bound connection.
func (t *connTable) setUser(connID string, user models.User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.conns[connID]; ok && b.roomID != "" {
		b.user = user
	}
}

// members snapshots the connections bound to roomID.
func (t *connTable) members(roomID string) []member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	group := t.rooms[roomID]
	out := make([]member, 0, len(group))
	for _, b := range group {
		out = append(out, member{conn: b.conn, userID: b.user.ID})
	}
	return out
}

func (t *connTable) all() []Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Conn, 0, len(t.conns))
	for _, b := range t.conns {
		out = append(out, b.conn)
	}
	return out
}
