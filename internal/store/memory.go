package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"codesync/server/internal/models"
)

// MemoryStore implements every store interface in process memory. Records
// are copied in and out so callers never share state with the store.
type MemoryStore struct {
	mu         sync.Mutex
	documents  map[string]models.Document
	operations map[string][]models.Operation
	lastIDs    map[string]streamID
	sessions   map[string]map[string]models.User
	chat       map[string][]models.ChatMessage
	now        func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents:  make(map[string]models.Document),
		operations: make(map[string][]models.Operation),
		lastIDs:    make(map[string]streamID),
		sessions:   make(map[string]map[string]models.User),
		chat:       make(map[string][]models.ChatMessage),
		now:        time.Now,
	}
}

// MemorySet returns a Set whose four stores share one MemoryStore.
func MemorySet() (Set, *MemoryStore) {
	m := NewMemoryStore()
	return Set{Documents: m, Operations: m, Sessions: m, Chat: m}, m
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &doc, nil
}

func (m *MemoryStore) DocumentVersion(ctx context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.documents[id].Version, nil
}

func (m *MemoryStore) SaveDocument(ctx context.Context, id, content string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current *models.Document
	if doc, ok := m.documents[id]; ok {
		current = &doc
	}
	doc, changed := nextDocument(current, id, content, m.now())
	if changed {
		m.documents[id] = *doc
	}
	out := *doc
	return &out, nil
}

// AppendOperation assigns ids in the same "<millis>-<seq>" form Redis streams use.
func (m *MemoryStore) AppendOperation(ctx context.Context, id string, op models.Operation) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.lastIDs[id]
	next := streamID{ms: uint64(m.now().UnixMilli())}
	if !last.less(next) {
		next = streamID{ms: last.ms, seq: last.seq + 1}
	}
	m.lastIDs[id] = next
	op.ID = next.String()
	if op.Position != nil {
		op.Position = append(json.RawMessage(nil), op.Position...)
	}
	m.operations[id] = append(m.operations[id], op)
	return op.ID, nil
}

func (m *MemoryStore) Operations(ctx context.Context, id, fromID string, count int64) ([]models.Operation, error) {
	from, err := parseStreamID(fromID)
	if err != nil {
		return nil, err
	}
	count = clampCount(count)
	m.mu.Lock()
	defer m.mu.Unlock()
	var ops []models.Operation
	for _, op := range m.operations[id] {
		opID, err := parseStreamID(op.ID)
		if err != nil {
			return nil, fmt.Errorf("stored operation %s: %w", op.ID, err)
		}
		if opID.less(from) {
			continue
		}
		ops = append(ops, op)
		if int64(len(ops)) == count {
			break
		}
	}
	return ops, nil
}

// OperationCount reports how many operations have been appended for id.
func (m *MemoryStore) OperationCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.operations[id])
}

func (m *MemoryStore) PutSession(ctx context.Context, roomID, userID string, user models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.sessions[roomID]
	if !ok {
		room = make(map[string]models.User)
		m.sessions[roomID] = room
	}
	room[userID] = user
	return nil
}

func (m *MemoryStore) RemoveSession(ctx context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.sessions[roomID]; ok {
		delete(room, userID)
		if len(room) == 0 {
			delete(m.sessions, roomID)
		}
	}
	return nil
}

func (m *MemoryStore) RoomSessions(ctx context.Context, roomID string) (map[string]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make(map[string]models.User, len(m.sessions[roomID]))
	for id, u := range m.sessions[roomID] {
		users[id] = u
	}
	return users, nil
}

// PushChat keeps messages newest first, like the Redis list.
func (m *MemoryStore) PushChat(ctx context.Context, roomID string, msg models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := append([]models.ChatMessage{msg}, m.chat[roomID]...)
	if len(msgs) > ChatHistoryLimit {
		msgs = msgs[:ChatHistoryLimit]
	}
	m.chat[roomID] = msgs
	return nil
}

func (m *MemoryStore) RecentChat(ctx context.Context, roomID string, n int64) ([]models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.chat[roomID]
	if k := int(clampChat(n)); len(msgs) > k {
		msgs = msgs[:k]
	}
	out := make([]models.ChatMessage, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, msgs[i])
	}
	return out, nil
}
