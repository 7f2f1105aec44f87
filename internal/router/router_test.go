package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codesync/server/internal/bus"
	"codesync/server/internal/models"
	"codesync/server/internal/store"
)

type sentEvent struct {
	event   string
	payload any
}

// fakeConn records every event the router sends to it.
type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []sentEvent
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, payload any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, sentEvent{event: event, payload: payload})
	return true
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) of(event string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, e := range c.events {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (c *fakeConn) changes() []*models.DocumentChange {
	var out []*models.DocumentChange
	for _, p := range c.of(EventChange) {
		out = append(out, p.(*models.DocumentChange))
	}
	return out
}

func (c *fakeConn) presence() []*models.Presence {
	var out []*models.Presence
	for _, p := range c.of(EventPresence) {
		out = append(out, p.(*models.Presence))
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

// cluster is a set of routers standing in for separate server processes
// that share one backing store and one bus broker.
type cluster struct {
	hub     *bus.MemoryHub
	stores  store.Set
	mem     *store.MemoryStore
	routers []*Router
	buses   []*bus.MemoryBus
}

func newCluster(t *testing.T, processes int) *cluster {
	t.Helper()
	set, mem := store.MemorySet()
	c := &cluster{hub: bus.NewMemoryHub(), stores: set, mem: mem}
	for i := 0; i < processes; i++ {
		b := c.hub.Attach()
		r := New(set, b, zerolog.Nop())
		require.NoError(t, b.Subscribe(context.Background(), r.HandleMessage))
		c.routers = append(c.routers, r)
		c.buses = append(c.buses, b)
	}
	return c
}

func (c *cluster) join(t *testing.T, process int, connID, docID, userID string) (*fakeConn, *models.Joined) {
	t.Helper()
	conn := newFakeConn(connID)
	r := c.routers[process]
	r.Connect(conn)
	joined, err := r.Join(context.Background(), connID, JoinRequest{
		DocumentID: docID,
		User:       models.UserClaim{ID: userID, Name: userID},
	})
	require.NoError(t, err)
	return conn, joined
}

// TestJoinChangeScenario walks two users through joining a new document and
// editing it.
func TestJoinChangeScenario(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1)
	r := c.routers[0]

	connA, joinedA := c.join(t, 0, "conn-a", "X", "A")
	require.NotNil(t, joinedA.Document)
	assert.Equal(t, models.DefaultContent, joinedA.Document.Content)
	assert.Equal(t, int64(1), joinedA.Document.Version)
	assert.Equal(t, "A", joinedA.UserID)
	require.Len(t, connA.of(EventLoaded), 1)

	connB, joinedB := c.join(t, 0, "conn-b", "X", "B")
	assert.Equal(t, joinedA.Document.Content, joinedB.Document.Content)
	assert.Equal(t, int64(1), joinedB.Document.Version)
	assert.Contains(t, joinedB.Users, "A")
	assert.Contains(t, joinedB.Users, "B")

	presence := connA.presence()
	require.Len(t, presence, 1)
	assert.Equal(t, models.PresenceJoined, presence[0].Type)
	assert.Equal(t, "B", presence[0].User.ID)
	assert.Empty(t, connB.presence(), "B never sees its own join")

	require.NoError(t, r.Change(ctx, "conn-a", ChangeRequest{Content: "foo"}))
	doc, err := c.stores.Documents.GetDocument(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)
	assert.Equal(t, 1, c.mem.OperationCount("X"))

	changes := connB.changes()
	require.Len(t, changes, 1)
	assert.Equal(t, "foo", changes[0].Content)
	assert.Equal(t, "A", changes[0].UserID)
	assert.Equal(t, int64(2), changes[0].Version)
	assert.Empty(t, connA.changes())

	connA.reset()
	connB.reset()
	require.NoError(t, r.Change(ctx, "conn-b", ChangeRequest{Content: "foo"}))
	doc, err = c.stores.Documents.GetDocument(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)
	assert.Equal(t, 1, c.mem.OperationCount("X"))
	assert.Empty(t, connA.changes())
	assert.Empty(t, connB.changes())
}

// TestMonotonicVersion verifies that N content-changing writes advance the
// version by exactly N and repeats change nothing.
func TestMonotonicVersion(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1)
	c.join(t, 0, "conn-a", "doc", "A")

	const n = 25
	for i := 0; i < n; i++ {
		content := fmt.Sprintf("rev %d", i)
		require.NoError(t, c.routers[0].Change(ctx, "conn-a", ChangeRequest{Content: content}))
		require.NoError(t, c.routers[0].Change(ctx, "conn-a", ChangeRequest{Content: content}))
	}
	v, err := c.stores.Documents.DocumentVersion(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, int64(1+n), v)
	assert.Equal(t, n, c.mem.OperationCount("doc"))
}

// TestEchoSuppressionAcrossProcesses verifies that change and presence events
// skip every connection of the author, on any process, while cursor and
// chat events reach all room members.
func TestEchoSuppressionAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2)

	a1, _ := c.join(t, 0, "a1", "doc", "A")
	a2, _ := c.join(t, 1, "a2", "doc", "A")
	b1, _ := c.join(t, 1, "b1", "doc", "B")
	other, _ := c.join(t, 0, "o1", "elsewhere", "C")
	for _, conn := range []*fakeConn{a1, a2, b1, other} {
		conn.reset()
	}

	require.NoError(t, c.routers[0].Change(ctx, "a1", ChangeRequest{Content: "hello"}))
	assert.Empty(t, a1.changes())
	assert.Empty(t, a2.changes(), "another connection of the same user is suppressed too")
	require.Len(t, b1.changes(), 1)
	assert.Empty(t, other.changes(), "other rooms are filtered out")

	require.NoError(t, c.routers[0].Cursor(ctx, "a1", CursorRequest{Position: json.RawMessage(`{"lineNumber":2,"column":4}`)}))
	assert.Len(t, a1.of(EventCursor), 1)
	assert.Len(t, a2.of(EventCursor), 1)
	require.Len(t, b1.of(EventCursor), 1)
	cursor := b1.of(EventCursor)[0].(*models.CursorUpdate)
	assert.JSONEq(t, `{"lineNumber":2,"column":4}`, string(cursor.Position))
	assert.Equal(t, "A", cursor.UserID)
	assert.Empty(t, other.of(EventCursor))

	require.NoError(t, c.routers[1].Chat(ctx, "b1", ChatRequest{Message: "hi all"}))
	for _, conn := range []*fakeConn{a1, a2, b1} {
		require.Len(t, conn.of(EventChat), 1, conn.id)
		msg := conn.of(EventChat)[0].(*models.ChatMessage)
		assert.Equal(t, "hi all", msg.Message)
		assert.Equal(t, "B", msg.User.ID)
	}
	assert.Empty(t, other.of(EventChat))

	require.NoError(t, c.routers[1].Disconnect(ctx, "b1"))
	require.Len(t, a1.presence(), 1)
	assert.Equal(t, models.PresenceLeft, a1.presence()[0].Type)
	assert.Len(t, a2.presence(), 1)
}

// TestCursorLeavesDocumentUntouched verifies that cursor updates rewrite the
// session record only.
func TestCursorLeavesDocumentUntouched(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1)
	c.join(t, 0, "a1", "doc", "A")

	sel := json.RawMessage(`{"start":{"line":1,"column":0},"end":{"line":1,"column":5}}`)
	require.NoError(t, c.routers[0].Cursor(ctx, "a1", CursorRequest{Position: json.RawMessage(`{"lineNumber":1,"column":5}`), Selection: sel}))

	v, err := c.stores.Documents.DocumentVersion(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Zero(t, c.mem.OperationCount("doc"))

	users, err := c.stores.Sessions.RoomSessions(ctx, "doc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"lineNumber":1,"column":5}`, string(users["A"].Cursor))
	assert.JSONEq(t, string(sel), string(users["A"].Selection))
	assert.Equal(t, "A", users["A"].Name, "the whole record is rewritten, not reset")
}

// TestOperationRecord verifies the logged operation carries the session's
// user id and a server timestamp.
func TestOperationRecord(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1)
	fixed := time.UnixMilli(1_700_000_000_000)
	c.routers[0].now = func() time.Time { return fixed }
	c.join(t, 0, "a1", "doc", "A")

	meta := &models.OperationMeta{Type: "insert", Position: json.RawMessage(`{"line":0,"column":3}`), Content: "x", Timestamp: 42}
	require.NoError(t, c.routers[0].Change(ctx, "a1", ChangeRequest{Content: "abcx", Operation: meta}))
	require.NoError(t, c.routers[0].Change(ctx, "a1", ChangeRequest{Content: "plain"}))

	ops, err := c.stores.Operations.Operations(ctx, "doc", "", 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "insert", ops[0].Type)
	assert.Equal(t, "x", ops[0].Content)
	assert.Equal(t, "A", ops[0].UserID)
	assert.Equal(t, fixed.UnixMilli(), ops[0].Timestamp)
	assert.Equal(t, models.OperationReplace, ops[1].Type)
}

// TestUnboundConnectionIsIgnored verifies that events from connections that
// never joined are dropped without error.
func TestUnboundConnectionIsIgnored(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1)
	r := c.routers[0]
	r.Connect(newFakeConn("lurker"))

	assert.NoError(t, r.Change(ctx, "lurker", ChangeRequest{Content: "x"}))
	assert.NoError(t, r.Cursor(ctx, "lurker", CursorRequest{}))
	assert.NoError(t, r.Chat(ctx, "lurker", ChatRequest{Message: "hi"}))
	assert.NoError(t, r.Change(ctx, "never-connected", ChangeRequest{Content: "x"}))

	_, err := c.stores.Documents.GetDocument(ctx, "x")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = r.Join(ctx, "never-connected", JoinRequest{DocumentID: "doc"})
	assert.ErrorIs(t, err, ErrUnknownConnection)
	_, err = r.Join(ctx, "lurker", JoinRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

// TestJoinAssignsIdentity verifies generated ids, names and colors.
func TestJoinAssignsIdentity(t *testing.T) {
	c := newCluster(t, 1)
	conn := newFakeConn("c1")
	c.routers[0].Connect(conn)
	joined, err := c.routers[0].Join(context.Background(), "c1", JoinRequest{DocumentID: "doc"})
	require.NoError(t, err)

	require.NotEmpty(t, joined.UserID)
	user := joined.Users[joined.UserID]
	assert.Equal(t, models.DefaultName(joined.UserID), user.Name)
	assert.NotEmpty(t, user.Color)
	assert.JSONEq(t, `{"line":0,"column":0}`, string(user.Cursor))
}

// TestDisconnectIsIdempotent verifies that a second disconnect is silent.
func TestDisconnectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1)
	c.join(t, 0, "a1", "doc", "A")
	b1, _ := c.join(t, 0, "b1", "doc", "B")
	b1.reset()

	require.NoError(t, c.routers[0].Disconnect(ctx, "a1"))
	require.NoError(t, c.routers[0].Disconnect(ctx, "a1"))
	assert.Len(t, b1.presence(), 1)

	users, err := c.stores.Sessions.RoomSessions(ctx, "doc")
	require.NoError(t, err)
	assert.NotContains(t, users, "A")
	assert.Contains(t, users, "B")

	assert.NoError(t, c.routers[0].Change(ctx, "a1", ChangeRequest{Content: "late"}))
	v, err := c.stores.Documents.DocumentVersion(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

// TestRejoinLeavesPreviousRoom verifies that joining another document moves
// the connection out of its old room.
func TestRejoinLeavesPreviousRoom(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1)
	r := c.routers[0]
	a1, _ := c.join(t, 0, "a1", "one", "A")
	b1, _ := c.join(t, 0, "b1", "one", "B")
	b1.reset()

	_, err := r.Join(ctx, "a1", JoinRequest{DocumentID: "two", User: models.UserClaim{ID: "A"}})
	require.NoError(t, err)
	require.Len(t, b1.presence(), 1)
	assert.Equal(t, models.PresenceLeft, b1.presence()[0].Type)

	a1.reset()
	require.NoError(t, r.Change(ctx, "b1", ChangeRequest{Content: "for room one"}))
	assert.Empty(t, a1.changes())

	users, err := c.stores.Sessions.RoomSessions(ctx, "one")
	require.NoError(t, err)
	assert.NotContains(t, users, "A")
}

// TestConvergesAfterDroppedAndDuplicatedMessages injects bus faults and
// checks peers converge on the next successful write.
func TestConvergesAfterDroppedAndDuplicatedMessages(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2)
	c.join(t, 0, "a1", "doc", "A")
	b1, _ := c.join(t, 1, "b1", "doc", "B")
	b1.reset()

	c.hub.Intercept(func(msg bus.Message) int {
		if msg.Channel == bus.DocumentChanges {
			return 0
		}
		return 1
	})
	require.NoError(t, c.routers[0].Change(ctx, "a1", ChangeRequest{Content: "lost"}))
	assert.Empty(t, b1.changes())

	c.hub.Intercept(func(msg bus.Message) int { return 2 })
	require.NoError(t, c.routers[0].Change(ctx, "a1", ChangeRequest{Content: "lost and found"}))
	changes := b1.changes()
	require.Len(t, changes, 2)
	for _, ch := range changes {
		assert.Equal(t, "lost and found", ch.Content)
		assert.Equal(t, int64(3), ch.Version)
	}

	doc, err := c.stores.Documents.GetDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "lost and found", doc.Content)
	assert.Equal(t, int64(3), doc.Version)
	assert.Equal(t, 2, c.mem.OperationCount("doc"))
}

// TestMalformedBusMessageDropped verifies that garbage on the bus is discarded.
func TestMalformedBusMessageDropped(t *testing.T) {
	c := newCluster(t, 1)
	a1, _ := c.join(t, 0, "a1", "doc", "A")
	a1.reset()

	assert.NotPanics(t, func() {
		c.buses[0].Inject(bus.Message{Channel: bus.ChatMessages, Payload: []byte("{not json")})
		c.buses[0].Inject(bus.Message{Channel: bus.CursorUpdates, Payload: []byte(`{"userId":"x"}`)})
		c.buses[0].Inject(bus.Message{Channel: "unknown", Payload: []byte(`{}`)})
	})
	assert.Empty(t, a1.events)

	c.buses[0].Inject(bus.Message{Channel: bus.ChatMessages, Payload: []byte(`{"id":"1","documentId":"doc","userId":"Z","message":"ok"}`)})
	assert.Len(t, a1.of(EventChat), 1)
}

// TestPublishFailurePropagates verifies that transport errors reach the
// caller and are not retried.
func TestPublishFailurePropagates(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1)
	c.join(t, 0, "a1", "doc", "A")

	c.buses[0].FailPublish(assert.AnError)
	err := c.routers[0].Change(ctx, "a1", ChangeRequest{Content: "committed anyway"})
	assert.ErrorIs(t, err, assert.AnError)

	doc, err := c.stores.Documents.GetDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "committed anyway", doc.Content)

	assert.ErrorIs(t, c.routers[0].Chat(ctx, "a1", ChatRequest{Message: "x"}), assert.AnError)
}

// TestChatIsBounded verifies that the room keeps the newest messages only.
func TestChatIsBounded(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1)
	c.join(t, 0, "a1", "doc", "A")

	for i := 0; i < 120; i++ {
		require.NoError(t, c.routers[0].Chat(ctx, "a1", ChatRequest{Message: fmt.Sprintf("msg %d", i)}))
	}
	msgs, err := c.stores.Chat.RecentChat(ctx, "doc", store.ChatHistoryLimit)
	require.NoError(t, err)
	require.Len(t, msgs, store.ChatHistoryLimit)
	assert.Equal(t, "msg 20", msgs[0].Message)
	assert.Equal(t, "msg 119", msgs[len(msgs)-1].Message)
}

// TestShutdownClosesConnections verifies that shutdown removes sessions and closes sockets.
func TestShutdownClosesConnections(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1)
	a1, _ := c.join(t, 0, "a1", "doc", "A")
	idle := newFakeConn("idle")
	c.routers[0].Connect(idle)

	c.routers[0].Shutdown(ctx)
	assert.True(t, a1.closed)
	assert.True(t, idle.closed)

	users, err := c.stores.Sessions.RoomSessions(ctx, "doc")
	require.NoError(t, err)
	assert.Empty(t, users)
}

// TestChatPassesMessagesThrough verifies that messages are not filtered by content.
func TestChatPassesMessagesThrough(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1)
	a1, _ := c.join(t, 0, "a1", "doc", "A")
	a1.reset()

	require.NoError(t, c.routers[0].Chat(ctx, "a1", ChatRequest{Message: "   "}))
	require.Len(t, a1.of(EventChat), 1)
	msgs, err := c.stores.Chat.RecentChat(ctx, "doc", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "   ", msgs[0].Message)
}

// unavailableDocuments fails every document read.
type unavailableDocuments struct{ store.DocumentStore }

func (unavailableDocuments) GetDocument(context.Context, string) (*models.Document, error) {
	return nil, errors.New("documents unavailable")
}

// TestFailedJoinIsUndone verifies that a join failing after the session was
// recorded leaves neither a binding nor a session behind.
func TestFailedJoinIsUndone(t *testing.T) {
	ctx := context.Background()
	set, _ := store.MemorySet()
	set.Documents = unavailableDocuments{set.Documents}
	b := bus.NewMemoryHub().Attach()
	r := New(set, b, zerolog.Nop())
	require.NoError(t, b.Subscribe(ctx, r.HandleMessage))

	conn := newFakeConn("a1")
	r.Connect(conn)
	_, err := r.Join(ctx, "a1", JoinRequest{DocumentID: "doc", User: models.UserClaim{ID: "A"}})
	require.Error(t, err)

	users, err := set.Sessions.RoomSessions(ctx, "doc")
	require.NoError(t, err)
	assert.Empty(t, users)
	_, bound := r.conns.joined("a1")
	assert.False(t, bound)
	assert.Empty(t, conn.of(EventLoaded))
	assert.Empty(t, conn.of(EventPresence))

	require.NoError(t, r.Chat(ctx, "a1", ChatRequest{Message: "hi"}))
	assert.Empty(t, conn.of(EventChat), "an unbound connection is ignored")
}
