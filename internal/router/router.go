package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"codesync/server/internal/bus"
	"codesync/server/internal/metrics"
	"codesync/server/internal/models"
	"codesync/server/internal/store"
)

var (
	// ErrUnknownConnection is returned for events on a connection that was never connected.
	ErrUnknownConnection = errors.New("router: unknown connection")
	// ErrInvalidRequest is returned for a join without a document id.
	ErrInvalidRequest = errors.New("router: invalid request")
)

// Router owns the lifecycle of every connection held by this process. It
// commits session events to the stores, publishes them on the bus, and
// delivers bus events back out to the connections bound to each room.
//
// Change does not serialize its read-compare-write against
// other edits: concurrent edits of one document are last-write-wins.
type Router struct {
	stores store.Set
	bus    bus.Publisher
	logger zerolog.Logger
	conns  *connTable
	now    func() time.Time
}

// New returns a router committing to stores and publishing on pub. The
// caller subscribes HandleMessage to the bus.
func New(stores store.Set, pub bus.Publisher, logger zerolog.Logger) *Router {
	return &Router{
		stores: stores,
		bus:    pub,
		logger: logger.With().Str("component", "router").Logger(),
		conns:  newConnTable(),
		now:    time.Now,
	}
}

func (r *Router) millis() int64 {
	return r.now().UnixMilli()
}

// Connect registers a freshly established connection. It has no room yet.
func (r *Router) Connect(conn Conn) {
	r.conns.add(conn)
	metrics.ActiveConnections.Inc()
	r.logger.Debug().Str("conn_id", conn.ID()).Msg("connection established")
}

// Join binds the connection to req.DocumentID, creating the document on
// first use, and sends the joined snapshot to the connection before
// announcing the user to the room.
func (r *Router) Join(ctx context.Context, connID string, req JoinRequest) (*models.Joined, error) {
	if !r.conns.has(connID) {
		return nil, ErrUnknownConnection
	}
	if req.DocumentID == "" {
		return nil, fmt.Errorf("%w: documentId is required", ErrInvalidRequest)
	}
	if _, ok := r.conns.joined(connID); ok {
		if err := r.leave(ctx, connID); err != nil {
			return nil, err
		}
	}

	user := models.User{
		ID:       req.User.ID,
		Name:     req.User.Name,
		Color:    req.User.Color,
		Cursor:   models.InitialCursor,
		JoinedAt: r.millis(),
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.Name == "" {
		user.Name = models.DefaultName(user.ID)
	}
	if user.Color == "" {
		user.Color = models.RandomColor()
	}

	if err := r.stores.Sessions.PutSession(ctx, req.DocumentID, user.ID, user); err != nil {
		return nil, err
	}
	r.conns.bind(connID, req.DocumentID, user)

	doc, err := r.loadOrCreate(ctx, req.DocumentID)
	if err != nil {
		r.abandonJoin(ctx, connID, req.DocumentID, user.ID)
		return nil, err
	}
	users, err := r.stores.Sessions.RoomSessions(ctx, req.DocumentID)
	if err != nil {
		r.abandonJoin(ctx, connID, req.DocumentID, user.ID)
		return nil, err
	}

	joined := &models.Joined{Document: doc, Users: users, UserID: user.ID}
	if b, ok := r.conns.joined(connID); ok {
		b.conn.Send(EventLoaded, joined)
	}

	err = r.bus.Publish(ctx, bus.UserPresence, models.Presence{
		Type:       models.PresenceJoined,
		DocumentID: req.DocumentID,
		User:       user,
	})
	if err != nil {
		return joined, err
	}
	r.logger.Info().Str("user", user.Name).Str("user_id", user.ID).Str("document_id", req.DocumentID).Msg("user joined document")
	return joined, nil
}

// abandonJoin undoes the binding and session record of a join that failed
// before it was announced.
func (r *Router) abandonJoin(ctx context.Context, connID, documentID, userID string) {
	r.conns.unbind(connID)
	if err := r.stores.Sessions.RemoveSession(ctx, documentID, userID); err != nil {
		r.logger.Warn().Err(err).Str("document_id", documentID).Str("user_id", userID).Msg("removing session of failed join")
	}
}

func (r *Router) loadOrCreate(ctx context.Context, id string) (*models.Document, error) {
	doc, err := r.stores.Documents.GetDocument(ctx, id)
	switch {
	case err == nil:
		return doc, nil
	case errors.Is(err, store.ErrMalformed):
		r.logger.Warn().Err(err).Str("document_id", id).Msg("document record unreadable, recreating")
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	return r.stores.Documents.SaveDocument(ctx, id, models.DefaultContent)
}

// Change commits content as the next document version and fans it out.
// Events from unbound connections and unchanged content are ignored.
func (r *Router) Change(ctx context.Context, connID string, req ChangeRequest) error {
	b, ok := r.conns.joined(connID)
	if !ok {
		r.logger.Debug().Str("conn_id", connID).Msg("dropping change from unbound connection")
		return nil
	}
	documentID, userID := b.roomID, b.user.ID

	current, err := r.stores.Documents.GetDocument(ctx, documentID)
	switch {
	case err == nil:
		if current.Content == req.Content {
			r.logger.Debug().Str("document_id", documentID).Msg("skipping save, content unchanged")
			return nil
		}
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrMalformed):
	default:
		return err
	}

	doc, err := r.stores.Documents.SaveDocument(ctx, documentID, req.Content)
	if err != nil {
		return err
	}
	metrics.DocumentCommits.Inc()

	ts := r.millis()
	op := models.Operation{Type: models.OperationReplace, UserID: userID, Timestamp: ts}
	if meta := req.Operation; meta != nil {
		if meta.Type != "" {
			op.Type = meta.Type
		}
		op.Position = meta.Position
		op.Content = meta.Content
	}
	if _, err := r.stores.Operations.AppendOperation(ctx, documentID, op); err != nil {
		return err
	}

	return r.bus.Publish(ctx, bus.DocumentChanges, models.DocumentChange{
		DocumentID: documentID,
		Content:    req.Content,
		Operation:  req.Operation,
		UserID:     userID,
		Version:    doc.Version,
		Timestamp:  ts,
	})
}

// Cursor rewrites the session record with the new cursor and selection and
// fans the update out. It never touches document state.
func (r *Router) Cursor(ctx context.Context, connID string, req CursorRequest) error {
	b, ok := r.conns.joined(connID)
	if !ok {
		return nil
	}
	user := b.user
	user.Cursor = req.Position
	user.Selection = req.Selection
	if err := r.stores.Sessions.PutSession(ctx, b.roomID, user.ID, user); err != nil {
		return err
	}
	r.conns.setUser(connID, user)

	return r.bus.Publish(ctx, bus.CursorUpdates, models.CursorUpdate{
		DocumentID: b.roomID,
		UserID:     user.ID,
		Position:   req.Position,
		Selection:  req.Selection,
		Timestamp:  r.millis(),
	})
}

// Chat appends a message to the room's chat log and fans it out.
func (r *Router) Chat(ctx context.Context, connID string, req ChatRequest) error {
	b, ok := r.conns.joined(connID)
	if !ok {
		return nil
	}
	msg := models.ChatMessage{
		ID:         uuid.NewString(),
		DocumentID: b.roomID,
		UserID:     b.user.ID,
		User:       b.user,
		Message:    req.Message,
		Timestamp:  r.millis(),
	}
	if err := r.stores.Chat.PushChat(ctx, b.roomID, msg); err != nil {
		return err
	}
	return r.bus.Publish(ctx, bus.ChatMessages, msg)
}

// Disconnect removes the connection's session and announces the departure.
// Disconnecting an unknown or already removed connection is a no-op.
func (r *Router) Disconnect(ctx context.Context, connID string) error {
	b, ok := r.conns.remove(connID)
	if !ok {
		return nil
	}
	metrics.ActiveConnections.Dec()
	if b.roomID == "" {
		return nil
	}
	if err := r.announceLeft(ctx, b); err != nil {
		return err
	}
	r.logger.Info().Str("user", b.user.Name).Str("user_id", b.user.ID).Str("document_id", b.roomID).Msg("user left document")
	return nil
}

// leave releases the connection's current room before it joins another.
func (r *Router) leave(ctx context.Context, connID string) error {
	b, ok := r.conns.unbind(connID)
	if !ok {
		return nil
	}
	return r.announceLeft(ctx, b)
}

func (r *Router) announceLeft(ctx context.Context, b binding) error {
	if err := r.stores.Sessions.RemoveSession(ctx, b.roomID, b.user.ID); err != nil {
		return err
	}
	return r.bus.Publish(ctx, bus.UserPresence, models.Presence{
		Type:       models.PresenceLeft,
		DocumentID: b.roomID,
		User:       b.user,
	})
}

// HandleMessage delivers one bus message to the local connections of its
// room. Document changes and presence events skip every connection of the
// authoring user; cursor and chat events go to all members. Malformed
// messages are logged and dropped.
func (r *Router) HandleMessage(ctx context.Context, msg bus.Message) {
	ev, err := bus.Decode(msg)
	if err != nil {
		metrics.BusDropped.WithLabelValues(string(msg.Channel)).Inc()
		r.logger.Warn().Err(err).Str("channel", string(msg.Channel)).Msg("dropping bus message")
		return
	}

	var (
		event    string
		payload  any
		suppress bool
	)
	switch ev.Channel {
	case bus.DocumentChanges:
		event, payload, suppress = EventChange, ev.Change, true
	case bus.UserPresence:
		event, payload, suppress = EventPresence, ev.Presence, true
	case bus.CursorUpdates:
		event, payload = EventCursor, ev.Cursor
	case bus.ChatMessages:
		event, payload = EventChat, ev.Chat
	}

	author := ev.AuthorID()
	sent := 0
	for _, m := range r.conns.members(ev.DocumentID()) {
		if suppress && m.userID == author {
			continue
		}
		if m.conn.Send(event, payload) {
			sent++
		}
	}
	if sent > 0 {
		metrics.Deliveries.WithLabelValues(event).Add(float64(sent))
	}
}

// Shutdown disconnects and closes every connection still held.
func (r *Router) Shutdown(ctx context.Context) {
	for _, conn := range r.conns.all() {
		if err := r.Disconnect(ctx, conn.ID()); err != nil {
			r.logger.Warn().Err(err).Str("conn_id", conn.ID()).Msg("disconnect during shutdown failed")
		}
		conn.Close()
	}
}
