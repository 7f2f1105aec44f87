package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"codesync/server/internal/models"
)

// Channel names one of the four global event classes.
type Channel string

const (
	DocumentChanges Channel = "document:changes"
	CursorUpdates   Channel = "cursor:updates"
	UserPresence    Channel = "user:presence"
	ChatMessages    Channel = "chat:messages"
)

// Channels lists every channel a process subscribes to at startup.
var Channels = []Channel{DocumentChanges, CursorUpdates, UserPresence, ChatMessages}

var (
	// ErrMalformed is returned by Decode for payloads that do not parse.
	ErrMalformed = errors.New("bus: malformed payload")
	// ErrUnknownChannel is returned by Decode for messages on a foreign channel.
	ErrUnknownChannel = errors.New("bus: unknown channel")
)

// Message is a raw payload received off the bus.
type Message struct {
	Channel Channel
	Payload []byte
}

// Handler consumes messages delivered by a subscription. It is called from
// a single goroutine per subscription.
type Handler func(ctx context.Context, msg Message)

// Publisher hands events to the transport. Delivery is at-most-once: a nil
// error only means the transport accepted the message.
type Publisher interface {
	Publish(ctx context.Context, channel Channel, payload any) error
}

// Bus is the cross-process publish/subscribe substrate.
type Bus interface {
	Publisher
	// Subscribe attaches handler to every channel. It returns once the
	// subscription is active and keeps delivering until ctx is done or the
	// bus is closed.
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// Event is a decoded bus message. Exactly one of the pointer fields is set,
// matching Channel.
type Event struct {
	Channel  Channel
	Change   *models.DocumentChange
	Cursor   *models.CursorUpdate
	Presence *models.Presence
	Chat     *models.ChatMessage
}

// DocumentID returns the room the event belongs to.
func (e Event) DocumentID() string {
	switch {
	case e.Change != nil:
		return e.Change.DocumentID
	case e.Cursor != nil:
		return e.Cursor.DocumentID
	case e.Presence != nil:
		return e.Presence.DocumentID
	case e.Chat != nil:
		return e.Chat.DocumentID
	}
	return ""
}

// AuthorID returns the id of the user the event originated from.
func (e Event) AuthorID() string {
	switch {
	case e.Change != nil:
		return e.Change.UserID
	case e.Cursor != nil:
		return e.Cursor.UserID
	case e.Presence != nil:
		return e.Presence.User.ID
	case e.Chat != nil:
		return e.Chat.UserID
	}
	return ""
}

// Decode parses msg according to its channel.
func Decode(msg Message) (Event, error) {
	ev := Event{Channel: msg.Channel}
	var target any
	switch msg.Channel {
	case DocumentChanges:
		ev.Change = new(models.DocumentChange)
		target = ev.Change
	case CursorUpdates:
		ev.Cursor = new(models.CursorUpdate)
		target = ev.Cursor
	case UserPresence:
		ev.Presence = new(models.Presence)
		target = ev.Presence
	case ChatMessages:
		ev.Chat = new(models.ChatMessage)
		target = ev.Chat
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownChannel, msg.Channel)
	}
	if err := json.Unmarshal(msg.Payload, target); err != nil {
		return Event{}, fmt.Errorf("%w on %s: %v", ErrMalformed, msg.Channel, err)
	}
	if ev.DocumentID() == "" {
		return Event{}, fmt.Errorf("%w on %s: missing documentId", ErrMalformed, msg.Channel)
	}
	return ev, nil
}

func encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(payload)
}
