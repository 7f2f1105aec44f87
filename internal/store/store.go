package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"codesync/server/internal/models"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrMalformed is returned when a stored record cannot be decoded.
	ErrMalformed = errors.New("store: malformed record")
	// ErrInvalidLogID is returned when a range start is not a log id of the backend.
	ErrInvalidLogID = errors.New("store: invalid log id")
)

const (
	// ChatHistoryLimit is the number of chat messages kept per room.
	ChatHistoryLimit = 100
	// DefaultOperationCount bounds history reads that pass no count.
	DefaultOperationCount = 100
)

// DocumentStore holds the versioned snapshot of each document.
// There is no compare-and-swap: concurrent saves of the same id are last-write-wins.
type DocumentStore interface {
	SaveDocument(ctx context.Context, id, content string) (*models.Document, error)
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	DocumentVersion(ctx context.Context, id string) (int64, error)
}

// OperationLog is the append-only, per-document history of edits.
type OperationLog interface {
	AppendOperation(ctx context.Context, id string, op models.Operation) (string, error)
	Operations(ctx context.Context, id, fromID string, count int64) ([]models.Operation, error)
}

// SessionRegistry maps the users present in each room to their session record.
type SessionRegistry interface {
	PutSession(ctx context.Context, roomID, userID string, user models.User) error
	RemoveSession(ctx context.Context, roomID, userID string) error
	RoomSessions(ctx context.Context, roomID string) (map[string]models.User, error)
}

// ChatLog keeps the newest ChatHistoryLimit messages of each room.
type ChatLog interface {
	PushChat(ctx context.Context, roomID string, msg models.ChatMessage) error
	RecentChat(ctx context.Context, roomID string, n int64) ([]models.ChatMessage, error)
}

// Set bundles the four backing stores the router commits to.
type Set struct {
	Documents  DocumentStore
	Operations OperationLog
	Sessions   SessionRegistry
	Chat       ChatLog
}

// Pinger is implemented by backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// nextDocument computes the record a save of content should write over current.
// It reports false when the content is unchanged and nothing should be written.
func nextDocument(current *models.Document, id, content string, now time.Time) (*models.Document, bool) {
	var version int64
	if current != nil {
		if current.Content == content {
			return current, false
		}
		version = current.Version
	}
	return &models.Document{
		ID:           id,
		Content:      content,
		Version:      version + 1,
		LastModified: now.UnixMilli(),
	}, true
}

func clampCount(count int64) int64 {
	if count <= 0 {
		return DefaultOperationCount
	}
	return count
}

func clampChat(n int64) int64 {
	if n <= 0 || n > ChatHistoryLimit {
		return ChatHistoryLimit
	}
	return n
}

// streamID is a Redis-style "<millis>-<seq>" log id.
type streamID struct {
	ms  uint64
	seq uint64
}

func (id streamID) String() string {
	return strconv.FormatUint(id.ms, 10) + "-" + strconv.FormatUint(id.seq, 10)
}

func (id streamID) less(o streamID) bool {
	if id.ms != o.ms {
		return id.ms < o.ms
	}
	return id.seq < o.seq
}

// parseStreamID accepts "<ms>-<seq>", "<ms>" and "-" (the beginning).
func parseStreamID(s string) (streamID, error) {
	if s == "" || s == "-" {
		return streamID{}, nil
	}
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return streamID{}, fmt.Errorf("%w %q: %v", ErrInvalidLogID, s, err)
	}
	var seq uint64
	if hasSeq {
		if seq, err = strconv.ParseUint(seqPart, 10, 64); err != nil {
			return streamID{}, fmt.Errorf("%w %q: %v", ErrInvalidLogID, s, err)
		}
	}
	return streamID{ms: ms, seq: seq}, nil
}

// parseSequence parses the decimal log ids of the SQL and bolt backends.
// "" and "-" start at the beginning.
func parseSequence(s string) (uint64, error) {
	if s == "" || s == "-" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrInvalidLogID, s, err)
	}
	return n, nil
}
