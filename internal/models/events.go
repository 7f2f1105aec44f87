package models

import "encoding/json"

// Presence event types.
const (
	PresenceJoined = "user:joined"
	PresenceLeft   = "user:left"
)

// Joined is the snapshot returned to a session after it joins a room.
type Joined struct {
	Document *Document       `json:"document"`
	Users    map[string]User `json:"users"`
	UserID   string          `json:"userId"`
}

// DocumentChange carries the full new content of a committed edit.
type DocumentChange struct {
	DocumentID string         `json:"documentId"`
	Content    string         `json:"content"`
	Operation  *OperationMeta `json:"operation,omitempty"`
	UserID     string         `json:"userId"`
	Version    int64          `json:"version"`
	Timestamp  int64          `json:"timestamp"`
}

// CursorUpdate carries a session's new cursor and selection.
type CursorUpdate struct {
	DocumentID string          `json:"documentId"`
	UserID     string          `json:"userId"`
	Position   json.RawMessage `json:"position,omitempty"`
	Selection  json.RawMessage `json:"selection,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// Presence announces a user joining or leaving a room.
type Presence struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	User       User   `json:"user"`
}
