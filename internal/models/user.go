package models

import (
	"encoding/json"
	"math/rand"
)

// InitialCursor is the caret recorded for a user who has not moved yet.
// Cursor positions are client-defined and otherwise passed through untouched.
var InitialCursor = json.RawMessage(`{"line":0,"column":0}`)

// User is the session record held for one user in a room. The record is
// always written as a whole; there is no field level merge.
type User struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Color     string          `json:"color"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
	JoinedAt  int64           `json:"joinedAt"`
}

// UserClaim is the identity a client proposes when joining. Any field may be empty.
type UserClaim struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
}

var palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7",
	"#DDA0DD", "#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E9",
}

// RandomColor picks a display color from the fixed palette.
func RandomColor() string {
	return palette[rand.Intn(len(palette))]
}

// DefaultName derives a display name from a user id.
func DefaultName(userID string) string {
	short := userID
	if len(short) > 8 {
		short = short[:8]
	}
	return "User " + short
}
