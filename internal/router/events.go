package router

import (
	"encoding/json"

	"codesync/server/internal/models"
)

// Inbound event names.
const (
	EventJoin     = "join:document"
	EventChange   = "document:change"
	EventCursor   = "cursor:update"
	EventChatSend = "chat:send"
)

// Outbound event names. document:change and cursor:update are shared with
// the inbound names.
const (
	EventLoaded   = "document:loaded"
	EventChat     = "chat:message"
	EventPresence = "user:presence"
	EventError    = "error"
)

// JoinRequest is the payload of join:document.
type JoinRequest struct {
	DocumentID string           `json:"documentId"`
	User       models.UserClaim `json:"user"`
}

// ChangeRequest is the payload of document:change.
type ChangeRequest struct {
	Content   string                `json:"content"`
	Operation *models.OperationMeta `json:"operation,omitempty"`
}

// CursorRequest is the payload of cursor:update.
type CursorRequest struct {
	Position  json.RawMessage `json:"position,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

// ChatRequest is the payload of chat:send.
type ChatRequest struct {
	Message string `json:"message"`
}

// ErrorPayload is sent to a session when one of its events failed.
type ErrorPayload struct {
	Message string `json:"message"`
}
