package models

// ChatMessage is one message of a room's chat. User is a snapshot of the
// author's session record at send time.
type ChatMessage struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	User       User   `json:"user"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}
