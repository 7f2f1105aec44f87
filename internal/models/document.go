package models

import "encoding/json"

// Document is the versioned snapshot of one document's full content.
// Version increments by exactly one on every committed content change.
type Document struct {
	ID           string `json:"id"`
	Content      string `json:"content"`
	Version      int64  `json:"version"`
	LastModified int64  `json:"lastModified"` // unix millis
}

// Operation is one entry of a document's append-only edit history. ID is
// assigned by the log and increases monotonically per document.
type Operation struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Position  json.RawMessage `json:"position,omitempty"`
	Content   string          `json:"content"`
	UserID    string          `json:"userId"`
	Timestamp int64           `json:"timestamp"`
}

// OperationMeta is the operation description a client attaches to a change.
// Its timestamp is echoed back to peers but never used for ordering.
type OperationMeta struct {
	Type      string          `json:"type"`
	Position  json.RawMessage `json:"position,omitempty"`
	Content   string          `json:"content,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// OperationReplace is logged for changes that arrive without operation metadata.
const OperationReplace = "replace"

// DefaultContent seeds documents created on first join.
const DefaultContent = `// Welcome to CodeSync!
// Start typing to collaborate in real-time

console.log("Hello, collaborative world!");
console.log("This is a real-time collaborative code editor powered by Redis!");

function fibonacci(n) {
  if (n <= 1) return n;
  return fibonacci(n - 1) + fibonacci(n - 2);
}

// Test the function
console.log("Fibonacci sequence:");
for (let i = 0; i < 8; i++) {
  console.log(` + "`F(${i}) = ${fibonacci(i)}`" + `);
}`
