// Package chat keeps the per-document chat rooms: a bounded message history
// and the set of usernames currently present, independent of document
// content.
package chat

import "fmt"

// MessageType discriminates the kinds of chat message a room stores.
type MessageType string

// Chat message kinds.
const (
	TypeChat       MessageType = "CHAT"
	TypeUserJoined MessageType = "USER_JOINED"
	TypeUserLeft   MessageType = "USER_LEFT"
	TypeSystem     MessageType = "SYSTEM"
)

// Valid reports whether t is one of the known kinds.
func (t MessageType) Valid() bool {
	switch t {
	case TypeChat, TypeUserJoined, TypeUserLeft, TypeSystem:
		return true
	default:
		return false
	}
}

// Message is one entry of a room's history. Timestamps are milliseconds
// since the Unix epoch.
type Message struct {
	ID              string      `json:"id"`
	DocumentID      string      `json:"documentId"`
	UserID          string      `json:"userId"`
	Username        string      `json:"username"`
	Content         string      `json:"content"`
	Timestamp       int64       `json:"timestamp"`
	Type            MessageType `json:"messageType"`
	Edited          bool        `json:"edited"`
	EditedTimestamp int64       `json:"editedTimestamp"`
}

// systemContent renders the text of a system message for username.
func systemContent(kind MessageType, username string) string {
	switch kind {
	case TypeUserJoined:
		return fmt.Sprintf("%s joined the document", username)
	case TypeUserLeft:
		return fmt.Sprintf("%s left the document", username)
	default:
		return "System notification"
	}
}
