package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Tyrowin/collabedit/internal/chat"
)

// Outbound message types.
const (
	TypeUserUpdate  = "user_update"
	TypeChat        = "chat"
	TypeChatHistory = "chat_history"
	TypeChatEdit    = "chat_edit"
	TypeEdit        = "edit"
)

// ErrMalformedMessage wraps every inbound JSON message that cannot be
// dispatched.
var ErrMalformedMessage = errors.New("malformed message")

// PresenceAction is the action of a user_update request.
type PresenceAction string

// Presence actions.
const (
	ActionJoin  PresenceAction = "join"
	ActionLeave PresenceAction = "leave"
)

// Inbound is one decoded client message. The concrete type is one of
// EditRequest, PresenceRequest, ChatRequest or ChatEditRequest.
type Inbound interface {
	Document() string
	inbound()
}

// EditRequest replaces the content of a document. Raw holds the message
// exactly as received so it can be rebroadcast verbatim.
type EditRequest struct {
	DocumentID string
	Content    string
	Editor     string
	Raw        []byte
}

// PresenceRequest joins or leaves a document's presence list.
type PresenceRequest struct {
	DocumentID string
	Username   string
	Action     PresenceAction
}

// ChatRequest posts a chat message.
type ChatRequest struct {
	DocumentID string
	UserID     string
	Username   string
	Content    string
}

// ChatEditRequest rewrites an earlier chat message of the same user.
type ChatEditRequest struct {
	DocumentID string
	MessageID  string
	UserID     string
	Content    string
}

func (r EditRequest) Document() string     { return r.DocumentID }
func (r PresenceRequest) Document() string { return r.DocumentID }
func (r ChatRequest) Document() string     { return r.DocumentID }
func (r ChatEditRequest) Document() string { return r.DocumentID }

func (EditRequest) inbound()     {}
func (PresenceRequest) inbound() {}
func (ChatRequest) inbound()     {}
func (ChatEditRequest) inbound() {}

// inboundFields is the union of every inbound shape.
type inboundFields struct {
	Type       string  `json:"type"`
	DocumentID string  `json:"documentId"`
	Content    *string `json:"content"`
	Editor     *string `json:"editor"`
	UserID     string  `json:"userId"`
	Username   string  `json:"username"`
	Action     string  `json:"action"`
	MessageID  string  `json:"messageId"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// DecodeInbound parses one client message.
//
// "user_update" messages are presence requests, "chat" and "chat_edit" are
// chat traffic, and messages with no type (or "edit") are document edits. An
// untyped message that carries a userId but no editor is a chat post.
func DecodeInbound(raw []byte) (Inbound, error) {
	var f inboundFields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}
	if strings.TrimSpace(f.DocumentID) == "" {
		return nil, malformed("missing documentId")
	}

	content := ""
	if f.Content != nil {
		content = *f.Content
	}

	switch f.Type {
	case TypeUserUpdate:
		action := PresenceAction(f.Action)
		if action != ActionJoin && action != ActionLeave {
			return nil, malformed("unknown presence action %q", f.Action)
		}
		if action == ActionJoin && f.Username == "" {
			return nil, malformed("join without username")
		}
		return PresenceRequest{DocumentID: f.DocumentID, Username: f.Username, Action: action}, nil

	case TypeChatEdit:
		if f.MessageID == "" || f.Content == nil {
			return nil, malformed("chat_edit needs messageId and content")
		}
		return ChatEditRequest{DocumentID: f.DocumentID, MessageID: f.MessageID, UserID: f.UserID, Content: content}, nil

	case TypeChat:
		return chatRequest(f, content), nil

	case "", TypeEdit:
		if f.Type == "" && f.Editor == nil && f.UserID != "" {
			return chatRequest(f, content), nil
		}
		if f.Content == nil {
			return nil, malformed("edit without content")
		}
		editor := ""
		if f.Editor != nil {
			editor = *f.Editor
		}
		return EditRequest{DocumentID: f.DocumentID, Content: content, Editor: editor, Raw: raw}, nil

	default:
		return nil, malformed("unknown type %q", f.Type)
	}
}

func chatRequest(f inboundFields, content string) ChatRequest {
	return ChatRequest{DocumentID: f.DocumentID, UserID: f.UserID, Username: f.Username, Content: content}
}

// PresenceUpdate is the full presence snapshot of a document.
type PresenceUpdate struct {
	Type       string   `json:"type"`
	DocumentID string   `json:"documentId"`
	Users      []string `json:"users"`
}

// ChatEnvelope carries one stored chat message.
type ChatEnvelope struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

// ChatHistory is pushed to a session when it joins a document.
type ChatHistory struct {
	Type     string         `json:"type"`
	Messages []chat.Message `json:"messages"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
