package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Tyrowin/collabedit/internal/chat"
)

// dispatch routes one decoded message. It runs on the client's read
// goroutine, so messages from one connection are handled in arrival order.
func (h *DocumentHandler) dispatch(c *Client, in Inbound) {
	switch req := in.(type) {
	case EditRequest:
		h.applyEdit(c, req)
	case PresenceRequest:
		if req.Action == ActionJoin {
			h.join(c, req.DocumentID, req.Username)
		} else {
			h.leave(c, req.DocumentID, req.Username)
		}
	case ChatRequest:
		h.postChat(c, req)
	case ChatEditRequest:
		h.editChat(c, req)
	default:
		c.log.Warn("dropping unsupported message", zap.String("type", fmt.Sprintf("%T", in)))
	}
}

// applyEdit stores the new content and relays the original message to every
// other session on the document. Edits beyond the connection's edit budget,
// or arriving faster than the document's edit interval, are dropped.
func (h *DocumentHandler) applyEdit(c *Client, req EditRequest) {
	if !c.allowEdit() {
		return
	}

	if h.store.Has(req.DocumentID) {
		if !h.limiter.Allow(req.DocumentID, h.now()) {
			c.log.Debug("document edit rate exceeded; discarding edit", zap.String("document_id", req.DocumentID))
			return
		}
		h.store.Update(req.DocumentID, req.Content, req.Editor)
	} else {
		c.log.Debug("edit for unknown document", zap.String("document_id", req.DocumentID))
	}

	h.hub.Broadcast(req.DocumentID, req.Raw, c)
}

// join registers c on the document, sends it the chat history and announces
// the user to everyone on the document.
func (h *DocumentHandler) join(c *Client, documentID, username string) {
	if previous, ok := c.joined[documentID]; ok && previous != username {
		h.leave(c, documentID, previous)
	}

	c.joined[documentID] = username
	h.hub.Register(documentID, c)
	added := h.chat.AddUser(documentID, username)

	history := ChatHistory{Type: TypeChatHistory, Messages: h.chat.History(documentID)}
	if err := h.sendJSON(c, history); err != nil {
		c.log.Warn("could not deliver chat history", zap.String("document_id", documentID), zap.Error(err))
		_ = c.Close()
		return
	}

	if added {
		msg := h.chat.NewSystemMessage(documentID, username, chat.TypeUserJoined)
		h.chat.AddMessage(documentID, msg)
		h.broadcastChat(documentID, TypeChat, msg)
	}
	h.broadcastPresence(documentID)

	c.log.Info("user joined document", zap.String("document_id", documentID), zap.String("user", username))
}

// leave removes c from the document. username is used only when c never
// joined the document under a name of its own.
func (h *DocumentHandler) leave(c *Client, documentID, username string) {
	if joinedAs, ok := c.joined[documentID]; ok {
		username = joinedAs
		delete(c.joined, documentID)
	}
	h.hub.Remove(documentID, c)

	if username != "" && h.chat.RemoveUser(documentID, username) {
		msg := h.chat.NewSystemMessage(documentID, username, chat.TypeUserLeft)
		// An evicted room stays evicted; the notice is only relayed.
		if _, ok := h.chat.Room(documentID); ok {
			h.chat.AddMessage(documentID, msg)
		}
		h.broadcastChat(documentID, TypeChat, msg)
	}
	h.broadcastPresence(documentID)

	c.log.Info("user left document", zap.String("document_id", documentID), zap.String("user", username))
}

// disconnect runs once the connection is gone.
func (h *DocumentHandler) disconnect(c *Client) {
	for documentID, username := range c.joined {
		h.leave(c, documentID, username)
	}
	if docs := h.hub.RemoveAll(c); len(docs) > 0 {
		c.log.Debug("removed session from documents it never joined", zap.Strings("document_ids", docs))
	}
}

func (h *DocumentHandler) postChat(c *Client, req ChatRequest) {
	if strings.TrimSpace(req.Content) == "" {
		c.log.Debug("dropping empty chat message", zap.String("document_id", req.DocumentID))
		return
	}

	username := req.Username
	if username == "" {
		username = c.joined[req.DocumentID]
	}

	msg := h.chat.NewUserMessage(req.DocumentID, req.UserID, username, req.Content)
	h.chat.AddMessage(req.DocumentID, msg)
	h.broadcastChat(req.DocumentID, TypeChat, msg)
}

func (h *DocumentHandler) editChat(c *Client, req ChatEditRequest) {
	msg, err := h.chat.EditMessage(req.DocumentID, req.MessageID, req.UserID, req.Content)
	if err != nil {
		fields := []zap.Field{
			zap.String("document_id", req.DocumentID),
			zap.String("message", req.MessageID),
			zap.Error(err),
		}
		if errors.Is(err, chat.ErrNotAuthor) {
			c.log.Warn("chat edit rejected", fields...)
		} else {
			c.log.Debug("chat edit rejected", fields...)
		}
		return
	}
	h.broadcastChat(req.DocumentID, TypeChatEdit, msg)
}

// broadcastPresence sends the document's full user list to every session on
// it.
func (h *DocumentHandler) broadcastPresence(documentID string) {
	h.broadcastJSON(documentID, PresenceUpdate{
		Type:       TypeUserUpdate,
		DocumentID: documentID,
		Users:      h.chat.ActiveUsers(documentID),
	})
}

// broadcastChat delivers msg to every session on the document, including
// its author.
func (h *DocumentHandler) broadcastChat(documentID, kind string, msg chat.Message) {
	h.broadcastJSON(documentID, ChatEnvelope{Type: kind, Message: msg})
}

func (h *DocumentHandler) broadcastJSON(documentID string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.Error("encoding broadcast", zap.String("document_id", documentID), zap.Error(err))
		return
	}
	h.hub.Broadcast(documentID, payload, nil)
}

func (h *DocumentHandler) sendJSON(c *Client, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(payload)
}
