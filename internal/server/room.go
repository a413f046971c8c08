package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studycircle/chatkit/pkg/protocol"
	"github.com/studycircle/chatkit/pkg/state"
	"github.com/studycircle/chatkit/pkg/transport"
)

// member aggregates one user's live connections within a room.
type member struct {
	user  state.UserSummary
	conns map[uuid.UUID]*transport.Conn
}

// Room is the server-side state of one chat scope: message history, the
// online roster, typing flags and (for group scopes) the current topic.
type Room struct {
	scope state.Scope

	mu      sync.RWMutex
	msgs    []state.Message // chronological
	members map[string]*member
	typing  map[string]struct{}
	topic   *state.Topic

	logger *slog.Logger
}

func NewRoom(scope state.Scope, logger *slog.Logger) *Room {
	return &Room{
		scope:   scope,
		members: make(map[string]*member),
		typing:  make(map[string]struct{}),
		logger:  logger.With(slog.String("component", "room"), slog.String("scope", scope.String())),
	}
}

// Attach adds a connection for a user, creating the member on first join.
// New joins are broadcast as a presence delta.
func (r *Room) Attach(user state.UserSummary, conn *transport.Conn) {
	r.mu.Lock()
	m, exists := r.members[user.ID]
	if !exists {
		m = &member{user: user, conns: make(map[uuid.UUID]*transport.Conn)}
		r.members[user.ID] = m
	}
	m.user = user
	m.conns[conn.ID()] = conn
	r.mu.Unlock()

	if !exists {
		r.Broadcast(protocol.TypeUserStatus, protocol.PresenceDelta{User: user, Online: true})
	}
}

// Detach drops a connection; the user leaves the roster when their last
// connection goes.
func (r *Room) Detach(userID string, connID uuid.UUID) {
	r.mu.Lock()
	m, ok := r.members[userID]
	if ok {
		delete(m.conns, connID)
		if len(m.conns) == 0 {
			delete(r.members, userID)
			delete(r.typing, userID)
		} else {
			ok = false
		}
	}
	user := state.UserSummary{ID: userID}
	if m != nil {
		user = m.user
	}
	r.mu.Unlock()

	if ok {
		r.Broadcast(protocol.TypeUserStatus, protocol.PresenceDelta{User: user, Online: false})
	}
}

// Leave removes a user from the roster regardless of open connections,
// honoring an explicit inactive heartbeat.
func (r *Room) Leave(userID string) {
	r.mu.Lock()
	m, ok := r.members[userID]
	delete(r.members, userID)
	delete(r.typing, userID)
	r.mu.Unlock()

	if ok {
		r.Broadcast(protocol.TypeUserStatus, protocol.PresenceDelta{User: m.user, Online: false})
	}
}

// Broadcast fans one frame out to every connection in the room.
func (r *Room) Broadcast(frameType string, payload any) {
	frame, err := protocol.Encode(frameType, payload)
	if err != nil {
		r.logger.Error("Failed to encode broadcast", slog.String("type", frameType), slog.Any("error", err))
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.members {
		for _, conn := range m.conns {
			conn.Send(frame)
		}
	}
}

// Append stores a confirmed message and broadcasts it, echoing the sender's
// localId so the optimistic temp entry can be reconciled.
func (r *Room) Append(sender state.UserSummary, in protocol.SendMessage) state.Message {
	msg := state.Message{
		ID:        uuid.NewString(),
		LocalID:   in.LocalID,
		Content:   in.Content,
		Sender:    sender,
		CreatedAt: time.Now().UTC(),
		File:      in.File,
		TopicID:   in.TopicID,
	}

	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	delete(r.typing, sender.ID) // a delivered message ends typing
	r.mu.Unlock()

	r.Broadcast(protocol.TypeChatMessage, msg)
	return msg
}

// Edit replaces a message's content and broadcasts the updated body.
func (r *Room) Edit(userID, messageID, content string) bool {
	r.mu.Lock()
	var updated *state.Message
	for i := range r.msgs {
		if r.msgs[i].ID == messageID && r.msgs[i].Sender.ID == userID {
			r.msgs[i].Content = content
			r.msgs[i].Edited = true
			msg := r.msgs[i]
			updated = &msg
			break
		}
	}
	r.mu.Unlock()

	if updated == nil {
		return false
	}
	r.Broadcast(protocol.TypeMessageUpdated, *updated)
	return true
}

// Delete removes a message and broadcasts the deletion.
func (r *Room) Delete(userID, messageID string) bool {
	r.mu.Lock()
	found := false
	for i := range r.msgs {
		if r.msgs[i].ID == messageID && r.msgs[i].Sender.ID == userID {
			r.msgs = append(r.msgs[:i], r.msgs[i+1:]...)
			found = true
			break
		}
	}
	r.mu.Unlock()

	if found {
		r.Broadcast(protocol.TypeMessageDeleted, protocol.MessageDeleted{MessageID: messageID})
	}
	return found
}

// MarkRead stamps a read receipt and broadcasts the updated message.
func (r *Room) MarkRead(userID, messageID string) {
	r.mu.Lock()
	var updated *state.Message
	for i := range r.msgs {
		if r.msgs[i].ID == messageID {
			if r.msgs[i].ReadBy == nil {
				r.msgs[i].ReadBy = make(map[string]time.Time)
			}
			r.msgs[i].ReadBy[userID] = time.Now().UTC()
			msg := r.msgs[i]
			updated = &msg
			break
		}
	}
	r.mu.Unlock()

	if updated != nil {
		r.Broadcast(protocol.TypeMessageUpdated, *updated)
	}
}

// SetTyping flips a user's typing flag and broadcasts the delta.
func (r *Room) SetTyping(userID string, isTyping bool) {
	r.mu.Lock()
	if isTyping {
		r.typing[userID] = struct{}{}
	} else {
		delete(r.typing, userID)
	}
	r.mu.Unlock()

	r.Broadcast(protocol.TypeTypingUpdate, protocol.TypingDelta{UserID: userID, IsTyping: isTyping})
}

// Page returns one history page, newest first, matching
// GET /{scope}/messages?limit=&offset=.
func (r *Room) Page(limit, offset int) []state.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := len(r.msgs)
	if offset >= total {
		return []state.Message{}
	}
	// newest-first index window
	end := total - offset
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := make([]state.Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		page = append(page, r.msgs[i])
	}
	return page
}

// Members returns the roster snapshot.
func (r *Room) Members() []state.UserSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]state.UserSummary, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.user)
	}
	return out
}

// Topic returns the current topic, if set.
func (r *Room) Topic() (state.Topic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.topic == nil {
		return state.Topic{}, false
	}
	return *r.topic, true
}

// SetTopic installs a new topic and broadcasts the change.
func (r *Room) SetTopic(text string, setBy state.UserSummary) state.Topic {
	t := state.Topic{
		ID:    uuid.NewString(),
		Text:  text,
		SetBy: setBy,
		SetAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.topic = &t
	r.mu.Unlock()

	r.Broadcast(protocol.TypeTopicChanged, t)
	return t
}
