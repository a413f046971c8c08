package protocol

import (
	"encoding/json"

	"github.com/studycircle/chatkit/pkg/state"
)

// Frame type discriminators. The inbound set is closed; anything else is
// dropped by Parse.
const (
	TypeChatMessage     = "chat-message"
	TypeMessageUpdated  = "message-updated"
	TypeMessageDeleted  = "message-deleted"
	TypeTypingStatus    = "typing-status" // full snapshot
	TypeTypingUpdate    = "typing-update" // incremental delta
	TypeUserStatus      = "user-status-update"
	TypeTopicChanged    = "topic-changed"
	TypeConnEstablished = "connection-established"
	TypeError           = "error"
	TypeMessageRead     = "message-read"
)

// Frame is the JSON envelope carried on the wire in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event is one parsed inbound frame. Exactly one variant per wire shape; the
// two typing shapes and the two presence shapes are distinct variants so no
// consumer ever sniffs payload structure.
type Event interface {
	Kind() string
}

// ChatMessage carries a confirmed message from the server, including echoes
// of the client's own sends (LocalID set when the sender supplied one).
type ChatMessage struct {
	Message state.Message
}

// MessageUpdated carries the full replacement body of an edited message or a
// message with new read receipts.
type MessageUpdated struct {
	Message state.Message
}

// MessageDeleted removes a message by id.
type MessageDeleted struct {
	MessageID string `json:"messageId"`
}

// TypingSnapshot is the full "users typing now" set (debate variant shape).
type TypingSnapshot struct {
	UserIDs []string `json:"userIds"`
}

// TypingDelta is one user's typing transition (community variant shape).
type TypingDelta struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// PresenceSnapshot is a full online-roster announcement.
type PresenceSnapshot struct {
	Members []state.UserSummary `json:"members"`
}

// PresenceDelta is one user's join or leave.
type PresenceDelta struct {
	User   state.UserSummary `json:"user"`
	Online bool              `json:"online"`
}

// TopicChanged announces the debate scope's new current topic.
type TopicChanged struct {
	Topic state.Topic
}

// ConnEstablished is the server's post-auth welcome, identifying the local
// user as the server sees them.
type ConnEstablished struct {
	Scope string            `json:"scope"`
	Self  state.UserSummary `json:"self"`
}

// ErrorEvent is a server-reported, non-fatal error.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ChatMessage) Kind() string      { return TypeChatMessage }
func (MessageUpdated) Kind() string   { return TypeMessageUpdated }
func (MessageDeleted) Kind() string   { return TypeMessageDeleted }
func (TypingSnapshot) Kind() string   { return TypeTypingStatus }
func (TypingDelta) Kind() string      { return TypeTypingUpdate }
func (PresenceSnapshot) Kind() string { return TypeUserStatus }
func (PresenceDelta) Kind() string    { return TypeUserStatus }
func (TopicChanged) Kind() string     { return TypeTopicChanged }
func (ConnEstablished) Kind() string  { return TypeConnEstablished }
func (ErrorEvent) Kind() string       { return TypeError }
