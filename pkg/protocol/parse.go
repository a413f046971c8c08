package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/studycircle/chatkit/pkg/state"
)

var (
	// ErrUnknownFrame marks a frame whose type is outside the closed set.
	ErrUnknownFrame = errors.New("unknown frame type")
	// ErrMalformedFrame marks a frame that is not valid JSON or misses
	// required fields. Callers drop and log, never crash the session.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Parse turns one raw inbound frame into a typed Event.
func Parse(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformedFrame
	}
	frameType := gjson.GetBytes(data, "type")
	if !frameType.Exists() {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	payload := []byte(gjson.GetBytes(data, "payload").Raw)

	switch frameType.String() {
	case TypeChatMessage:
		var msg state.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, TypeChatMessage, err)
		}
		if msg.ID == "" {
			return nil, fmt.Errorf("%w: chat-message without id", ErrMalformedFrame)
		}
		return ChatMessage{Message: msg}, nil

	case TypeMessageUpdated:
		var msg state.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, TypeMessageUpdated, err)
		}
		return MessageUpdated{Message: msg}, nil

	case TypeMessageDeleted:
		var ev MessageDeleted
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, TypeMessageDeleted, err)
		}
		return ev, nil

	case TypeTypingStatus:
		var ev TypingSnapshot
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, TypeTypingStatus, err)
		}
		return ev, nil

	case TypeTypingUpdate:
		var ev TypingDelta
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, TypeTypingUpdate, err)
		}
		return ev, nil

	case TypeUserStatus:
		// one wire type, two shapes: a full roster carries "members",
		// a join/leave delta carries "user".
		if gjson.GetBytes(payload, "members").Exists() {
			var ev PresenceSnapshot
			if err := json.Unmarshal(payload, &ev); err != nil {
				return nil, fmt.Errorf("%w: %s snapshot: %v", ErrMalformedFrame, TypeUserStatus, err)
			}
			return ev, nil
		}
		var ev PresenceDelta
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s delta: %v", ErrMalformedFrame, TypeUserStatus, err)
		}
		if ev.User.ID == "" {
			return nil, fmt.Errorf("%w: presence delta without user id", ErrMalformedFrame)
		}
		return ev, nil

	case TypeTopicChanged:
		var topic state.Topic
		if err := json.Unmarshal(payload, &topic); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, TypeTopicChanged, err)
		}
		return TopicChanged{Topic: topic}, nil

	case TypeConnEstablished:
		var ev ConnEstablished
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, TypeConnEstablished, err)
		}
		return ev, nil

	case TypeError:
		var ev ErrorEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, TypeError, err)
		}
		return ev, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, frameType.String())
}

// Encode wraps a payload in the wire envelope.
func Encode(frameType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", frameType, err)
	}
	return json.Marshal(Frame{Type: frameType, Payload: raw})
}

// --- Outbound payloads ---

// SendMessage is the client's new-message intent. LocalID is the client
// idempotency key the server echoes back for temp-entry reconciliation.
type SendMessage struct {
	LocalID string          `json:"localId"`
	Content string          `json:"content"`
	File    *state.FileMeta `json:"file,omitempty"`
	TopicID string          `json:"topicId,omitempty"`
}

// EditMessage is the client's edit intent.
type EditMessage struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// DeleteMessage is the client's delete intent.
type DeleteMessage struct {
	MessageID string `json:"messageId"`
}

// SetTyping reports the local user's typing transition.
type SetTyping struct {
	IsTyping bool `json:"isTyping"`
}

// MarkRead records a read receipt for one message.
type MarkRead struct {
	MessageID string `json:"messageId"`
}
