package state

import (
	"strings"
	"time"
)

// ScopeType distinguishes the two chat variants.
type ScopeType string

const (
	// ScopeGroup is the moderated debate chat of a study group.
	ScopeGroup ScopeType = "group"
	// ScopeCommunity is the plain community chat.
	ScopeCommunity ScopeType = "community"
)

// Scope identifies the chat context a session is bound to.
type Scope struct {
	Type ScopeType
	ID   string
}

func (s Scope) String() string {
	return string(s.Type) + ":" + s.ID
}

// Path is the scope's REST path prefix, e.g. "group/g-42".
func (s Scope) Path() string {
	return string(s.Type) + "/" + s.ID
}

// UserSummary is the sender/member projection attached to messages and
// presence entries.
type UserSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// FileMeta describes an optional message attachment. Carried opaquely; the
// engine never fetches the URL itself.
type FileMeta struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// Message is the canonical chat message.
//
// ID is server-issued for confirmed messages. For an optimistic entry it is
// the client-generated temp id until the echo arrives; LocalID travels with
// the outbound frame so the echo can be paired back to the temp entry.
type Message struct {
	ID        string               `json:"id"`
	LocalID   string               `json:"localId,omitempty"`
	Content   string               `json:"content"`
	Sender    UserSummary          `json:"sender"`
	CreatedAt time.Time            `json:"createdAt"`
	Edited    bool                 `json:"edited,omitempty"`
	ReadBy    map[string]time.Time `json:"readBy,omitempty"`
	File      *FileMeta            `json:"file,omitempty"`
	TopicID   string               `json:"topicId,omitempty"`
	Temp      bool                 `json:"-"`
}

// TempIDPrefix marks client-generated provisional ids.
const TempIDPrefix = "temp-"

func (m Message) IsTemp() bool {
	return m.Temp || strings.HasPrefix(m.ID, TempIDPrefix)
}

// Topic is the single active discussion subject of a debate scope. Topics are
// replaced, never mutated.
type Topic struct {
	ID    string      `json:"id"`
	Text  string      `json:"topic"`
	SetBy UserSummary `json:"setBy"`
	SetAt time.Time   `json:"setAt"`
}
