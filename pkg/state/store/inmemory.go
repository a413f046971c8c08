package store

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/studycircle/chatkit/pkg/state"
)

// Action is one discrete state transition of the message collection. The
// inbound event shapes map onto exactly one variant each.
type Action interface {
	isAction()
}

// Add inserts a message unless one with the same id is already present.
type Add struct {
	Message state.Message
}

// Update replaces the message with a matching id in place. No-op if absent.
type Update struct {
	Message state.Message
}

// Delete removes a message by id. No-op if absent.
type Delete struct {
	ID string
}

// Replace swaps the entry identified by OldID for Message, keeping its slot.
// Used to reconcile an optimistic temp entry with its server echo.
type Replace struct {
	OldID   string
	Message state.Message
}

// ReplaceAll resets the collection. Messages are given in chronological
// order (oldest first), as produced by an initial load or reconnect snapshot.
type ReplaceAll struct {
	Messages []state.Message
}

// PrependOlder merges an older history page, given in chronological order,
// before everything currently held. Ids already present are skipped.
type PrependOlder struct {
	Messages []state.Message
}

func (Add) isAction()          {}
func (Update) isAction()       {}
func (Delete) isAction()       {}
func (Replace) isAction()      {}
func (ReplaceAll) isAction()   {}
func (PrependOlder) isAction() {}

// MessageStore is the single authoritative ordered message collection for
// one scope. Internally newest-first; renderers read Chronological().
//
// All mutation goes through Apply so dispatches are serialized by one lock
// and consumers never hold a second mutable copy.
type MessageStore struct {
	mu     sync.RWMutex
	msgs   []state.Message // newest first
	ids    map[string]struct{}
	logger *slog.Logger
}

func NewMessageStore(logger *slog.Logger) *MessageStore {
	return &MessageStore{
		ids:    make(map[string]struct{}),
		logger: logger.With(slog.String("component", "message_store")),
	}
}

// Apply runs one transition and reports whether state changed.
func (s *MessageStore) Apply(action Action) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch a := action.(type) {
	case Add:
		return s.add(a.Message)
	case Update:
		return s.update(a.Message)
	case Delete:
		return s.remove(a.ID)
	case Replace:
		return s.replace(a.OldID, a.Message)
	case ReplaceAll:
		return s.replaceAll(a.Messages)
	case PrependOlder:
		return s.prependOlder(a.Messages)
	}
	return false
}

func (s *MessageStore) add(msg state.Message) bool {
	if _, exists := s.ids[msg.ID]; exists {
		// duplicate-guard: an echo of a message we already hold
		s.logger.Debug("Dropped duplicate add", slog.String("messageID", msg.ID))
		return false
	}
	s.msgs = append([]state.Message{msg}, s.msgs...)
	s.ids[msg.ID] = struct{}{}
	return true
}

func (s *MessageStore) update(msg state.Message) bool {
	for i := range s.msgs {
		if s.msgs[i].ID == msg.ID {
			s.msgs[i] = msg
			return true
		}
	}
	return false
}

func (s *MessageStore) remove(id string) bool {
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			delete(s.ids, id)
			return true
		}
	}
	return false
}

func (s *MessageStore) replace(oldID string, msg state.Message) bool {
	for i := range s.msgs {
		if s.msgs[i].ID == oldID {
			if _, exists := s.ids[msg.ID]; exists && msg.ID != oldID {
				// the confirmed copy is already held; drop the stale entry
				// instead of creating a second one.
				s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
				delete(s.ids, oldID)
				return true
			}
			s.msgs[i] = msg
			delete(s.ids, oldID)
			s.ids[msg.ID] = struct{}{}
			return true
		}
	}
	return false
}

func (s *MessageStore) replaceAll(chronological []state.Message) bool {
	s.msgs = make([]state.Message, 0, len(chronological))
	s.ids = make(map[string]struct{}, len(chronological))
	// store newest-first
	for i := len(chronological) - 1; i >= 0; i-- {
		msg := chronological[i]
		if _, exists := s.ids[msg.ID]; exists {
			continue
		}
		s.msgs = append(s.msgs, msg)
		s.ids[msg.ID] = struct{}{}
	}
	return true
}

func (s *MessageStore) prependOlder(chronological []state.Message) bool {
	changed := false
	// older messages belong at the tail of the newest-first slice,
	// newest of the page first.
	for i := len(chronological) - 1; i >= 0; i-- {
		msg := chronological[i]
		if _, exists := s.ids[msg.ID]; exists {
			continue
		}
		s.msgs = append(s.msgs, msg)
		s.ids[msg.ID] = struct{}{}
		changed = true
	}
	return changed
}

// Chronological returns a display-ordered copy: createdAt ascending, stable
// for equal timestamps (arrival order preserved, never re-sorted).
func (s *MessageStore) Chronological() []state.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]state.Message, len(s.msgs))
	for i, msg := range s.msgs {
		out[len(s.msgs)-1-i] = msg
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Contains reports whether a message with the given id is held.
func (s *MessageStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Get returns the message with the given id.
func (s *MessageStore) Get(id string) (state.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.msgs {
		if msg.ID == id {
			return msg, true
		}
	}
	return state.Message{}, false
}

// FindByLocalID returns the message carrying the given client-generated
// local id, if any. Used to pair an echo with its optimistic temp entry.
func (s *MessageStore) FindByLocalID(localID string) (state.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.msgs {
		if msg.LocalID == localID {
			return msg, true
		}
	}
	return state.Message{}, false
}

func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// OldestID returns the id of the oldest held message, or "" when empty.
// The windowed renderer uses it to anchor backfill triggers.
func (s *MessageStore) OldestID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.msgs) == 0 {
		return ""
	}
	return s.msgs[len(s.msgs)-1].ID
}
