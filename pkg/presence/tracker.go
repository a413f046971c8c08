package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/studycircle/chatkit/pkg/state"
)

// UserResolver fetches a profile for an id the tracker has never seen, so the
// UI never renders a bare id. Looked up out of band; failures degrade to a
// placeholder summary.
type UserResolver func(ctx context.Context, userID string) (state.UserSummary, error)

// Tracker derives the online set and the typing set from inbound presence and
// typing events. Both event families arrive as either a full snapshot or an
// incremental delta; each shape has its own Apply arm.
type Tracker struct {
	mu      sync.RWMutex
	online  map[string]state.UserSummary
	typing  map[string]struct{}
	localID string

	resolve UserResolver
	logger  *slog.Logger
}

func NewTracker(localUserID string, resolve UserResolver, logger *slog.Logger) *Tracker {
	return &Tracker{
		online:  make(map[string]state.UserSummary),
		typing:  make(map[string]struct{}),
		localID: localUserID,
		resolve: resolve,
		logger:  logger.With(slog.String("component", "presence_tracker")),
	}
}

// SetLocalUser updates the local user id, known only after the server's
// welcome event.
func (t *Tracker) SetLocalUser(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localID = userID
	delete(t.typing, userID)
}

// ApplyRoster replaces the online set with a full snapshot. Typing entries
// for users no longer online are dropped.
func (t *Tracker) ApplyRoster(members []state.UserSummary) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.online = make(map[string]state.UserSummary, len(members))
	for _, m := range members {
		t.online[m.ID] = m
	}
	for id := range t.typing {
		if _, ok := t.online[id]; !ok {
			delete(t.typing, id)
		}
	}
}

// ApplyPresence applies one join/leave delta. A joiner arriving as a bare id
// is admitted immediately and their profile is looked up out of band, so the
// dispatch path never waits on the resolver.
func (t *Tracker) ApplyPresence(ctx context.Context, user state.UserSummary, onlineNow bool) {
	if !onlineNow {
		t.mu.Lock()
		delete(t.online, user.ID)
		// a user who left cannot remain typing
		delete(t.typing, user.ID)
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	t.online[user.ID] = user
	t.mu.Unlock()

	if user.Name == "" && t.resolve != nil {
		go t.resolveProfile(ctx, user.ID)
	}
}

// resolveProfile fills in a bare-id entry once the lookup lands, provided the
// user has not left in the meantime.
func (t *Tracker) resolveProfile(ctx context.Context, userID string) {
	resolved, err := t.resolve(ctx, userID)
	if err != nil {
		t.logger.Warn("Profile lookup failed for joining user", slog.String("userID", userID), slog.Any("error", err))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.online[userID]; ok {
		t.online[userID] = resolved
	}
}

// ApplyTypingSnapshot replaces the typing set with a full "typing now" list.
func (t *Tracker) ApplyTypingSnapshot(userIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.typing = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if t.admissible(id) {
			t.typing[id] = struct{}{}
		}
	}
}

// ApplyTypingDelta applies one (userId, isTyping) transition.
func (t *Tracker) ApplyTypingDelta(userID string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !isTyping {
		delete(t.typing, userID)
		return
	}
	if t.admissible(userID) {
		t.typing[userID] = struct{}{}
	}
}

// NoteMessageFrom clears a user's typing entry: a delivered message ends the
// "is typing" state whether or not a stop event arrives.
func (t *Tracker) NoteMessageFrom(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.typing, userID)
}

// admissible filters the local user and anyone outside the online set.
// Caller holds the lock.
func (t *Tracker) admissible(userID string) bool {
	if userID == t.localID {
		return false
	}
	_, ok := t.online[userID]
	return ok
}

// Online returns the online members, sorted by name for stable rendering.
func (t *Tracker) Online() []state.UserSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	members := make([]state.UserSummary, 0, len(t.online))
	for _, m := range t.online {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Name != members[j].Name {
			return members[i].Name < members[j].Name
		}
		return members[i].ID < members[j].ID
	})
	return members
}

// Typing returns the ids currently typing, sorted.
func (t *Tracker) Typing() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.typing))
	for id := range t.typing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsOnline reports whether the given user is in the online set.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}
