// Package history implements paginated backfill of older messages and their
// merge into the message store.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/studycircle/chatkit/pkg/state"
	"github.com/studycircle/chatkit/pkg/state/store"
)

var (
	// ErrBackfillInFlight rejects a second concurrent load for the same
	// scope; the caller simply waits for the first one.
	ErrBackfillInFlight = errors.New("backfill already in flight")
	// ErrStaleScope marks a response that arrived after the loader's scope
	// was torn down. The merge is skipped; the store is no longer ours.
	ErrStaleScope = errors.New("scope no longer active")
)

// Fetcher is the REST collaborator the loader pulls pages from. Pages arrive
// newest first.
type Fetcher interface {
	Messages(ctx context.Context, scope state.Scope, limit, offset int) ([]state.Message, error)
}

// Loader backfills message history into the store one page at a time.
type Loader struct {
	fetch    Fetcher
	store    *store.MessageStore
	scope    state.Scope
	pageSize int

	mu       sync.Mutex
	inFlight bool
	hasMore  bool
	active   atomic.Bool

	logger *slog.Logger
}

func NewLoader(fetch Fetcher, st *store.MessageStore, scope state.Scope, pageSize int, logger *slog.Logger) *Loader {
	l := &Loader{
		fetch:    fetch,
		store:    st,
		scope:    scope,
		pageSize: pageSize,
		hasMore:  true,
		logger:   logger.With(slog.String("component", "history_loader"), slog.String("scope", scope.String())),
	}
	l.active.Store(true)
	return l
}

// LoadMessages fetches the page at the given offset and merges it. Offset 0
// replaces the store (initial load or reconnect snapshot); any other offset
// prepends older messages. Returns the number of messages the page carried.
//
// A failed fetch leaves hasMore untouched so the user can retry by scrolling
// again. Repeating a successful call for the same offset is idempotent: the
// store's id guard drops every already-held message.
func (l *Loader) LoadMessages(ctx context.Context, offset int) (int, error) {
	l.mu.Lock()
	if l.inFlight {
		l.mu.Unlock()
		return 0, ErrBackfillInFlight
	}
	l.inFlight = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.inFlight = false
		l.mu.Unlock()
	}()

	page, err := l.fetch.Messages(ctx, l.scope, l.pageSize, offset)
	if err != nil {
		l.logger.Warn("Backfill fetch failed", slog.Int("offset", offset), slog.Any("error", err))
		return 0, err
	}

	// a late response must never be merged into a store that has moved on
	if !l.active.Load() {
		return 0, ErrStaleScope
	}

	chronological := reverse(page)
	if offset == 0 {
		l.store.Apply(store.ReplaceAll{Messages: chronological})
	} else {
		l.store.Apply(store.PrependOlder{Messages: chronological})
	}

	l.mu.Lock()
	if len(page) < l.pageSize {
		l.hasMore = false
	}
	l.mu.Unlock()

	l.logger.Debug("Merged history page",
		slog.Int("offset", offset),
		slog.Int("count", len(page)),
		slog.Bool("hasMore", l.HasMore()),
	)
	return len(page), nil
}

// LoadOlder backfills the next page of older messages, using the current
// store size as the offset. No-op once history is exhausted.
func (l *Loader) LoadOlder(ctx context.Context) (int, error) {
	if !l.HasMore() {
		return 0, nil
	}
	return l.LoadMessages(ctx, l.store.Len())
}

// HasMore reports whether older pages may remain. It turns false exactly
// when a page returns fewer items than the page size.
func (l *Loader) HasMore() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasMore
}

// Reset re-arms the loader for a fresh snapshot, e.g. after a reconnect.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hasMore = true
}

// Close marks the loader's scope as torn down. In-flight requests are not
// aborted; their responses are dropped at the stale-scope check.
func (l *Loader) Close() {
	l.active.Store(false)
}

func reverse(msgs []state.Message) []state.Message {
	out := make([]state.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
