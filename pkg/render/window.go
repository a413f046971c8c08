// Package render holds the windowed-renderer contract: variable-height rows
// whose measured sizes feed back into the layout one row at a time, plus the
// near-top prefetch trigger that drives history backfill.
package render

import (
	"sync"

	"github.com/studycircle/chatkit/pkg/state"
)

// Estimate heuristics used before a real measurement arrives. Coarse on
// purpose; only the shape of the content matters.
const (
	defaultRowHeight    = 48
	longTextRowHeight   = 96
	attachmentRowHeight = 220
	longTextThreshold   = 120
)

// DefaultEstimator guesses a row height from content shape.
func DefaultEstimator(msg state.Message) int {
	if msg.File != nil {
		return attachmentRowHeight
	}
	if len(msg.Content) > longTextThreshold {
		return longTextRowHeight
	}
	return defaultRowHeight
}

// PrefetchFunc is invoked when the top of the rendered window comes within
// the margin of the oldest loaded row. Single-flight de-duplication is the
// history loader's job, so firing this eagerly is safe.
type PrefetchFunc func()

// Window caches per-row measured heights keyed by message id. A measurement
// report invalidates only the affected row, never the whole layout.
type Window struct {
	mu       sync.RWMutex
	measured map[string]int
	estimate func(state.Message) int

	prefetchMargin int
	onPrefetch     PrefetchFunc
}

func NewWindow(estimator func(state.Message) int, prefetchMargin int, onPrefetch PrefetchFunc) *Window {
	if estimator == nil {
		estimator = DefaultEstimator
	}
	if prefetchMargin <= 0 {
		prefetchMargin = 5
	}
	return &Window{
		measured:       make(map[string]int),
		estimate:       estimator,
		prefetchMargin: prefetchMargin,
		onPrefetch:     onPrefetch,
	}
}

// SizeFor returns the measured height for a row, or the estimate until a
// real measurement arrives.
func (w *Window) SizeFor(msg state.Message) int {
	w.mu.RLock()
	h, ok := w.measured[msg.ID]
	w.mu.RUnlock()
	if ok {
		return h
	}
	return w.estimate(msg)
}

// ReportSize records a row's measured height and reports whether the cached
// value changed. Rows report once per content change, including after an
// async image load.
func (w *Window) ReportSize(messageID string, height int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.measured[messageID]; ok && prev == height {
		return false
	}
	w.measured[messageID] = height
	return true
}

// Invalidate drops a single row's cached measurement, e.g. when the message
// was edited and will re-measure.
func (w *Window) Invalidate(messageID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.measured, messageID)
}

// Rekey moves a cached measurement to a new id. Used when an optimistic temp
// entry is reconciled with its confirmed message: same rendered row, new key.
func (w *Window) Rekey(oldID, newID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if h, ok := w.measured[oldID]; ok {
		delete(w.measured, oldID)
		w.measured[newID] = h
	}
}

// TotalHeight sums the (measured or estimated) heights of the given rows.
func (w *Window) TotalHeight(msgs []state.Message) int {
	total := 0
	for _, msg := range msgs {
		total += w.SizeFor(msg)
	}
	return total
}

// OnVisible reports the first visible row index after a scroll. When the top
// of the window is within the prefetch margin of the oldest loaded row the
// prefetch callback fires.
func (w *Window) OnVisible(firstVisibleIndex int) {
	if firstVisibleIndex <= w.prefetchMargin && w.onPrefetch != nil {
		w.onPrefetch()
	}
}

// Anchor captures the scroll position relative to the bottom of the list so
// a prepend of older rows does not move what the user is looking at.
type Anchor struct {
	heightBefore int
}

// CaptureAnchor snapshots the list height before a history merge.
func (w *Window) CaptureAnchor(msgs []state.Message) Anchor {
	return Anchor{heightBefore: w.TotalHeight(msgs)}
}

// RestoreOffset returns how far the scroll offset must shift after the merge
// to keep the previously visible rows in place.
func (w *Window) RestoreOffset(anchor Anchor, msgs []state.Message) int {
	return w.TotalHeight(msgs) - anchor.heightBefore
}
