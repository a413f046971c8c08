package topic

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/studycircle/chatkit/pkg/state"
)

// MinLength is the minimum acceptable topic length after trimming.
const MinLength = 5

// HistoryCap bounds the retained previous-topic list surfaced to group
// leaders for re-selection.
const HistoryCap = 20

// ErrTopicTooShort rejects a set-topic attempt below MinLength. Validated
// locally, before any network call.
var ErrTopicTooShort = errors.New("topic is too short")

// Coordinator tracks the single current discussion topic of a debate scope.
// Once a topic is set the scope never returns to the no-topic state; every
// change pushes the outgoing topic onto a bounded most-recent-first history.
type Coordinator struct {
	mu      sync.RWMutex
	current *state.Topic
	history []state.Topic

	logger *slog.Logger
}

func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger: logger.With(slog.String("component", "topic_coordinator")),
	}
}

// Validate checks a candidate topic text without mutating anything.
func Validate(text string) error {
	if len(strings.TrimSpace(text)) < MinLength {
		return ErrTopicTooShort
	}
	return nil
}

// Apply installs a confirmed topic change (from a topic-changed event or a
// topic fetch). The outgoing topic, if any, is appended to history.
func (c *Coordinator) Apply(t state.Topic) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		same := c.current.Text == t.Text && c.current.SetAt.Equal(t.SetAt)
		if t.ID != "" && c.current.ID == t.ID {
			same = true
		}
		if same {
			return // resync echo of the topic we already hold
		}
		c.history = append([]state.Topic{*c.current}, c.history...)
		if len(c.history) > HistoryCap {
			c.history = c.history[:HistoryCap]
		}
	}
	c.current = &t
	c.logger.Debug("Topic changed", slog.String("topic", t.Text), slog.String("setBy", t.SetBy.ID))
}

// Current returns the active topic, if one has ever been set.
func (c *Coordinator) Current() (state.Topic, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return state.Topic{}, false
	}
	return *c.current, true
}

// HasTopic reports whether the scope has left the no-topic state.
func (c *Coordinator) HasTopic() bool {
	_, ok := c.Current()
	return ok
}

// History returns previous topics, most recent first.
func (c *Coordinator) History() []state.Topic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]state.Topic, len(c.history))
	copy(out, c.history)
	return out
}

// NewTopic builds a topic value for a local set attempt.
func NewTopic(text string, setBy state.UserSummary) state.Topic {
	return state.Topic{Text: strings.TrimSpace(text), SetBy: setBy, SetAt: time.Now().UTC()}
}
