// Package engine wires the transport session, the message store, the
// presence tracker and the topic coordinator into one chat session per scope.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studycircle/chatkit/internal/history"
	"github.com/studycircle/chatkit/pkg/presence"
	"github.com/studycircle/chatkit/pkg/protocol"
	"github.com/studycircle/chatkit/pkg/state"
	"github.com/studycircle/chatkit/pkg/state/store"
	"github.com/studycircle/chatkit/pkg/topic"
	"github.com/studycircle/chatkit/pkg/transport"
)

// Variant selects between the two chat flavors.
type Variant int

const (
	// VariantDebate is the study-group chat with a moderated topic gating
	// sends. Presence is deactivated on teardown.
	VariantDebate Variant = iota
	// VariantCommunity is the plain community chat. Teardown keeps presence
	// warm across navigations.
	VariantCommunity
)

var (
	// ErrEmptyContent rejects a blank send before any network call.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrNoTopic rejects a debate-variant send while no topic is set.
	// A local validation gate, not a server round-trip.
	ErrNoTopic = errors.New("no discussion topic is set")
	// ErrNoSender means the session was never wired to a transport.
	ErrNoSender = errors.New("no transport sender configured")
)

// Sender is the outbound transport surface. *transport.Session satisfies it;
// tests substitute a fake.
type Sender interface {
	Send(frameType string, payload any) error
	State() transport.State
}

// Backend bundles the REST collaborators. *api.Client satisfies it.
type Backend interface {
	history.Fetcher
	Members(ctx context.Context, scope state.Scope) ([]state.UserSummary, error)
	Topic(ctx context.Context, scope state.Scope) (state.Topic, bool, error)
	SetTopic(ctx context.Context, scope state.Scope, text string) (state.Topic, error)
	Heartbeat(ctx context.Context, scope state.Scope, active bool) error
	Profile(ctx context.Context, userID string) (state.UserSummary, error)
}

// NoticeLevel grades user-facing transient notices.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeWarning
	NoticeError
)

// Notice is a transient user-facing message (send failure, backfill failure,
// validation warning). Presentation is the consumer's business.
type Notice struct {
	Level NoticeLevel
	Text  string
}

// Config configures one chat session.
type Config struct {
	Scope     state.Scope
	Variant   Variant
	LocalUser state.UserSummary
	PageSize  int
	// TypingDebounce collapses repeated still-typing reports inside the
	// window into one frame. Zero disables debouncing.
	TypingDebounce time.Duration
	// LeaveOnClose overrides the variant default: debate deactivates
	// presence on teardown, community does not.
	LeaveOnClose *bool
}

// ChatSession is the per-scope coordinator. All inbound events funnel through
// HandleEvent in arrival order; every derived decision reads the stores'
// current snapshot at dispatch time, never state captured at handler creation.
type ChatSession struct {
	cfg     Config
	sender  Sender
	backend Backend

	store    *store.MessageStore
	presence *presence.Tracker
	topics   *topic.Coordinator
	loader   *history.Loader

	mu         sync.Mutex
	localUser  state.UserSummary
	lastTyping time.Time

	onNotice    func(Notice)
	onChange    func()
	onReconcile func(oldID, newID string)

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func New(cfg Config, sender Sender, backend Backend, logger *slog.Logger) *ChatSession {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	logger = logger.With(slog.String("component", "chat_session"), slog.String("scope", cfg.Scope.String()))

	st := store.NewMessageStore(logger)
	s := &ChatSession{
		cfg:       cfg,
		sender:    sender,
		backend:   backend,
		store:     st,
		topics:    topic.NewCoordinator(logger),
		localUser: cfg.LocalUser,
		logger:    logger,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.presence = presence.NewTracker(cfg.LocalUser.ID, backend.Profile, logger)
	s.loader = history.NewLoader(backend, st, cfg.Scope, cfg.PageSize, logger)
	return s
}

// --- Consumer hooks ---

// SetSender wires the transport after construction; the transport session
// needs the engine's handlers before it can be built, so the sender may
// arrive second.
func (s *ChatSession) SetSender(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

func (s *ChatSession) SetNoticeHandler(fn func(Notice)) { s.onNotice = fn }

// SetChangeHandler registers the re-render signal, fired after every state
// mutation.
func (s *ChatSession) SetChangeHandler(fn func()) { s.onChange = fn }

// SetReconcileHandler observes temp-to-confirmed id swaps so renderers can
// re-key cached row measurements.
func (s *ChatSession) SetReconcileHandler(fn func(oldID, newID string)) { s.onReconcile = fn }

// --- Read surface ---

func (s *ChatSession) Messages() []state.Message   { return s.store.Chronological() }
func (s *ChatSession) Store() *store.MessageStore  { return s.store }
func (s *ChatSession) Presence() *presence.Tracker { return s.presence }
func (s *ChatSession) Topics() *topic.Coordinator  { return s.topics }
func (s *ChatSession) Loader() *history.Loader     { return s.loader }
func (s *ChatSession) Scope() state.Scope          { return s.cfg.Scope }

// LocalUser returns the local user as last confirmed by the server.
func (s *ChatSession) LocalUser() state.UserSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localUser
}

// --- Inbound dispatch ---

// HandleEvent applies one inbound transport event. Wire it as the transport
// session's event handler; dispatches are serialized by arrival order.
func (s *ChatSession) HandleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.ChatMessage:
		s.applyInboundMessage(e.Message)
	case protocol.MessageUpdated:
		s.store.Apply(store.Update{Message: e.Message})
	case protocol.MessageDeleted:
		s.store.Apply(store.Delete{ID: e.MessageID})
	case protocol.TypingSnapshot:
		s.presence.ApplyTypingSnapshot(e.UserIDs)
	case protocol.TypingDelta:
		s.presence.ApplyTypingDelta(e.UserID, e.IsTyping)
	case protocol.PresenceSnapshot:
		s.presence.ApplyRoster(e.Members)
	case protocol.PresenceDelta:
		s.presence.ApplyPresence(s.ctx, e.User, e.Online)
	case protocol.TopicChanged:
		s.topics.Apply(e.Topic)
	case protocol.ConnEstablished:
		s.mu.Lock()
		s.localUser = e.Self
		s.mu.Unlock()
		s.presence.SetLocalUser(e.Self.ID)
	case protocol.ErrorEvent:
		s.notify(Notice{Level: NoticeError, Text: e.Message})
	default:
		s.logger.Warn("Unhandled event kind", slog.String("kind", ev.Kind()))
		return
	}
	s.changed()
}

// applyInboundMessage adds a confirmed message. An echo of our own optimistic
// send carries the localId we attached; that entry is replaced in place so
// the temp message and its confirmation never coexist. Everything else goes
// through the id duplicate-guard.
func (s *ChatSession) applyInboundMessage(msg state.Message) {
	s.presence.NoteMessageFrom(msg.Sender.ID)

	if msg.LocalID != "" {
		if temp, ok := s.store.FindByLocalID(msg.LocalID); ok && temp.IsTemp() {
			s.store.Apply(store.Replace{OldID: temp.ID, Message: msg})
			if s.onReconcile != nil {
				s.onReconcile(temp.ID, msg.ID)
			}
			return
		}
	}
	s.store.Apply(store.Add{Message: msg})
}

// HandleConnState reacts to transport state changes. On every connect the
// session re-requests a fresh snapshot; the transport itself holds no state.
func (s *ChatSession) HandleConnState(st transport.State) {
	if st != transport.StateConnected {
		s.changed()
		return
	}
	go s.resync()
}

func (s *ChatSession) resync() {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	s.loader.Reset()
	if _, err := s.loader.LoadMessages(ctx, 0); err != nil {
		s.logger.Warn("Snapshot history load failed", slog.Any("error", err))
		s.notify(Notice{Level: NoticeWarning, Text: "could not load messages"})
	}

	members, err := s.backend.Members(ctx, s.cfg.Scope)
	if err != nil {
		s.logger.Warn("Roster fetch failed", slog.Any("error", err))
	} else {
		s.presence.ApplyRoster(members)
	}

	if s.cfg.Variant == VariantDebate {
		if t, ok, err := s.backend.Topic(ctx, s.cfg.Scope); err != nil {
			s.logger.Warn("Topic fetch failed", slog.Any("error", err))
		} else if ok {
			s.topics.Apply(t)
		}
	}

	if err := s.backend.Heartbeat(ctx, s.cfg.Scope, true); err != nil {
		s.logger.Debug("Presence heartbeat failed", slog.Any("error", err))
	}
	s.changed()
}

// --- Outbound surface ---

// SendMessage performs the optimistic send: validate locally, insert a temp
// entry, transmit, roll the temp entry back if transmission fails. A temp
// message never outlives both its confirmation and its rollback.
func (s *ChatSession) SendMessage(ctx context.Context, content string, file *state.FileMeta) error {
	content = strings.TrimSpace(content)
	if content == "" && file == nil {
		return ErrEmptyContent
	}
	if s.cfg.Variant == VariantDebate && !s.topics.HasTopic() {
		s.notify(Notice{Level: NoticeWarning, Text: "set a discussion topic before sending"})
		return ErrNoTopic
	}

	var topicID string
	if t, ok := s.topics.Current(); ok {
		topicID = t.ID
	}

	tempID := state.TempIDPrefix + uuid.NewString()
	temp := state.Message{
		ID:        tempID,
		LocalID:   tempID,
		Content:   content,
		Sender:    s.LocalUser(),
		CreatedAt: time.Now().UTC(),
		File:      file,
		TopicID:   topicID,
		Temp:      true,
	}
	s.store.Apply(store.Add{Message: temp})
	s.changed()

	// every outbound message doubles as a presence self-announcement
	go func() {
		hbCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		defer cancel()
		if err := s.backend.Heartbeat(hbCtx, s.cfg.Scope, true); err != nil {
			s.logger.Debug("Presence heartbeat failed", slog.Any("error", err))
		}
	}()

	err := s.send(protocol.TypeChatMessage, protocol.SendMessage{
		LocalID: tempID,
		Content: content,
		File:    file,
		TopicID: topicID,
	})
	if err != nil {
		s.store.Apply(store.Delete{ID: tempID})
		s.changed()
		text := "message could not be sent"
		s.mu.Lock()
		if s.sender != nil && s.sender.State() != transport.StateConnected {
			text = "not connected; message not sent"
		}
		s.mu.Unlock()
		s.notify(Notice{Level: NoticeError, Text: text})
		return err
	}
	return nil
}

// EditMessage transmits an edit intent. The store mutates when the
// message-updated event comes back.
func (s *ChatSession) EditMessage(messageID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyContent
	}
	return s.send(protocol.TypeMessageUpdated, protocol.EditMessage{MessageID: messageID, Content: content})
}

// DeleteMessage transmits a delete intent.
func (s *ChatSession) DeleteMessage(messageID string) error {
	return s.send(protocol.TypeMessageDeleted, protocol.DeleteMessage{MessageID: messageID})
}

// SetTyping reports the local user's typing state. Repeated still-typing
// reports inside the debounce window collapse into one frame, and nothing
// is reported while the transport is down. Failure is deliberately silent;
// typing indicators are best effort.
func (s *ChatSession) SetTyping(isTyping bool) {
	s.mu.Lock()
	if isTyping {
		if s.sender == nil || s.sender.State() != transport.StateConnected {
			s.mu.Unlock()
			return
		}
		if s.cfg.TypingDebounce > 0 && time.Since(s.lastTyping) < s.cfg.TypingDebounce {
			s.mu.Unlock()
			return
		}
		s.lastTyping = time.Now()
	} else {
		s.lastTyping = time.Time{}
	}
	s.mu.Unlock()

	if err := s.send(protocol.TypeTypingUpdate, protocol.SetTyping{IsTyping: isTyping}); err != nil {
		s.logger.Debug("Typing report dropped", slog.Any("error", err))
	}
}

// MarkRead records a read receipt for one message.
func (s *ChatSession) MarkRead(messageID string) error {
	return s.send(protocol.TypeMessageRead, protocol.MarkRead{MessageID: messageID})
}

// SetTopic submits a topic change (debate variant). The confirmed topic is
// applied immediately; the broadcast echo deduplicates in the coordinator.
func (s *ChatSession) SetTopic(ctx context.Context, text string) error {
	if err := topic.Validate(text); err != nil {
		s.notify(Notice{Level: NoticeWarning, Text: "topic is too short"})
		return err
	}
	t, err := s.backend.SetTopic(ctx, s.cfg.Scope, strings.TrimSpace(text))
	if err != nil {
		s.notify(Notice{Level: NoticeError, Text: "topic could not be set"})
		return err
	}
	s.topics.Apply(t)
	s.changed()
	return nil
}

// RequestMoreHistory backfills one older page. Concurrent requests collapse
// into the loader's single-flight guard.
func (s *ChatSession) RequestMoreHistory(ctx context.Context) {
	n, err := s.loader.LoadOlder(ctx)
	if err != nil {
		if errors.Is(err, history.ErrBackfillInFlight) || errors.Is(err, history.ErrStaleScope) {
			return
		}
		s.notify(Notice{Level: NoticeWarning, Text: "could not load older messages"})
		return
	}
	if n > 0 {
		s.changed()
	}
}

// Close tears the session down. The debate variant reports the member
// inactive; the community variant keeps presence warm across navigations.
func (s *ChatSession) Close() {
	s.loader.Close()

	leave := s.cfg.Variant == VariantDebate
	if s.cfg.LeaveOnClose != nil {
		leave = *s.cfg.LeaveOnClose
	}
	if leave {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.backend.Heartbeat(ctx, s.cfg.Scope, false); err != nil {
			s.logger.Debug("Leave report failed", slog.Any("error", err))
		}
	}
	s.cancel()
}

// send forwards one frame through the wired transport.
func (s *ChatSession) send(frameType string, payload any) error {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return ErrNoSender
	}
	return sender.Send(frameType, payload)
}

func (s *ChatSession) notify(n Notice) {
	if s.onNotice != nil {
		s.onNotice(n)
	}
}

func (s *ChatSession) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
