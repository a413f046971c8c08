package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/studycircle/chatkit/internal/engine"
	"github.com/studycircle/chatkit/pkg/logging"
	"github.com/studycircle/chatkit/pkg/protocol"
	"github.com/studycircle/chatkit/pkg/state"
	"github.com/studycircle/chatkit/pkg/transport"
)

// --- Fakes ---

type sentFrame struct {
	frameType string
	payload   any
}

type fakeSender struct {
	mu     sync.Mutex
	frames []sentFrame
	err    error
	down   bool
}

func (f *fakeSender) Send(frameType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, sentFrame{frameType: frameType, payload: payload})
	return nil
}

func (f *fakeSender) State() transport.State {
	if f.down {
		return transport.StateDisconnected
	}
	return transport.StateConnected
}

func (f *fakeSender) sent() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentFrame, len(f.frames))
	copy(out, f.frames)
	return out
}

type fakeBackend struct {
	mu         sync.Mutex
	heartbeats []bool
}

func (f *fakeBackend) Messages(context.Context, state.Scope, int, int) ([]state.Message, error) {
	return []state.Message{}, nil
}

func (f *fakeBackend) Members(context.Context, state.Scope) ([]state.UserSummary, error) {
	return nil, nil
}

func (f *fakeBackend) Topic(context.Context, state.Scope) (state.Topic, bool, error) {
	return state.Topic{}, false, nil
}

func (f *fakeBackend) SetTopic(_ context.Context, _ state.Scope, text string) (state.Topic, error) {
	return state.Topic{ID: "t-1", Text: text, SetAt: time.Now()}, nil
}

func (f *fakeBackend) Heartbeat(_ context.Context, _ state.Scope, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, active)
	return nil
}

func (f *fakeBackend) Profile(_ context.Context, userID string) (state.UserSummary, error) {
	return state.UserSummary{ID: userID, Name: "Resolved"}, nil
}

func (f *fakeBackend) heartbeatLog() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bool, len(f.heartbeats))
	copy(out, f.heartbeats)
	return out
}

func newTestSession(t *testing.T, variant engine.Variant) (*engine.ChatSession, *fakeSender, *fakeBackend) {
	t.Helper()
	sender := &fakeSender{}
	backend := &fakeBackend{}
	s := engine.New(engine.Config{
		Scope:     state.Scope{Type: state.ScopeGroup, ID: "g-1"},
		Variant:   variant,
		LocalUser: state.UserSummary{ID: "me", Name: "Merel"},
	}, sender, backend, logging.Discard())
	return s, sender, backend
}

func installTopic(s *engine.ChatSession) {
	s.HandleEvent(protocol.TopicChanged{Topic: state.Topic{
		ID: "t-1", Text: "today's debate", SetBy: state.UserSummary{ID: "lead"}, SetAt: time.Now(),
	}})
}

// --- Validation gates ---

func TestSendRejectedWithoutTopic(t *testing.T) {
	s, sender, _ := newTestSession(t, engine.VariantDebate)
	var notices []engine.Notice
	s.SetNoticeHandler(func(n engine.Notice) { notices = append(notices, n) })

	err := s.SendMessage(context.Background(), "hello", nil)
	if !errors.Is(err, engine.ErrNoTopic) {
		t.Fatalf("expected ErrNoTopic, got %v", err)
	}
	if s.Store().Len() != 0 {
		t.Error("store mutated by a rejected send")
	}
	if len(sender.sent()) != 0 {
		t.Error("a frame was transmitted despite the local validation gate")
	}
	if len(notices) != 1 || notices[0].Level != engine.NoticeWarning {
		t.Errorf("expected one warning notice, got %+v", notices)
	}
}

func TestEmptyContentRejected(t *testing.T) {
	s, sender, _ := newTestSession(t, engine.VariantCommunity)
	if err := s.SendMessage(context.Background(), "   ", nil); !errors.Is(err, engine.ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if s.Store().Len() != 0 || len(sender.sent()) != 0 {
		t.Error("blank send touched store or network")
	}
}

func TestCommunityVariantSendsWithoutTopic(t *testing.T) {
	s, sender, _ := newTestSession(t, engine.VariantCommunity)
	if err := s.SendMessage(context.Background(), "hi all", nil); err != nil {
		t.Fatalf("community send should not require a topic: %v", err)
	}
	if len(sender.sent()) != 1 {
		t.Error("no frame transmitted")
	}
}

// --- Optimistic send ---

func TestOptimisticSendInsertsTempEntry(t *testing.T) {
	s, sender, _ := newTestSession(t, engine.VariantDebate)
	installTopic(s)

	if err := s.SendMessage(context.Background(), "hi", nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	msgs := s.Messages()
	if len(msgs) != 1 || !msgs[0].IsTemp() {
		t.Fatalf("expected one temp entry, got %+v", msgs)
	}
	frames := sender.sent()
	if len(frames) != 1 || frames[0].frameType != protocol.TypeChatMessage {
		t.Fatalf("expected one chat-message frame, got %+v", frames)
	}
	out := frames[0].payload.(protocol.SendMessage)
	if out.LocalID != msgs[0].ID {
		t.Error("outbound localId must match the temp entry id")
	}
	if out.TopicID != "t-1" {
		t.Errorf("outbound frame lost the topic binding: %q", out.TopicID)
	}
}

func TestOptimisticSendRollsBackOnFailure(t *testing.T) {
	s, sender, _ := newTestSession(t, engine.VariantCommunity)
	sender.err = errors.New("socket closed")
	var notices []engine.Notice
	s.SetNoticeHandler(func(n engine.Notice) { notices = append(notices, n) })

	if err := s.SendMessage(context.Background(), "hi", nil); err == nil {
		t.Fatal("expected transmission error")
	}
	if s.Store().Len() != 0 {
		t.Error("temp entry survived a failed transmission")
	}
	if len(notices) == 0 || notices[len(notices)-1].Level != engine.NoticeError {
		t.Error("send failure must surface a user-visible notice")
	}
}

func TestEchoReconciliation(t *testing.T) {
	s, sender, _ := newTestSession(t, engine.VariantCommunity)
	var swaps [][2]string
	s.SetReconcileHandler(func(oldID, newID string) { swaps = append(swaps, [2]string{oldID, newID}) })

	if err := s.SendMessage(context.Background(), "hi", nil); err != nil {
		t.Fatal(err)
	}
	out := sender.sent()[0].payload.(protocol.SendMessage)

	// server echoes the message back with a server id and our localId
	s.HandleEvent(protocol.ChatMessage{Message: state.Message{
		ID:        "m-77",
		LocalID:   out.LocalID,
		Content:   "hi",
		Sender:    state.UserSummary{ID: "me", Name: "Merel"},
		CreatedAt: time.Now(),
	}})

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("temp and confirmation coexist: %d entries", len(msgs))
	}
	if msgs[0].ID != "m-77" || msgs[0].IsTemp() {
		t.Errorf("expected confirmed entry, got %+v", msgs[0])
	}
	if len(swaps) != 1 || swaps[0][1] != "m-77" {
		t.Errorf("reconcile hook not fired correctly: %+v", swaps)
	}

	// a redelivered echo is absorbed by the duplicate-guard
	s.HandleEvent(protocol.ChatMessage{Message: state.Message{
		ID: "m-77", LocalID: out.LocalID, Content: "hi",
		Sender: state.UserSummary{ID: "me"}, CreatedAt: time.Now(),
	}})
	if s.Store().Len() != 1 {
		t.Error("duplicate echo created a second entry")
	}
}

func TestInboundMessageFromOthersAdds(t *testing.T) {
	s, _, _ := newTestSession(t, engine.VariantCommunity)
	msg := state.Message{
		ID: "m-1", Content: "yo", Sender: state.UserSummary{ID: "u-2", Name: "Ben"}, CreatedAt: time.Now(),
	}
	s.HandleEvent(protocol.ChatMessage{Message: msg})
	s.HandleEvent(protocol.ChatMessage{Message: msg}) // at-least-once redelivery

	if s.Store().Len() != 1 {
		t.Errorf("expected 1 entry after duplicate delivery, got %d", s.Store().Len())
	}
}

// --- Inbound dispatch ---

func TestInboundMessageClearsSenderTyping(t *testing.T) {
	s, _, _ := newTestSession(t, engine.VariantCommunity)
	s.HandleEvent(protocol.PresenceSnapshot{Members: []state.UserSummary{{ID: "u-2", Name: "Ben"}}})
	s.HandleEvent(protocol.TypingDelta{UserID: "u-2", IsTyping: true})

	s.HandleEvent(protocol.ChatMessage{Message: state.Message{
		ID: "m-1", Content: "done typing", Sender: state.UserSummary{ID: "u-2"}, CreatedAt: time.Now(),
	}})
	if len(s.Presence().Typing()) != 0 {
		t.Error("sender's typing entry must clear when their message arrives")
	}
}

func TestEditAndDeleteEventsApply(t *testing.T) {
	s, _, _ := newTestSession(t, engine.VariantCommunity)
	msg := state.Message{ID: "m-1", Content: "v1", Sender: state.UserSummary{ID: "u-2"}, CreatedAt: time.Now()}
	s.HandleEvent(protocol.ChatMessage{Message: msg})

	msg.Content = "v2"
	msg.Edited = true
	s.HandleEvent(protocol.MessageUpdated{Message: msg})
	got, _ := s.Store().Get("m-1")
	if got.Content != "v2" || !got.Edited {
		t.Errorf("edit not applied: %+v", got)
	}

	s.HandleEvent(protocol.MessageDeleted{MessageID: "m-1"})
	if s.Store().Len() != 0 {
		t.Error("delete event not applied")
	}
}

func TestWelcomeSetsLocalUser(t *testing.T) {
	s, _, _ := newTestSession(t, engine.VariantCommunity)
	s.HandleEvent(protocol.ConnEstablished{Scope: "community:c-1", Self: state.UserSummary{ID: "me", Name: "Server Name"}})
	if s.LocalUser().Name != "Server Name" {
		t.Error("welcome event did not update the local user")
	}
}

// --- Teardown ---

func TestDebateCloseReportsInactive(t *testing.T) {
	s, _, backend := newTestSession(t, engine.VariantDebate)
	s.Close()

	log := backend.heartbeatLog()
	if len(log) != 1 || log[0] != false {
		t.Errorf("debate teardown must deactivate presence, got %v", log)
	}
}

func TestCommunityCloseKeepsPresenceWarm(t *testing.T) {
	s, _, backend := newTestSession(t, engine.VariantCommunity)
	s.Close()

	if len(backend.heartbeatLog()) != 0 {
		t.Errorf("community teardown must not deactivate presence, got %v", backend.heartbeatLog())
	}
}

func TestLeaveOnCloseOverride(t *testing.T) {
	leave := true
	backend := &fakeBackend{}
	s := engine.New(engine.Config{
		Scope:        state.Scope{Type: state.ScopeCommunity, ID: "c-1"},
		Variant:      engine.VariantCommunity,
		LocalUser:    state.UserSummary{ID: "me"},
		LeaveOnClose: &leave,
	}, &fakeSender{}, backend, logging.Discard())
	s.Close()

	log := backend.heartbeatLog()
	if len(log) != 1 || log[0] != false {
		t.Errorf("LeaveOnClose override ignored, got %v", log)
	}
}

// --- Typing reports ---

func TestTypingReportsDebounced(t *testing.T) {
	sender := &fakeSender{}
	s := engine.New(engine.Config{
		Scope:          state.Scope{Type: state.ScopeCommunity, ID: "c-1"},
		Variant:        engine.VariantCommunity,
		LocalUser:      state.UserSummary{ID: "me"},
		TypingDebounce: time.Minute,
	}, sender, &fakeBackend{}, logging.Discard())

	s.SetTyping(true)
	s.SetTyping(true) // inside the window, collapses into the first report
	if n := len(sender.sent()); n != 1 {
		t.Fatalf("expected 1 typing frame, got %d", n)
	}

	s.SetTyping(false) // stop always transmits and re-arms the window
	s.SetTyping(true)
	if n := len(sender.sent()); n != 3 {
		t.Errorf("expected 3 typing frames after stop re-armed the window, got %d", n)
	}
}

func TestTypingNotReportedWhileDisconnected(t *testing.T) {
	s, sender, _ := newTestSession(t, engine.VariantCommunity)
	sender.down = true

	s.SetTyping(true)
	if len(sender.sent()) != 0 {
		t.Error("typing reported while the transport is down")
	}
}

func TestSendFailureNoticeNamesDisconnect(t *testing.T) {
	s, sender, _ := newTestSession(t, engine.VariantCommunity)
	sender.down = true
	sender.err = errors.New("socket closed")
	var notices []engine.Notice
	s.SetNoticeHandler(func(n engine.Notice) { notices = append(notices, n) })

	if err := s.SendMessage(context.Background(), "hi", nil); err == nil {
		t.Fatal("expected transmission error")
	}
	if len(notices) == 0 || notices[len(notices)-1].Text != "not connected; message not sent" {
		t.Errorf("expected the disconnect-specific notice, got %+v", notices)
	}
}

// --- Misc ---

func TestSetTopicValidatesLocally(t *testing.T) {
	s, _, _ := newTestSession(t, engine.VariantDebate)
	if err := s.SetTopic(context.Background(), "ab"); err == nil {
		t.Fatal("short topic must be rejected before any network call")
	}
	if err := s.SetTopic(context.Background(), "a proper debate topic"); err != nil {
		t.Fatalf("valid topic rejected: %v", err)
	}
	if !s.Topics().HasTopic() {
		t.Error("confirmed topic not applied")
	}
}

func TestOutboundPayloadsEncode(t *testing.T) {
	// the engine's outbound payloads must survive the wire envelope
	s, sender, _ := newTestSession(t, engine.VariantCommunity)
	if err := s.MarkRead("m-1"); err != nil {
		t.Fatal(err)
	}
	frames := sender.sent()
	raw, err := protocol.Encode(frames[0].frameType, frames[0].payload)
	if err != nil {
		t.Fatalf("outbound frame does not encode: %v", err)
	}
	var frame protocol.Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != protocol.TypeMessageRead {
		t.Errorf("unexpected envelope: %s", raw)
	}
}
