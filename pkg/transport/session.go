package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/studycircle/chatkit/pkg/protocol"
	"github.com/studycircle/chatkit/pkg/state"
)

// State is the session's connection state. Owned exclusively by the Session;
// every other component reads it, none writes it.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrNotConnected is returned by Send when the channel is down. The caller
// decides whether that is a rollback (optimistic send) or a shrug (typing).
var ErrNotConnected = errors.New("transport session not connected")

// EventHandler receives each parsed inbound event.
type EventHandler func(ev protocol.Event)

// StateHandler observes connection state transitions.
type StateHandler func(s State)

// SessionOptions configures one scope-bound session.
type SessionOptions struct {
	SocketURL      string        // base ws:// or wss:// URL
	Token          string        // bearer token presented on dial
	ReconnectDelay time.Duration // fixed retry interval; no backoff growth
}

// Session owns exactly one WebSocket channel bound to a scope. It holds no
// message state: after every (re)connect the consumer re-requests a fresh
// snapshot. Reconnection retries indefinitely until Close.
type Session struct {
	scope  state.Scope
	opts   SessionOptions
	logger *slog.Logger

	onEvent EventHandler
	onState StateHandler

	mu    sync.Mutex
	conn  *Conn
	state State

	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}
	once   sync.Once
}

func NewSession(scope state.Scope, opts SessionOptions, onEvent EventHandler, onState StateHandler, logger *slog.Logger) *Session {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	return &Session{
		scope:   scope,
		opts:    opts,
		onEvent: onEvent,
		onState: onState,
		state:   StateDisconnected,
		closed:  make(chan struct{}),
		logger:  logger.With(slog.String("component", "transport_session"), slog.String("scope", scope.String())),
	}
}

// Connect starts the session's connect/reconnect loop. It returns once the
// loop is running; connection progress is reported through the state handler.
func (s *Session) Connect(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.run()
}

func (s *Session) run() {
	defer close(s.closed)
	for {
		if s.ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}
		s.setState(StateConnecting)

		conn, err := s.dial()
		if err != nil {
			s.logger.Warn("Dial failed, will retry", slog.Any("error", err), slog.Duration("delay", s.opts.ReconnectDelay))
			s.setState(StateDisconnected)
			if !s.sleep() {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.setState(StateConnected)
		conn.Run()

		<-conn.Done()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		s.setState(StateDisconnected)

		if s.ctx.Err() != nil {
			return
		}
		s.logger.Info("Connection lost, scheduling reconnect", slog.Duration("delay", s.opts.ReconnectDelay))
		if !s.sleep() {
			return
		}
	}
}

func (s *Session) dial() (*Conn, error) {
	dialURL, err := url.Parse(s.opts.SocketURL)
	if err != nil {
		return nil, fmt.Errorf("invalid socket URL: %w", err)
	}
	dialURL = dialURL.JoinPath("ws")
	q := dialURL.Query()
	q.Set("scopeType", string(s.scope.Type))
	q.Set("scopeId", s.scope.ID)
	dialURL.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	header := http.Header{}
	if s.opts.Token != "" {
		header.Set("Authorization", "Bearer "+s.opts.Token)
	}
	ws, _, err := websocket.Dial(dialCtx, dialURL.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}

	return NewConn(s.ctx, ws, ConnConfig{}, s.handleFrame, nil, s.logger), nil
}

// handleFrame parses one inbound frame. Unknown or malformed frames are
// dropped and logged, never fatal.
func (s *Session) handleFrame(_ context.Context, _ uuid.UUID, frame []byte) {
	ev, err := protocol.Parse(frame)
	if err != nil {
		s.logger.Warn("Dropped inbound frame", slog.Any("error", err))
		return
	}
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

// Send encodes and transmits one frame. Returns ErrNotConnected when the
// channel is not up.
func (s *Session) Send(frameType string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	st := s.state
	s.mu.Unlock()

	if st != StateConnected || conn == nil {
		return ErrNotConnected
	}
	frame, err := protocol.Encode(frameType, payload)
	if err != nil {
		return err
	}
	conn.Send(frame)
	return nil
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Scope returns the scope this session is bound to.
func (s *Session) Scope() state.Scope {
	return s.scope
}

// Close tears the session down and stops reconnecting.
func (s *Session) Close() {
	s.once.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.Close(errors.New("session closed"))
		}
		<-s.closed
		s.logger.Info("Session closed")
	})
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed && s.onState != nil {
		s.onState(st)
	}
}

// sleep waits one reconnect interval, returning false if the session was
// torn down meanwhile.
func (s *Session) sleep() bool {
	select {
	case <-time.After(s.opts.ReconnectDelay):
		return true
	case <-s.ctx.Done():
		return false
	}
}
