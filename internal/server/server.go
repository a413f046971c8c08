// Package server is the loopback chat server: the transport fan-out and the
// REST collaborators the engine consumes, backed by in-memory rooms. It
// exists so the engine runs end to end without the platform backend.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/studycircle/chatkit/internal/server/middleware"
	"github.com/studycircle/chatkit/pkg/config"
	"github.com/studycircle/chatkit/pkg/protocol"
	"github.com/studycircle/chatkit/pkg/state"
	"github.com/studycircle/chatkit/pkg/topic"
	"github.com/studycircle/chatkit/pkg/transport"
)

type App struct {
	logger *slog.Logger
	cfg    config.ServerConfig

	roomMu sync.Mutex
	rooms  map[string]*Room

	http *http.Server
	ctx  context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg config.ServerConfig) *App {
	app := &App{
		logger: logger,
		cfg:    cfg,
		rooms:  make(map[string]*Room),
		ctx:    rootCtx,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestMetadataMiddleware())
	r.Use(middleware.NewRequestLogger(logger))
	r.Use(middleware.NewAuthMiddleware(logger, cfg.JWTSecret))

	r.Get("/ws", app.upgradeHandler)
	r.Get("/users/{userID}", app.profileHandler)
	r.Route("/{scopeType}/{scopeID}", func(r chi.Router) {
		r.Get("/messages", app.messagesHandler)
		r.Get("/members", app.membersHandler)
		r.Get("/topic", app.topicHandler)
		r.Patch("/topic", app.setTopicHandler)
		r.Patch("/members/me", app.heartbeatHandler)
	})

	app.http = &http.Server{
		Addr:    cfg.Address,
		Handler: r,
		BaseContext: func(l net.Listener) context.Context {
			return rootCtx
		},
	}
	return app
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.http.Shutdown(shutdownCtx)
}

// room finds or creates the room for a scope.
func (a *App) room(scope state.Scope) *Room {
	a.roomMu.Lock()
	defer a.roomMu.Unlock()
	key := scope.String()
	room, ok := a.rooms[key]
	if !ok {
		room = NewRoom(scope, a.logger)
		a.rooms[key] = room
	}
	return room
}

func scopeFromQuery(r *http.Request) (state.Scope, bool) {
	scopeType := state.ScopeType(r.URL.Query().Get("scopeType"))
	scopeID := r.URL.Query().Get("scopeId")
	if scopeID == "" || (scopeType != state.ScopeGroup && scopeType != state.ScopeCommunity) {
		return state.Scope{}, false
	}
	return state.Scope{Type: scopeType, ID: scopeID}, true
}

func scopeFromPath(r *http.Request) (state.Scope, bool) {
	scopeType := state.ScopeType(chi.URLParam(r, "scopeType"))
	scopeID := chi.URLParam(r, "scopeID")
	if scopeID == "" || (scopeType != state.ScopeGroup && scopeType != state.ScopeCommunity) {
		return state.Scope{}, false
	}
	return state.Scope{Type: scopeType, ID: scopeID}, true
}

// --- WebSocket ---

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	scope, ok := scopeFromQuery(r)
	if !ok {
		http.Error(w, "invalid scope", http.StatusBadRequest)
		return
	}
	self := state.UserSummary{ID: reqMeta.UserID, Name: reqMeta.UserName}
	connLogger := a.logger.With(slog.String("userID", self.ID), slog.String("scope", scope.String()))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	room := a.room(scope)
	conn := transport.NewConn(
		a.ctx,
		wsConn,
		transport.ConnConfig{ReadTimeout: a.cfg.ReadTimeout},
		a.frameHandler(room, self),
		nil,
		connLogger,
	)
	conn.SetCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Connection closed", slog.Any("reason", err))
		room.Detach(self.ID, id)
	})

	room.Attach(self, conn)
	a.sendWelcome(conn, room, scope, self)

	connLogger.Info("User connection fully established")
	conn.Run()
	<-conn.Done()
}

// sendWelcome pushes the post-auth snapshot down one connection: identity,
// roster and (when set) the current topic.
func (a *App) sendWelcome(conn *transport.Conn, room *Room, scope state.Scope, self state.UserSummary) {
	welcome, err := protocol.Encode(protocol.TypeConnEstablished, protocol.ConnEstablished{Scope: scope.String(), Self: self})
	if err == nil {
		conn.Send(welcome)
	}
	roster, err := protocol.Encode(protocol.TypeUserStatus, protocol.PresenceSnapshot{Members: room.Members()})
	if err == nil {
		conn.Send(roster)
	}
	if t, ok := room.Topic(); ok {
		frame, err := protocol.Encode(protocol.TypeTopicChanged, t)
		if err == nil {
			conn.Send(frame)
		}
	}
}

// frameHandler routes inbound client frames to room operations. Unknown or
// malformed frames earn an error frame back, never a dropped connection.
func (a *App) frameHandler(room *Room, sender state.UserSummary) transport.FrameHandler {
	return func(_ context.Context, _ uuid.UUID, frame []byte) {
		if !gjson.ValidBytes(frame) {
			a.logger.Warn("Dropped malformed frame", slog.String("userID", sender.ID))
			return
		}
		frameType := gjson.GetBytes(frame, "type").String()
		payload := []byte(gjson.GetBytes(frame, "payload").Raw)

		switch frameType {
		case protocol.TypeChatMessage:
			var in protocol.SendMessage
			if err := json.Unmarshal(payload, &in); err != nil || (in.Content == "" && in.File == nil) {
				a.sendError(room, sender, "invalid-message", "message payload rejected")
				return
			}
			room.Append(sender, in)

		case protocol.TypeMessageUpdated:
			var in protocol.EditMessage
			if err := json.Unmarshal(payload, &in); err != nil || in.Content == "" {
				a.sendError(room, sender, "invalid-edit", "edit payload rejected")
				return
			}
			if !room.Edit(sender.ID, in.MessageID, in.Content) {
				a.sendError(room, sender, "not-found", "message not found or not yours")
			}

		case protocol.TypeMessageDeleted:
			var in protocol.DeleteMessage
			if err := json.Unmarshal(payload, &in); err != nil {
				return
			}
			if !room.Delete(sender.ID, in.MessageID) {
				a.sendError(room, sender, "not-found", "message not found or not yours")
			}

		case protocol.TypeTypingUpdate:
			var in protocol.SetTyping
			if err := json.Unmarshal(payload, &in); err != nil {
				return
			}
			room.SetTyping(sender.ID, in.IsTyping)

		case protocol.TypeMessageRead:
			var in protocol.MarkRead
			if err := json.Unmarshal(payload, &in); err != nil {
				return
			}
			room.MarkRead(sender.ID, in.MessageID)

		default:
			a.logger.Warn("Received unknown frame type", slog.String("type", frameType), slog.String("userID", sender.ID))
		}
	}
}

// sendError pushes an error event to one user's connections only.
func (a *App) sendError(room *Room, to state.UserSummary, code, msg string) {
	frame, err := protocol.Encode(protocol.TypeError, protocol.ErrorEvent{Code: code, Message: msg})
	if err != nil {
		return
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	if m, ok := room.members[to.ID]; ok {
		for _, conn := range m.conns {
			conn.Send(frame)
		}
	}
}

// --- REST collaborators ---

func (a *App) messagesHandler(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromPath(r)
	if !ok {
		http.Error(w, "invalid scope", http.StatusBadRequest)
		return
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	writeJSON(w, a.room(scope).Page(limit, offset))
}

func (a *App) membersHandler(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromPath(r)
	if !ok {
		http.Error(w, "invalid scope", http.StatusBadRequest)
		return
	}
	writeJSON(w, a.room(scope).Members())
}

func (a *App) topicHandler(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromPath(r)
	if !ok {
		http.Error(w, "invalid scope", http.StatusBadRequest)
		return
	}
	t, set := a.room(scope).Topic()
	if !set {
		http.Error(w, "no topic set", http.StatusNotFound)
		return
	}
	writeJSON(w, t)
}

func (a *App) setTopicHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	scope, ok := scopeFromPath(r)
	if !ok {
		http.Error(w, "invalid scope", http.StatusBadRequest)
		return
	}
	var body struct {
		Topic string `json:"topic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := topic.Validate(body.Topic); err != nil {
		if errors.Is(err, topic.ErrTopicTooShort) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	setBy := state.UserSummary{ID: reqMeta.UserID, Name: reqMeta.UserName}
	writeJSON(w, a.room(scope).SetTopic(body.Topic, setBy))
}

func (a *App) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	scope, ok := scopeFromPath(r)
	if !ok {
		http.Error(w, "invalid scope", http.StatusBadRequest)
		return
	}
	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if !body.Active {
		a.room(scope).Leave(reqMeta.UserID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) profileHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	a.roomMu.Lock()
	defer a.roomMu.Unlock()
	for _, room := range a.rooms {
		for _, m := range room.Members() {
			if m.ID == userID {
				writeJSON(w, m)
				return
			}
		}
	}
	// synthesize a minimal profile so presence never shows a bare id
	writeJSON(w, state.UserSummary{ID: userID, Name: "member " + shortID(userID)})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding failure", http.StatusInternalServerError)
	}
}
