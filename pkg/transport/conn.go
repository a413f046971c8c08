package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// FrameHandler is the callback executed for each raw inbound frame.
type FrameHandler func(ctx context.Context, connID uuid.UUID, frame []byte)

// CloseHandler runs once when the connection terminates.
type CloseHandler func(connID uuid.UUID, err error)

type ConnConfig struct {
	// ReadTimeout bounds a single read. Zero means reads never time out,
	// which is what an idle chat client wants.
	ReadTimeout time.Duration
}

// Conn wraps one WebSocket channel with a read pump, a write pump and a
// buffered send queue. It is used on both ends: the client Session dials it,
// the dev server accepts it.
type Conn struct {
	id     uuid.UUID
	ws     *websocket.Conn
	config ConnConfig
	send   chan []byte

	onFrame FrameHandler
	onClose CloseHandler

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger *slog.Logger
}

func NewConn(parentCtx context.Context, ws *websocket.Conn, config ConnConfig, onFrame FrameHandler, onClose CloseHandler, logger *slog.Logger) *Conn {
	id := uuid.New()
	ctx, cancel := context.WithCancel(parentCtx)
	return &Conn{
		id:      id,
		ws:      ws,
		config:  config,
		send:    make(chan []byte, 256),
		onFrame: onFrame,
		onClose: onClose,
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(slog.String("connID", id.String())),
	}
}

func (c *Conn) Run() {
	go c.readPump()
	go c.writePump()
}

// readPump pumps frames from the WebSocket to the frame handler.
func (c *Conn) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx := c.ctx
		var cancelRead context.CancelFunc
		if c.config.ReadTimeout > 0 {
			readCtx, cancelRead = context.WithTimeout(c.ctx, c.config.ReadTimeout)
		}
		typ, r, err := c.ws.Reader(readCtx)
		if err != nil {
			readErr = err
			if cancelRead != nil {
				cancelRead()
			}
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			if cancelRead != nil {
				cancelRead()
			}
			continue
		}
		frame, err := io.ReadAll(r)
		if cancelRead != nil {
			cancelRead()
		}
		if err != nil {
			readErr = err
			return
		}
		if c.onFrame != nil {
			c.onFrame(c.ctx, c.id, frame)
		}
	}
}

// writePump pumps frames from the send queue to the WebSocket.
func (c *Conn) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.ws.Write(c.ctx, websocket.MessageText, frame); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.ws.Close(websocket.StatusNormalClosure, "teardown")
			return
		}
	}
}

// Send queues a frame for transmission. Safe for concurrent use; a frame
// offered to a closed connection is dropped with a warning.
func (c *Conn) Send(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
		c.logger.Warn("Attempted to send on a closed connection")
	}
}

// Close tears the connection down exactly once.
func (c *Conn) Close(err error) {
	c.closeOnce.Do(func() {
		c.logger.Debug("Transport connection closing", slog.Any("reason", err))
		c.cancel()
		c.ws.Close(websocket.StatusNormalClosure, "")
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		close(c.done)
	})
}

// Done is closed when the connection is fully terminated.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) ID() uuid.UUID {
	return c.id
}

func (c *Conn) SetFrameHandler(handler FrameHandler) {
	c.onFrame = handler
}

func (c *Conn) SetCloseHandler(handler CloseHandler) {
	c.onClose = handler
}
