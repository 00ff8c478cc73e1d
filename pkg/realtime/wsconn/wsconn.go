// Package wsconn binds real-time sessions to WebSocket connections.
package wsconn

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/testoor/pkg/realtime"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024

	defaultHeartbeat  = 30 * time.Second
	defaultSendBuffer = 256
)

// Config controls connection timing and buffering.
type Config struct {
	HeartbeatInterval time.Duration
	SendBuffer        int
	AllowedOrigins    []string
}

// MessageHandler answers raw session requests.
type MessageHandler interface {
	HandleMessage(ctx context.Context, s realtime.Session, raw []byte)
}

// Server upgrades HTTP requests and runs one session per connection.
type Server struct {
	log      logrus.FieldLogger
	hub      realtime.Hub
	handler  MessageHandler
	cfg      Config
	upgrader websocket.Upgrader
}

// NewServer creates a WebSocket endpoint attached to hub.
func NewServer(
	log logrus.FieldLogger,
	hub realtime.Hub,
	handler MessageHandler,
	cfg Config,
) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}

	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}

	s := &Server{
		log:     log.WithField("component", "wsconn"),
		hub:     hub,
		handler: handler,
		cfg:     cfg,
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	return false
}

// ServeHTTP upgrades the connection and blocks until the session ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("WebSocket upgrade failed")

		return
	}

	conn := newConn(s.log, ws, s.cfg)

	go conn.writePump()

	ctx := r.Context()

	if err := s.hub.Register(ctx, conn); err != nil {
		s.log.WithError(err).WithField("session", conn.id).Warn("Failed to register session")
		conn.Close()
		<-conn.done

		return
	}

	conn.log.Debug("Session connected")

	conn.readPump(ctx, s.handler)

	s.hub.Unregister(conn.id)
	conn.Close()
	<-conn.done

	conn.log.Debug("Session disconnected")
}

// Conn is one WebSocket session.
type Conn struct {
	id  string
	log logrus.FieldLogger
	ws  *websocket.Conn
	cfg Config

	send      chan realtime.Message
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ realtime.Session = (*Conn)(nil)

func newConn(log logrus.FieldLogger, ws *websocket.Conn, cfg Config) *Conn {
	id := uuid.NewString()

	return &Conn{
		id:     id,
		log:    log.WithField("session", id),
		ws:     ws,
		cfg:    cfg,
		send:   make(chan realtime.Message, cfg.SendBuffer),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// ID returns the session id.
func (c *Conn) ID() string {
	return c.id
}

// Send queues msg without blocking.
func (c *Conn) Send(msg realtime.Message) error {
	select {
	case <-c.closed:
		return realtime.ErrSessionClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.closed:
		return realtime.ErrSessionClosed
	default:
		return realtime.ErrQueueFull
	}
}

// Close ends the session. The write pump flushes queued messages, sends
// the close frame and releases the socket. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

func (c *Conn) pongWait() time.Duration {
	return 2 * c.cfg.HeartbeatInterval
}

func (c *Conn) readPump(ctx context.Context, handler MessageHandler) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))

	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))
	})

	for {
		msgType, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				c.log.WithError(err).Debug("Read failed")
			}

			return
		}

		if msgType != websocket.TextMessage {
			continue
		}

		// Any request proves the peer is alive.
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))

		handler.HandleMessage(ctx, c, raw)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)

	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.ws.Close()
		close(c.done)
	}()

	for {
		select {
		case <-c.closed:
			c.flush()

			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))

			return

		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.ws.WriteJSON(msg); err != nil {
				c.log.WithError(err).Debug("Write failed")

				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(writeWait)); err != nil {
				c.log.WithError(err).Debug("Ping failed")

				return
			}
		}
	}
}

// flush writes whatever was queued before Close.
func (c *Conn) flush() {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
