package ws

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/runotepad/backend/internal/model"
	"github.com/runotepad/backend/internal/protocol"
	"github.com/runotepad/backend/internal/pty"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Pasted input can be large.
	maxMessageSize = 1 << 20
)

// Conn is one WebSocket client. It owns the sessions it created; no other
// connection can address them.
type Conn struct {
	id      string
	handler *Handler
	ws      *websocket.Conn
	queue   *Queue

	mu       sync.Mutex
	sessions map[string]*pty.Session
	closed   bool

	teardownOnce sync.Once
	stopped      chan struct{}

	log logrus.FieldLogger
}

func newConn(h *Handler, ws *websocket.Conn, remote string) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:       id,
		handler:  h,
		ws:       ws,
		queue:    NewQueue(),
		sessions: make(map[string]*pty.Session),
		stopped:  make(chan struct{}),
		log: h.log.WithFields(logrus.Fields{
			"conn_id": id,
			"remote":  remote,
		}),
	}
}

// ID returns the connection id used in logs.
func (c *Conn) ID() string { return c.id }

// SessionCount returns the number of sessions the connection owns.
func (c *Conn) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// send encodes m and queues it for the relay.
func (c *Conn) send(m protocol.Outbound) {
	data, err := protocol.Encode(m)
	if err != nil {
		c.log.WithError(err).Errorf("Failed to encode %s frame", m.OutboundType())
		return
	}
	c.queue.Push(data)
}

func (c *Conn) sendError(format string, args ...any) {
	c.send(protocol.Error{Message: fmt.Sprintf(format, args...)})
}

func (c *Conn) lookup(id string) (*pty.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// own records s as belonging to this connection. It fails once teardown has
// started.
func (c *Conn) own(s *pty.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.sessions[s.ID()] = s
	return true
}

func (c *Conn) forget(s *pty.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.sessions[s.ID()]; ok && cur == s {
		delete(c.sessions, s.ID())
	}
}

// readPump decodes client frames one at a time, in arrival order.
func (c *Conn) readPump() {
	defer c.teardown(pty.ReasonDisconnect)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.WithError(err).Warn("WebSocket read failed")
			}
			return
		}

		if kind != websocket.TextMessage {
			c.log.WithField("bytes", len(message)).Debug("Ignoring binary frame")
			continue
		}

		msg, err := protocol.Decode(message)
		if err != nil {
			c.log.WithError(err).Warn("Dropping undecodable frame")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.Create:
		c.handleCreate(m)
	case protocol.Input:
		c.handleInput(m)
	case protocol.Resize:
		c.handleResize(m)
	case protocol.Close:
		c.handleClose(m)
	}
}

func (c *Conn) handleCreate(m protocol.Create) {
	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}
	log := c.log.WithField("session_id", id)

	if limit := c.handler.opts.MaxSessions; limit > 0 && c.SessionCount() >= limit {
		log.Warnf("Refusing session: %d sessions open", limit)
		c.sendError("%v: %d sessions open", model.ErrConcurrencyLimit, limit)
		return
	}

	s, rec, err := c.handler.attachSession(c, id)
	if err != nil {
		if errors.Is(err, pty.ErrSessionExists) {
			log.Warn("Session id already in use")
			c.sendError("session %s already exists", id)
			return
		}
		log.WithError(err).Error("Failed to spawn session")
		c.sendError("%v", err)
		return
	}

	if !c.own(s) {
		s.Close(pty.ReasonDisconnect)
		go c.handler.recordClosed(s, rec)
		return
	}

	// created goes out before the read loop can queue any output.
	c.send(protocol.Created{SessionID: id})
	if !s.Start() {
		c.forget(s)
		go c.handler.recordClosed(s, rec)
		return
	}
	log.WithField("pid", s.PID()).Info("Session created")
}

func (c *Conn) handleInput(m protocol.Input) {
	s, ok := c.lookup(m.SessionID)
	if !ok {
		c.log.WithField("session_id", m.SessionID).Debug("Input for unknown session")
		return
	}
	if err := s.Write([]byte(m.Data)); err != nil {
		c.log.WithField("session_id", m.SessionID).WithError(err).Debug("Input dropped")
	}
}

func (c *Conn) handleResize(m protocol.Resize) {
	s, ok := c.lookup(m.SessionID)
	if !ok {
		c.log.WithField("session_id", m.SessionID).Debug("Resize for unknown session")
		return
	}
	if err := s.Resize(m.Cols, m.Rows); err != nil {
		c.log.WithField("session_id", m.SessionID).WithError(err).Debug("Resize dropped")
	}
}

func (c *Conn) handleClose(m protocol.Close) {
	s, ok := c.lookup(m.SessionID)
	if !ok {
		return
	}
	if err := s.Close(pty.ReasonClient); err != nil {
		c.log.WithField("session_id", m.SessionID).WithError(err).Debug("Close reported an error")
	}
}

// writePump is the only writer on the socket. Frames go out one per
// WebSocket message in queue order.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.stopped)
		c.teardown(pty.ReasonDisconnect)
	}()

	for {
		select {
		case <-c.queue.Ready():
			frames, closed := c.queue.Drain()
			for _, frame := range frames {
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					c.log.WithError(err).Debug("WebSocket write failed")
					return
				}
			}
			if closed {
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown closes every owned session and then the connection. It runs once
// whichever side fails first. On shutdown the sessions' closed frames are
// flushed before the socket closes.
func (c *Conn) teardown(reason pty.CloseReason) {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		sessions := make([]*pty.Session, 0, len(c.sessions))
		for _, s := range c.sessions {
			sessions = append(sessions, s)
		}
		c.mu.Unlock()

		for _, s := range sessions {
			s.Close(reason)
		}

		if reason == pty.ReasonShutdown {
			deadline := time.NewTimer(c.handler.opts.KillGrace + time.Second)
		wait:
			for _, s := range sessions {
				select {
				case <-s.Done():
				case <-deadline.C:
					break wait
				}
			}
			deadline.Stop()
		}

		c.queue.Close()
		if reason != pty.ReasonShutdown {
			c.ws.Close()
		}
		c.handler.hub.Unregister(c)
		c.log.WithFields(logrus.Fields{
			"reason":   reason,
			"sessions": len(sessions),
		}).Info("Connection closed")
	})
}
