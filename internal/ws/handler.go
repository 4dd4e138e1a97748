package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/runotepad/backend/internal/auth"
	"github.com/runotepad/backend/internal/logger"
	"github.com/runotepad/backend/internal/pty"
	"github.com/runotepad/backend/internal/repository"
)

// Options configures a Handler.
type Options struct {
	// Registry holds the live sessions of every connection.
	Registry *pty.Registry

	// Verifier checks the access token before upgrading. Nil disables the
	// check.
	Verifier auth.Verifier

	// Shell is the program spawned for each session. Empty means the
	// server's $SHELL.
	Shell string

	// ShellArgs are passed to every spawned shell.
	ShellArgs []string

	// RecordDir enables asciicast recordings when set.
	RecordDir string

	// KillGrace is how long a hung-up shell may linger before SIGKILL.
	KillGrace time.Duration

	// MaxSessions limits the sessions of one connection. Zero means no
	// limit.
	MaxSessions int

	// History stores session records. Nil disables history.
	History repository.Recorder

	// CheckOrigin overrides the upgrader's origin check.
	CheckOrigin func(r *http.Request) bool

	Logger logrus.FieldLogger
}

// Handler accepts WebSocket connections and serves the terminal protocol on
// each of them.
type Handler struct {
	opts     Options
	upgrader websocket.Upgrader
	hub      *Hub
	log      logrus.FieldLogger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(opts Options) *Handler {
	if opts.Registry == nil {
		opts.Registry = pty.NewRegistry()
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = pty.DefaultKillGrace
	}
	if opts.History == nil {
		opts.History = repository.NopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.CheckOrigin == nil {
		// The token is the access control; browsers may load the UI from
		// any origin.
		opts.CheckOrigin = func(r *http.Request) bool { return true }
	}

	return &Handler{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		hub: NewHub(),
		log: opts.Logger,
	}
}

// Registry returns the session registry.
func (h *Handler) Registry() *pty.Registry {
	return h.opts.Registry
}

// ConnectionCount returns the number of live connections.
func (h *Handler) ConnectionCount() int {
	return h.hub.Count()
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.HandleConnection(w, r); err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade failed")
	}
}

// HandleConnection authenticates the request, upgrades it and starts the
// connection's pumps. A rejected request gets a 401 and is never upgraded.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	if h.opts.Verifier != nil {
		if err := auth.Check(h.opts.Verifier, r); err != nil {
			h.log.WithField("remote", r.RemoteAddr).Warnf("Rejected WebSocket: %v", err)
			auth.Reject(w, err)
			return nil
		}
	}

	if h.hub.Closed() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return nil
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := newConn(h, conn, r.RemoteAddr)
	if !h.hub.Register(c) {
		conn.Close()
		return nil
	}
	c.log.Info("Connection opened")

	go c.writePump()
	go c.readPump()

	return nil
}

// Close tears down every live connection and waits for their relays to
// flush.
func (h *Handler) Close() {
	conns := h.hub.Close()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			c.teardown(pty.ReasonShutdown)
			select {
			case <-c.stopped:
			case <-time.After(writeWait):
			}
		}(c)
	}
	wg.Wait()
}
