package ws

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/runotepad/backend/internal/model"
	"github.com/runotepad/backend/internal/protocol"
	"github.com/runotepad/backend/internal/pty"
)

// historyTimeout bounds one history write.
const historyTimeout = 5 * time.Second

// attachSession spawns a shell for c, wires its output and close events to
// the connection's queue and records it in the history store. The session
// is returned unstarted; the returned record is the row its close updates.
func (h *Handler) attachSession(c *Conn, id string) (*pty.Session, *model.SessionRecord, error) {
	rec := &model.SessionRecord{ID: id, Status: model.SessionStatusRunning}

	// Only the session read loop touches the decoder.
	var dec protocol.TextDecoder

	s, err := h.opts.Registry.Spawn(pty.SpawnOptions{
		ID:        id,
		Shell:     h.opts.Shell,
		Args:      h.opts.ShellArgs,
		KillGrace: h.opts.KillGrace,
		RecordDir: h.opts.RecordDir,
		Logger:    c.log,
		OnOutput: func(s *pty.Session, data []byte) {
			if text := dec.Decode(data); text != "" {
				c.send(protocol.Output{SessionID: s.ID(), Data: text})
			}
		},
		OnClosed: func(s *pty.Session) {
			if rest := dec.Flush(); rest != "" {
				c.send(protocol.Output{SessionID: s.ID(), Data: rest})
			}
			c.send(protocol.Closed{SessionID: s.ID()})
			c.forget(s)
			c.log.WithFields(logrus.Fields{
				"session_id": s.ID(),
				"reason":     s.CloseReason(),
			}).Info("Session closed")
			go h.recordClosed(s, rec)
		},
	})
	if err != nil {
		return nil, nil, err
	}

	h.recordStarted(s, rec)
	return s, rec, nil
}

// recordStarted inserts the running row for s.
func (h *Handler) recordStarted(s *pty.Session, rec *model.SessionRecord) {
	pid := s.PID()
	rec.PID = &pid
	rec.Shell = s.Shell()
	rec.RecordingPath = s.RecordingPath()
	rec.CreatedAt = s.CreatedAt()

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := h.opts.History.Create(ctx, rec); err != nil {
		h.log.WithField("session_id", s.ID()).WithError(err).Warn("Failed to record session start")
	}
}

// recordClosed stores the final state of s once its process is reaped, so
// the exit code is known.
func (h *Handler) recordClosed(s *pty.Session, rec *model.SessionRecord) {
	select {
	case <-s.Exited():
	case <-time.After(h.opts.KillGrace + time.Second):
	}

	closedAt := s.ClosedAt()
	if closedAt.IsZero() {
		closedAt = time.Now()
	}
	rec.CloseReason = string(s.CloseReason())
	rec.PreviewLine = s.Preview()
	rec.ClosedAt = &closedAt
	if code := s.ExitCode(); code >= 0 {
		rec.ExitCode = &code
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := h.opts.History.MarkClosed(ctx, rec); err != nil {
		h.log.WithField("session_id", s.ID()).WithError(err).Warn("Failed to record session close")
	}
}
