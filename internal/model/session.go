package model

import (
	"time"
)

// SessionStatus represents the stored status of a terminal session.
type SessionStatus string

const (
	SessionStatusRunning SessionStatus = "running"
	SessionStatusClosed  SessionStatus = "closed"
)

// SessionRecord is the history entry kept for one shell session. Ids may be
// reused by clients once a session is closed, so RowID identifies the row.
type SessionRecord struct {
	RowID         int64         `json:"-"`
	ID            string        `json:"id"`
	PID           *int          `json:"pid,omitempty"`
	Shell         string        `json:"shell"`
	Status        SessionStatus `json:"status"`
	CloseReason   string        `json:"closeReason,omitempty"`
	ExitCode      *int          `json:"exitCode,omitempty"`
	PreviewLine   string        `json:"previewLine,omitempty"`
	RecordingPath string        `json:"recordingPath,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	ClosedAt      *time.Time    `json:"closedAt,omitempty"`
}

// Duration returns how long the session ran, or has been running so far.
func (r *SessionRecord) Duration() time.Duration {
	if r.ClosedAt != nil {
		return r.ClosedAt.Sub(r.CreatedAt)
	}
	return time.Since(r.CreatedAt)
}

// SessionInfo describes a live session in listings.
type SessionInfo struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	Preview   string    `json:"preview"`
}

// ConsoleLog is a log line forwarded from the browser console.
type ConsoleLog struct {
	Level     string `json:"level" binding:"required"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}
