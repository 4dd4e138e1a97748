// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/runotepad/backend/internal/model"
	"github.com/runotepad/backend/internal/pty"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// HistoryStore reads stored session records.
type HistoryStore interface {
	ListRecent(ctx context.Context, limit int) ([]*model.SessionRecord, error)
	GetLatest(ctx context.Context, id string) (*model.SessionRecord, error)
}

// SessionHandler handles HTTP requests for session listings and history.
type SessionHandler struct {
	registry *pty.Registry
	history  HistoryStore
	log      logrus.FieldLogger
}

// NewSessionHandler creates a new SessionHandler. A nil history disables the
// history routes' store; they then report no records.
func NewSessionHandler(registry *pty.Registry, history HistoryStore, log logrus.FieldLogger) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		history:  history,
		log:      log,
	}
}

// HistoryResponse represents a stored session in API responses.
type HistoryResponse struct {
	ID           string `json:"id"`
	PID          *int   `json:"pid,omitempty"`
	Shell        string `json:"shell"`
	Status       string `json:"status"`
	CloseReason  string `json:"closeReason,omitempty"`
	ExitCode     *int   `json:"exitCode,omitempty"`
	PreviewLine  string `json:"previewLine,omitempty"`
	HasRecording bool   `json:"hasRecording"`
	Duration     string `json:"duration"`
	CreatedAt    string `json:"createdAt"`
	ClosedAt     string `json:"closedAt,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toHistoryResponse(r *model.SessionRecord) *HistoryResponse {
	resp := &HistoryResponse{
		ID:           r.ID,
		PID:          r.PID,
		Shell:        r.Shell,
		Status:       string(r.Status),
		CloseReason:  r.CloseReason,
		ExitCode:     r.ExitCode,
		PreviewLine:  r.PreviewLine,
		HasRecording: r.RecordingPath != "",
		Duration:     formatDuration(r.Duration()),
		CreatedAt:    r.CreatedAt.Format(time.RFC3339),
	}
	if r.ClosedAt != nil {
		resp.ClosedAt = r.ClosedAt.Format(time.RFC3339)
	}
	return resp
}

func toSessionInfo(s *pty.Session) model.SessionInfo {
	return model.SessionInfo{
		ID:        s.ID(),
		PID:       s.PID(),
		State:     s.State().String(),
		CreatedAt: s.CreatedAt(),
		Preview:   s.Preview(),
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// List handles GET /api/sessions - lists the live sessions of every
// connection, oldest first.
func (h *SessionHandler) List(c *gin.Context) {
	sessions := h.registry.List()

	response := make([]model.SessionInfo, len(sessions))
	for i, s := range sessions {
		response[i] = toSessionInfo(s)
	}

	c.JSON(http.StatusOK, response)
}

// History handles GET /api/sessions/history - lists stored sessions, newest
// first.
func (h *SessionHandler) History(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	response := []*HistoryResponse{}
	if h.history == nil {
		c.JSON(http.StatusOK, response)
		return
	}

	records, err := h.history.ListRecent(c.Request.Context(), limit)
	if err != nil {
		h.log.WithError(err).Error("Failed to list session history")
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}
	for _, r := range records {
		response = append(response, toHistoryResponse(r))
	}

	c.JSON(http.StatusOK, response)
}

// HistoryGet handles GET /api/sessions/history/:id - gets the latest stored
// session with the id.
func (h *SessionHandler) HistoryGet(c *gin.Context) {
	rec, ok := h.latest(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toHistoryResponse(rec))
}

// Recording handles GET /api/sessions/history/:id/recording - downloads the
// asciicast recording of the latest session with the id.
func (h *SessionHandler) Recording(c *gin.Context) {
	rec, ok := h.latest(c)
	if !ok {
		return
	}

	if rec.RecordingPath == "" {
		sendError(c, http.StatusNotFound, "RECORDING_NOT_FOUND", "No recording for session "+rec.ID)
		return
	}
	if _, err := os.Stat(rec.RecordingPath); err != nil {
		sendError(c, http.StatusNotFound, "RECORDING_NOT_FOUND", "Recording file missing for session "+rec.ID)
		return
	}

	c.Header("Content-Type", "application/x-asciicast")
	c.Header("Content-Disposition", "attachment; filename="+strconv.Quote(rec.ID+".cast"))
	c.File(rec.RecordingPath)
}

func (h *SessionHandler) latest(c *gin.Context) (*model.SessionRecord, bool) {
	sessionID := c.Param("id")
	if h.history == nil {
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
		return nil, false
	}

	rec, err := h.history.GetLatest(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
			return nil, false
		}
		h.log.WithError(err).WithField("session_id", sessionID).Error("Failed to get session history")
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return nil, false
	}
	return rec, true
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.List)
		sessions.GET("/history", h.History)
		sessions.GET("/history/:id", h.HistoryGet)
		sessions.GET("/history/:id/recording", h.Recording)
	}
}
