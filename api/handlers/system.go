package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/runotepad/backend/internal/auth"
	"github.com/runotepad/backend/internal/logger"
	"github.com/runotepad/backend/internal/model"
)

// SystemHandler serves health, token checks and browser console forwarding.
type SystemHandler struct {
	verifier auth.Verifier
	log      logrus.FieldLogger
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(verifier auth.Verifier, log logrus.FieldLogger) *SystemHandler {
	return &SystemHandler{verifier: verifier, log: log}
}

// Health handles GET /health.
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// AuthCheck handles GET /api/auth/check - reports whether the request's
// token is valid.
func (h *SystemHandler) AuthCheck(c *gin.Context) {
	token := auth.ExtractToken(c.Request)
	switch {
	case token == "":
		c.JSON(http.StatusBadRequest, gin.H{"valid": false, "error": "No token provided"})
	case h.verifier.VerifyToken(token):
		c.JSON(http.StatusOK, gin.H{"valid": true, "message": "Token is valid"})
	default:
		c.JSON(http.StatusUnauthorized, gin.H{"valid": false, "error": "Invalid token"})
	}
}

// Console handles POST /api/console - writes a browser console line to the
// server log.
func (h *SystemHandler) Console(c *gin.Context) {
	var req model.ConsoleLog
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	h.log.WithField("source", "browser").Logf(logger.ConsoleLevel(req.Level), "[BROWSER %s] %s", req.Timestamp, req.Message)
	c.Status(http.StatusOK)
}

// RegisterRoutes registers the system routes.
func (h *SystemHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.GET("/api/auth/check", h.AuthCheck)
	r.POST("/api/console", h.Console)
}
