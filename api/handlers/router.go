package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/runotepad/backend/internal/auth"
	"github.com/runotepad/backend/internal/logger"
	"github.com/runotepad/backend/internal/ws"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Verifier auth.Verifier
	Gateway  *ws.Handler
	// History is optional.
	History HistoryStore
	// StaticDir is served at / when set.
	StaticDir string
	Logger    logrus.FieldLogger
}

// NewRouter builds the HTTP routes of the server.
func NewRouter(opts RouterOptions) *gin.Engine {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))
	r.Use(corsMiddleware())
	r.Use(auth.Middleware(opts.Verifier, log))

	NewSystemHandler(opts.Verifier, log).RegisterRoutes(r)
	NewWebSocketHandler(opts.Gateway).RegisterRoutes(r)

	api := r.Group("/api")
	{
		NewSessionHandler(opts.Gateway.Registry(), opts.History, log).RegisterRoutes(api)
	}

	if opts.StaticDir != "" {
		// Directories serve their index.html; listings are disabled.
		files := http.FileServer(gin.Dir(opts.StaticDir, false))
		r.NoRoute(func(c *gin.Context) {
			if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
				c.Status(http.StatusNotFound)
				return
			}
			files.ServeHTTP(c.Writer, c.Request)
		})
	}

	return r
}

// requestLogger logs one line per request. Query strings carry the token, so
// only the path is logged.
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"remote":  c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("Request failed")
			return
		}
		entry.Debug("Request served")
	}
}

// corsMiddleware allows the UI to be served from another origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
