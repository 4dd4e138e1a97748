package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/runotepad/backend/api/handlers"
	"github.com/runotepad/backend/internal/auth"
	"github.com/runotepad/backend/internal/config"
	"github.com/runotepad/backend/internal/db"
	"github.com/runotepad/backend/internal/pty"
	"github.com/runotepad/backend/internal/repository"
	"github.com/runotepad/backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// serve runs the server until ctx is cancelled, then tears every connection
// down and closes the history store.
func serve(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	if !log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}

	var history handlers.HistoryStore
	var recorder repository.Recorder
	if cfg.DBPath != "" {
		database, err := db.InitDB(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.CloseDB()

		repo := repository.NewSessionRepository(database)
		if n, err := repo.MarkAllClosed(ctx, string(pty.ReasonShutdown)); err != nil {
			log.WithError(err).Warn("Failed to close stale session records")
		} else if n > 0 {
			log.Infof("Closed %d session records left by a previous run", n)
		}
		history, recorder = repo, repo
		log.WithField("path", cfg.DBPath).Info("Session history enabled")
	}

	shell, shellArgs, err := cfg.ShellCommand()
	if err != nil {
		return err
	}

	verifier := auth.NewTokenVerifier(cfg.Token)
	gateway := ws.NewHandler(ws.Options{
		Verifier:    verifier,
		Shell:       shell,
		ShellArgs:   shellArgs,
		RecordDir:   cfg.RecordDir,
		KillGrace:   cfg.KillGrace,
		MaxSessions: cfg.MaxSessions,
		History:     recorder,
		Logger:      log,
	})

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: handlers.NewRouter(handlers.RouterOptions{
			Verifier:  verifier,
			Gateway:   gateway,
			History:   history,
			StaticDir: cfg.StaticDir,
			Logger:    log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logBanner(log, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		gateway.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Upgraded connections are hijacked, so Shutdown leaves them to the
	// gateway.
	err = srv.Shutdown(shutdownCtx)
	gateway.Close()
	if err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	log.Info("Server stopped")
	return nil
}

func logBanner(log logrus.FieldLogger, cfg *config.Config) {
	port := "8080"
	if _, p, err := net.SplitHostPort(cfg.Addr); err == nil {
		port = p
	}

	log.Info("===========================================")
	log.Info("  Runotepad - Interactive Runbook Server")
	log.Info("===========================================")
	log.Infof("Access token: %s", cfg.Token)
	log.Infof("Starting server at http://%s", cfg.Addr)
	log.Infof("Access with token: http://127.0.0.1:%s/?token=%s", port, cfg.Token)
}
