package model

import "errors"

var (
	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConcurrencyLimit is returned when a connection already owns the
	// maximum number of sessions.
	ErrConcurrencyLimit = errors.New("concurrent session limit exceeded")
)
