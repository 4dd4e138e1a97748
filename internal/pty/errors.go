package pty

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExists is returned when registering an id that is already live.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionClosed is returned for input or resize on a session that is
	// no longer running.
	ErrSessionClosed = errors.New("session is closed")

	// ErrSpawn is wrapped by every SpawnError.
	ErrSpawn = errors.New("failed to spawn session")
)

// SpawnError reports a shell that could not be started. Nothing is
// registered when it is returned.
type SpawnError struct {
	ID  string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn session %s: %v", e.ID, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawn, e.Err}
}
