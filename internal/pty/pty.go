// Package pty spawns shells on pseudo-terminals and tracks the live
// sessions of the gateway.
package pty

import (
	"errors"
	"io"
	"os"
	"os/exec"
)

const (
	// DefaultRows is the terminal height used until the client resizes.
	DefaultRows = 24

	// DefaultCols is the terminal width used until the client resizes.
	DefaultCols = 80

	// FallbackShell is used when neither the configuration nor $SHELL name one.
	FallbackShell = "/bin/sh"
)

// PTY is the controlling side of a pseudo-terminal pair.
type PTY interface {
	// Read reads process output.
	io.Reader

	// Write writes process input.
	io.Writer

	// Close closes the controlling side. A pending Read or Write returns
	// os.ErrClosed, whether or not the subordinate side is still open.
	io.Closer

	// Resize changes the window size seen by the process.
	Resize(rows, cols uint16) error

	// Fd returns the file descriptor of the controlling side.
	Fd() uintptr
}

// StartOptions contains options for starting a PTY process.
type StartOptions struct {
	// Command is the program to execute.
	Command string

	// Args are the arguments to pass to the command.
	Args []string

	// Env is the environment for the process.
	// If nil, the current process environment is used.
	Env []string

	// Dir is the working directory. If empty, the current directory is used.
	Dir string

	// InitialRows and InitialCols set the starting geometry. Zero values
	// fall back to DefaultRows and DefaultCols.
	InitialRows uint16
	InitialCols uint16
}

func (o *StartOptions) applyDefaults() {
	if o.InitialRows == 0 {
		o.InitialRows = DefaultRows
	}
	if o.InitialCols == 0 {
		o.InitialCols = DefaultCols
	}
	if o.Env == nil {
		o.Env = os.Environ()
	}
}

// Process is a command running on the subordinate side of a PTY.
type Process struct {
	// PTY is the controlling side.
	PTY PTY

	// Cmd is the underlying exec.Cmd.
	Cmd *exec.Cmd

	pid int
}

// PID returns the process ID of the running process.
func (p *Process) PID() int {
	return p.pid
}

// Wait waits for the process to exit and returns the exit code.
// Returns -1 if the process was killed by a signal.
func (p *Process) Wait() (int, error) {
	err := p.Cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// Close closes the controlling side of the PTY.
func (p *Process) Close() error {
	return p.PTY.Close()
}

// DefaultShell returns $SHELL, or FallbackShell when it is unset.
func DefaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return FallbackShell
}
