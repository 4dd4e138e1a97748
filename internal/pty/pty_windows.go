//go:build windows

package pty

import "errors"

// ErrUnsupported is returned by Start on platforms without Unix PTYs.
var ErrUnsupported = errors.New("pty: shell sessions require a unix pseudo-terminal")

// Start always fails on Windows.
func Start(opts StartOptions) (*Process, error) {
	return nil, ErrUnsupported
}

// Hangup terminates the process.
func (p *Process) Hangup() error {
	return p.Kill()
}

// Kill terminates the process.
func (p *Process) Kill() error {
	if p.Cmd.Process != nil {
		return p.Cmd.Process.Kill()
	}
	return nil
}
