//go:build !windows

package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// unixPTY implements PTY on top of a /dev/ptmx master. The master is in
// non-blocking mode and served by the runtime poller, so Close interrupts a
// pending Read even while another process still holds the terminal open.
// Nothing may call master.Fd(), which would switch it back to blocking.
type unixPTY struct {
	master *os.File
}

func (p *unixPTY) Read(b []byte) (int, error) {
	return p.master.Read(b)
}

func (p *unixPTY) Write(b []byte) (int, error) {
	return p.master.Write(b)
}

func (p *unixPTY) Close() error {
	return p.master.Close()
}

func (p *unixPTY) Resize(rows, cols uint16) error {
	return p.control(func(fd int) error {
		return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, &unix.Winsize{Row: rows, Col: cols})
	})
}

// Fd returns the descriptor number without taking it out of the poller.
// It is only valid until Close.
func (p *unixPTY) Fd() uintptr {
	fd := -1
	p.control(func(raw int) error {
		fd = raw
		return nil
	})
	return uintptr(fd)
}

func (p *unixPTY) control(fn func(fd int) error) error {
	rc, err := p.master.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := rc.Control(func(fd uintptr) { opErr = fn(int(fd)) }); err != nil {
		return err
	}
	return opErr
}

// pollable returns a non-blocking copy of f and closes f. The copy shares
// the open file description, so the terminal stays the same.
func pollable(f *os.File) (*os.File, error) {
	defer f.Close()

	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("failed to dup pty master: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to make pty master non-blocking: %w", err)
	}
	// NewFile registers a non-blocking descriptor with the poller.
	return os.NewFile(uintptr(fd), f.Name()), nil
}

// Start starts a new process on a freshly allocated PTY. The process runs in
// its own session with the PTY as its controlling terminal, so it leads a
// process group that can be signalled as a whole.
func Start(opts StartOptions) (*Process, error) {
	opts.applyDefaults()

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = opts.Env
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: opts.InitialRows,
		Cols: opts.InitialCols,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s on pty: %w", opts.Command, err)
	}
	if master, err = pollable(master); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, err
	}

	return &Process{
		PTY: &unixPTY{master: master},
		Cmd: cmd,
		pid: cmd.Process.Pid,
	}, nil
}

// Signal delivers sig to the process group led by the process. The group
// is gone once every member has exited; that is not an error.
func (p *Process) Signal(sig unix.Signal) error {
	if p.Cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-p.pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Hangup asks the process group to terminate, as a closing terminal would.
func (p *Process) Hangup() error {
	return p.Signal(unix.SIGHUP)
}

// Kill forcibly terminates the process group.
func (p *Process) Kill() error {
	return p.Signal(unix.SIGKILL)
}
