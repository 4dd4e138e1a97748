package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/runotepad/backend/internal/buffer"
	"github.com/runotepad/backend/internal/logger"
	"github.com/runotepad/backend/internal/recorder"
)

const (
	// DefaultReadBufferSize is the size of a single PTY read.
	DefaultReadBufferSize = 4096

	// DefaultKillGrace is how long a hung-up process may take to exit
	// before it is killed.
	DefaultKillGrace = 2 * time.Second
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateSpawning State = iota
	StateRunning
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CloseReason records what ended a session.
type CloseReason string

const (
	ReasonClient     CloseReason = "client"
	ReasonEOF        CloseReason = "eof"
	ReasonExit       CloseReason = "exit"
	ReasonDisconnect CloseReason = "disconnect"
	ReasonShutdown   CloseReason = "shutdown"
	ReasonRejected   CloseReason = "rejected"
)

// SpawnOptions contains options for spawning a session.
type SpawnOptions struct {
	// ID is the session id. It must be unique among live sessions.
	ID string

	// Shell is the program to run. Empty means DefaultShell().
	Shell string

	// Args are passed to the shell.
	Args []string

	// Env is the process environment. Nil inherits the server environment.
	Env []string

	// Dir is the working directory.
	Dir string

	// InitialRows and InitialCols default to 24x80.
	InitialRows uint16
	InitialCols uint16

	// KillGrace defaults to DefaultKillGrace.
	KillGrace time.Duration

	// RecordDir enables an asciicast recording of the session when set.
	RecordDir string

	// OnOutput receives every chunk read from the PTY, in order, on the
	// session read loop. The slice is only valid during the call.
	OnOutput func(s *Session, data []byte)

	// OnClosed is called exactly once, after the last OnOutput call, when a
	// started session ends.
	OnClosed func(s *Session)

	// Logger is used for session diagnostics.
	Logger logrus.FieldLogger
}

// Session is one shell running on a PTY.
//
// Input and resize come from the connection dispatcher; output is produced
// by a dedicated read loop. Close may be called from any goroutine, any
// number of times.
type Session struct {
	id        string
	shell     string
	proc      *Process
	registry  *Registry
	createdAt time.Time
	killGrace time.Duration

	state atomic.Int32

	writeMu sync.Mutex

	closeOnce   sync.Once
	closeReason atomic.Value // CloseReason
	closedAt    atomic.Value // time.Time

	exited   chan struct{}
	exitCode atomic.Int32
	done     chan struct{}

	tail        *buffer.Tail
	cast        *recorder.Recorder
	castErrOnce sync.Once

	onOutput func(*Session, []byte)
	onClosed func(*Session)
	log      logrus.FieldLogger
}

func newSession(opts SpawnOptions, reg *Registry) (*Session, error) {
	if opts.Shell == "" {
		opts.Shell = DefaultShell()
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.InitialRows == 0 {
		opts.InitialRows = DefaultRows
	}
	if opts.InitialCols == 0 {
		opts.InitialCols = DefaultCols
	}

	var log logrus.FieldLogger = logger.Discard()
	if opts.Logger != nil {
		log = opts.Logger
	}
	log = log.WithField("session_id", opts.ID)

	s := &Session{
		id:        opts.ID,
		shell:     opts.Shell,
		registry:  reg,
		createdAt: time.Now(),
		killGrace: opts.KillGrace,
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
		tail:      buffer.NewTail(buffer.DefaultTailSize),
		onOutput:  opts.OnOutput,
		onClosed:  opts.OnClosed,
		log:       log,
	}
	s.exitCode.Store(-1)

	if opts.RecordDir != "" {
		cast, err := recorder.Create(opts.RecordDir, opts.ID, int(opts.InitialCols), int(opts.InitialRows))
		if err != nil {
			return nil, err
		}
		s.cast = cast
	}

	env := opts.Env
	if env == nil {
		env = append(os.Environ(), "TERM=xterm-256color")
	}

	proc, err := Start(StartOptions{
		Command:     opts.Shell,
		Args:        opts.Args,
		Env:         env,
		Dir:         opts.Dir,
		InitialRows: opts.InitialRows,
		InitialCols: opts.InitialCols,
	})
	if err != nil {
		if s.cast != nil {
			s.cast.Close()
		}
		return nil, err
	}
	s.proc = proc

	log.WithField("pid", proc.PID()).Debug("Spawned shell")
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Shell returns the program the session runs.
func (s *Session) Shell() string { return s.shell }

// PID returns the shell's process id.
func (s *Session) PID() int { return s.proc.PID() }

// CreatedAt returns the spawn time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session reaches StateClosed and its OnClosed
// callback has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Exited is closed once the shell process has been reaped.
func (s *Session) Exited() <-chan struct{} { return s.exited }

// ExitCode returns the shell's exit code, or -1 while it is running or when
// it was killed by a signal.
func (s *Session) ExitCode() int { return int(s.exitCode.Load()) }

// CloseReason returns what ended the session, or "" while it is live.
func (s *Session) CloseReason() CloseReason {
	r, _ := s.closeReason.Load().(CloseReason)
	return r
}

// ClosedAt returns when Close was first called.
func (s *Session) ClosedAt() time.Time {
	t, _ := s.closedAt.Load().(time.Time)
	return t
}

// Preview returns the last non-empty line of output.
func (s *Session) Preview() string { return s.tail.LastLine() }

// RecordingPath returns the asciicast file of the session, if recording.
func (s *Session) RecordingPath() string {
	if s.cast == nil {
		return ""
	}
	return s.cast.Path()
}

// Start moves a spawned session to StateRunning and starts its read and
// wait loops. It reports false when the session was closed before it could
// start; OnClosed is never called in that case.
func (s *Session) Start() bool {
	if !s.state.CompareAndSwap(int32(StateSpawning), int32(StateRunning)) {
		return false
	}
	go s.readLoop()
	go s.waitLoop()
	return true
}

// Write sends raw input to the shell. The write is complete when it
// returns.
func (s *Session) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.State() != StateRunning {
		return ErrSessionClosed
	}
	if _, err := s.proc.PTY.Write(data); err != nil {
		return fmt.Errorf("failed to write to PTY: %w", err)
	}
	if s.cast != nil {
		s.recordFailed(s.cast.Input(data))
	}
	return nil
}

// Resize changes the terminal geometry.
func (s *Session) Resize(cols, rows uint16) error {
	if s.State() != StateRunning {
		return ErrSessionClosed
	}
	if err := s.proc.PTY.Resize(rows, cols); err != nil {
		return fmt.Errorf("failed to resize PTY: %w", err)
	}
	if s.cast != nil {
		s.recordFailed(s.cast.Resize(cols, rows))
	}
	return nil
}

// Close ends the session. The first call removes it from the registry,
// hangs up the process group and closes the PTY; the process is killed if
// it is still alive after the grace period. Later calls do nothing.
func (s *Session) Close(reason CloseReason) error {
	var err error
	s.closeOnce.Do(func() {
		s.closeReason.Store(reason)
		s.closedAt.Store(time.Now())
		prev := State(s.state.Swap(int32(StateClosing)))

		if s.registry != nil {
			s.registry.removeSession(s.id, s)
		}
		s.log.WithField("reason", reason).Debug("Closing session")

		err = s.release()

		if prev == StateSpawning {
			// Never started: there is no read loop to finish the session.
			go func() {
				<-s.exited
				s.finish(false)
			}()
			go s.reap()
		}
	})
	return err
}

func (s *Session) release() error {
	var firstErr error
	if err := s.proc.Hangup(); err != nil {
		firstErr = err
	}
	if err := s.proc.Close(); err != nil && !errors.Is(err, os.ErrClosed) && firstErr == nil {
		firstErr = err
	}

	go func() {
		select {
		case <-s.exited:
		case <-time.After(s.killGrace):
			s.log.Warn("Shell ignored hangup, killing")
			s.proc.Kill()
		}
	}()
	return firstErr
}

// readLoop drains the PTY until it fails. Its exit is the only place a
// started session becomes StateClosed.
func (s *Session) readLoop() {
	defer s.finish(true)

	buf := make([]byte, DefaultReadBufferSize)
	for {
		n, err := s.proc.PTY.Read(buf)
		if n > 0 {
			data := buf[:n]
			s.tail.Write(data)
			if s.cast != nil {
				s.recordFailed(s.cast.Output(data))
			}
			if s.onOutput != nil {
				s.onOutput(s, data)
			}
		}
		if err != nil {
			if s.State() == StateRunning && !errors.Is(err, io.EOF) {
				// EIO is how Linux reports that the shell side hung up.
				s.log.WithError(err).Debug("PTY read ended")
			}
			s.Close(ReasonEOF)
			return
		}
	}
}

// waitLoop reaps the shell. Output the shell wrote before exiting is still
// drained by the read loop. A background job that escaped the process
// group can keep the terminal open after the shell is gone; closing the
// PTY after the grace period ends the read loop in that case.
func (s *Session) waitLoop() {
	s.reap()

	select {
	case <-s.done:
	case <-time.After(s.killGrace):
		s.Close(ReasonExit)
	}
}

func (s *Session) reap() {
	code, err := s.proc.Wait()
	if err != nil {
		s.log.WithError(err).Debug("Wait failed")
	}
	s.exitCode.Store(int32(code))
	close(s.exited)
	s.log.WithField("exit_code", code).Debug("Shell exited")
}

// recordFailed logs the first recording error. The session keeps running
// without a complete recording.
func (s *Session) recordFailed(err error) {
	if err == nil || errors.Is(err, recorder.ErrClosed) {
		return
	}
	s.castErrOnce.Do(func() {
		s.log.WithError(err).Debug("Recording failed")
	})
}

func (s *Session) finish(notify bool) {
	s.state.Store(int32(StateClosed))
	if s.cast != nil {
		s.cast.Close()
	}
	if notify && s.onClosed != nil {
		s.onClosed(s)
	}
	close(s.done)
}
