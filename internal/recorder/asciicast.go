// Package recorder writes terminal sessions as asciicast v2 recordings.
//
// A recording is a JSON header line followed by one JSON array per event:
//
//	{"version":2,"width":80,"height":24,"timestamp":1700000000}
//	[0.25,"o","$ "]
//	[1.5,"i","ls\r"]
//	[2.0,"r","120x40"]
package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Event types.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// Header is the first line of an asciicast v2 file.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is a single timed event, encoded as [time, type, data].
type Event struct {
	Time float64
	Type string
	Data string
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Time, e.Type, e.Data})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("asciicast event: expected 3 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Time); err != nil {
		return fmt.Errorf("asciicast event time: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.Type); err != nil {
		return fmt.Errorf("asciicast event type: %w", err)
	}
	if err := json.Unmarshal(raw[2], &e.Data); err != nil {
		return fmt.Errorf("asciicast event data: %w", err)
	}
	return nil
}

// ErrClosed is returned when writing to a closed Recorder.
var ErrClosed = errors.New("recorder: closed")

// Recorder appends events to an asciicast stream. Output comes from the
// session read loop while input and resizes come from the dispatcher, so
// all writes are serialized.
type Recorder struct {
	mu     sync.Mutex
	w      io.Writer
	file   *os.File // set only when the Recorder owns the file
	start  time.Time
	closed bool
	now    func() time.Time
}

// Create opens <dir>/<sessionID>.cast and writes the header. Session ids come
// from clients, so the path is resolved inside dir.
func Create(dir, sessionID string, cols, rows int) (*Recorder, error) {
	path, err := securejoin.SecureJoin(dir, sessionID+".cast")
	if err != nil {
		return nil, fmt.Errorf("resolve recording path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}

	r := New(f)
	r.file = f
	if err := r.WriteHeader(cols, rows, nil); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// New returns a Recorder writing to w. The caller writes the header.
func New(w io.Writer) *Recorder {
	return &Recorder{w: w, start: time.Now(), now: time.Now}
}

// WriteHeader writes the header line.
func (r *Recorder) WriteHeader(cols, rows int, env map[string]string) error {
	return r.writeLine(Header{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: r.start.Unix(),
		Env:       env,
	})
}

// Output records terminal output.
func (r *Recorder) Output(data []byte) error {
	return r.event(EventOutput, string(data))
}

// Input records keystrokes sent to the terminal.
func (r *Recorder) Input(data []byte) error {
	return r.event(EventInput, string(data))
}

// Resize records a geometry change.
func (r *Recorder) Resize(cols, rows uint16) error {
	return r.event(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) event(typ, data string) error {
	return r.writeLine(Event{
		Time: r.now().Sub(r.start).Seconds(),
		Type: typ,
		Data: data,
	})
}

func (r *Recorder) writeLine(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("recorder: marshal: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("recorder: write: %w", err)
	}
	return nil
}

// Path returns the file being written, or "" when the Recorder was built
// with New.
func (r *Recorder) Path() string {
	if r.file == nil {
		return ""
	}
	return r.file.Name()
}

// Close stops recording and closes the file if the Recorder owns it.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
