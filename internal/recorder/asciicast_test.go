package recorder

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecorderEvents(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	start := r.start
	offsets := []time.Duration{250 * time.Millisecond, time.Second, 2 * time.Second}
	i := 0
	r.now = func() time.Time {
		d := offsets[i]
		i++
		return start.Add(d)
	}

	if err := r.WriteHeader(80, 24, map[string]string{"SHELL": "/bin/sh"}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	r.Output([]byte("$ "))
	r.Input([]byte("ls\r"))
	r.Resize(120, 40)

	scanner := bufio.NewScanner(&buf)
	if !scanner.Scan() {
		t.Fatal("missing header")
	}
	var h Header
	if err := json.Unmarshal(scanner.Bytes(), &h); err != nil {
		t.Fatalf("invalid header: %v", err)
	}
	if h.Version != 2 || h.Width != 80 || h.Height != 24 || h.Env["SHELL"] != "/bin/sh" {
		t.Errorf("unexpected header: %+v", h)
	}

	want := []Event{
		{Time: 0.25, Type: EventOutput, Data: "$ "},
		{Time: 1, Type: EventInput, Data: "ls\r"},
		{Time: 2, Type: EventResize, Data: "120x40"},
	}
	for _, w := range want {
		if !scanner.Scan() {
			t.Fatalf("missing event %+v", w)
		}
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("invalid event %s: %v", scanner.Text(), err)
		}
		if e != w {
			t.Errorf("expected %+v, got %+v", w, e)
		}
	}
}

func TestEventUnmarshalErrors(t *testing.T) {
	inputs := []string{`[1,"o"]`, `["x","o","d"]`, `[1,2,"d"]`, `{}`}
	for _, in := range inputs {
		var e Event
		if err := json.Unmarshal([]byte(in), &e); err == nil {
			t.Errorf("expected error for %s", in)
		}
	}
}

func TestCreateWritesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "casts")

	r, err := Create(dir, "abc", 80, 24)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	r.Output([]byte("hello"))
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "abc.cast"))
	if err != nil {
		t.Fatalf("read recording: %v", err)
	}
	if !bytes.Contains(data, []byte(`"version":2`)) || !bytes.Contains(data, []byte(`"o","hello"`)) {
		t.Errorf("unexpected recording: %s", data)
	}
}

// TestCreateStaysInDir tests that ids with path elements cannot escape dir
func TestCreateStaysInDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "casts")

	for _, id := range []string{"../escape", "../../../tmp/escape", "nested/id"} {
		r, err := Create(dir, id, 80, 24)
		if err != nil {
			t.Fatalf("Create(%q): %v", id, err)
		}
		rel, err := filepath.Rel(dir, r.Path())
		r.Close()
		if err != nil || rel == ".." || filepath.IsAbs(rel) || (len(rel) > 2 && rel[:3] == "../") {
			t.Errorf("Expected %q to be recorded inside %s, got %s", id, dir, r.Path())
		}
	}

	if _, err := os.Stat(filepath.Join(root, "escape.cast")); !errors.Is(err, os.ErrNotExist) {
		t.Error("Expected no recording outside the recording dir")
	}
}

func TestWriteAfterClose(t *testing.T) {
	r := New(&bytes.Buffer{})
	r.Close()

	if err := r.Output([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}
