// Package buffer keeps the most recent output of a session.
package buffer

import (
	"bytes"
	"sync"
)

// DefaultTailSize is the amount of output kept per session.
const DefaultTailSize = 4 * 1024

// Tail is a fixed-size circular buffer holding the last bytes written to
// it. Older bytes are overwritten. It is safe for concurrent use: the
// session read loop writes while listings read.
type Tail struct {
	mu   sync.RWMutex
	buf  []byte
	next int // index of the next write
	full bool
}

// NewTail creates a Tail holding up to size bytes. A non-positive size
// falls back to DefaultTailSize.
func NewTail(size int) *Tail {
	if size <= 0 {
		size = DefaultTailSize
	}
	return &Tail{buf: make([]byte, size)}
}

// Write implements io.Writer. It never fails.
func (t *Tail) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	size := len(t.buf)
	if n >= size {
		copy(t.buf, p[n-size:])
		t.next = 0
		t.full = true
		return n, nil
	}

	c := copy(t.buf[t.next:], p)
	if c < n {
		copy(t.buf, p[c:])
		t.full = true
	} else if t.next+c == size {
		t.full = true
	}
	t.next = (t.next + n) % size
	return n, nil
}

// Bytes returns a copy of the buffered bytes, oldest first.
func (t *Tail) Bytes() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.full {
		return append([]byte(nil), t.buf[:t.next]...)
	}
	out := make([]byte, 0, len(t.buf))
	out = append(out, t.buf[t.next:]...)
	return append(out, t.buf[:t.next]...)
}

// Len returns the number of buffered bytes.
func (t *Tail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.full {
		return len(t.buf)
	}
	return t.next
}

// Cap returns the capacity of the buffer.
func (t *Tail) Cap() int {
	return len(t.buf)
}

// Reset discards the buffered bytes.
func (t *Tail) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next = 0
	t.full = false
}

// LastLine returns the last line that contains something other than
// whitespace, with carriage returns removed. Escape sequences are kept as
// they are.
func (t *Tail) LastLine() string {
	data := t.Bytes()
	for len(data) > 0 {
		i := bytes.LastIndexByte(data, '\n')
		line := bytes.TrimSpace(bytes.ReplaceAll(data[i+1:], []byte("\r"), nil))
		if len(line) > 0 {
			return string(line)
		}
		if i < 0 {
			break
		}
		data = data[:i]
	}
	return ""
}
