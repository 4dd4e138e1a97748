//go:build !windows

package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/runotepad/backend/internal/auth"
	"github.com/runotepad/backend/internal/db"
	"github.com/runotepad/backend/internal/model"
	"github.com/runotepad/backend/internal/protocol"
	"github.com/runotepad/backend/internal/repository"
)

const testToken = "secret"

func newTestServer(t *testing.T, opts Options) (*Handler, *httptest.Server) {
	t.Helper()
	if opts.Verifier == nil {
		opts.Verifier = auth.NewTokenVerifier(testToken)
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.KillGrace == 0 {
		opts.KillGrace = 500 * time.Millisecond
	}
	h := NewHandler(opts)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, srv
}

// testClient reads every server frame into a channel.
type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan protocol.Outbound
	done   chan struct{}
}

func wsURL(srv *httptest.Server, token string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func dial(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, testToken), nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	c := &testClient{
		t:      t,
		conn:   conn,
		frames: make(chan protocol.Outbound, 1024),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			m, err := protocol.DecodeOutbound(data)
			if err != nil {
				t.Errorf("server sent undecodable frame %q: %v", data, err)
				return
			}
			c.frames <- m
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *testClient) sendRaw(frame string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		c.t.Fatalf("failed to send: %v", err)
	}
}

func (c *testClient) send(v any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(v); err != nil {
		c.t.Fatalf("failed to send: %v", err)
	}
}

func (c *testClient) create(id string) string {
	c.t.Helper()
	c.send(map[string]string{"type": "create", "id": id})
	created := c.expectCreated()
	if id != "" && created.SessionID != id {
		c.t.Fatalf("Expected created for %q, got %q", id, created.SessionID)
	}
	return created.SessionID
}

func (c *testClient) input(id, data string) {
	c.send(map[string]string{"type": "input", "session_id": id, "data": data})
}

// next returns the next frame, or nil on timeout.
func (c *testClient) next(timeout time.Duration) protocol.Outbound {
	select {
	case m := <-c.frames:
		return m
	case <-time.After(timeout):
		return nil
	}
}

func (c *testClient) expectCreated() protocol.Created {
	c.t.Helper()
	for {
		m := c.next(5 * time.Second)
		switch v := m.(type) {
		case nil:
			c.t.Fatal("timeout waiting for created")
		case protocol.Created:
			return v
		case protocol.Error:
			c.t.Fatalf("Expected created, got error %q", v.Message)
		}
	}
}

func (c *testClient) expectError() protocol.Error {
	c.t.Helper()
	for {
		m := c.next(5 * time.Second)
		switch v := m.(type) {
		case nil:
			c.t.Fatal("timeout waiting for error")
		case protocol.Error:
			return v
		}
	}
}

// waitOutput reads frames until the accumulated output of id contains
// substr. It fails on closed for id.
func (c *testClient) waitOutput(id, substr string) string {
	c.t.Helper()
	var out strings.Builder
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-c.frames:
			switch v := m.(type) {
			case protocol.Output:
				if v.SessionID == id {
					out.WriteString(v.Data)
					if strings.Contains(out.String(), substr) {
						return out.String()
					}
				}
			case protocol.Closed:
				if v.SessionID == id {
					c.t.Fatalf("session %s closed before %q appeared, got %q", id, substr, out.String())
				}
			}
		case <-deadline:
			c.t.Fatalf("timeout waiting for %q, got %q", substr, out.String())
		}
	}
}

// waitClosed reads frames until closed for id.
func (c *testClient) waitClosed(id string) {
	c.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-c.frames:
			if v, ok := m.(protocol.Closed); ok && v.SessionID == id {
				return
			}
		case <-deadline:
			c.t.Fatalf("timeout waiting for closed %s", id)
		}
	}
}

// quiet asserts that no frame matching pred arrives within d.
func (c *testClient) quiet(d time.Duration, pred func(protocol.Outbound) bool) {
	c.t.Helper()
	deadline := time.After(d)
	for {
		select {
		case m := <-c.frames:
			if pred(m) {
				c.t.Errorf("Unexpected frame: %#v", m)
			}
		case <-deadline:
			return
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// TestSessionRoundTrip tests create, input, output and close over one connection
func TestSessionRoundTrip(t *testing.T) {
	h, srv := newTestServer(t, Options{})
	c := dial(t, srv)

	c.send(map[string]string{"type": "create", "id": "t1"})

	// The first frame of the session must be created.
	first := c.next(5 * time.Second)
	if created, ok := first.(protocol.Created); !ok || created.SessionID != "t1" {
		t.Fatalf("Expected created t1 first, got %#v", first)
	}

	c.input("t1", "echo hi-$((40+2))\n")
	c.waitOutput("t1", "hi-42")

	if _, ok := h.Registry().Lookup("t1"); !ok {
		t.Error("Expected t1 in the registry")
	}

	c.send(map[string]string{"type": "close", "session_id": "t1"})
	c.send(map[string]string{"type": "close", "session_id": "t1"})
	c.waitClosed("t1")

	c.input("t1", "echo after\n")
	c.quiet(500*time.Millisecond, func(m protocol.Outbound) bool {
		switch v := m.(type) {
		case protocol.Closed:
			return v.SessionID == "t1"
		case protocol.Output:
			return v.SessionID == "t1"
		case protocol.Error:
			return true
		}
		return false
	})

	if h.Registry().Len() != 0 {
		t.Errorf("Expected empty registry, got %d", h.Registry().Len())
	}
}

// TestCreateGeneratesID tests that a create without id gets a fresh uuid
func TestCreateGeneratesID(t *testing.T) {
	_, srv := newTestServer(t, Options{})
	c := dial(t, srv)

	a := c.create("")
	b := c.create("")
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("Expected a uuid, got %q", a)
	}
	if a == b {
		t.Errorf("Expected distinct ids, both %q", a)
	}
}

// TestDuplicateIDRejected tests that a live id cannot be created again
func TestDuplicateIDRejected(t *testing.T) {
	h, srv := newTestServer(t, Options{})
	c := dial(t, srv)

	c.create("dup")
	c.send(map[string]string{"type": "create", "id": "dup"})
	e := c.expectError()
	if e.Message != "session dup already exists" {
		t.Errorf("Unexpected error message %q", e.Message)
	}

	c.input("dup", "echo still-$((1+1))\n")
	c.waitOutput("dup", "still-2")
	if h.Registry().Len() != 1 {
		t.Errorf("Expected one session, got %d", h.Registry().Len())
	}

	// A closed id may be used again.
	c.send(map[string]string{"type": "close", "session_id": "dup"})
	c.waitClosed("dup")
	c.create("dup")
}

// TestUnknownSessionIgnored tests that frames for unknown ids produce no error
func TestUnknownSessionIgnored(t *testing.T) {
	_, srv := newTestServer(t, Options{})
	c := dial(t, srv)

	c.send(map[string]any{"type": "resize", "session_id": "ghost", "cols": 100, "rows": 30})
	c.input("ghost", "x")
	c.send(map[string]string{"type": "close", "session_id": "ghost"})

	c.quiet(300*time.Millisecond, func(protocol.Outbound) bool { return true })
	c.create("alive")
}

// TestUndecodableFramesDropped tests that bad frames do not end the connection
func TestUndecodableFramesDropped(t *testing.T) {
	_, srv := newTestServer(t, Options{})
	c := dial(t, srv)

	c.sendRaw("not json")
	c.sendRaw(`{"type":"bogus"}`)
	c.sendRaw(`{"type":"input","data":"no id"}`)
	c.sendRaw(`{"type":"resize","session_id":"x","cols":0,"rows":24}`)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("send binary: %v", err)
	}

	c.create("after-garbage")
}

// TestResize tests that the shell sees a resize
func TestResize(t *testing.T) {
	_, srv := newTestServer(t, Options{})
	c := dial(t, srv)

	id := c.create("sz")
	c.send(map[string]any{"type": "resize", "session_id": id, "cols": 132, "rows": 43})
	// Resize is handled before the following input on the same connection.
	c.input(id, "stty size\n")
	c.waitOutput(id, "43 132")
}

// TestAuthRejected tests that a bad or missing token never upgrades
func TestAuthRejected(t *testing.T) {
	h, srv := newTestServer(t, Options{})

	for _, token := range []string{"", "wrong"} {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, token), nil)
		if err == nil {
			t.Fatalf("Expected dial with token %q to fail", token)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("Expected 401 for token %q, got %v", token, resp)
		}
	}

	header := http.Header{"Authorization": []string{"Bearer " + testToken}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	if err != nil {
		t.Fatalf("Expected bearer token to be accepted: %v", err)
	}
	conn.Close()

	waitFor(t, "connections to drain", func() bool { return h.ConnectionCount() == 0 })
}

// TestDisconnectClosesSessions tests that a dropped connection closes its sessions
func TestDisconnectClosesSessions(t *testing.T) {
	h, srv := newTestServer(t, Options{})
	c := dial(t, srv)

	c.create("d1")
	c.create("d2")
	if h.Registry().Len() != 2 {
		t.Fatalf("Expected 2 sessions, got %d", h.Registry().Len())
	}

	c.conn.Close()
	waitFor(t, "sessions to close", func() bool { return h.Registry().Len() == 0 })
	waitFor(t, "connection to unregister", func() bool { return h.ConnectionCount() == 0 })
}

// TestSessionsOwnedByConnection tests that another connection cannot address a session
func TestSessionsOwnedByConnection(t *testing.T) {
	h, srv := newTestServer(t, Options{})
	owner := dial(t, srv)
	other := dial(t, srv)

	owner.create("mine")

	other.input("mine", "echo leaked\n")
	other.send(map[string]string{"type": "close", "session_id": "mine"})
	other.quiet(300*time.Millisecond, func(protocol.Outbound) bool { return true })

	if _, ok := h.Registry().Lookup("mine"); !ok {
		t.Fatal("Expected session to survive a foreign close")
	}

	owner.input("mine", "echo owner-$((1+1))\n")
	out := owner.waitOutput("mine", "owner-2")
	if strings.Contains(out, "leaked") {
		t.Errorf("Foreign input reached the session: %q", out)
	}

	// The same id from another connection is still a collision.
	other.send(map[string]string{"type": "create", "id": "mine"})
	if e := other.expectError(); !strings.Contains(e.Message, "already exists") {
		t.Errorf("Unexpected error %q", e.Message)
	}
}

// TestShellExitEmitsClosed tests that a shell ending on its own is reported
func TestShellExitEmitsClosed(t *testing.T) {
	h, srv := newTestServer(t, Options{})
	c := dial(t, srv)

	id := c.create("bye")
	c.input(id, "exit\n")
	c.waitClosed(id)

	waitFor(t, "registry to empty", func() bool { return h.Registry().Len() == 0 })

	// The connection stays usable.
	c.create("next")
}

// TestCloseWithDetachedHolder tests that closed arrives while a process
// outside the shell's group keeps the terminal open
func TestCloseWithDetachedHolder(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}
	h, srv := newTestServer(t, Options{})
	c := dial(t, srv)

	id := c.create("hold")
	c.input(id, "setsid sleep 30 & echo BG$((1+1))\n")
	c.waitOutput(id, "BG2")

	c.send(map[string]string{"type": "close", "session_id": id})
	c.waitClosed(id)

	waitFor(t, "registry to empty", func() bool { return h.Registry().Len() == 0 })
}

func TestShellArgs(t *testing.T) {
	_, srv := newTestServer(t, Options{ShellArgs: []string{"-c", "echo args-$((40+2)); exit 0"}})
	c := dial(t, srv)

	id := c.create("args")
	c.waitOutput(id, "args-42")
	c.waitClosed(id)
}

// TestMaxSessions tests the per-connection session limit
func TestMaxSessions(t *testing.T) {
	_, srv := newTestServer(t, Options{MaxSessions: 1})
	c := dial(t, srv)

	c.create("one")
	c.send(map[string]string{"type": "create", "id": "two"})
	e := c.expectError()
	if !strings.Contains(e.Message, model.ErrConcurrencyLimit.Error()) {
		t.Errorf("Unexpected error %q", e.Message)
	}
}

// TestSpawnFailure tests that a shell that cannot start is reported
func TestSpawnFailure(t *testing.T) {
	h, srv := newTestServer(t, Options{Shell: "/nonexistent/shell"})
	c := dial(t, srv)

	c.send(map[string]string{"type": "create", "id": "broken"})
	e := c.expectError()
	if !strings.Contains(e.Message, "broken") {
		t.Errorf("Expected error to name the session, got %q", e.Message)
	}
	if h.Registry().Len() != 0 {
		t.Errorf("Expected empty registry, got %d", h.Registry().Len())
	}
}

// TestHandlerClose tests that shutdown closes sessions and tells the client
func TestHandlerClose(t *testing.T) {
	h, srv := newTestServer(t, Options{})
	c := dial(t, srv)

	c.create("s1")
	h.Close()

	c.waitClosed("s1")
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the server to close the socket")
	}
	if h.Registry().Len() != 0 {
		t.Errorf("Expected empty registry, got %d", h.Registry().Len())
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, testToken), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after Close, got %v %v", resp, err)
	}
}

// TestSessionHistory tests that sessions are written to the history store
func TestSessionHistory(t *testing.T) {
	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("NewTestDB: %v", err)
	}
	defer testDB.Close()
	repo := repository.NewSessionRepository(testDB)

	_, srv := newTestServer(t, Options{History: repo, RecordDir: t.TempDir()})
	c := dial(t, srv)

	id := c.create("hist")
	c.input(id, "echo last-line; exit 3\n")
	c.waitClosed(id)

	var rec *model.SessionRecord
	waitFor(t, "history row to close", func() bool {
		rec, err = repo.GetLatest(context.Background(), id)
		return err == nil && rec.Status == model.SessionStatusClosed
	})

	if rec.ExitCode == nil || *rec.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %v", rec.ExitCode)
	}
	if rec.Shell != "/bin/sh" || rec.PID == nil {
		t.Errorf("Unexpected record: %+v", rec)
	}
	if rec.RecordingPath == "" || !strings.HasSuffix(rec.RecordingPath, "hist.cast") {
		t.Errorf("Expected recording path, got %q", rec.RecordingPath)
	}
	if rec.CloseReason == "" || rec.ClosedAt == nil {
		t.Errorf("Expected close data, got %+v", rec)
	}
}

// TestOutputOrder tests that a burst of output arrives complete and in order
func TestOutputOrder(t *testing.T) {
	_, srv := newTestServer(t, Options{})
	c := dial(t, srv)

	id := c.create("burst")
	c.input(id, "i=0; while [ $i -lt 2000 ]; do i=$((i+1)); echo N$i; done; echo END-$((1+1))\n")
	out := c.waitOutput(id, "END-2\r\n")

	pos := 0
	for i := 1; i <= 2000; i += 97 {
		needle := "N" + strconv.Itoa(i) + "\r\n"
		idx := strings.Index(out[pos:], needle)
		if idx < 0 {
			t.Fatalf("Expected line N%d in order", i)
		}
		pos += idx + len(needle)
	}
}

// TestTeardownRacesCreate tests that a connection closed mid-create leaves nothing behind
func TestTeardownRacesCreate(t *testing.T) {
	h, srv := newTestServer(t, Options{})

	for i := 0; i < 5; i++ {
		c := dial(t, srv)
		for j := 0; j < 3; j++ {
			c.send(map[string]string{"type": "create"})
		}
		c.conn.Close()
	}

	// Teardown runs after the last create was handled.
	waitFor(t, "connections to close", func() bool { return h.ConnectionCount() == 0 })
	if h.Registry().Len() != 0 {
		t.Errorf("Expected empty registry, got %d", h.Registry().Len())
	}
}
