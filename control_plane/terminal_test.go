package main

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetglass/fleetglass/control_plane/auth"
	"github.com/fleetglass/fleetglass/control_plane/connmgr"
)

type fakeTermConn struct {
	in chan []byte

	mu     sync.Mutex
	out    [][]byte
	closed bool
}

func newFakeTermConn() *fakeTermConn {
	return &fakeTermConn{in: make(chan []byte, 16)}
}

func (c *fakeTermConn) ReadMessage() (int, []byte, error) {
	b, ok := <-c.in
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, b, nil
}

func (c *fakeTermConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.out = append(c.out, cp)
	return nil
}

func (c *fakeTermConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeTermConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeTermConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeTermConn) sendJSON(t *testing.T, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	c.in <- raw
}

func (c *fakeTermConn) serverFrames(t *testing.T) []terminalServerMsg {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := make([]terminalServerMsg, 0, len(c.out))
	for _, raw := range c.out {
		var msg terminalServerMsg
		require.NoError(t, json.Unmarshal(raw, &msg))
		frames = append(frames, msg)
	}
	return frames
}

type fakeShell struct {
	out chan []byte

	mu        sync.Mutex
	written   []byte
	cols      int
	rows      int
	closeOnce sync.Once
}

func newFakeShell() *fakeShell {
	return &fakeShell{out: make(chan []byte, 16)}
}

func (s *fakeShell) Read(p []byte) (int, error) {
	b, ok := <-s.out
	if !ok {
		return 0, io.EOF
	}
	return copy(p, b), nil
}

func (s *fakeShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, p...)
	return len(p), nil
}

func (s *fakeShell) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cols, s.rows = cols, rows
	return nil
}

func (s *fakeShell) Close() error {
	s.closeOnce.Do(func() { close(s.out) })
	return nil
}

func (s *fakeShell) Wait() error { return nil }

type fakeShellOpener struct {
	mu       sync.Mutex
	shell    *fakeShell
	err      error
	serverID string
	cols     int
	rows     int
}

func (o *fakeShellOpener) OpenShell(_ context.Context, serverID string, cols, rows int) (connmgr.Shell, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.serverID, o.cols, o.rows = serverID, cols, rows
	if o.err != nil {
		return nil, o.err
	}
	return o.shell, nil
}

func testTokenService(t *testing.T) *auth.TokenService {
	t.Helper()
	svc, err := auth.NewTokenService([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return svc
}

func TestTerminalSessionRelaysBothDirections(t *testing.T) {
	tokens := testTokenService(t)
	token, err := tokens.Generate("alice", auth.RoleOperator)
	require.NoError(t, err)

	shell := newFakeShell()
	opener := &fakeShellOpener{shell: shell}
	tm := NewTerminalManager(tokens, opener, time.Minute)

	conn := newFakeTermConn()
	done := make(chan struct{})
	go func() {
		tm.Handle(context.Background(), conn)
		close(done)
	}()

	conn.sendJSON(t, terminalOpen{Token: token, ServerID: "srv-1", Cols: 100, Rows: 30})
	waitFor(t, func() bool {
		opener.mu.Lock()
		defer opener.mu.Unlock()
		return opener.serverID == "srv-1"
	})
	assert.Equal(t, 100, opener.cols)
	assert.Equal(t, 30, opener.rows)

	// Client keystrokes reach the remote shell.
	conn.sendJSON(t, terminalClientMsg{Type: "input", Data: "ls\n"})
	waitFor(t, func() bool {
		shell.mu.Lock()
		defer shell.mu.Unlock()
		return string(shell.written) == "ls\n"
	})

	// Resize lands on the PTY without disturbing the byte streams.
	conn.sendJSON(t, terminalClientMsg{Type: "resize", Cols: 120, Rows: 40})
	waitFor(t, func() bool {
		shell.mu.Lock()
		defer shell.mu.Unlock()
		return shell.cols == 120 && shell.rows == 40
	})

	// Remote output comes back as output frames, bytes intact.
	shell.out <- []byte("file-a\nfile-b\n")
	waitFor(t, func() bool {
		for _, f := range conn.serverFrames(t) {
			if f.Type == "output" && f.Data == "file-a\nfile-b\n" {
				return true
			}
		}
		return false
	})

	close(conn.in)
	<-done
	assert.True(t, conn.closed)
}

func TestTerminalRemoteCloseSendsErrorFrame(t *testing.T) {
	tokens := testTokenService(t)
	token, err := tokens.Generate("alice", auth.RoleOperator)
	require.NoError(t, err)

	shell := newFakeShell()
	opener := &fakeShellOpener{shell: shell}
	tm := NewTerminalManager(tokens, opener, time.Minute)

	conn := newFakeTermConn()
	done := make(chan struct{})
	go func() {
		tm.Handle(context.Background(), conn)
		close(done)
	}()

	conn.sendJSON(t, terminalOpen{Token: token, ServerID: "srv-1"})
	waitFor(t, func() bool {
		opener.mu.Lock()
		defer opener.mu.Unlock()
		return opener.serverID == "srv-1"
	})

	shell.out <- []byte("$ ")
	waitFor(t, func() bool {
		return len(conn.serverFrames(t)) > 0
	})

	// Remote channel drops while the client is still attached: the
	// client gets exactly one error frame, then the close.
	shell.Close()
	<-done

	errFrames := 0
	for _, f := range conn.serverFrames(t) {
		if f.Type == "error" {
			errFrames++
			assert.Equal(t, "remote session closed", f.Data)
		}
	}
	assert.Equal(t, 1, errFrames)
	assert.True(t, conn.closed)
	close(conn.in)
}

func TestTerminalRejectsViewerRole(t *testing.T) {
	tokens := testTokenService(t)
	token, err := tokens.Generate("bob", auth.RoleViewer)
	require.NoError(t, err)

	tm := NewTerminalManager(tokens, &fakeShellOpener{shell: newFakeShell()}, time.Minute)
	conn := newFakeTermConn()

	conn.sendJSON(t, terminalOpen{Token: token, ServerID: "srv-1"})
	tm.Handle(context.Background(), conn)

	frames := conn.serverFrames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].Type)
	assert.Contains(t, frames[0].Data, "forbidden")
}

func TestTerminalRejectsBadToken(t *testing.T) {
	tm := NewTerminalManager(testTokenService(t), &fakeShellOpener{}, time.Minute)
	conn := newFakeTermConn()

	conn.sendJSON(t, terminalOpen{Token: "garbage", ServerID: "srv-1"})
	tm.Handle(context.Background(), conn)

	frames := conn.serverFrames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].Type)
	assert.Equal(t, "unauthorized", frames[0].Data)
}

func TestTerminalShellFailureSendsSingleErrorFrame(t *testing.T) {
	tokens := testTokenService(t)
	token, err := tokens.Generate("alice", auth.RoleAdmin)
	require.NoError(t, err)

	opener := &fakeShellOpener{err: connmgr.ErrAuthLocked}
	tm := NewTerminalManager(tokens, opener, time.Minute)
	conn := newFakeTermConn()

	conn.sendJSON(t, terminalOpen{Token: token, ServerID: "srv-1"})
	tm.Handle(context.Background(), conn)

	frames := conn.serverFrames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].Type)
	assert.Contains(t, frames[0].Data, "shell unavailable")
	assert.True(t, conn.closed)
}
