package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetglass/fleetglass/control_plane/auth"
	"github.com/fleetglass/fleetglass/control_plane/connmgr"
	"github.com/fleetglass/fleetglass/control_plane/observability"
)

// shellOpener is the slice of the connection manager the terminal
// proxy needs.
type shellOpener interface {
	OpenShell(ctx context.Context, serverID string, cols, rows int) (connmgr.Shell, error)
}

// termConn is the subset of *websocket.Conn the session pump uses;
// tests substitute fakes.
type termConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// terminalOpen is the first client frame: authenticate, pick a server,
// declare the initial PTY size.
type terminalOpen struct {
	Token    string `json:"token"`
	ServerID string `json:"server_id"`
	Cols     int    `json:"cols"`
	Rows     int    `json:"rows"`
}

// terminalClientMsg is every subsequent client frame.
type terminalClientMsg struct {
	Type string `json:"type"` // "input" or "resize"
	Data string `json:"data"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// terminalServerMsg is a frame pushed to the client.
type terminalServerMsg struct {
	Type string `json:"type"` // "output" or "error"
	Data string `json:"data"`
}

// TerminalManager proxies interactive shell sessions over WebSocket.
// Each session owns a dedicated remote channel; terminal traffic never
// shares the exec path and is not subject to exec leases.
type TerminalManager struct {
	tokens      *auth.TokenService
	shells      shellOpener
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]func() // session id -> cancel
}

func NewTerminalManager(tokens *auth.TokenService, shells shellOpener, idleTimeout time.Duration) *TerminalManager {
	return &TerminalManager{
		tokens:      tokens,
		shells:      shells,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]func()),
	}
}

// Handle drives one terminal session from WebSocket handshake to
// close. Errors surface to the client as a single error frame before
// the connection drops.
func (tm *TerminalManager) Handle(ctx context.Context, ws termConn) {
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return
	}
	var open terminalOpen
	if err := json.Unmarshal(raw, &open); err != nil {
		tm.fail(ws, "malformed open frame")
		return
	}

	claims, err := tm.tokens.Validate(open.Token)
	if err != nil {
		tm.fail(ws, "unauthorized")
		return
	}
	if claims.Role == auth.RoleViewer {
		tm.fail(ws, "forbidden: interactive sessions require operator role")
		return
	}
	if open.Cols <= 0 {
		open.Cols = 80
	}
	if open.Rows <= 0 {
		open.Rows = 24
	}

	shell, err := tm.shells.OpenShell(ctx, open.ServerID, open.Cols, open.Rows)
	if err != nil {
		tm.fail(ws, fmt.Sprintf("shell unavailable: %v", err))
		return
	}

	sessionID := uuid.NewString()
	sessCtx, cancel := context.WithCancel(ctx)
	tm.mu.Lock()
	tm.sessions[sessionID] = cancel
	tm.mu.Unlock()
	observability.TerminalSessions.Inc()
	log.Printf("terminal: session %s opened by %s on server %s", sessionID, claims.Subject, open.ServerID)

	defer func() {
		cancel()
		shell.Close()
		tm.mu.Lock()
		delete(tm.sessions, sessionID)
		tm.mu.Unlock()
		observability.TerminalSessions.Dec()
		log.Printf("terminal: session %s closed", sessionID)
	}()

	tm.pump(sessCtx, ws, shell)
}

// pump relays bytes both ways until either side closes or the idle
// timeout fires. The idle clock resets on client input only.
func (tm *TerminalManager) pump(ctx context.Context, ws termConn, shell connmgr.Shell) {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	// Remote output -> client. Output bytes pass through opaquely; a
	// resize on the other goroutine never reorders or drops them.
	go func() {
		defer stop()
		buf := make([]byte, 32*1024)
		for {
			n, err := shell.Read(buf)
			if n > 0 {
				frame, merr := json.Marshal(terminalServerMsg{Type: "output", Data: string(buf[:n])})
				if merr != nil {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(writeDeadline))
				if werr := ws.WriteMessage(websocket.TextMessage, frame); werr != nil {
					return
				}
			}
			if err != nil {
				// The remote side ended the session. The client gets one
				// error frame before the close, unless it hung up first.
				select {
				case <-done:
				default:
					tm.fail(ws, "remote session closed")
				}
				return
			}
		}
	}()

	// Client input -> remote.
	go func() {
		defer stop()
		for {
			ws.SetReadDeadline(time.Now().Add(tm.idleTimeout))
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg terminalClientMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "input":
				if _, err := shell.Write([]byte(msg.Data)); err != nil {
					return
				}
			case "resize":
				if msg.Cols > 0 && msg.Rows > 0 {
					if err := shell.Resize(msg.Cols, msg.Rows); err != nil {
						log.Printf("terminal: resize failed: %v", err)
					}
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
}

// CloseAll tears down every live session, for shutdown.
func (tm *TerminalManager) CloseAll() {
	tm.mu.Lock()
	cancels := make([]func(), 0, len(tm.sessions))
	for _, c := range tm.sessions {
		cancels = append(cancels, c)
	}
	tm.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (tm *TerminalManager) fail(ws termConn, reason string) {
	frame, err := json.Marshal(terminalServerMsg{Type: "error", Data: reason})
	if err != nil {
		return
	}
	ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	ws.WriteMessage(websocket.TextMessage, frame)
}
