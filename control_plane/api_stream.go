package main

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetglass/fleetglass/control_plane/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for local dev (CORS)
		return true
	},
}

// handleStream upgrades to WebSocket and registers the client with the
// telemetry hub. Reconnects are stateless: the client receives the next
// tick's full snapshot, never history.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	subject, err := middleware.GetSubject(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: stream upgrade failed: %v", err)
		return
	}

	client := a.hub.Register(conn)
	defer a.hub.Unregister(client)

	log.Printf("api: stream client connected (%s)", subject)

	// Ping/pong for dead client detection. Pings go through the client's
	// write pump, never directly to the conn.
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				client.Ping()
			}
		}
	}()

	// Read pump to detect disconnections; inbound frames are ignored.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("api: stream client error: %v", err)
			}
			break
		}
	}
}

// handleTerminal upgrades to WebSocket and hands the connection to the
// terminal proxy. Authentication happens inside the session handshake:
// the browser WebSocket API cannot set an Authorization header, so the
// token travels in the first frame.
func (a *API) handleTerminal(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: terminal upgrade failed: %v", err)
		return
	}
	a.terminals.Handle(r.Context(), conn)
}
