package main

import (
	"context"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetglass/fleetglass/control_plane/observability"
)

const (
	maxStreamClients = 200
	clientQueueDepth = 16
	writeDeadline    = 5 * time.Second
)

// wsConn is the subset of *websocket.Conn the hub needs; tests
// substitute fakes.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// BroadcastClient is one live telemetry subscriber. Each client owns a
// bounded send queue drained by its own write pump, so one slow client
// can never stall the broadcast tick.
type BroadcastClient struct {
	conn wsConn
	send chan []byte
	ping chan struct{}
	done chan struct{}
}

func newBroadcastClient(conn wsConn) *BroadcastClient {
	return &BroadcastClient{
		conn: conn,
		send: make(chan []byte, clientQueueDepth),
		ping: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Ping asks the write pump to send a control ping. The pump is the
// connection's only writer; pings never race a broadcast frame.
func (c *BroadcastClient) Ping() {
	select {
	case c.ping <- struct{}{}:
	default:
	}
}

// writePump drains the send queue to the connection.
func (c *BroadcastClient) writePump() {
	defer c.conn.Close()
	for {
		select {
		case <-c.done:
			return
		case <-c.ping:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// BroadcastHub manages telemetry stream subscribers and fans the
// latest fleet state out once per tick. Single broadcaster pattern
// prevents N duplicate tickers.
type BroadcastHub struct {
	clients    map[*BroadcastClient]struct{}
	register   chan *BroadcastClient
	unregister chan *BroadcastClient

	// state serializes the current fleet view for one tick. Reconnect
	// semantics are stateless: a client that joins between ticks simply
	// receives the next tick's full snapshot, never history.
	state    func() ([]byte, error)
	interval time.Duration
}

// NewBroadcastHub creates a hub ticking at the given interval.
func NewBroadcastHub(interval time.Duration, state func() ([]byte, error)) *BroadcastHub {
	return &BroadcastHub{
		clients:    make(map[*BroadcastClient]struct{}),
		register:   make(chan *BroadcastClient),
		unregister: make(chan *BroadcastClient),
		state:      state,
		interval:   interval,
	}
}

// Register adds a client and starts its write pump. Returns false if
// the hub is at capacity.
func (h *BroadcastHub) Register(conn wsConn) *BroadcastClient {
	c := newBroadcastClient(conn)
	go c.writePump()
	h.register <- c
	return c
}

// Unregister removes a client and closes its connection.
func (h *BroadcastHub) Unregister(c *BroadcastClient) {
	h.unregister <- c
}

// Run is the hub main loop. The tick never blocks on any client: a
// client whose queue is already full is a slow consumer and is
// disconnected rather than allowed to stall the fleet broadcast.
func (h *BroadcastHub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case c := <-h.register:
			if len(h.clients) >= maxStreamClients {
				log.Printf("hub: stream client rejected, max connections (%d) reached", maxStreamClients)
				h.drop(c)
				continue
			}
			h.clients[c] = struct{}{}
			observability.BroadcastClients.Set(float64(len(h.clients)))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				h.drop(c)
			}
			observability.BroadcastClients.Set(float64(len(h.clients)))

		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *BroadcastHub) broadcast() {
	if len(h.clients) == 0 {
		return
	}
	payload, err := h.state()
	if err != nil {
		log.Printf("hub: serialize fleet state: %v", err)
		return
	}
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Queue full: the drop is silent to the client but visible
			// as a metric.
			observability.SlowConsumerDrops.Inc()
			delete(h.clients, c)
			h.drop(c)
		}
	}
	observability.BroadcastClients.Set(float64(len(h.clients)))
}

func (h *BroadcastHub) drop(c *BroadcastClient) {
	close(c.done)
	c.conn.Close()
}

func (h *BroadcastHub) shutdown() {
	log.Printf("hub: shutting down with %d stream clients", len(h.clients))
	for c := range h.clients {
		delete(h.clients, c)
		h.drop(c)
	}
}
