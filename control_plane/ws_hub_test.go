package main

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

type fakeStreamConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool

	// gate, when non-nil, blocks every write until it is closed.
	gate chan struct{}
}

func (c *fakeStreamConn) WriteMessage(_ int, data []byte) error {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *fakeStreamConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeStreamConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeStreamConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeStreamConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// A client that connects between ticks receives the next tick's full
// snapshot and nothing older.
func TestLateJoinerGetsOnlyNextTick(t *testing.T) {
	payload := []byte(`{"tick":1}`)
	hub := NewBroadcastHub(time.Hour, func() ([]byte, error) {
		return payload, nil
	})

	// A tick with no clients publishes nothing and retains nothing.
	hub.broadcast()

	conn := &fakeStreamConn{}
	client := newBroadcastClient(conn)
	go client.writePump()
	hub.clients[client] = struct{}{}

	payload = []byte(`{"tick":2}`)
	hub.broadcast()

	waitFor(t, func() bool { return conn.frameCount() == 1 })
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, `{"tick":2}`, string(conn.frames[0]))
}

// A client that cannot drain its queue is disconnected instead of
// stalling the broadcast tick.
func TestSlowConsumerIsDropped(t *testing.T) {
	hub := NewBroadcastHub(time.Hour, func() ([]byte, error) {
		return []byte("x"), nil
	})

	gate := make(chan struct{})
	slow := &fakeStreamConn{gate: gate}
	client := newBroadcastClient(slow)
	go client.writePump()
	hub.clients[client] = struct{}{}

	// One frame sticks in the blocked write, clientQueueDepth fill the
	// queue, the next one finds it full and drops the client.
	for i := 0; i < clientQueueDepth+2; i++ {
		hub.broadcast()
	}

	require.NotContains(t, hub.clients, client)
	close(gate)
	waitFor(t, slow.isClosed)
}

// A healthy client keeps receiving frames while a slow one is dropped.
func TestHealthyClientUnaffectedBySlowPeer(t *testing.T) {
	hub := NewBroadcastHub(time.Hour, func() ([]byte, error) {
		return []byte("x"), nil
	})

	gate := make(chan struct{})
	defer close(gate)
	slow := newBroadcastClient(&fakeStreamConn{gate: gate})
	go slow.writePump()
	healthy := &fakeStreamConn{}
	ok := newBroadcastClient(healthy)
	go ok.writePump()
	hub.clients[slow] = struct{}{}
	hub.clients[ok] = struct{}{}

	total := clientQueueDepth + 5
	for i := 0; i < total; i++ {
		hub.broadcast()
		// Let the healthy pump drain so its queue never fills.
		waitFor(t, func() bool { return healthy.frameCount() == i+1 })
	}

	assert.NotContains(t, hub.clients, slow)
	assert.Contains(t, hub.clients, ok)
	assert.Equal(t, total, healthy.frameCount())
}
