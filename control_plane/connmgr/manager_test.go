package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetglass/fleetglass/control_plane/store"
)

type fakeCreds struct{}

func (fakeCreds) Fetch(_ context.Context, id string) (*Credential, error) {
	if id == "missing" {
		return nil, errors.New("not found")
	}
	return &Credential{Username: "ops", Secret: "secret", KeyType: "password"}, nil
}

// fakeDialer returns errors from the script until it is exhausted, then
// hands out fakeConns.
type fakeDialer struct {
	mu        sync.Mutex
	script    []error
	dialCount int
	conn      *fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _ *store.Server, _ *Credential) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialCount++
	if len(d.script) > 0 {
		err := d.script[0]
		d.script = d.script[1:]
		if err != nil {
			return nil, err
		}
	}
	if d.conn == nil {
		d.conn = &fakeConn{execResult: &ExecResult{Stdout: "ok"}}
	}
	return d.conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialCount
}

type fakeConn struct {
	mu         sync.Mutex
	execResult *ExecResult
	execErr    error
	execGate   chan struct{} // if set, Exec blocks until the gate closes
	metricsErr error         // fails GET /all while /health still answers
	healthErr  error
	closed     bool
}

func (c *fakeConn) Exec(ctx context.Context, _ string, _ time.Duration) (*ExecResult, error) {
	if c.execGate != nil {
		select {
		case <-c.execGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.execErr != nil {
		return nil, c.execErr
	}
	return c.execResult, nil
}

func (c *fakeConn) OpenShell(context.Context, int, int) (Shell, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeConn) AgentGet(_ context.Context, path string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if path == "/health" {
		if c.healthErr != nil {
			return nil, c.healthErr
		}
		return []byte(`{"status":"ok"}`), nil
	}
	if c.metricsErr != nil {
		return nil, c.metricsErr
	}
	return []byte(`{"cpu_percent": 12.5, "mem_total": 1024, "mem_used": 512}`), nil
}

func (c *fakeConn) setMetricsErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metricsErr = err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = Backoff{} // no delay between retries in tests
	return cfg
}

func testServer(agentPort int) *store.Server {
	return &store.Server{ID: "srv-1", Host: "10.0.0.5", Port: 22, AgentPort: agentPort, CredentialID: "cred-1", Status: store.StatusUnknown}
}

func TestPollUnknownToOnline(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d, fakeCreds{}, testConfig())
	m.Add(testServer(9100))

	stats, status, err := m.Poll(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOnline, status)
	assert.Equal(t, 12.5, stats.CPUPercent)

	got, err := m.Status("srv-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOnline, got)
}

func TestConsecutiveNetworkFailuresGoOffline(t *testing.T) {
	dialErr := fmt.Errorf("%w: connection refused", ErrNetworkTimeout)
	d := &fakeDialer{script: []error{dialErr, dialErr, dialErr, dialErr}}
	m := NewManager(d, fakeCreds{}, testConfig())
	m.Add(testServer(0))

	var status string
	for i := 0; i < 3; i++ {
		_, status, _ = m.Poll(context.Background(), "srv-1")
	}
	// Network-class failures must land on offline, never auth_error.
	assert.Equal(t, store.StatusOffline, status)
}

func TestDegradedBeforeOffline(t *testing.T) {
	dialErr := fmt.Errorf("%w: reset by peer", ErrNetworkTimeout)
	d := &fakeDialer{script: []error{nil, dialErr}}
	m := NewManager(d, fakeCreds{}, testConfig())
	m.Add(testServer(0))

	_, status, err := m.Poll(context.Background(), "srv-1")
	require.NoError(t, err)
	require.Equal(t, store.StatusOnline, status)

	// Drop the connection so the next poll must redial and fail.
	m.hosts["srv-1"].dropConn()
	_, status, _ = m.Poll(context.Background(), "srv-1")
	assert.Equal(t, store.StatusDegraded, status)
}

func TestAuthFailureSinksUntilCredentialChange(t *testing.T) {
	authErr := fmt.Errorf("%w: ssh: unable to authenticate", ErrAuthFailure)
	d := &fakeDialer{script: []error{authErr}}
	m := NewManager(d, fakeCreds{}, testConfig())
	m.Add(testServer(9100))

	_, status, err := m.Poll(context.Background(), "srv-1")
	assert.ErrorIs(t, err, ErrAuthFailure)
	assert.Equal(t, store.StatusAuthError, status)
	require.Equal(t, 1, d.dials())

	// The sink halts retries: no further dial attempts.
	for i := 0; i < 3; i++ {
		_, status, err = m.Poll(context.Background(), "srv-1")
		assert.ErrorIs(t, err, ErrAuthLocked)
		assert.Equal(t, store.StatusAuthError, status)
	}
	assert.Equal(t, 1, d.dials())

	// Swapping the credential reference resumes connecting.
	require.NoError(t, m.SetCredential("srv-1", "cred-2"))
	_, status, err = m.Poll(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOnline, status)
	assert.Equal(t, 2, d.dials())
}

func TestBackoffWindowSkipsDial(t *testing.T) {
	dialErr := fmt.Errorf("%w: connection refused", ErrNetworkTimeout)
	d := &fakeDialer{script: []error{dialErr}}
	cfg := testConfig()
	cfg.Backoff = Backoff{Base: time.Hour, Max: time.Hour}
	m := NewManager(d, fakeCreds{}, cfg)
	m.Add(testServer(0))

	_, _, err := m.Poll(context.Background(), "srv-1")
	assert.ErrorIs(t, err, ErrNetworkTimeout)

	_, _, err = m.Poll(context.Background(), "srv-1")
	assert.ErrorIs(t, err, ErrBackoff)
	assert.Equal(t, 1, d.dials())
}

func TestMetricsFailureWithHealthyAgentKeepsConnection(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d, fakeCreds{}, testConfig())
	m.Add(testServer(9100))

	_, status, err := m.Poll(context.Background(), "srv-1")
	require.NoError(t, err)
	require.Equal(t, store.StatusOnline, status)

	// The agent still answers /health, so the failure is classified as
	// a protocol error and the transport is kept for the next tick.
	d.conn.setMetricsErr(errors.New("metrics collector wedged"))
	_, status, err = m.Poll(context.Background(), "srv-1")
	assert.ErrorIs(t, err, ErrProtocolError)
	assert.Equal(t, store.StatusDegraded, status)
	assert.False(t, d.conn.closed)
	assert.Equal(t, 1, d.dials())

	// Recovery on the same connection, no redial.
	d.conn.setMetricsErr(nil)
	_, status, err = m.Poll(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOnline, status)
	assert.Equal(t, 1, d.dials())
}

func TestExecuteReturnsResult(t *testing.T) {
	d := &fakeDialer{conn: &fakeConn{execResult: &ExecResult{Stdout: "inactive\n", ExitCode: 3}}}
	m := NewManager(d, fakeCreds{}, testConfig())
	m.Add(testServer(0))

	res, err := m.Execute(context.Background(), "srv-1", "systemctl is-active nginx", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "inactive\n", res.Stdout)
}

func TestExecuteBusyPastQueueDepth(t *testing.T) {
	gate := make(chan struct{})
	d := &fakeDialer{conn: &fakeConn{execResult: &ExecResult{}, execGate: gate}}
	cfg := testConfig()
	cfg.ExecConcurrency = 1
	cfg.ExecQueueDepth = 1
	m := NewManager(d, fakeCreds{}, cfg)
	m.Add(testServer(0))

	var wg sync.WaitGroup
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			m.Execute(context.Background(), "srv-1", "sleep 1", time.Minute)
		}()
	}
	<-started
	<-started
	// Give both goroutines time to occupy the slot and the queue.
	time.Sleep(50 * time.Millisecond)

	_, err := m.Execute(context.Background(), "srv-1", "echo rejected", time.Minute)
	assert.ErrorIs(t, err, ErrBusy)

	close(gate)
	wg.Wait()
}

func TestRemoveClosesConnection(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d, fakeCreds{}, testConfig())
	m.Add(testServer(9100))

	_, _, err := m.Poll(context.Background(), "srv-1")
	require.NoError(t, err)
	conn := d.conn

	m.Remove("srv-1")
	assert.True(t, conn.closed)

	_, _, err = m.Poll(context.Background(), "srv-1")
	assert.ErrorIs(t, err, ErrUnknownServer)
}
