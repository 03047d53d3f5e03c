package connmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fleetglass/fleetglass/control_plane/store"
)

// Connection phases, runtime-only and rebuilt on process restart.
const (
	PhaseIdle       = "idle"
	PhaseConnecting = "connecting"
	PhaseConnected  = "connected"
	PhaseDegraded   = "degraded"
	PhaseClosed     = "closed"
)

// Config holds the connection manager tunables. Defaults are
// conservative and overridable from the environment.
type Config struct {
	ConnectTimeout  time.Duration
	ExecTimeout     time.Duration
	ExecConcurrency int // per-server in-flight exec limit
	ExecQueueDepth  int // extra calls allowed to queue before Busy
	OfflineAfter    int // consecutive failed dial/fetch attempts before offline; backoff-window ticks do not count
	Backoff         Backoff
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  10 * time.Second,
		ExecTimeout:     30 * time.Second,
		ExecConcurrency: 4,
		ExecQueueDepth:  8,
		OfflineAfter:    3,
		Backoff:         DefaultBackoff(),
	}
}

// Manager owns every connection to the fleet. It is an explicit
// registry object with an initialization and shutdown lifecycle; no
// ambient globals. Each server's state is isolated: no global lock is
// held across any blocking operation.
type Manager struct {
	mu     sync.RWMutex
	hosts  map[string]*hostState
	dialer Dialer
	creds  CredentialSource
	cfg    Config
	closed bool
}

// hostState is the runtime session state for one server. At most one
// exists per server.
type hostState struct {
	server store.Server

	// connMu serializes connection establishment and teardown for this
	// host only; other servers are never blocked by it.
	connMu       sync.Mutex
	conn         Conn
	phase        string
	status       string
	retryCount   int
	failCount    int
	backoffUntil time.Time
	authLocked   bool

	// exec lease accounting
	leaseMu sync.Mutex
	slots   chan struct{}
	waiters int
}

// NewManager creates a Manager. Dialer and CredentialSource are
// injected so tests can substitute fakes.
func NewManager(dialer Dialer, creds CredentialSource, cfg Config) *Manager {
	if cfg.ExecConcurrency <= 0 {
		cfg.ExecConcurrency = 1
	}
	return &Manager{
		hosts:  make(map[string]*hostState),
		dialer: dialer,
		creds:  creds,
		cfg:    cfg,
	}
}

// Add registers a server with the manager. Idempotent per server ID.
func (m *Manager) Add(server *store.Server) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hosts[server.ID]; ok {
		return
	}
	status := server.Status
	if status == "" {
		status = store.StatusUnknown
	}
	m.hosts[server.ID] = &hostState{
		server: *server,
		phase:  PhaseIdle,
		status: status,
		slots:  make(chan struct{}, m.cfg.ExecConcurrency),
	}
}

// Remove tears down the server's connection and forgets it.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	h, ok := m.hosts[id]
	delete(m.hosts, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	h.connMu.Lock()
	h.phase = PhaseClosed
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}
	h.connMu.Unlock()
}

// SetCredential swaps the credential reference for a server. This is
// the only way out of the auth_error sink: it clears the lockout and
// resets the retry schedule.
func (m *Manager) SetCredential(id, credentialID string) error {
	h, err := m.host(id)
	if err != nil {
		return err
	}
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.server.CredentialID = credentialID
	h.authLocked = false
	h.retryCount = 0
	h.failCount = 0
	h.backoffUntil = time.Time{}
	if h.status == store.StatusAuthError {
		h.status = store.StatusUnknown
	}
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
		h.phase = PhaseIdle
	}
	return nil
}

// Status returns the manager's current view of a server's status.
func (m *Manager) Status(id string) (string, error) {
	h, err := m.host(id)
	if err != nil {
		return "", err
	}
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return h.status, nil
}

func (m *Manager) host(id string) (*hostState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	h, ok := m.hosts[id]
	if !ok {
		return nil, ErrUnknownServer
	}
	return h, nil
}

// ensure returns a live connection for the host, dialing if needed.
// force bypasses the backoff window (operator-initiated operations);
// the auth_error sink is never bypassed.
func (m *Manager) ensure(ctx context.Context, h *hostState, force bool) (Conn, error) {
	h.connMu.Lock()
	defer h.connMu.Unlock()

	if h.phase == PhaseClosed {
		return nil, ErrClosed
	}
	if h.authLocked {
		return nil, ErrAuthLocked
	}
	if h.conn != nil {
		return h.conn, nil
	}
	if !force && time.Now().Before(h.backoffUntil) {
		return nil, fmt.Errorf("%w until %s", ErrBackoff, h.backoffUntil.Format(time.RFC3339))
	}

	h.phase = PhaseConnecting
	if h.status == store.StatusUnknown {
		h.status = store.StatusConnecting
	}

	cred, err := m.creds.Fetch(ctx, h.server.CredentialID)
	if err != nil {
		// A missing or tampered credential cannot succeed on retry:
		// sink until the credential reference changes.
		h.authLocked = true
		h.status = store.StatusAuthError
		return nil, fmt.Errorf("%w: credential %s: %v", ErrAuthFailure, h.server.CredentialID, err)
	}

	conn, err := m.dialer.Dial(ctx, &h.server, cred)
	// Drop the plaintext reference immediately.
	*cred = Credential{}
	if err != nil {
		if errors.Is(err, ErrAuthFailure) {
			h.authLocked = true
			h.status = store.StatusAuthError
			log.Printf("connmgr: auth failure for server %s, halting retries until credential change", h.server.ID)
			return nil, err
		}
		h.retryCount++
		h.backoffUntil = time.Now().Add(m.cfg.Backoff.Jittered(h.retryCount - 1))
		return nil, err
	}

	h.conn = conn
	h.phase = PhaseConnected
	h.retryCount = 0
	h.backoffUntil = time.Time{}
	return conn, nil
}

// dropConn closes the host's connection so the next operation redials.
func (h *hostState) dropConn() {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}
	if h.phase == PhaseConnected {
		h.phase = PhaseDegraded
	}
}

// Poll performs one health/telemetry probe for the server and returns
// the stats plus the resulting status. It never retries within a tick;
// failures feed the backoff schedule and the degraded/offline
// transition. Ticks that land inside a backoff window return ErrBackoff
// without counting as a failure, so the offline threshold
// (Config.OfflineAfter) counts consecutive failed dial or fetch
// attempts, not poll ticks. Poll bypasses the policy gate: it executes
// no operator commands.
func (m *Manager) Poll(ctx context.Context, id string) (*AgentStats, string, error) {
	h, err := m.host(id)
	if err != nil {
		return nil, "", err
	}

	conn, err := m.ensure(ctx, h, false)
	if err != nil {
		return nil, m.recordPollFailure(h, err), err
	}

	stats, err := m.fetchStats(ctx, conn, h)
	if err != nil {
		// A protocol error means the agent answered; the transport is
		// fine and redialing would not help.
		if !errors.Is(err, ErrProtocolError) {
			h.dropConn()
		}
		return nil, m.recordPollFailure(h, err), err
	}

	h.connMu.Lock()
	h.failCount = 0
	h.status = store.StatusOnline
	h.connMu.Unlock()
	return stats, store.StatusOnline, nil
}

func (m *Manager) recordPollFailure(h *hostState, cause error) string {
	h.connMu.Lock()
	defer h.connMu.Unlock()

	if h.authLocked {
		h.status = store.StatusAuthError
		return h.status
	}
	if errors.Is(cause, ErrBackoff) {
		// Waiting out the schedule is not a new observation.
		return h.status
	}
	h.failCount++
	if h.failCount >= m.cfg.OfflineAfter {
		h.status = store.StatusOffline
	} else if h.status == store.StatusOnline || h.status == store.StatusDegraded {
		h.status = store.StatusDegraded
	} else {
		h.status = store.StatusConnecting
	}
	return h.status
}

func (m *Manager) fetchStats(ctx context.Context, conn Conn, h *hostState) (*AgentStats, error) {
	if h.server.AgentPort > 0 {
		body, err := conn.AgentGet(ctx, "/all")
		if err != nil {
			// The telemetry endpoint failed; the cheap health endpoint
			// decides whether the agent is down or only its metrics
			// path is broken.
			if _, herr := conn.AgentGet(ctx, "/health"); herr == nil {
				return nil, fmt.Errorf("%w: agent healthy but metrics unavailable: %v", ErrProtocolError, err)
			}
			return nil, err
		}
		var stats AgentStats
		if err := json.Unmarshal(body, &stats); err != nil {
			return nil, fmt.Errorf("%w: agent metrics decode: %v", ErrProtocolError, err)
		}
		return &stats, nil
	}
	// No agent: a no-op exec doubles as the health probe.
	if _, err := conn.Exec(ctx, "true", m.cfg.ExecTimeout); err != nil {
		return nil, err
	}
	return &AgentStats{}, nil
}

// Execute runs one ad-hoc command on the server under a lease. Extra
// calls past the per-server concurrency limit queue up to
// ExecQueueDepth deep, beyond which the call is rejected with ErrBusy.
// Commands are never retried here: remote commands are assumed
// non-idempotent.
func (m *Manager) Execute(ctx context.Context, id, command string, timeout time.Duration) (*ExecResult, error) {
	h, err := m.host(id)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = m.cfg.ExecTimeout
	}

	release, err := h.acquireLease(ctx, m.cfg.ExecQueueDepth)
	if err != nil {
		return nil, err
	}
	defer release()

	conn, err := m.ensure(ctx, h, true)
	if err != nil {
		return nil, err
	}

	result, err := conn.Exec(ctx, command, timeout)
	if err != nil {
		h.dropConn()
		return nil, err
	}
	return result, nil
}

// OpenShell opens a dedicated interactive channel for a terminal
// session. The returned Shell is exclusively owned by the caller.
func (m *Manager) OpenShell(ctx context.Context, id string, cols, rows int) (Shell, error) {
	h, err := m.host(id)
	if err != nil {
		return nil, err
	}
	conn, err := m.ensure(ctx, h, true)
	if err != nil {
		return nil, err
	}
	shell, err := conn.OpenShell(ctx, cols, rows)
	if err != nil {
		h.dropConn()
		return nil, err
	}
	return shell, nil
}

func (h *hostState) acquireLease(ctx context.Context, queueDepth int) (func(), error) {
	h.leaseMu.Lock()
	if h.waiters >= cap(h.slots)+queueDepth {
		h.leaseMu.Unlock()
		return nil, ErrBusy
	}
	h.waiters++
	h.leaseMu.Unlock()

	decWaiters := func() {
		h.leaseMu.Lock()
		h.waiters--
		h.leaseMu.Unlock()
	}

	select {
	case h.slots <- struct{}{}:
		return func() {
			<-h.slots
			decWaiters()
		}, nil
	case <-ctx.Done():
		decWaiters()
		return nil, ctx.Err()
	}
}

// Shutdown drains in-flight operations and closes every connection.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	hosts := make([]*hostState, 0, len(m.hosts))
	for _, h := range m.hosts {
		hosts = append(hosts, h)
	}
	m.mu.Unlock()

	for _, h := range hosts {
		// Wait for leases to drain, bounded by the shutdown context.
		for i := 0; i < cap(h.slots); i++ {
			select {
			case h.slots <- struct{}{}:
			case <-ctx.Done():
				i = cap(h.slots)
			}
		}
		h.connMu.Lock()
		h.phase = PhaseClosed
		if h.conn != nil {
			h.conn.Close()
			h.conn = nil
		}
		h.connMu.Unlock()
	}
	log.Printf("connmgr: shut down %d host connections", len(hosts))
}
