package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process maps. Used for tests and
// single-node development; state does not survive a restart.
type MemoryStore struct {
	mu            sync.RWMutex
	servers       map[string]*Server
	credentials   map[string]*CredentialRecord
	tasks         map[string]*TaskRequest
	subscriptions map[string]*WebhookSubscription
	events        map[string]*WebhookEvent
	audit         []*AuditEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		servers:       make(map[string]*Server),
		credentials:   make(map[string]*CredentialRecord),
		tasks:         make(map[string]*TaskRequest),
		subscriptions: make(map[string]*WebhookSubscription),
		events:        make(map[string]*WebhookEvent),
	}
}

// --- Server operations ---

func (m *MemoryStore) CreateServer(_ context.Context, server *Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *server
	m.servers[server.ID] = &cp
	return nil
}

func (m *MemoryStore) GetServer(_ context.Context, id string) (*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListServers(_ context.Context) ([]*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Server, 0, len(m.servers))
	for _, s := range m.servers {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteServer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[id]; !ok {
		return ErrNotFound
	}
	delete(m.servers, id)
	return nil
}

func (m *MemoryStore) UpdateServerStatus(_ context.Context, id string, status string, seq uint64, seen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.PollSequence = seq
	s.UpdatedAt = time.Now()
	if status == StatusOnline || status == StatusDegraded {
		t := seen
		s.LastSeen = &t
	}
	return nil
}

// --- Credential operations ---

func (m *MemoryStore) CreateCredential(_ context.Context, rec *CredentialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.credentials[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCredential(_ context.Context, id string) (*CredentialRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[id]
	if !ok || c.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListCredentials(_ context.Context) ([]*CredentialRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*CredentialRecord, 0, len(m.credentials))
	for _, c := range m.credentials {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SoftDeleteCredential(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[id]
	if !ok || c.DeletedAt != nil {
		return ErrNotFound
	}
	t := at
	c.DeletedAt = &t
	return nil
}

// --- Task operations ---

func (m *MemoryStore) CreateTask(_ context.Context, task *TaskRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*TaskRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTasks(_ context.Context, serverID string, limit int) ([]*TaskRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TaskRequest, 0, len(m.tasks))
	for _, t := range m.tasks {
		if serverID != "" && t.ServerID != serverID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateTaskDecision(_ context.Context, id string, decision, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Decision = decision
	t.DecisionReason = reason
	return nil
}

func (m *MemoryStore) UpdateTaskResult(_ context.Context, id string, status string, exitCode int, stdout, stderr string, finished time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.ExitCode = exitCode
	t.Stdout = stdout
	t.Stderr = stderr
	ft := finished
	t.FinishedAt = &ft
	return nil
}

// --- Webhook operations ---

func (m *MemoryStore) CreateSubscription(_ context.Context, sub *WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subscriptions[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) ListSubscriptions(_ context.Context) ([]*WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*WebhookSubscription, 0, len(m.subscriptions))
	for _, s := range m.subscriptions {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SoftDeleteSubscription(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[id]
	if !ok || s.DeletedAt != nil {
		return ErrNotFound
	}
	t := at
	s.DeletedAt = &t
	s.Active = false
	return nil
}

func (m *MemoryStore) CreateWebhookEvent(_ context.Context, event *WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *event
	m.events[event.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateWebhookEvent(_ context.Context, id string, status string, attempts int, nextRetry time.Time, delivered *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.AttemptCount = attempts
	e.NextRetryAt = nextRetry
	e.DeliveredAt = delivered
	return nil
}

// --- Audit trail ---

func (m *MemoryStore) AppendAudit(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, limit int) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*AuditEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		cp := *m.audit[i]
		out = append(out, &cp)
	}
	return out, nil
}
