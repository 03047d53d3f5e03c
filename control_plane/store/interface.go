package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for lookups of missing or soft-deleted rows.
var ErrNotFound = errors.New("store: not found")

// Store defines the durable storage backend for the control plane.
// It abstracts over Postgres (production) and memory (dev/tests).
type Store interface {
	// Server operations. CreateServer upserts by ID so credential
	// reassignment reuses it.
	CreateServer(ctx context.Context, server *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	ListServers(ctx context.Context) ([]*Server, error)
	DeleteServer(ctx context.Context, id string) error
	// UpdateServerStatus persists a status transition observed by the
	// connection manager, together with the poll sequence that produced it.
	UpdateServerStatus(ctx context.Context, id string, status string, seq uint64, seen time.Time) error

	// Credential operations. Get returns soft-deleted records as ErrNotFound;
	// List never includes ciphertext consumers should not see (callers strip it).
	CreateCredential(ctx context.Context, rec *CredentialRecord) error
	GetCredential(ctx context.Context, id string) (*CredentialRecord, error)
	ListCredentials(ctx context.Context) ([]*CredentialRecord, error)
	SoftDeleteCredential(ctx context.Context, id string, at time.Time) error

	// Task operations. Decision and result are written exactly once each.
	CreateTask(ctx context.Context, task *TaskRequest) error
	GetTask(ctx context.Context, id string) (*TaskRequest, error)
	ListTasks(ctx context.Context, serverID string, limit int) ([]*TaskRequest, error)
	UpdateTaskDecision(ctx context.Context, id string, decision, reason string) error
	UpdateTaskResult(ctx context.Context, id string, status string, exitCode int, stdout, stderr string, finished time.Time) error

	// Webhook operations
	CreateSubscription(ctx context.Context, sub *WebhookSubscription) error
	ListSubscriptions(ctx context.Context) ([]*WebhookSubscription, error)
	SoftDeleteSubscription(ctx context.Context, id string, at time.Time) error
	CreateWebhookEvent(ctx context.Context, event *WebhookEvent) error
	UpdateWebhookEvent(ctx context.Context, id string, status string, attempts int, nextRetry time.Time, delivered *time.Time) error

	// Audit trail (append-only)
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error)
}
