package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS servers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		host TEXT NOT NULL,
		port INT NOT NULL DEFAULT 22,
		agent_port INT NOT NULL DEFAULT 0,
		credential_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'unknown',
		last_seen TIMESTAMPTZ,
		poll_sequence BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS credentials (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		key_type TEXT NOT NULL,
		username TEXT NOT NULL,
		ciphertext BYTEA NOT NULL,
		iv BYTEA NOT NULL,
		auth_tag BYTEA NOT NULL,
		fingerprint TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deleted_at TIMESTAMPTZ
	);
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL,
		command TEXT NOT NULL,
		requester TEXT NOT NULL,
		requester_role TEXT NOT NULL,
		decision TEXT NOT NULL DEFAULT 'pending',
		decision_reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		exit_code INT NOT NULL DEFAULT 0,
		stdout TEXT NOT NULL DEFAULT '',
		stderr TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		finished_at TIMESTAMPTZ
	);
	CREATE TABLE IF NOT EXISTS webhook_subscriptions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		secret TEXT NOT NULL,
		events TEXT[] NOT NULL DEFAULT '{}',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deleted_at TIMESTAMPTZ
	);
	CREATE TABLE IF NOT EXISTS webhook_events (
		id TEXT PRIMARY KEY,
		subscription_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload BYTEA NOT NULL,
		attempt_count INT NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		delivered_at TIMESTAMPTZ
	);
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		target_id TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		ts TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// --- Server operations ---

func (s *PostgresStore) CreateServer(ctx context.Context, server *Server) error {
	query := `
		INSERT INTO servers (id, name, host, port, agent_port, credential_id, status, poll_sequence, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, host = EXCLUDED.host, port = EXCLUDED.port,
			agent_port = EXCLUDED.agent_port, credential_id = EXCLUDED.credential_id,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		server.ID, server.Name, server.Host, server.Port, server.AgentPort,
		server.CredentialID, server.Status, server.PollSequence,
	)
	return err
}

func (s *PostgresStore) GetServer(ctx context.Context, id string) (*Server, error) {
	query := `
		SELECT id, name, host, port, agent_port, credential_id, status, last_seen, poll_sequence, created_at, updated_at
		FROM servers WHERE id = $1
	`
	var sv Server
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&sv.ID, &sv.Name, &sv.Host, &sv.Port, &sv.AgentPort, &sv.CredentialID,
		&sv.Status, &sv.LastSeen, &sv.PollSequence, &sv.CreatedAt, &sv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sv, nil
}

func (s *PostgresStore) ListServers(ctx context.Context) ([]*Server, error) {
	query := `
		SELECT id, name, host, port, agent_port, credential_id, status, last_seen, poll_sequence, created_at, updated_at
		FROM servers ORDER BY id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Server
	for rows.Next() {
		var sv Server
		if err := rows.Scan(
			&sv.ID, &sv.Name, &sv.Host, &sv.Port, &sv.AgentPort, &sv.CredentialID,
			&sv.Status, &sv.LastSeen, &sv.PollSequence, &sv.CreatedAt, &sv.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &sv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteServer(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM servers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateServerStatus(ctx context.Context, id string, status string, seq uint64, seen time.Time) error {
	query := `
		UPDATE servers SET status = $2, poll_sequence = $3, updated_at = NOW(),
			last_seen = CASE WHEN $2 IN ('online', 'degraded') THEN $4 ELSE last_seen END
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, status, seq, seen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Credential operations ---

func (s *PostgresStore) CreateCredential(ctx context.Context, rec *CredentialRecord) error {
	query := `
		INSERT INTO credentials (id, name, key_type, username, ciphertext, iv, auth_tag, fingerprint, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Name, rec.KeyType, rec.Username, rec.Ciphertext, rec.IV,
		rec.AuthTag, rec.Fingerprint, rec.CreatedBy,
	)
	return err
}

func (s *PostgresStore) GetCredential(ctx context.Context, id string) (*CredentialRecord, error) {
	query := `
		SELECT id, name, key_type, username, ciphertext, iv, auth_tag, fingerprint, created_by, created_at, deleted_at
		FROM credentials WHERE id = $1 AND deleted_at IS NULL
	`
	var c CredentialRecord
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.Name, &c.KeyType, &c.Username, &c.Ciphertext, &c.IV,
		&c.AuthTag, &c.Fingerprint, &c.CreatedBy, &c.CreatedAt, &c.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListCredentials(ctx context.Context) ([]*CredentialRecord, error) {
	query := `
		SELECT id, name, key_type, username, ciphertext, iv, auth_tag, fingerprint, created_by, created_at, deleted_at
		FROM credentials ORDER BY created_at
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CredentialRecord
	for rows.Next() {
		var c CredentialRecord
		if err := rows.Scan(
			&c.ID, &c.Name, &c.KeyType, &c.Username, &c.Ciphertext, &c.IV,
			&c.AuthTag, &c.Fingerprint, &c.CreatedBy, &c.CreatedAt, &c.DeletedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SoftDeleteCredential(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Task operations ---

func (s *PostgresStore) CreateTask(ctx context.Context, task *TaskRequest) error {
	query := `
		INSERT INTO tasks (id, server_id, command, requester, requester_role, decision, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	_, err := s.pool.Exec(ctx, query,
		task.ID, task.ServerID, task.Command, task.Requester, task.RequesterRole, task.Decision,
	)
	return err
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*TaskRequest, error) {
	query := `
		SELECT id, server_id, command, requester, requester_role, decision, decision_reason,
			status, exit_code, stdout, stderr, created_at, finished_at
		FROM tasks WHERE id = $1
	`
	var t TaskRequest
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&t.ID, &t.ServerID, &t.Command, &t.Requester, &t.RequesterRole,
		&t.Decision, &t.DecisionReason, &t.Status, &t.ExitCode,
		&t.Stdout, &t.Stderr, &t.CreatedAt, &t.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, serverID string, limit int) ([]*TaskRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, server_id, command, requester, requester_role, decision, decision_reason,
			status, exit_code, stdout, stderr, created_at, finished_at
		FROM tasks
		WHERE ($1 = '' OR server_id = $1)
		ORDER BY created_at DESC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, serverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TaskRequest
	for rows.Next() {
		var t TaskRequest
		if err := rows.Scan(
			&t.ID, &t.ServerID, &t.Command, &t.Requester, &t.RequesterRole,
			&t.Decision, &t.DecisionReason, &t.Status, &t.ExitCode,
			&t.Stdout, &t.Stderr, &t.CreatedAt, &t.FinishedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateTaskDecision(ctx context.Context, id string, decision, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET decision = $2, decision_reason = $3 WHERE id = $1 AND decision = 'pending'`,
		id, decision, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateTaskResult(ctx context.Context, id string, status string, exitCode int, stdout, stderr string, finished time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, exit_code = $3, stdout = $4, stderr = $5, finished_at = $6 WHERE id = $1`,
		id, status, exitCode, stdout, stderr, finished)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Webhook operations ---

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *WebhookSubscription) error {
	query := `
		INSERT INTO webhook_subscriptions (id, name, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	_, err := s.pool.Exec(ctx, query, sub.ID, sub.Name, sub.URL, sub.Secret, sub.Events, sub.Active)
	return err
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context) ([]*WebhookSubscription, error) {
	query := `
		SELECT id, name, url, secret, events, active, created_at, deleted_at
		FROM webhook_subscriptions ORDER BY created_at
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WebhookSubscription
	for rows.Next() {
		var sub WebhookSubscription
		if err := rows.Scan(&sub.ID, &sub.Name, &sub.URL, &sub.Secret, &sub.Events,
			&sub.Active, &sub.CreatedAt, &sub.DeletedAt); err != nil {
			return nil, err
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SoftDeleteSubscription(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_subscriptions SET deleted_at = $2, active = FALSE WHERE id = $1 AND deleted_at IS NULL`,
		id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateWebhookEvent(ctx context.Context, event *WebhookEvent) error {
	query := `
		INSERT INTO webhook_events (id, subscription_id, type, payload, attempt_count, next_retry_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	_, err := s.pool.Exec(ctx, query,
		event.ID, event.SubscriptionID, event.Type, event.Payload,
		event.AttemptCount, event.NextRetryAt, event.Status,
	)
	return err
}

func (s *PostgresStore) UpdateWebhookEvent(ctx context.Context, id string, status string, attempts int, nextRetry time.Time, delivered *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET status = $2, attempt_count = $3, next_retry_at = $4, delivered_at = $5 WHERE id = $1`,
		id, status, attempts, nextRetry, delivered)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Audit trail ---

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, actor, action, target_id, detail, ts) VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.Actor, entry.Action, entry.TargetID, entry.Detail, entry.Timestamp)
	return err
}

func (s *PostgresStore) ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, actor, action, target_id, detail, ts FROM audit_log ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.TargetID, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
