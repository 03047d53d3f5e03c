package store

import (
	"time"
)

// Server status values. Status is mutated only by the connection manager
// and the telemetry poller, never by API handlers.
const (
	StatusUnknown    = "unknown"
	StatusConnecting = "connecting"
	StatusOnline     = "online"
	StatusDegraded   = "degraded"
	StatusOffline    = "offline"
	StatusAuthError  = "auth_error"
)

// Task decision and terminal status values.
const (
	DecisionPending  = "pending"
	DecisionApproved = "approved"
	DecisionDenied   = "denied"

	TaskExecuted = "executed"
	TaskFailed   = "failed"
)

// Webhook event lifecycle.
const (
	EventPending   = "pending"
	EventDelivered = "delivered"
	EventFailed    = "failed"
)

// Server represents one managed remote host.
type Server struct {
	ID           string     `json:"id" db:"id"`
	Name         string     `json:"name" db:"name"`
	Host         string     `json:"host" db:"host"`
	Port         int        `json:"port" db:"port"`             // SSH port
	AgentPort    int        `json:"agent_port" db:"agent_port"` // remote agent HTTP port, 0 = exec probe only
	CredentialID string     `json:"credential_id" db:"credential_id"`
	Status       string     `json:"status" db:"status"`
	LastSeen     *time.Time `json:"last_seen" db:"last_seen"`
	PollSequence uint64     `json:"poll_sequence" db:"poll_sequence"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// CredentialRecord is an encrypted SSH secret. Plaintext never appears
// here: ciphertext/iv/tag are the AES-256-GCM output of the vault.
// Records are soft-deleted only; audit history depends on that.
type CredentialRecord struct {
	ID          string     `json:"id" db:"id"`
	Name        string     `json:"name" db:"name"`
	KeyType     string     `json:"key_type" db:"key_type"` // "password" or "private_key"
	Username    string     `json:"username" db:"username"`
	Ciphertext  []byte     `json:"-" db:"ciphertext"`
	IV          []byte     `json:"-" db:"iv"`
	AuthTag     []byte     `json:"-" db:"auth_tag"`
	Fingerprint string     `json:"fingerprint" db:"fingerprint"`
	CreatedBy   string     `json:"created_by" db:"created_by"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at" db:"deleted_at"`
}

// MetricSnapshot is one poll result. Sequence is strictly monotonic per
// server; consumers drop anything older than the last applied sequence.
type MetricSnapshot struct {
	ServerID     string    `json:"server_id"`
	Sequence     uint64    `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
	Status       string    `json:"status"`
	CPUPercent   float64   `json:"cpu_percent"`
	MemTotal     uint64    `json:"mem_total"`
	MemUsed      uint64    `json:"mem_used"`
	DiskTotal    uint64    `json:"disk_total"`
	DiskUsed     uint64    `json:"disk_used"`
	NetInSpeed   uint64    `json:"net_in_speed"`
	NetOutSpeed  uint64    `json:"net_out_speed"`
	Load1        float64   `json:"load_1"`
	ProcessCount uint64    `json:"process_count"`
}

// Overview is the aggregate fleet view pushed to dashboard clients.
type Overview struct {
	Total     int       `json:"total"`
	Online    int       `json:"online"`
	Degraded  int       `json:"degraded"`
	Offline   int       `json:"offline"`
	AuthError int       `json:"auth_error"`
	Unknown   int       `json:"unknown"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskRequest is one ad-hoc command request. Decision is set exactly
// once by the policy gate; status is terminal (no automatic retry of
// potentially non-idempotent remote commands).
type TaskRequest struct {
	ID             string     `json:"id" db:"id"`
	ServerID       string     `json:"server_id" db:"server_id"`
	Command        string     `json:"command" db:"command"`
	Requester      string     `json:"requester" db:"requester"`
	RequesterRole  string     `json:"requester_role" db:"requester_role"`
	Decision       string     `json:"decision" db:"decision"`
	DecisionReason string     `json:"decision_reason" db:"decision_reason"`
	Status         string     `json:"status" db:"status"`
	ExitCode       int        `json:"exit_code" db:"exit_code"`
	Stdout         string     `json:"stdout" db:"stdout"`
	Stderr         string     `json:"stderr" db:"stderr"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	FinishedAt     *time.Time `json:"finished_at" db:"finished_at"`
}

// WebhookSubscription is a registered outbound endpoint. Validated at
// registration time, soft-deleted on removal.
type WebhookSubscription struct {
	ID        string     `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	URL       string     `json:"url" db:"url"`
	Secret    string     `json:"-" db:"secret"`
	Events    []string   `json:"events" db:"events"`
	Active    bool       `json:"active" db:"active"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	DeletedAt *time.Time `json:"deleted_at" db:"deleted_at"`
}

// Matches reports whether the subscription wants the given event type.
// An empty event list subscribes to everything.
func (s *WebhookSubscription) Matches(eventType string) bool {
	if !s.Active || s.DeletedAt != nil {
		return false
	}
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// WebhookEvent is one outbound notification to one subscription.
type WebhookEvent struct {
	ID             string     `json:"id" db:"id"`
	SubscriptionID string     `json:"subscription_id" db:"subscription_id"`
	Type           string     `json:"type" db:"type"`
	Payload        []byte     `json:"payload" db:"payload"`
	AttemptCount   int        `json:"attempt_count" db:"attempt_count"`
	NextRetryAt    time.Time  `json:"next_retry_at" db:"next_retry_at"`
	Status         string     `json:"status" db:"status"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	DeliveredAt    *time.Time `json:"delivered_at" db:"delivered_at"`
}

// AuditEntry records a security-relevant action (policy decisions,
// credential writes, webhook exhaustion). Append-only.
type AuditEntry struct {
	ID        string    `json:"id" db:"id"`
	Actor     string    `json:"actor" db:"actor"`
	Action    string    `json:"action" db:"action"`
	TargetID  string    `json:"target_id" db:"target_id"`
	Detail    string    `json:"detail" db:"detail"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}
