package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fleetglass/fleetglass/control_plane/connmgr"
	"github.com/fleetglass/fleetglass/control_plane/policy"
	"github.com/fleetglass/fleetglass/control_plane/webhook"
)

// Config is the full runtime configuration, read once at startup from
// the environment. Defaults are conservative; every timeout and
// threshold is overridable.
type Config struct {
	ListenAddr  string
	DatabaseURL string // empty = in-memory store
	RedisAddr   string // empty = no snapshot cache / idempotency

	MasterKey []byte // vault master key, required
	VaultSalt []byte
	JWTSecret []byte // token signing secret, required
	IssueKey  []byte // operator-held key guarding token minting, required

	PollInterval        time.Duration
	TerminalIdleTimeout time.Duration

	Conn    connmgr.Config
	Policy  policy.Config
	Webhook webhook.Config
}

func loadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr:          envStr("LISTEN_ADDR", ":8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		MasterKey:           []byte(os.Getenv("FLEET_MASTER_KEY")),
		VaultSalt:           []byte(envStr("FLEET_VAULT_SALT", "fleetglass-vault-v1")),
		JWTSecret:           []byte(os.Getenv("JWT_SECRET")),
		IssueKey:            []byte(os.Getenv("TOKEN_ISSUE_KEY")),
		PollInterval:        envDuration("POLL_INTERVAL", 3*time.Second),
		TerminalIdleTimeout: envDuration("TERMINAL_IDLE_TIMEOUT", 15*time.Minute),
	}

	cfg.Conn = connmgr.DefaultConfig()
	cfg.Conn.ConnectTimeout = envDuration("CONNECT_TIMEOUT", cfg.Conn.ConnectTimeout)
	cfg.Conn.ExecTimeout = envDuration("EXEC_TIMEOUT", cfg.Conn.ExecTimeout)
	cfg.Conn.ExecConcurrency = envInt("EXEC_CONCURRENCY", cfg.Conn.ExecConcurrency)
	cfg.Conn.ExecQueueDepth = envInt("EXEC_QUEUE_DEPTH", cfg.Conn.ExecQueueDepth)
	cfg.Conn.OfflineAfter = envInt("OFFLINE_AFTER_FAILURES", cfg.Conn.OfflineAfter)
	cfg.Conn.Backoff.Base = envDuration("CONNECT_BACKOFF_BASE", cfg.Conn.Backoff.Base)
	cfg.Conn.Backoff.Max = envDuration("CONNECT_BACKOFF_MAX", cfg.Conn.Backoff.Max)

	cfg.Policy = policy.Config{
		Mode:             envStr("POLICY_MODE", policy.ModeDenylist),
		Allowlist:        envList("POLICY_ALLOWLIST"),
		AllowAdminBypass: envBool("POLICY_ALLOW_ADMIN_BYPASS", false),
	}

	cfg.Webhook = webhook.DefaultConfig()
	cfg.Webhook.MaxAttempts = envInt("WEBHOOK_MAX_ATTEMPTS", cfg.Webhook.MaxAttempts)
	cfg.Webhook.BackoffBase = envDuration("WEBHOOK_BACKOFF_BASE", cfg.Webhook.BackoffBase)
	cfg.Webhook.AllowPrivate = envBool("WEBHOOK_ALLOW_PRIVATE", false)

	// Fail fast: a control plane with a weak master key or token secret
	// must never come up.
	if len(cfg.MasterKey) < 16 {
		return nil, fmt.Errorf("FLEET_MASTER_KEY must be set and at least 16 bytes")
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("JWT_SECRET must be set and at least 32 bytes")
	}
	// The minting key and the signing secret are separate credentials;
	// compromising one must not hand over the other.
	if len(cfg.IssueKey) < 16 {
		return nil, fmt.Errorf("TOKEN_ISSUE_KEY must be set and at least 16 bytes")
	}
	if string(cfg.IssueKey) == string(cfg.JWTSecret) {
		return nil, fmt.Errorf("TOKEN_ISSUE_KEY must differ from JWT_SECRET")
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
