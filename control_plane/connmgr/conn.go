package connmgr

import (
	"context"
	"io"
	"time"

	"github.com/fleetglass/fleetglass/control_plane/store"
)

// Credential is decrypted secret material handed to the dialer for one
// connection attempt. Callers must not retain it.
type Credential struct {
	Username string
	Secret   string // password or PEM private key, per KeyType
	KeyType  string // "password" or "private_key"
}

// CredentialSource resolves a credential reference to plaintext at the
// moment of a connection attempt. Implemented by the vault layer.
type CredentialSource interface {
	Fetch(ctx context.Context, credentialID string) (*Credential, error)
}

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// AgentStats is the parsed response of the remote agent's metrics
// endpoint (GET /all), or the minimal result of a no-op exec probe.
type AgentStats struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemTotal     uint64  `json:"mem_total"`
	MemUsed      uint64  `json:"mem_used"`
	DiskTotal    uint64  `json:"disk_total"`
	DiskUsed     uint64  `json:"disk_used"`
	NetInSpeed   uint64  `json:"net_in_speed"`
	NetOutSpeed  uint64  `json:"net_out_speed"`
	Load1        float64 `json:"load_1"`
	ProcessCount uint64  `json:"process_count"`
}

// Shell is one interactive PTY-backed remote session. It is exclusively
// owned by a single terminal session and never shared.
type Shell interface {
	io.ReadWriteCloser
	// Resize updates the remote PTY dimensions in place, without
	// disturbing buffered bytes on either side.
	Resize(cols, rows int) error
	// Wait blocks until the remote side closes the session.
	Wait() error
}

// Conn is one authenticated transport to a remote host. Logical
// operations multiplex over the transport's native channel support;
// interactive shells get their own channel and never share the exec
// path.
type Conn interface {
	Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)
	OpenShell(ctx context.Context, cols, rows int) (Shell, error)
	// AgentGet issues a GET against the remote agent's HTTP port,
	// tunneled through this connection.
	AgentGet(ctx context.Context, path string) ([]byte, error)
	Close() error
}

// Dialer opens authenticated connections. Production uses SSH; tests
// substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, server *store.Server, cred *Credential) (Conn, error)
}
