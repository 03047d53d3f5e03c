package connmgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/fleetglass/fleetglass/control_plane/store"
)

// SSHDialer opens SSH connections to managed servers.
type SSHDialer struct {
	ConnectTimeout time.Duration
}

// NewSSHDialer returns a dialer with the given connect timeout.
func NewSSHDialer(connectTimeout time.Duration) *SSHDialer {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &SSHDialer{ConnectTimeout: connectTimeout}
}

// Dial establishes an authenticated SSH connection using the decrypted
// credential. The credential is consumed here and not retained.
func (d *SSHDialer) Dial(ctx context.Context, server *store.Server, cred *Credential) (Conn, error) {
	var auth []ssh.AuthMethod
	switch cred.KeyType {
	case "private_key":
		signer, err := ssh.ParsePrivateKey([]byte(cred.Secret))
		if err != nil {
			return nil, fmt.Errorf("%w: parse private key: %v", ErrAuthFailure, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	default:
		auth = append(auth, ssh.Password(cred.Secret))
	}

	config := &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.ConnectTimeout,
	}

	address := net.JoinHostPort(server.Host, fmt.Sprintf("%d", server.Port))

	netConn, err := (&net.Dialer{Timeout: d.ConnectTimeout}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, classifyDialError(err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		return nil, classifyDialError(err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	c := &sshHostConn{client: client, agentPort: server.AgentPort}
	c.agentHTTP = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return client.DialContext(ctx, network, addr)
			},
			DisableKeepAlives: true,
		},
		Timeout: 10 * time.Second,
	}
	return c, nil
}

// sshHostConn wraps one ssh.Client. Exec and shell sessions each open
// their own channel on the client, so interactive streams never
// interleave with polling command I/O.
type sshHostConn struct {
	client    *ssh.Client
	agentPort int
	agentHTTP *http.Client
}

func (c *sshHostConn) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, classifyDialError(err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := session.Start(command); err != nil {
		return nil, classifyDialError(err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		session.Close()
		return nil, fmt.Errorf("%w: exec %q: %v", ErrNetworkTimeout, command, ctx.Err())
	case err = <-done:
	}

	result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, fmt.Errorf("%w: exec %q: %v", ErrProtocolError, command, err)
	}
	return result, nil
}

func (c *sshHostConn) OpenShell(ctx context.Context, cols, rows int) (Shell, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, classifyDialError(err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: pty request: %v", ErrProtocolError, err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrProtocolError, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrProtocolError, err)
	}
	// With a PTY attached, remote stderr is merged into the terminal stream.
	session.Stderr = io.Discard

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: shell: %v", ErrProtocolError, err)
	}

	return &sshShell{session: session, stdin: stdin, stdout: stdout}, nil
}

func (c *sshHostConn) AgentGet(ctx context.Context, path string) ([]byte, error) {
	if c.agentPort <= 0 {
		return nil, fmt.Errorf("%w: no agent port configured", ErrProtocolError)
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", c.agentPort, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.agentHTTP.Do(req)
	if err != nil {
		return nil, classifyDialError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: agent returned status %d for %s", ErrProtocolError, resp.StatusCode, path)
	}
	return io.ReadAll(resp.Body)
}

func (c *sshHostConn) Close() error {
	return c.client.Close()
}

// sshShell owns one PTY-backed session channel.
type sshShell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (s *sshShell) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *sshShell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *sshShell) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

func (s *sshShell) Wait() error {
	return s.session.Wait()
}

func (s *sshShell) Close() error {
	s.stdin.Close()
	return s.session.Close()
}
