package connmgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Failure taxonomy. AuthFailure sinks the server into auth_error and
// halts automatic retry; NetworkTimeout and ProtocolError are retried
// with backoff. Policy checks never happen here.
var (
	ErrAuthFailure    = errors.New("connmgr: authentication failed")
	ErrNetworkTimeout = errors.New("connmgr: network timeout")
	ErrProtocolError  = errors.New("connmgr: protocol error")
	ErrBusy           = errors.New("connmgr: server concurrency limit reached")
	ErrClosed         = errors.New("connmgr: connection manager closed")
	ErrUnknownServer  = errors.New("connmgr: unknown server")
	ErrBackoff        = errors.New("connmgr: in reconnect backoff")
	ErrAuthLocked     = errors.New("connmgr: auth failed, retry halted until credential change")
)

// classifyDialError maps a transport error onto the failure taxonomy,
// preserving the original error in the chain.
func classifyDialError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied") {
		return fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrNetworkTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrNetworkTimeout, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrNetworkTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrProtocolError, err)
}
