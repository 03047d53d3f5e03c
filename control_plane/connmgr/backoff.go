package connmgr

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth from Base,
// capped at Max, with up to JitterFrac of random jitter added on top so
// many servers failing at once do not retry in lockstep.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	JitterFrac float64
}

// DefaultBackoff matches the conservative defaults: 5s doubling to 60s.
func DefaultBackoff() Backoff {
	return Backoff{Base: 5 * time.Second, Max: 60 * time.Second, JitterFrac: 0.1}
}

// Delay returns the deterministic delay before retry attempt n
// (0-indexed): Base<<n, capped at Max. Non-decreasing in n.
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := b.Base
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Jittered returns Delay(retry) plus random jitter in
// [0, JitterFrac*delay). Jitter is strictly additive, so the floor of
// the schedule stays monotonic.
func (b Backoff) Jittered(retry int) time.Duration {
	d := b.Delay(retry)
	if b.JitterFrac <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*b.JitterFrac*float64(d))
}
