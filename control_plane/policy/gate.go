// Package policy gates ad-hoc remote commands before they ever reach
// the connection manager. Decisions are synchronous and recorded for
// audit regardless of outcome.
package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Modes. Denylist rejects commands matching a dangerous-pattern set
// regardless of role; allowlist rejects anything not explicitly listed.
const (
	ModeDenylist  = "denylist"
	ModeAllowlist = "allowlist"
)

// ErrPolicyViolation wraps every denial so callers can classify it.
var ErrPolicyViolation = errors.New("policy: command denied")

// RoleAdmin is the only role the allowlist bypass flag can apply to.
const RoleAdmin = "admin"

// defaultDenyPatterns covers destructive filesystem and system
// operations. Matching is case-insensitive on the whole command line.
var defaultDenyPatterns = []string{
	`rm\s+(-[a-z]*\s+)*-[a-z]*r[a-z]*f|rm\s+(-[a-z]*\s+)*-[a-z]*f[a-z]*r`,
	`rm\s+-[rf]+\s+/(\s|$)`,
	`mkfs(\.\w+)?\s`,
	`dd\s+.*of=/dev/`,
	`>\s*/dev/sd[a-z]`,
	`:\(\)\s*\{\s*:\|:&\s*\}\s*;`,
	`chmod\s+(-[a-z]+\s+)*777\s+/(\s|$)`,
	`shutdown|halt\b|poweroff`,
	`\bshred\b`,
}

// Config is the validated policy configuration. Invalid configuration
// (bad mode, unparsable pattern) fails at load time, not at decision
// time.
type Config struct {
	Mode string
	// DenyPatterns are regexes for denylist mode; empty uses the
	// built-in dangerous-pattern set.
	DenyPatterns []string
	// Allowlist entries for allowlist mode. An entry ending in " *"
	// matches by command prefix, otherwise the match is exact.
	Allowlist []string
	// AllowAdminBypass lets the admin role run unlisted commands in
	// allowlist mode. Off by default, and deliberately without effect
	// in denylist mode.
	AllowAdminBypass bool
}

// Decision is the recorded outcome of one policy check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Gate applies the configured policy. Safe for concurrent use.
type Gate struct {
	mode         string
	denyPatterns []*regexp.Regexp
	allowExact   map[string]struct{}
	allowPrefix  []string
	adminBypass  bool
}

// NewGate compiles and validates the configuration.
func NewGate(cfg Config) (*Gate, error) {
	if cfg.Mode != ModeDenylist && cfg.Mode != ModeAllowlist {
		return nil, fmt.Errorf("policy: unknown mode %q", cfg.Mode)
	}

	g := &Gate{
		mode:        cfg.Mode,
		allowExact:  make(map[string]struct{}),
		adminBypass: cfg.AllowAdminBypass,
	}

	patterns := cfg.DenyPatterns
	if len(patterns) == 0 {
		patterns = defaultDenyPatterns
	}
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("policy: invalid deny pattern %q: %w", p, err)
		}
		g.denyPatterns = append(g.denyPatterns, re)
	}

	for _, entry := range cfg.Allowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.HasSuffix(entry, " *") {
			g.allowPrefix = append(g.allowPrefix, strings.TrimSuffix(entry, "*"))
		} else {
			g.allowExact[entry] = struct{}{}
		}
	}
	return g, nil
}

// Decide evaluates one command for one requester role. The returned
// reason is written to the audit trail by the caller before any
// execution attempt.
func (g *Gate) Decide(command, role string) Decision {
	command = strings.TrimSpace(command)
	if command == "" {
		return Decision{Allowed: false, Reason: "empty command"}
	}

	switch g.mode {
	case ModeDenylist:
		// Dangerous patterns are denied for every role, admin included.
		for _, re := range g.denyPatterns {
			if re.MatchString(command) {
				return Decision{Allowed: false, Reason: fmt.Sprintf("matched dangerous pattern %q", re.String())}
			}
		}
		return Decision{Allowed: true, Reason: "no dangerous pattern matched"}

	case ModeAllowlist:
		if _, ok := g.allowExact[command]; ok {
			return Decision{Allowed: true, Reason: "command in allowlist"}
		}
		for _, prefix := range g.allowPrefix {
			if strings.HasPrefix(command, prefix) {
				return Decision{Allowed: true, Reason: fmt.Sprintf("command matches allowlist prefix %q", prefix)}
			}
		}
		if g.adminBypass && role == RoleAdmin {
			return Decision{Allowed: true, Reason: "admin bypass enabled"}
		}
		return Decision{Allowed: false, Reason: "command not in allowlist"}
	}

	return Decision{Allowed: false, Reason: "unknown policy mode"}
}
