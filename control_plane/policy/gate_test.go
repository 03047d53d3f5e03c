package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenylistBlocksDangerousCommandsForEveryRole(t *testing.T) {
	g, err := NewGate(Config{Mode: ModeDenylist})
	require.NoError(t, err)

	dangerous := []string{
		"rm -rf /",
		"rm -fr /var",
		"sudo rm -rf /etc",
		"mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda",
		"shutdown -h now",
	}
	for _, cmd := range dangerous {
		for _, role := range []string{"viewer", "operator", "admin"} {
			d := g.Decide(cmd, role)
			assert.False(t, d.Allowed, "command %q must be denied for role %s", cmd, role)
			assert.NotEmpty(t, d.Reason)
		}
	}
}

func TestDenylistAllowsBenignCommands(t *testing.T) {
	g, err := NewGate(Config{Mode: ModeDenylist})
	require.NoError(t, err)

	benign := []string{
		"systemctl restart nginx",
		"df -h",
		"cat /var/log/syslog",
		"uptime",
	}
	for _, cmd := range benign {
		d := g.Decide(cmd, "operator")
		assert.True(t, d.Allowed, "command %q should pass denylist: %s", cmd, d.Reason)
	}
}

func TestAllowlistDeniesUnlistedEvenForAdmin(t *testing.T) {
	g, err := NewGate(Config{
		Mode:      ModeAllowlist,
		Allowlist: []string{"uptime", "systemctl status *"},
	})
	require.NoError(t, err)

	d := g.Decide("rm -rf /tmp/scratch", "admin")
	assert.False(t, d.Allowed)

	d = g.Decide("uptime", "viewer")
	assert.True(t, d.Allowed)

	d = g.Decide("systemctl status nginx", "operator")
	assert.True(t, d.Allowed)

	d = g.Decide("systemctl restart nginx", "operator")
	assert.False(t, d.Allowed)
}

func TestAllowlistAdminBypassFlag(t *testing.T) {
	g, err := NewGate(Config{
		Mode:             ModeAllowlist,
		Allowlist:        []string{"uptime"},
		AllowAdminBypass: true,
	})
	require.NoError(t, err)

	assert.True(t, g.Decide("journalctl -u nginx", "admin").Allowed)
	assert.False(t, g.Decide("journalctl -u nginx", "operator").Allowed)
}

func TestBypassFlagHasNoEffectInDenylistMode(t *testing.T) {
	g, err := NewGate(Config{Mode: ModeDenylist, AllowAdminBypass: true})
	require.NoError(t, err)

	assert.False(t, g.Decide("rm -rf /", "admin").Allowed)
}

func TestInvalidConfigFailsAtLoad(t *testing.T) {
	_, err := NewGate(Config{Mode: "blocklist"})
	assert.Error(t, err)

	_, err = NewGate(Config{Mode: ModeDenylist, DenyPatterns: []string{"("}})
	assert.Error(t, err)
}

func TestEmptyCommandDenied(t *testing.T) {
	g, err := NewGate(Config{Mode: ModeDenylist})
	require.NoError(t, err)
	assert.False(t, g.Decide("   ", "admin").Allowed)
}
