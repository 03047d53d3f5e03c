package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigRequiresDistinctIssueKey(t *testing.T) {
	t.Setenv("FLEET_MASTER_KEY", "test-master-key-0123")
	t.Setenv("JWT_SECRET", "test-signing-secret-0123456789abcdef")

	t.Setenv("TOKEN_ISSUE_KEY", "")
	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOKEN_ISSUE_KEY")

	// Reusing the signing secret as the minting key is refused.
	t.Setenv("TOKEN_ISSUE_KEY", "test-signing-secret-0123456789abcdef")
	_, err = loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "differ")

	t.Setenv("TOKEN_ISSUE_KEY", "test-issue-key-0123456789abcdef")
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, []byte("test-issue-key-0123456789abcdef"), cfg.IssueKey)
}
