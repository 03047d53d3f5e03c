package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) *TokenService {
	t.Helper()
	s, err := NewTokenService([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return s
}

func TestGenerateValidateRoundtrip(t *testing.T) {
	s := newService(t)

	token, err := s.Generate("alex", RoleOperator)
	require.NoError(t, err)

	claims, err := s.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alex", claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)
}

func TestTamperedTokenRejected(t *testing.T) {
	s := newService(t)
	token, err := s.Generate("alex", RoleAdmin)
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	forged := parts[0] + "." + parts[1] + "x." + parts[2]
	_, err = s.Validate(forged)
	assert.Error(t, err)

	_, err = s.Validate(parts[0] + "." + parts[1])
	assert.Error(t, err)
}

func TestDifferentSecretRejected(t *testing.T) {
	s := newService(t)
	other, err := NewTokenService([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)

	token, err := s.Generate("alex", RoleViewer)
	require.NoError(t, err)

	_, err = other.Validate(token)
	assert.Error(t, err)
}

func TestWeakSecretRejected(t *testing.T) {
	_, err := NewTokenService([]byte("short"))
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestUnknownRoleRejected(t *testing.T) {
	s := newService(t)
	_, err := s.Generate("alex", "superuser")
	assert.Error(t, err)
}
