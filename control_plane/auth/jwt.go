// Package auth issues and validates the HS256 tokens that gate every
// API and stream endpoint. Claims carry the operator identity and role.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Roles, least to most privileged.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

const (
	issuer   = "fleetglass"
	audience = "fleetglass-api"
	tokenTTL = 24 * time.Hour

	minSecretLen = 32
)

// ErrWeakSecret is returned at construction for a missing or short
// signing secret; the control plane refuses to start without one.
var ErrWeakSecret = fmt.Errorf("auth: signing secret must be at least %d bytes", minSecretLen)

// Claims are the token claims: operator subject and role plus the
// standard registered set.
type Claims struct {
	Subject   string `json:"sub"`
	Role      string `json:"role"`
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	NotBefore int64  `json:"nbf"`
}

// TokenService signs and validates tokens with a single HS256 secret.
type TokenService struct {
	secret []byte
}

// NewTokenService validates the secret length and returns a service.
func NewTokenService(secret []byte) (*TokenService, error) {
	if len(secret) < minSecretLen {
		return nil, ErrWeakSecret
	}
	return &TokenService{secret: secret}, nil
}

// Generate creates a signed token for the given subject and role.
func (s *TokenService) Generate(subject, role string) (string, error) {
	if role != RoleViewer && role != RoleOperator && role != RoleAdmin {
		return "", fmt.Errorf("auth: unknown role %q", role)
	}
	now := time.Now().Unix()
	claims := Claims{
		Subject:   subject,
		Role:      role,
		Issuer:    issuer,
		Audience:  audience,
		ExpiresAt: now + int64(tokenTTL.Seconds()),
		IssuedAt:  now,
		NotBefore: now,
	}

	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, _ := json.Marshal(header)
	claimsJSON, _ := json.Marshal(claims)

	tokenPart := base64UrlEncode(headerJSON) + "." + base64UrlEncode(claimsJSON)
	signature := s.computeHMAC(tokenPart)

	return tokenPart + "." + signature, nil
}

// Validate parses and validates a token string.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, errors.New("auth: invalid token format")
	}

	tokenPart := parts[0] + "." + parts[1]
	expected := s.computeHMAC(tokenPart)
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return nil, errors.New("auth: invalid signature")
	}

	claimsJSON, err := base64UrlDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("auth: decode claims: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("auth: unmarshal claims: %w", err)
	}

	now := time.Now().Unix()
	if now > claims.ExpiresAt {
		return nil, errors.New("auth: token expired")
	}
	if now < claims.NotBefore {
		return nil, errors.New("auth: token not yet valid")
	}
	if claims.Issuer != issuer {
		return nil, errors.New("auth: invalid issuer")
	}
	if claims.Audience != audience {
		return nil, errors.New("auth: invalid audience")
	}

	return &claims, nil
}

func (s *TokenService) computeHMAC(message string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(message))
	return base64UrlEncode(h.Sum(nil))
}

func base64UrlEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func base64UrlDecode(data string) ([]byte, error) {
	if l := len(data) % 4; l > 0 {
		data += strings.Repeat("=", 4-l)
	}
	return base64.URLEncoding.DecodeString(data)
}
