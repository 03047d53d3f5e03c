package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/fleetglass/fleetglass/control_plane/connmgr"
	"github.com/fleetglass/fleetglass/control_plane/store"
	"github.com/fleetglass/fleetglass/control_plane/vault"
)

// vaultCredentialSource decrypts stored credentials on demand for the
// connection manager. Plaintext exists only in the returned Credential,
// which the manager zeroes after the dial attempt; nothing is cached.
type vaultCredentialSource struct {
	st    store.Store
	vault *vault.Vault
}

func newCredentialSource(st store.Store, v *vault.Vault) *vaultCredentialSource {
	return &vaultCredentialSource{st: st, vault: v}
}

func (s *vaultCredentialSource) Fetch(ctx context.Context, credentialID string) (*connmgr.Credential, error) {
	if credentialID == "" {
		return nil, fmt.Errorf("no credential assigned")
	}
	rec, err := s.st.GetCredential(ctx, credentialID)
	if err != nil {
		return nil, err
	}

	plaintext, err := s.vault.Decrypt(rec.Ciphertext, rec.IV, rec.AuthTag)
	if err != nil {
		if errors.Is(err, vault.ErrIntegrity) {
			// Log the identity of the failing record, never its contents.
			log.Printf("vault: integrity check failed for credential %s", credentialID)
		}
		return nil, err
	}

	return &connmgr.Credential{
		Username: rec.Username,
		Secret:   string(plaintext),
		KeyType:  rec.KeyType,
	}, nil
}
