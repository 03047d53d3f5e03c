// Package vault encrypts remote-access secrets at rest with
// AES-256-GCM. The 256-bit key is derived once at startup via
// PBKDF2-HMAC-SHA256 from an operator-supplied master key; decrypted
// secrets live only in transient memory for the duration of a
// connection attempt and are never cached or logged.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLen     = 32 // AES-256
	ivLen      = 12 // 96-bit nonce, GCM standard
	tagLen     = 16 // 128-bit auth tag
	iterations = 100_000

	minMasterKeyLen = 16
)

var (
	// ErrIntegrity is returned on any GCM tag mismatch: tampered
	// ciphertext, tampered IV/tag, or the wrong master key. There is no
	// partial or best-effort decryption path.
	ErrIntegrity = errors.New("vault: integrity check failed")

	// ErrWeakMasterKey is returned at construction for an absent or
	// too-short master key. Fail fast: a vault with a weak key must
	// never start serving.
	ErrWeakMasterKey = fmt.Errorf("vault: master key must be at least %d bytes", minMasterKeyLen)
)

// Vault performs authenticated encryption of credential material.
type Vault struct {
	aead cipher.AEAD
}

// New derives the encryption key from the master key and salt and
// returns a ready Vault. The derived key never leaves this struct.
func New(masterKey, salt []byte) (*Vault, error) {
	if len(masterKey) < minMasterKeyLen {
		return nil, ErrWeakMasterKey
	}
	key := pbkdf2.Key(masterKey, salt, iterations, keyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random 96-bit IV. The returned
// ciphertext excludes the auth tag, which is returned separately so the
// persistence schema can store the three parts in distinct columns.
func (v *Vault) Encrypt(plaintext []byte) (ciphertext, iv, tag []byte, err error) {
	iv = make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, err
	}

	sealed := v.aead.Seal(nil, iv, plaintext, nil)
	ciphertext = sealed[:len(sealed)-tagLen]
	tag = sealed[len(sealed)-tagLen:]
	return ciphertext, iv, tag, nil
}

// Decrypt opens a record previously produced by Encrypt. Any tamper of
// ciphertext, iv, or tag, or use of a different master key, yields
// ErrIntegrity.
func (v *Vault) Decrypt(ciphertext, iv, tag []byte) ([]byte, error) {
	if len(iv) != ivLen || len(tag) != tagLen {
		return nil, ErrIntegrity
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := v.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// Fingerprint computes a stable SHA-256 identifier for secret material
// so metadata listings can show identity without exposing plaintext.
func Fingerprint(secret []byte) string {
	sum := sha256.Sum256(secret)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}
