// Package crypto implements the at-rest encryption of exchange
// credentials: AES-256-GCM with wire format "iv:authTag:ciphertext",
// each segment base64 (spec.md §6 "Credential encryption at rest").
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	keySize   = 32
	ivSize    = 12
	tagSize   = 16
)

var (
	ErrInvalidKey        = errors.New("encryption key must be 32 bytes")
	ErrMalformedCiphertext = errors.New("credential ciphertext must have exactly 3 colon-separated segments")
)

// CredentialCipher encrypts and decrypts ExchangeAccount credentials.
type CredentialCipher struct {
	key []byte
}

// NewCredentialCipher builds a cipher around a 32-byte AES-256 key.
func NewCredentialCipher(key []byte) (*CredentialCipher, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	return &CredentialCipher{key: key}, nil
}

// Encrypt seals plaintext into "iv:authTag:ciphertext", each segment
// base64-encoded. The result is deliberately not valid JSON: a colon
// split must always yield exactly 3 parts.
func (c *CredentialCipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	// gcm.Seal appends the auth tag to the ciphertext; split it back out
	// so the wire format carries the two independently.
	ciphertext := sealed[:len(sealed)-tagSize]
	authTag := sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(authTag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt opens a value produced by Encrypt. Any malformed segment or
// authentication failure is a fatal error at account load (spec.md §6).
func (c *CredentialCipher) Decrypt(encoded string) (string, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", ErrMalformedCiphertext
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	authTag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode authTag: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	sealed := append(append([]byte(nil), ciphertext...), authTag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
