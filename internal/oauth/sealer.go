// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/oauth2"
)

var (
	// ErrEncryptionKeyMissing indicates no encryption secret was configured.
	ErrEncryptionKeyMissing = errors.New("encryption secret not configured")
	// ErrDecryptionFailed indicates a sealed value was tampered with or
	// sealed under another key.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrInvalidCiphertext indicates the sealed value is too short.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

const (
	nonceSize     = 24
	keySize       = 32
	minSecretSize = 32
	sealerContext = "marketscope-credentials-v1"
)

// Sealer encrypts data source credentials at rest with NaCl secretbox.
// Each sealed value is a random 24-byte nonce followed by the box.
type Sealer struct {
	key [keySize]byte
}

// NewSealer derives the box key from secret with HKDF-SHA256.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, ErrEncryptionKeyMissing
	}
	if len(secret) < minSecretSize {
		return nil, fmt.Errorf("encryption secret must be at least %d characters", minSecretSize)
	}
	s := &Sealer{}
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(sealerContext))
	if _, err := io.ReadFull(kdf, s.key[:]); err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	return s, nil
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrInvalidCiphertext
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}

// StoredCredentials is the plaintext form of a data source's secrets.
type StoredCredentials struct {
	Token   *oauth2.Token     `json:"token,omitempty"`
	APIKey  string            `json:"api_key,omitempty"`
	Secrets map[string]string `json:"secrets,omitempty"`
}

// Empty reports whether nothing is stored.
func (c StoredCredentials) Empty() bool {
	return c.Token == nil && c.APIKey == "" && len(c.Secrets) == 0
}

// SealCredentials encodes and seals creds.
func (s *Sealer) SealCredentials(creds StoredCredentials) ([]byte, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	return s.Seal(raw)
}

// OpenCredentials reverses SealCredentials. Empty input yields empty
// credentials.
func (s *Sealer) OpenCredentials(sealed []byte) (StoredCredentials, error) {
	var creds StoredCredentials
	if len(sealed) == 0 {
		return creds, nil
	}
	raw, err := s.Open(sealed)
	if err != nil {
		return creds, err
	}
	if err := json.Unmarshal(raw, &creds); err != nil {
		return creds, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}
