// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package store

import (
	"crypto/aes"
	"crypto/cipher"
	crand "crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"

	"golang.org/x/crypto/hkdf"
)

// Cipher transforms values on their way into and out of a Store.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// CipherKind names a Cipher implementation in configuration.
type CipherKind string

const (
	CipherNone         CipherKind = "none"
	CipherSubstitution CipherKind = "substitution"
	CipherAESGCM       CipherKind = "aes-gcm"
)

var (
	// ErrEmptySecret is returned when a keyed cipher is built without a secret.
	ErrEmptySecret = errors.New("cipher secret cannot be empty")

	// ErrDecryptionFailed is returned when a ciphertext fails authentication.
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or authentication tag")

	// ErrCiphertextTooShort is returned when the ciphertext is shorter than nonce plus tag.
	ErrCiphertextTooShort = errors.New("ciphertext too short")

	// ErrUnknownCipher is returned by NewCipher for unrecognized kinds.
	ErrUnknownCipher = errors.New("unknown cipher kind")
)

// NewCipher builds the cipher named by kind. secret is ignored by CipherNone.
func NewCipher(kind CipherKind, secret string) (Cipher, error) {
	switch kind {
	case CipherNone, "":
		return NoopCipher{}, nil
	case CipherSubstitution:
		return NewSubstitutionCipher(secret)
	case CipherAESGCM:
		return NewAESCipher(secret)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCipher, kind)
	}
}

// NoopCipher stores values as-is.
type NoopCipher struct{}

// Encrypt returns a copy of plaintext.
func (NoopCipher) Encrypt(plaintext []byte) ([]byte, error) {
	return append([]byte(nil), plaintext...), nil
}

// Decrypt returns a copy of ciphertext.
func (NoopCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	return append([]byte(nil), ciphertext...), nil
}

// SubstitutionCipher maps every byte through a secret-seeded permutation.
//
// It keeps cached values from being readable at a glance and nothing more: it is
// not a security boundary. Use AESCipher when the cache must resist inspection.
type SubstitutionCipher struct {
	forward [256]byte
	reverse [256]byte
}

// NewSubstitutionCipher derives a byte permutation from secret.
func NewSubstitutionCipher(secret string) (*SubstitutionCipher, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	seed := sha256.Sum256([]byte(secret))
	//nolint:gosec // G404: obscuring permutation, not key material
	rng := rand.New(rand.NewChaCha8(seed))

	c := &SubstitutionCipher{}
	for i := range c.forward {
		c.forward[i] = byte(i)
	}
	rng.Shuffle(len(c.forward), func(i, j int) {
		c.forward[i], c.forward[j] = c.forward[j], c.forward[i]
	})
	for i, b := range c.forward {
		c.reverse[b] = byte(i)
	}
	return c, nil
}

// Encrypt substitutes every byte of plaintext.
func (c *SubstitutionCipher) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	for i, b := range plaintext {
		out[i] = c.forward[b]
	}
	return out, nil
}

// Decrypt reverses Encrypt.
func (c *SubstitutionCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	for i, b := range ciphertext {
		out[i] = c.reverse[b]
	}
	return out, nil
}

const (
	// cacheEncryptionSalt binds derived keys to local cache encryption.
	cacheEncryptionSalt = "treesync-local-cache"

	// cacheEncryptionInfo is the HKDF info parameter for key derivation.
	cacheEncryptionInfo = "cache-encryption-v1"

	aesKeySize   = 32
	gcmNonceSize = 12
)

// AESCipher provides AES-256-GCM encryption with a key derived from a secret
// using HKDF-SHA256. Ciphertext layout is nonce || sealed data || tag.
type AESCipher struct {
	aead cipher.AEAD
}

// NewAESCipher derives a 256-bit key from secret and prepares the AEAD.
func NewAESCipher(secret string) (*AESCipher, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	key := make([]byte, aesKeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), []byte(cacheEncryptionSalt), []byte(cacheEncryptionInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive cache key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &AESCipher{aead: gcm}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *AESCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, gcmNonceSize, gcmNonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(crand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *AESCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < gcmNonceSize+c.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := c.aead.Open(nil, ciphertext[:gcmNonceSize], ciphertext[gcmNonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
