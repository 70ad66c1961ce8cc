// Package secrets provides envelope encryption for values persisted at rest,
// such as certificate private keys and integration tokens.
//
// The serialized form is three base64 segments joined by ':' (nonce,
// authentication tag, ciphertext) produced by AES-256-GCM. Decryption
// verifies the authentication tag and returns ErrCipherTampered on any
// mismatch; it never returns partial plaintext.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Custom errors for envelope encryption operations
var (
	ErrInvalidKeyLength = errors.New("encryption key must be 32 bytes for AES-256")
	ErrMalformedRecord  = errors.New("encrypted record is malformed")
	ErrCipherTampered   = errors.New("encrypted record failed authentication")
	ErrEmptyRecord      = errors.New("encrypted record is empty")
)

const (
	// KeySize is the required symmetric key length (AES-256).
	KeySize = 32

	// nonceSize is the GCM nonce length in bytes (96 bits).
	nonceSize = 12

	// tagSize is the GCM authentication tag length in bytes.
	tagSize = 16

	// segmentSeparator joins the three base64 segments of a record.
	segmentSeparator = ":"
)

// Box performs authenticated symmetric encryption with a single process-lifetime
// key. The key is supplied once at construction; callers never re-read it from
// the environment mid-operation.
type Box struct {
	aead cipher.AEAD
}

// NewBox creates a Box from a raw 32-byte key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Box{aead: aead}, nil
}

// NewBoxFromHex creates a Box from a hex-encoded 32-byte key, the format the
// key is handed over from the secret store.
func NewBoxFromHex(hexKey string) (*Box, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key encoding: %w", err)
	}
	return NewBox(key)
}

// GenerateKey returns a cryptographically random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext and returns the serialized record
// "<nonce-b64>:<tag-b64>:<ciphertext-b64>".
func (b *Box) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends ciphertext||tag; split them for the serialized layout.
	sealed := b.aead.Seal(nil, nonce, []byte(plaintext), nil)
	if len(sealed) < tagSize {
		return "", errors.New("sealed payload shorter than tag")
	}
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	enc := base64.StdEncoding
	return enc.EncodeToString(nonce) + segmentSeparator +
		enc.EncodeToString(tag) + segmentSeparator +
		enc.EncodeToString(ciphertext), nil
}

// Decrypt opens a serialized record. Any tag mismatch, truncation, or
// corruption yields ErrCipherTampered or ErrMalformedRecord; plaintext is
// returned only when authentication succeeds.
func (b *Box) Decrypt(record string) (string, error) {
	if record == "" {
		return "", ErrEmptyRecord
	}

	parts := strings.Split(record, segmentSeparator)
	if len(parts) != 3 {
		return "", ErrMalformedRecord
	}

	enc := base64.StdEncoding
	nonce, err := enc.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: bad nonce encoding", ErrMalformedRecord)
	}
	tag, err := enc.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: bad tag encoding", ErrMalformedRecord)
	}
	ciphertext, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext encoding", ErrMalformedRecord)
	}

	if len(nonce) != nonceSize || len(tag) != tagSize {
		return "", ErrMalformedRecord
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := b.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrCipherTampered
	}

	return string(plaintext), nil
}
