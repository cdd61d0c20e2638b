package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24

	// sealedPrefix marks values produced by Sealer.Seal.
	sealedPrefix = "sealed:v1:"
)

// SealError represents a sealing or opening failure.
type SealError struct {
	Message string
}

func (e *SealError) Error() string {
	return e.Message
}

// ErrSeal checks if an error is a SealError.
func ErrSeal(err error) bool {
	var se *SealError
	return errors.As(err, &se)
}

// Sealer encrypts small secrets (auth tokens) before they reach the store.
// A zero Sealer passes values through unchanged.
type Sealer struct {
	key   *[keySize]byte
	nonce io.Reader
}

// NewSealer parses a base64 32-byte key. An empty key yields a pass-through sealer.
func NewSealer(keyB64 string) (*Sealer, error) {
	if keyB64 == "" {
		return &Sealer{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, &SealError{Message: fmt.Sprintf("invalid base64 key: %v", err)}
	}
	if len(raw) != keySize {
		return nil, &SealError{Message: fmt.Sprintf("invalid key length: %d, expected %d", len(raw), keySize)}
	}
	var key [keySize]byte
	copy(key[:], raw)
	return &Sealer{key: &key, nonce: rand.Reader}, nil
}

// GenerateKey returns a fresh base64 key suitable for NewSealer.
func GenerateKey() (string, error) {
	var key [keySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

// Enabled reports whether the sealer has a key.
func (s *Sealer) Enabled() bool {
	return s != nil && s.key != nil
}

// Seal encrypts plaintext. Empty values stay empty.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if !s.Enabled() || plaintext == "" {
		return plaintext, nil
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(s.nonce, nonce[:]); err != nil {
		return "", err
	}

	// Wire format: nonce[24] + box[N+16]
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, s.key)
	return sealedPrefix + base64.StdEncoding.EncodeToString(box), nil
}

// Open decrypts a value produced by Seal. Unsealed values are returned as is,
// so tokens persisted before a key was configured stay readable.
func (s *Sealer) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	if !s.Enabled() {
		return "", &SealError{Message: "sealed value but no key configured"}
	}

	box, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", &SealError{Message: fmt.Sprintf("invalid base64 sealed value: %v", err)}
	}
	if len(box) < nonceSize+secretbox.Overhead {
		return "", &SealError{Message: fmt.Sprintf("sealed value too short: %d bytes", len(box))}
	}

	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, s.key)
	if !ok {
		return "", &SealError{Message: "open failed: wrong key or tampered value"}
	}
	return string(plain), nil
}
