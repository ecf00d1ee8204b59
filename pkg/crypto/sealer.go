package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// keySalt pins the scrypt derivation so sealed values survive restarts.
// Rotating the master secret invalidates everything sealed under it.
var keySalt = []byte("voicebridge/provider-credentials/v1")

var ErrCiphertextTooShort = errors.New("ciphertext shorter than nonce")

// Sealer encrypts provider API credentials at rest with AES-256-GCM.
// The tenant-facing write path seals, the context assembler opens.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the AEAD key from the configured master secret.
func NewSealer(masterSecret string) (*Sealer, error) {
	if masterSecret == "" {
		return nil, errors.New("master secret is empty")
	}

	key, err := scrypt.Key([]byte(masterSecret), keySalt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext and returns a base64 token of nonce||ciphertext.
// Empty input stays empty so optional credential columns remain null-ish.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Tampered or foreign tokens fail authentication.
func (s *Sealer) Open(token string) (string, error) {
	if token == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}

	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	plaintext, err := s.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("open token: %w", err)
	}

	return string(plaintext), nil
}
