// Package archive seals user snapshots written to archived_user_data.
package archive

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/adops/internal/config"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeyVersion is stored next to every payload so keys can be rotated.
const KeyVersion = 1

var (
	ErrKeyMissing         = errors.New("archive_key_missing")
	ErrCiphertextTooShort = errors.New("archive_ciphertext_too_short")
)

type Sealer struct {
	key []byte
}

// NewSealer derives a 256-bit key from the configured secret. A missing secret
// yields a Sealer whose Seal and Open always fail with ErrKeyMissing.
func NewSealer(cfg config.Config) *Sealer {
	return newSealer(cfg.ArchiveEncryptionKey)
}

func newSealer(secret string) *Sealer {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return &Sealer{}
	}
	sum := sha256.Sum256([]byte(secret))
	return &Sealer{key: sum[:]}
}

func (s *Sealer) Configured() bool {
	return s != nil && len(s.key) == chacha20poly1305.KeySize
}

// Seal encrypts plaintext with XChaCha20-Poly1305 and prepends the nonce.
func (s *Sealer) Seal(plaintext, additionalData []byte) ([]byte, error) {
	if !s.Configured() {
		return nil, ErrKeyMissing
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

func (s *Sealer) Open(ciphertext, additionalData []byte) ([]byte, error) {
	if !s.Configured() {
		return nil, ErrKeyMissing
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, additionalData)
	if err != nil {
		return nil, fmt.Errorf("open archive payload: %w", err)
	}
	return plaintext, nil
}
