// Package crypto seals small at-rest payloads (principal hints) with a
// per-installation AES-256-GCM key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// KeyFileName is the key file created inside the data directory.
const KeyFileName = ".hint.key"

const keySize = 32

// ErrCiphertextTooShort is returned when a payload cannot hold a nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Sealer encrypts and decrypts payloads with AES-GCM.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer around a raw 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// LoadOrCreate returns a Sealer keyed from dataDir/.hint.key, generating the
// key on first use.
func LoadOrCreate(dataDir string) (*Sealer, error) {
	key, err := loadOrCreateKey(filepath.Join(dataDir, KeyFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to get encryption key: %w", err)
	}
	return NewSealer(key)
}

func loadOrCreateKey(keyPath string) ([]byte, error) {
	if data, err := os.ReadFile(keyPath); err == nil {
		key, decodeErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if decodeErr == nil && len(key) == keySize {
			return key, nil
		}
		// A damaged key only costs us the hints sealed with it.
		log.Warn().Str("path", keyPath).Msg("Encryption key unreadable, generating a new one")
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key: %w", err)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}

	log.Info().Str("path", keyPath).Msg("Generated new encryption key")
	return key, nil
}

// Encrypt seals plaintext. The nonce is prepended to the result.
func (s *Sealer) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a payload produced by Encrypt.
func (s *Sealer) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrCiphertextTooShort
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return s.aead.Open(nil, nonce, body, nil)
}
