package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// HintStore mirrors the last-known principal for fast initial rendering.
// Hints are never authoritative.
type HintStore interface {
	Load(key string) (*Principal, error)
	Save(key string, p *Principal) error
	Clear(key string) error
}

// Ensure FileHintStore satisfies HintStore.
var _ HintStore = (*FileHintStore)(nil)

var validHintKey = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Cipher seals hint files at rest.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// FileHintStore persists one JSON hint file per key under dir.
type FileHintStore struct {
	dir    string
	cipher Cipher
	mu     sync.RWMutex
}

// FileHintOption configures a FileHintStore.
type FileHintOption func(*FileHintStore)

// WithCipher encrypts hint files with c. Files that fail to decrypt, such
// as hints written under an older key, read as "no hint".
func WithCipher(c Cipher) FileHintOption {
	return func(s *FileHintStore) { s.cipher = c }
}

// NewFileHintStore creates a file-backed hint store rooted at dir.
func NewFileHintStore(dir string, opts ...FileHintOption) *FileHintStore {
	s := &FileHintStore{dir: dir}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the stored hint for key. A missing or empty file is
// "no hint" and returns (nil, nil).
func (s *FileHintStore) Load(key string) (*Principal, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read principal hint %q: %w", key, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	if s.cipher != nil {
		if data, err = s.cipher.Decrypt(data); err != nil {
			return nil, nil
		}
	}

	var p Principal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode principal hint %q: %w", key, err)
	}
	if !p.Valid() {
		return nil, nil
	}
	return &p, nil
}

// Save writes the hint for key atomically. Saving nil clears the hint.
func (s *FileHintStore) Save(key string, p *Principal) error {
	if p == nil {
		return s.Clear(key)
	}

	path, err := s.path(key)
	if err != nil {
		return err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode principal hint %q: %w", key, err)
	}
	if s.cipher != nil {
		if data, err = s.cipher.Encrypt(data); err != nil {
			return fmt.Errorf("seal principal hint %q: %w", key, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create hint directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp principal hint %q: %w", key, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit principal hint %q: %w", key, err)
	}
	return nil
}

// Clear removes the hint for key. Clearing a missing hint is not an error.
func (s *FileHintStore) Clear(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove principal hint %q: %w", key, err)
	}
	return nil
}

func (s *FileHintStore) path(key string) (string, error) {
	key = strings.TrimSpace(key)
	if !validHintKey.MatchString(key) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid hint key: %q", key)
	}
	return filepath.Join(s.dir, key+".json"), nil
}

// MemoryHintStore keeps hints in memory. Used by tests and the CLI.
type MemoryHintStore struct {
	mu    sync.Mutex
	hints map[string]*Principal
}

// NewMemoryHintStore creates an empty in-memory hint store.
func NewMemoryHintStore() *MemoryHintStore {
	return &MemoryHintStore{hints: make(map[string]*Principal)}
}

func (m *MemoryHintStore) Load(key string) (*Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hints[key].Clone(), nil
}

func (m *MemoryHintStore) Save(key string, p *Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		delete(m.hints, key)
		return nil
	}
	m.hints[key] = p.Clone()
	return nil
}

func (m *MemoryHintStore) Clear(key string) error {
	return m.Save(key, nil)
}
