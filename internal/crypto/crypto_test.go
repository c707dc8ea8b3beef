package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealerRoundTrip(t *testing.T) {
	s, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	plaintext := []byte(`{"id":"u1","email":"u1@x.com"}`)
	sealed, err := s.Encrypt(plaintext)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, []byte("u1@x.com")))

	again, err := s.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces must differ")

	opened, err := s.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestLoadOrCreateReusesKey(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrCreate(dir)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, KeyFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	sealed, err := first.Encrypt([]byte("hint"))
	require.NoError(t, err)

	second, err := LoadOrCreate(dir)
	require.NoError(t, err)
	opened, err := second.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hint", string(opened))
}

func TestLoadOrCreateReplacesDamagedKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, KeyFileName), []byte("not base64!"), 0o600))

	s, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.NotNil(t, s)

	data, err := os.ReadFile(filepath.Join(dir, KeyFileName))
	require.NoError(t, err)
	assert.NotEqual(t, "not base64!", string(data))
}

func TestDecryptRejectsForeignPayloads(t *testing.T) {
	a, err := NewSealer(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	b, err := NewSealer(bytes.Repeat([]byte{2}, 32))
	require.NoError(t, err)

	sealed, err := a.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	assert.Error(t, err)

	_, err = a.Decrypt([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestNewSealerKeyLength(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	assert.Error(t, err)
}
