package infra

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

func newTestKeyProvider(t *testing.T) *FileKeyProvider {
	t.Helper()
	return NewFileKeyProvider(filepath.Join(t.TempDir(), "data"))
}

func TestEnsureKey_GeneratesOnceAndReuses(t *testing.T) {
	p := newTestKeyProvider(t)
	require.False(t, p.KeyExists())

	first, err := EnsureKey(p)
	require.NoError(t, err)
	assert.Len(t, first, keySize)

	info, err := os.Stat(p.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.Equal(t, filepath.Join(filepath.Dir(p.Path()), ".key"), p.Path())

	second, err := EnsureKey(p)
	require.NoError(t, err)
	assert.Equal(t, first, second, "an existing key is never regenerated")
}

func TestFileKeyProvider_StoreKeyReplacesAtomically(t *testing.T) {
	p := newTestKeyProvider(t)
	old := bytes.Repeat([]byte{1}, keySize)
	next := bytes.Repeat([]byte{2}, keySize)
	require.NoError(t, p.StoreKey(old))
	require.NoError(t, p.StoreKey(next))

	got, err := p.GetKey()
	require.NoError(t, err)
	assert.Equal(t, next, got)

	entries, err := os.ReadDir(filepath.Dir(p.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files are left next to the key")
	assert.Equal(t, keyFileName, entries[0].Name())
}

func TestFileKeyProvider_StoreKeyRejectsWrongSize(t *testing.T) {
	p := newTestKeyProvider(t)
	err := p.StoreKey([]byte("short"))
	assert.ErrorIs(t, err, domain.ErrInvalid)
	assert.False(t, p.KeyExists())
}

func TestFileKeyProvider_RefusesLooseMode(t *testing.T) {
	p := newTestKeyProvider(t)
	require.NoError(t, p.StoreKey(bytes.Repeat([]byte{7}, keySize)))

	for _, mode := range []os.FileMode{0640, 0604, 0644} {
		require.NoError(t, os.Chmod(p.Path(), mode))
		_, err := p.GetKey()
		assert.ErrorIs(t, err, domain.ErrPermissionDenied, "mode %o", mode)
	}

	require.NoError(t, os.Chmod(p.Path(), 0600))
	_, err := p.GetKey()
	assert.NoError(t, err)
}

func TestFileKeyProvider_CorruptKeyFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not base64", "!!not-base64!!"},
		{"wrong size", base64.StdEncoding.EncodeToString([]byte("sixteen-byte-key"))},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestKeyProvider(t)
			require.NoError(t, os.MkdirAll(filepath.Dir(p.Path()), 0700))
			require.NoError(t, os.WriteFile(p.Path(), []byte(tt.content), 0600))

			_, err := p.GetKey()
			assert.ErrorIs(t, err, domain.ErrCorrupt)
			var corrupt *domain.CorruptError
			require.ErrorAs(t, err, &corrupt)
			assert.Equal(t, p.Path(), corrupt.Path)

			_, err = EnsureKey(p)
			assert.ErrorIs(t, err, domain.ErrCorrupt, "a corrupt key is reported, not replaced")
		})
	}
}

func TestFileKeyProvider_TrailingNewlineTolerated(t *testing.T) {
	p := newTestKeyProvider(t)
	key := bytes.Repeat([]byte{9}, keySize)
	require.NoError(t, os.MkdirAll(filepath.Dir(p.Path()), 0700))
	require.NoError(t, os.WriteFile(p.Path(), []byte(base64.StdEncoding.EncodeToString(key)+"\n"), 0600))

	got, err := p.GetKey()
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestFileKeyProvider_MissingKey(t *testing.T) {
	p := newTestKeyProvider(t)
	_, err := p.GetKey()
	assert.ErrorIs(t, err, os.ErrNotExist)
}
