package infra

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

// newTestBackups returns a backup manager rooted in a temp dir.
func newTestBackups(t *testing.T, retention int) *BackupManager {
	t.Helper()
	return NewBackupManager(filepath.Join(t.TempDir(), "backups"), retention, zap.NewNop())
}

// newTestRegistry returns a registry and its backup manager in a temp dir.
func newTestRegistry(t *testing.T) (*FileRegistry, *BackupManager) {
	t.Helper()
	dir := t.TempDir()
	bm := NewBackupManager(filepath.Join(dir, "backups"), 0, zap.NewNop())
	return NewFileRegistry(filepath.Join(dir, "registry.json"), bm, zap.NewNop()), bm
}

func processRecord(name string, platforms ...domain.PlatformID) domain.ServerRecord {
	rec := domain.ServerRecord{
		Name:               name,
		Kind:               domain.KindLocal,
		ExecutionMode:      domain.ModeProcess,
		Command:            "/bin/echo",
		Args:               []string{"hello"},
		PlatformEnablement: map[domain.PlatformID]bool{},
	}
	for _, p := range platforms {
		rec.PlatformEnablement[p] = true
	}
	return rec
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readTestFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// snapshotTree maps every file under root to its content.
func snapshotTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		data, readErr := os.ReadFile(path)
		require.NoError(t, readErr)
		out[path] = string(data)
		return nil
	})
	return out
}
