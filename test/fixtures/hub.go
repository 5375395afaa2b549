// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/serverhub/internal/domain"
	"github.com/eliteGoblin/serverhub/internal/infra"
	"github.com/eliteGoblin/serverhub/internal/platform"
	"github.com/eliteGoblin/serverhub/internal/usecase"
)

// P2Document is the Claude Desktop config the hub starts with. It holds a key
// serverhub does not own and a server it did not install.
const P2Document = `{
  "theme": "dark",
  "mcpServers": {
    "theirs": {"command": "/opt/theirs", "args": ["--stdio"]}
  }
}
`

// Hub is a complete serverhub stack rooted in one directory: P1 is a Cursor
// config that does not exist yet, P2 a Claude Desktop config with foreign content.
type Hub struct {
	Dir     string
	DataDir string
	P1Path  string
	P2Path  string
	Layout  infra.CleanupLayout

	Backups    *infra.BackupManager
	Registry   *infra.FileRegistry
	Secrets    *infra.SecretStore
	Journal    *infra.Journal
	Supervisor *infra.Supervisor
	P1, P2     *platform.Adapter
	Syncer     *usecase.Syncer
	Remover    *usecase.Remover
}

// NewHub creates the directory structure and wires every component.
func NewHub(dir string, logger *zap.Logger) (*Hub, error) {
	h := &Hub{
		Dir:     dir,
		DataDir: filepath.Join(dir, "data"),
		P1Path:  filepath.Join(dir, "cursor", "mcp.json"),
		P2Path:  filepath.Join(dir, "claude", "claude_desktop_config.json"),
	}
	h.Layout = infra.CleanupLayout{
		ServersDir: filepath.Join(h.DataDir, "servers"),
		LogDir:     filepath.Join(h.DataDir, "logs"),
		ConfigDir:  filepath.Join(h.DataDir, "config"),
		RunDir:     filepath.Join(h.DataDir, "run"),
	}
	for _, d := range []string{h.Layout.ServersDir, h.Layout.LogDir, h.Layout.ConfigDir, h.Layout.RunDir, filepath.Dir(h.P1Path), filepath.Dir(h.P2Path)} {
		if err := os.MkdirAll(d, 0750); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(h.P2Path, []byte(P2Document), 0644); err != nil {
		return nil, err
	}

	var err error
	h.Backups = infra.NewBackupManager(filepath.Join(h.DataDir, "backups"), 20, logger)
	h.Registry = infra.NewFileRegistry(filepath.Join(h.DataDir, "registry.json"), h.Backups, logger)
	if h.Secrets, err = infra.OpenSecretStore(h.DataDir, infra.NewFileKeyProvider(h.DataDir), logger); err != nil {
		return nil, err
	}
	if h.Journal, err = infra.OpenJournal(context.Background(), filepath.Join(h.DataDir, "journal.db")); err != nil {
		h.Secrets.Close()
		return nil, err
	}
	h.Supervisor = infra.NewSupervisor(infra.SupervisorConfig{
		RunDir:       h.Layout.RunDir,
		LogDir:       h.Layout.LogDir,
		StartGrace:   200 * time.Millisecond,
		StartTimeout: 5 * time.Second,
	}, h.Secrets, logger)

	h.P1 = platform.NewAdapter(platform.Cursor{}, platform.Env{}, h.P1Path, h.Backups, logger)
	h.P2 = platform.NewAdapter(platform.ClaudeDesktop{}, platform.Env{}, h.P2Path, h.Backups, logger)
	deps := usecase.Deps{
		Registry:   h.Registry,
		Platforms:  platform.NewSet(h.P1, h.P2),
		Supervisor: h.Supervisor,
		Cleaner:    infra.NewCleanupManager(h.Layout, logger),
		Secrets:    h.Secrets,
		Journal:    h.Journal,
		Logger:     logger,
	}
	h.Syncer = usecase.NewSyncer(deps, infra.ProbeRemote)
	h.Remover = usecase.NewRemover(deps, 2*time.Second)
	return h, nil
}

// EchoServer writes a long-running shell server into the managed servers dir
// and returns its record, enabled in the given platforms.
func (h *Hub) EchoServer(name string, platforms ...domain.PlatformID) (domain.ServerRecord, error) {
	dir := filepath.Join(h.Layout.ServersDir, name)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return domain.ServerRecord{}, err
	}
	script := "#!/bin/sh\necho \"$0 started\"\nexec sleep 300\n"
	if err := os.WriteFile(filepath.Join(dir, "run.sh"), []byte(script), 0755); err != nil {
		return domain.ServerRecord{}, err
	}
	record := domain.ServerRecord{
		Name:               name,
		Kind:               domain.KindLocal,
		ExecutionMode:      domain.ModeProcess,
		InstallPath:        dir,
		Command:            "./run.sh",
		PlatformEnablement: make(map[domain.PlatformID]bool, len(platforms)),
	}
	for _, p := range platforms {
		record.PlatformEnablement[p] = true
	}
	return record, nil
}

// Snapshot returns the bytes of every regular file under the platform dirs, the
// registry and the backup dir, keyed by path.
func (h *Hub) Snapshot() (map[string]string, error) {
	out := make(map[string]string)
	roots := []string{
		filepath.Dir(h.P1Path),
		filepath.Dir(h.P2Path),
		h.Backups.Dir(),
		h.Layout.ServersDir,
		h.Layout.ConfigDir,
	}
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if os.IsNotExist(err) {
				return nil
			}
			if err != nil || d.IsDir() {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			out[path] = string(data)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if data, err := os.ReadFile(h.Registry.Path()); err == nil {
		out[h.Registry.Path()] = string(data)
	}
	return out, nil
}

// Close stops anything still running and releases the stores.
func (h *Hub) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.Supervisor.StopAll(ctx, time.Second)
	h.Journal.Close()
	h.Secrets.Close()
	return err
}
