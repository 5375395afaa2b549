package infra

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

// CleanupLayout names the directories whose per-server artifacts cleanup owns.
type CleanupLayout struct {
	ServersDir string // runtime environments
	LogDir     string // captured stdout/stderr
	ConfigDir  string // generated per-server config
	RunDir     string // pidfiles
}

// CleanupManager implements domain.Cleaner.
type CleanupManager struct {
	layout CleanupLayout
	logger *zap.Logger
}

// NewCleanupManager creates a cleanup manager over layout.
func NewCleanupManager(layout CleanupLayout, logger *zap.Logger) *CleanupManager {
	return &CleanupManager{layout: layout, logger: logger}
}

// Plan lists the artifacts of record that exist on disk, with sizes.
// An install path outside ServersDir belongs to the user and is never planned.
func (cm *CleanupManager) Plan(record domain.ServerRecord) ([]domain.FileInfo, error) {
	var plan []domain.FileInfo

	if record.InstallPath != "" {
		if isWithin(cm.layout.ServersDir, record.InstallPath) {
			if fi, ok := statArtifact(record.InstallPath, domain.ArtifactRuntime); ok {
				plan = append(plan, fi)
			}
		} else {
			cm.logger.Debug("install path outside managed servers dir, not planned",
				zap.String("server", record.Name),
				zap.String("path", record.InstallPath))
		}
	}

	logs, err := os.ReadDir(cm.layout.LogDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, ClassifyFSError(err)
	}
	for _, e := range logs {
		if isLogOf(record.Name, e.Name()) {
			if fi, ok := statArtifact(filepath.Join(cm.layout.LogDir, e.Name()), domain.ArtifactLog); ok {
				plan = append(plan, fi)
			}
		}
	}

	configs, err := os.ReadDir(cm.layout.ConfigDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, ClassifyFSError(err)
	}
	for _, e := range configs {
		if isConfigOf(record.Name, e.Name()) {
			if fi, ok := statArtifact(filepath.Join(cm.layout.ConfigDir, e.Name()), domain.ArtifactConfig); ok {
				plan = append(plan, fi)
			}
		}
	}

	if fi, ok := statArtifact(filepath.Join(cm.layout.RunDir, record.Name+".pid"), domain.ArtifactPidfile); ok {
		plan = append(plan, fi)
	}

	return plan, nil
}

// Server names may contain dots, so artifacts match by exact shape only:
// "echo" must never claim "echo.v2.json".
var (
	configExts = []string{".json", ".yaml", ".yml", ".env", ".toml"}
	// <name>.stdout.log plus lumberjack backups <name>.stdout-<timestamp>.log[.gz].
	logSuffix = regexp.MustCompile(`^\.(stdout|stderr)(-\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}\.\d{3})?\.log(\.gz)?$`)
)

func isConfigOf(name, base string) bool {
	if base == name {
		return true
	}
	for _, ext := range configExts {
		if base == name+ext {
			return true
		}
	}
	return false
}

func isLogOf(name, base string) bool {
	rest, ok := strings.CutPrefix(base, name)
	return ok && logSuffix.MatchString(rest)
}

// Apply deletes each planned artifact. Failures are collected, never fatal.
// With dryRun, nothing is touched and Deleted lists what would go.
func (cm *CleanupManager) Apply(plan []domain.FileInfo, dryRun bool) domain.CleanupResult {
	result := domain.CleanupResult{
		Deleted: make([]domain.FileInfo, 0, len(plan)),
		Skipped: make([]domain.SkippedFile, 0),
		Errors:  make([]error, 0),
		DryRun:  dryRun,
	}

	for _, fi := range plan {
		if dryRun {
			result.Deleted = append(result.Deleted, fi)
			result.FreedBytes += fi.SizeBytes
			continue
		}

		if _, err := os.Lstat(fi.Path); os.IsNotExist(err) {
			result.Skipped = append(result.Skipped, domain.SkippedFile{Path: fi.Path, Reason: "already gone"})
			continue
		}

		if err := os.RemoveAll(fi.Path); err != nil {
			if os.IsPermission(err) {
				cm.logger.Warn("cannot delete (permission denied)", zap.String("path", fi.Path))
				result.Skipped = append(result.Skipped, domain.SkippedFile{Path: fi.Path, Reason: "permission denied"})
			} else {
				cm.logger.Warn("failed to delete artifact", zap.String("path", fi.Path), zap.Error(err))
				result.Errors = append(result.Errors, err)
			}
			continue
		}

		cm.logger.Info("deleted artifact",
			zap.String("path", fi.Path),
			zap.String("kind", string(fi.Kind)),
			zap.Int64("bytes", fi.SizeBytes))
		result.Deleted = append(result.Deleted, fi)
		result.FreedBytes += fi.SizeBytes
	}

	return result
}

func statArtifact(path string, kind domain.ArtifactKind) (domain.FileInfo, bool) {
	info, err := os.Lstat(path)
	if err != nil {
		return domain.FileInfo{}, false
	}
	fi := domain.FileInfo{Path: path, IsDir: info.IsDir(), Kind: kind, SizeBytes: info.Size()}
	if info.IsDir() {
		fi.SizeBytes = dirSize(path)
	}
	return fi, true
}

// dirSize is advisory: unreadable entries are skipped.
func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

// isWithin reports whether path lies strictly inside dir.
func isWithin(dir, path string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Ensure CleanupManager implements domain.Cleaner.
var _ domain.Cleaner = (*CleanupManager)(nil)
