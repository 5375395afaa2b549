package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

const (
	backupTimeLayout = "20060102T150405.000000000Z"
	backupMetaSuffix = ".meta.json"
	maxBackupSuffix  = 1000
)

// BackupManager keeps timestamped, checksummed copies of files before they are
// mutated. Layout: <dir>/<tag>/<timestamp>-<basename> plus a .meta.json sidecar.
type BackupManager struct {
	dir       string
	retention int
	logger    *zap.Logger
	now       func() time.Time
}

// NewBackupManager creates a backup manager rooted at dir. After each backup the
// tag is pruned to retention copies; 0 disables pruning.
func NewBackupManager(dir string, retention int, logger *zap.Logger) *BackupManager {
	return &BackupManager{
		dir:       dir,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Dir returns the backup root.
func (bm *BackupManager) Dir() string {
	return bm.dir
}

// Backup copies path (if it exists) into the tag directory.
func (bm *BackupManager) Backup(path, tag string) (domain.BackupRecord, error) {
	if err := validateTag(tag); err != nil {
		return domain.BackupRecord{}, err
	}
	src, err := filepath.Abs(path)
	if err != nil {
		return domain.BackupRecord{}, err
	}

	rec := domain.BackupRecord{
		SourcePath: src,
		Timestamp:  bm.now().UTC(),
		Tag:        tag,
	}

	info, err := os.Stat(src)
	switch {
	case os.IsNotExist(err):
		rec.Existed = false
	case err != nil:
		return domain.BackupRecord{}, ClassifyFSError(fmt.Errorf("stat %s: %w", src, err))
	case info.IsDir():
		return domain.BackupRecord{}, fmt.Errorf("cannot back up directory %s", src)
	default:
		rec.Existed = true
	}

	tagDir := filepath.Join(bm.dir, tag)
	if err := os.MkdirAll(tagDir, 0700); err != nil {
		return domain.BackupRecord{}, ClassifyFSError(fmt.Errorf("create backup directory: %w", err))
	}

	backupPath, err := reserveBackupPath(tagDir, rec.Timestamp, filepath.Base(src))
	if err != nil {
		return domain.BackupRecord{}, ClassifyFSError(err)
	}
	rec.Path = backupPath

	if rec.Existed {
		if err := copyFile(src, backupPath, 0600); err != nil {
			os.Remove(backupPath)
			return domain.BackupRecord{}, ClassifyFSError(fmt.Errorf("copy %s: %w", src, err))
		}
		copied, err := os.Stat(backupPath)
		if err != nil {
			return domain.BackupRecord{}, err
		}
		rec.SizeBytes = copied.Size()
		if rec.SHA256, err = computeSHA256(backupPath); err != nil {
			return domain.BackupRecord{}, err
		}
	}

	meta, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return domain.BackupRecord{}, err
	}
	if err := WriteFileAtomic(backupPath+backupMetaSuffix, meta, 0600); err != nil {
		os.Remove(backupPath)
		return domain.BackupRecord{}, ClassifyFSError(fmt.Errorf("write backup metadata: %w", err))
	}

	bm.logger.Debug("backup created",
		zap.String("source", src),
		zap.String("backup", backupPath),
		zap.String("tag", tag),
		zap.Int64("size", rec.SizeBytes),
		zap.Bool("existed", rec.Existed))

	if bm.retention > 0 {
		if _, err := bm.Prune(tag, bm.retention); err != nil {
			bm.logger.Warn("backup prune failed", zap.String("tag", tag), zap.Error(err))
		}
	}

	return rec, nil
}

// reserveBackupPath claims a unique file name with O_EXCL so concurrent writers
// never share a slot.
func reserveBackupPath(tagDir string, ts time.Time, base string) (string, error) {
	stamp := ts.Format(backupTimeLayout)
	for i := 0; i < maxBackupSuffix; i++ {
		name := stamp + "-" + base
		if i > 0 {
			name = fmt.Sprintf("%s-%d-%s", stamp, i, base)
		}
		candidate := filepath.Join(tagDir, name)
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			f.Close()
			return candidate, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("reserve backup file: %w", err)
		}
	}
	return "", fmt.Errorf("no free backup slot for %s at %s", base, stamp)
}

// Restore copies a backup back over its source. The current source is backed up
// first under the same tag; restoring an "absent" backup removes the source.
func (bm *BackupManager) Restore(rec domain.BackupRecord) (domain.BackupRecord, error) {
	if rec.SourcePath == "" {
		return domain.BackupRecord{}, fmt.Errorf("%w: backup record has no source path", domain.ErrInvalid)
	}

	var staged string
	if rec.Existed {
		sum, err := computeSHA256(rec.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return domain.BackupRecord{}, fmt.Errorf("%w: backup file %s", domain.ErrNotFound, rec.Path)
			}
			return domain.BackupRecord{}, ClassifyFSError(err)
		}
		if rec.SHA256 != "" && sum != rec.SHA256 {
			return domain.BackupRecord{}, &domain.CorruptError{
				Path: rec.Path,
				Err:  fmt.Errorf("checksum mismatch: want %s, got %s", rec.SHA256, sum),
			}
		}
		staged, err = stageCopy(rec.Path, rec.SourcePath, FileMode(rec.SourcePath, 0644))
		if err != nil {
			return domain.BackupRecord{}, ClassifyFSError(fmt.Errorf("stage restore: %w", err))
		}
	}

	safety, err := bm.Backup(rec.SourcePath, rec.Tag)
	if err != nil {
		if staged != "" {
			os.Remove(staged)
		}
		return domain.BackupRecord{}, fmt.Errorf("back up before restore: %w", err)
	}

	if rec.Existed {
		if err := os.Rename(staged, rec.SourcePath); err != nil {
			os.Remove(staged)
			return safety, ClassifyFSError(fmt.Errorf("restore %s: %w", rec.SourcePath, err))
		}
	} else if err := os.Remove(rec.SourcePath); err != nil && !os.IsNotExist(err) {
		return safety, ClassifyFSError(fmt.Errorf("restore absent %s: %w", rec.SourcePath, err))
	}

	bm.logger.Info("backup restored",
		zap.String("source", rec.SourcePath),
		zap.String("backup", rec.Path),
		zap.String("safety_backup", safety.Path))
	return safety, nil
}

// Lookup loads a backup record from its sidecar.
func (bm *BackupManager) Lookup(backupPath string) (domain.BackupRecord, error) {
	backupPath = strings.TrimSuffix(backupPath, backupMetaSuffix)
	data, err := os.ReadFile(backupPath + backupMetaSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.BackupRecord{}, fmt.Errorf("%w: backup %s", domain.ErrNotFound, backupPath)
		}
		return domain.BackupRecord{}, ClassifyFSError(err)
	}
	var rec domain.BackupRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.BackupRecord{}, &domain.CorruptError{Path: backupPath + backupMetaSuffix, Err: err}
	}
	return rec, nil
}

// List returns backups for tag, or for every tag when tag is empty, oldest first.
func (bm *BackupManager) List(tag string) ([]domain.BackupRecord, error) {
	var tags []string
	if tag != "" {
		if err := validateTag(tag); err != nil {
			return nil, err
		}
		tags = []string{tag}
	} else {
		entries, err := os.ReadDir(bm.dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, ClassifyFSError(err)
		}
		for _, e := range entries {
			if e.IsDir() {
				tags = append(tags, e.Name())
			}
		}
	}

	var records []domain.BackupRecord
	for _, t := range tags {
		metas, err := filepath.Glob(filepath.Join(bm.dir, t, "*"+backupMetaSuffix))
		if err != nil {
			return nil, err
		}
		for _, m := range metas {
			rec, err := bm.Lookup(m)
			if err != nil {
				bm.logger.Warn("skipping unreadable backup metadata", zap.String("path", m), zap.Error(err))
				continue
			}
			records = append(records, rec)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.Before(records[j].Timestamp)
		}
		if si, sj := backupSlot(records[i]), backupSlot(records[j]); si != sj {
			return si < sj
		}
		return records[i].Path < records[j].Path
	})
	return records, nil
}

// backupSlot returns the collision suffix reserveBackupPath gave the file: 0 for
// "<stamp>-<base>", N for "<stamp>-N-<base>".
func backupSlot(rec domain.BackupRecord) int {
	name := filepath.Base(rec.Path)
	rest := strings.TrimPrefix(name, rec.Timestamp.Format(backupTimeLayout)+"-")
	base := filepath.Base(rec.SourcePath)
	if rest == base {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSuffix(rest, "-"+base))
	if err != nil {
		return 0
	}
	return n
}

// Prune deletes the oldest backups for tag beyond keep.
func (bm *BackupManager) Prune(tag string, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("%w: keep must be >= 0", domain.ErrInvalid)
	}
	records, err := bm.List(tag)
	if err != nil {
		return 0, err
	}
	if len(records) <= keep {
		return 0, nil
	}

	var errs []error
	removed := 0
	for _, rec := range records[:len(records)-keep] {
		if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(rec.Path + backupMetaSuffix); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		bm.logger.Debug("pruned backups", zap.String("tag", tag), zap.Int("removed", removed))
	}
	return removed, errors.Join(errs...)
}

func validateTag(tag string) error {
	if tag == "" || tag == "." || tag == ".." || strings.ContainsAny(tag, `/\`) {
		return fmt.Errorf("%w: backup tag %q", domain.ErrInvalid, tag)
	}
	return nil
}

// Ensure BackupManager implements domain.BackupStore.
var _ domain.BackupStore = (*BackupManager)(nil)
