package infra

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

const (
	registryVersion   = 1
	registryBackupTag = "registry"
)

// registryDocument is the on-disk shape of the registry file.
type registryDocument struct {
	Version int                            `json:"version"`
	Servers map[string]domain.ServerRecord `json:"servers"`
}

// FileRegistry implements domain.Registry using a JSON file guarded by an
// advisory lock. Writes hold flock(LOCK_EX) on <path>.lock for one
// read-modify-write; reads are lock-free and see the last committed rename.
type FileRegistry struct {
	path    string
	backups domain.BackupStore
	logger  *zap.Logger
	now     func() time.Time
}

// NewFileRegistry creates a registry backed by the file at path.
func NewFileRegistry(path string, backups domain.BackupStore, logger *zap.Logger) *FileRegistry {
	return &FileRegistry{
		path:    path,
		backups: backups,
		logger:  logger,
		now:     time.Now,
	}
}

// Path returns the registry file path.
func (r *FileRegistry) Path() string {
	return r.path
}

// Get returns the record named name.
func (r *FileRegistry) Get(name string) (domain.ServerRecord, error) {
	doc, err := r.load()
	if err != nil {
		return domain.ServerRecord{}, err
	}
	rec, ok := doc.Servers[name]
	if !ok {
		return domain.ServerRecord{}, fmt.Errorf("server %q: %w", name, domain.ErrNotFound)
	}
	return rec, nil
}

// List returns records matching filter, sorted by name.
func (r *FileRegistry) List(filter domain.RecordFilter) ([]domain.ServerRecord, error) {
	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]domain.ServerRecord, 0, len(doc.Servers))
	for _, rec := range doc.Servers {
		if filter.Match(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Put creates or replaces a record.
func (r *FileRegistry) Put(record domain.ServerRecord) (domain.BackupRecord, error) {
	if err := record.Validate(); err != nil {
		return domain.BackupRecord{}, err
	}
	return r.transact(func(doc *registryDocument) error {
		now := r.now().UTC()
		if existing, ok := doc.Servers[record.Name]; ok && !existing.CreatedAt.IsZero() {
			record.CreatedAt = existing.CreatedAt
		} else if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
		record.UpdatedAt = now
		doc.Servers[record.Name] = record
		return nil
	})
}

// Delete removes the record named name.
func (r *FileRegistry) Delete(name string) (domain.BackupRecord, error) {
	return r.transact(func(doc *registryDocument) error {
		if _, ok := doc.Servers[name]; !ok {
			return fmt.Errorf("server %q: %w", name, domain.ErrNotFound)
		}
		delete(doc.Servers, name)
		return nil
	})
}

// transact runs one locked read-modify-write: lock, load, mutate, backup, write.
// A mutate error aborts before the backup so failed writes leave no trace.
func (r *FileRegistry) transact(mutate func(doc *registryDocument) error) (domain.BackupRecord, error) {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return domain.BackupRecord{}, ClassifyFSError(fmt.Errorf("create registry directory: %w", err))
	}

	lockFile, err := os.OpenFile(r.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return domain.BackupRecord{}, ClassifyFSError(fmt.Errorf("failed to open lock file: %w", err))
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return domain.BackupRecord{}, fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	doc, err := r.load()
	if err != nil {
		return domain.BackupRecord{}, err
	}
	if err := mutate(doc); err != nil {
		return domain.BackupRecord{}, err
	}

	backup, err := r.backups.Backup(r.path, registryBackupTag)
	if err != nil {
		return domain.BackupRecord{}, fmt.Errorf("back up registry: %w", err)
	}
	if err := r.atomicWrite(doc); err != nil {
		return backup, ClassifyFSError(fmt.Errorf("write registry: %w", err))
	}
	return backup, nil
}

// load parses the committed registry. A missing file is an empty registry.
func (r *FileRegistry) load() (*registryDocument, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &registryDocument{Version: registryVersion, Servers: map[string]domain.ServerRecord{}}, nil
		}
		return nil, ClassifyFSError(err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &domain.CorruptError{Path: r.path, Err: fmt.Errorf("empty registry file")}
	}

	var doc registryDocument
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, &domain.CorruptError{Path: r.path, Err: err}
	}
	if doc.Version != registryVersion {
		return nil, &domain.CorruptError{Path: r.path, Err: fmt.Errorf("unsupported registry version %d", doc.Version)}
	}
	if doc.Servers == nil {
		doc.Servers = map[string]domain.ServerRecord{}
	}
	for key, rec := range doc.Servers {
		if key != rec.Name {
			return nil, &domain.CorruptError{Path: r.path, Err: fmt.Errorf("entry %q carries name %q", key, rec.Name)}
		}
	}
	return &doc, nil
}

// atomicWrite writes the registry to a temp file and renames it into place.
func (r *FileRegistry) atomicWrite(doc *registryDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(r.path, append(data, '\n'), 0600)
}

// Ensure FileRegistry implements domain.Registry.
var _ domain.Registry = (*FileRegistry)(nil)
