package domain

import (
	"context"
	"time"
)

// Registry is the single authoritative store of server records.
type Registry interface {
	// Get returns a record or ErrNotFound.
	Get(name string) (ServerRecord, error)

	// List returns the records matching filter, sorted by name.
	List(filter RecordFilter) ([]ServerRecord, error)

	// Put creates or replaces a record. Returns the backup taken before the write.
	Put(record ServerRecord) (BackupRecord, error)

	// Delete removes a record. Returns the backup taken before the write.
	Delete(name string) (BackupRecord, error)

	// Path returns the registry file path.
	Path() string
}

// BackupStore snapshots files before they are mutated.
type BackupStore interface {
	// Backup copies path (if it exists) under tag.
	Backup(path, tag string) (BackupRecord, error)

	// Restore copies a backup back over its source, snapshotting the current file first.
	Restore(record BackupRecord) (BackupRecord, error)

	// Lookup loads the record of a backup from its file path.
	Lookup(backupPath string) (BackupRecord, error)

	// List returns backups for tag (all tags when empty), oldest first.
	List(tag string) ([]BackupRecord, error)

	// Prune deletes the oldest backups for tag beyond keep. Returns how many were removed.
	Prune(tag string, keep int) (int, error)
}

// Cleaner plans and performs filesystem reclamation for a record.
type Cleaner interface {
	// Plan lists artifacts and their sizes without deleting anything.
	Plan(record ServerRecord) ([]FileInfo, error)

	// Apply deletes the planned artifacts, tolerating individual failures.
	Apply(plan []FileInfo, dryRun bool) CleanupResult
}

// PlatformAdapter translates records into and out of one host's config document.
type PlatformAdapter interface {
	// ID returns the platform identifier.
	ID() PlatformID

	// DisplayName returns a human-readable host name.
	DisplayName() string

	// IsPresent checks if the host application is installed or configured.
	IsPresent() bool

	// ConfigPath returns the host config document path.
	ConfigPath() string

	// ReadEntries returns the managed server map. A missing file is empty.
	ReadEntries() (map[string]PlatformConfigEntry, error)

	// WriteEntries replaces the managed server map with entries, backing up first.
	WriteEntries(entries map[string]PlatformConfigEntry) (BackupRecord, error)

	// Render derives the host-native entry for a record.
	Render(record ServerRecord) (PlatformConfigEntry, error)
}

// Previewer is implemented by adapters that can show a document without writing it.
type Previewer interface {
	Preview(entries map[string]PlatformConfigEntry) (before, after []byte, err error)
}

// ProcessSupervisor runs local servers.
type ProcessSupervisor interface {
	// Start spawns the server and returns immediately with STARTING.
	Start(ctx context.Context, record ServerRecord) (ProcessHandle, error)

	// Stop terminates gracefully, then forcefully after timeout.
	Stop(ctx context.Context, name string, timeout time.Duration) (ProcessHandle, error)

	// Status returns last-known state after a liveness re-check.
	Status(name string) ProcessHandle

	// WaitReady blocks until the server is RUNNING, fails, or timeout passes.
	WaitReady(ctx context.Context, name string, timeout time.Duration) (ProcessHandle, error)
}

// SecretStore keeps per-server secret environment values outside the registry.
type SecretStore interface {
	Set(server, key, value string) error
	Get(server string) (map[string]string, error)
	Delete(server string) error
	Servers() ([]string, error)
}

// KeyProvider abstracts encryption key storage.
type KeyProvider interface {
	// GetKey returns the encryption key.
	GetKey() ([]byte, error)

	// StoreKey persists the encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been stored.
	KeyExists() bool
}

// Journal is the append-only operation history.
type Journal interface {
	Record(ctx context.Context, entry JournalEntry) error
	Recent(ctx context.Context, limit int) ([]JournalEntry, error)
}
