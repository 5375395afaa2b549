// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"
)

// ServerKind says where a managed server runs.
type ServerKind string

const (
	KindLocal  ServerKind = "LOCAL"
	KindRemote ServerKind = "REMOTE"
)

// ExecutionMode says how a server is launched.
type ExecutionMode string

const (
	ModeProcess        ExecutionMode = "PROCESS"
	ModeContainer      ExecutionMode = "CONTAINER"
	ModeRemoteEndpoint ExecutionMode = "REMOTE_ENDPOINT"
)

// PlatformID identifies a host application (e.g. "cursor").
type PlatformID string

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ServerRecord is one managed server. Name is the primary key and never changes;
// a rename is a delete followed by a put.
type ServerRecord struct {
	Name               string              `json:"name"`
	Kind               ServerKind          `json:"kind"`
	ExecutionMode      ExecutionMode       `json:"execution_mode"`
	InstallPath        string              `json:"install_path,omitempty"`
	Endpoint           string              `json:"endpoint,omitempty"`
	Command            string              `json:"command,omitempty"`
	Args               []string            `json:"args,omitempty"`
	Image              string              `json:"image,omitempty"`
	Env                map[string]string   `json:"env,omitempty"`
	HealthCheck        string              `json:"health_check,omitempty"` // tcp://host:port or http(s):// URL
	PlatformEnablement map[PlatformID]bool `json:"platform_enablement,omitempty"`
	Metadata           map[string]string   `json:"metadata,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// EnabledFor reports whether the record should be synced into platform p.
func (r ServerRecord) EnabledFor(p PlatformID) bool {
	return r.PlatformEnablement[p]
}

// DisabledFor reports whether enablement for p is explicitly false.
func (r ServerRecord) DisabledFor(p PlatformID) bool {
	enabled, ok := r.PlatformEnablement[p]
	return ok && !enabled
}

// EnabledPlatforms returns the platforms the record is enabled in, sorted.
func (r ServerRecord) EnabledPlatforms() []PlatformID {
	ids := make([]PlatformID, 0, len(r.PlatformEnablement))
	for id, on := range r.PlatformEnablement {
		if on {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Validate checks the structural invariants of a record.
func (r ServerRecord) Validate() error {
	if !validName.MatchString(r.Name) {
		return fmt.Errorf("%w: server name %q", ErrInvalid, r.Name)
	}
	switch r.Kind {
	case KindRemote:
		if r.ExecutionMode != ModeRemoteEndpoint {
			return fmt.Errorf("%w: remote server %q must use %s, got %q", ErrInvalid, r.Name, ModeRemoteEndpoint, r.ExecutionMode)
		}
		if r.Endpoint == "" {
			return fmt.Errorf("%w: remote server %q needs an endpoint", ErrInvalid, r.Name)
		}
		if r.InstallPath != "" {
			return fmt.Errorf("%w: remote server %q cannot have an install path", ErrInvalid, r.Name)
		}
	case KindLocal:
		if r.ExecutionMode != ModeProcess && r.ExecutionMode != ModeContainer {
			return fmt.Errorf("%w: local server %q must use %s or %s, got %q", ErrInvalid, r.Name, ModeProcess, ModeContainer, r.ExecutionMode)
		}
		if r.Endpoint != "" {
			return fmt.Errorf("%w: local server %q cannot have an endpoint", ErrInvalid, r.Name)
		}
		if r.ExecutionMode == ModeProcess && r.Command == "" {
			return fmt.Errorf("%w: process server %q needs a command", ErrInvalid, r.Name)
		}
		if r.ExecutionMode == ModeContainer && r.Image == "" {
			return fmt.Errorf("%w: container server %q needs an image", ErrInvalid, r.Name)
		}
	default:
		return fmt.Errorf("%w: server %q has unknown kind %q", ErrInvalid, r.Name, r.Kind)
	}
	return nil
}

// EnvKeys returns the record's env keys, sorted.
func (r ServerRecord) EnvKeys() []string {
	keys := make([]string, 0, len(r.Env))
	for k := range r.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ContainerRunArgs returns docker run arguments for a CONTAINER record. Env values
// travel through the environment, so only keys appear on the command line.
func (r ServerRecord) ContainerRunArgs(containerName string) []string {
	args := []string{"run", "-i", "--rm"}
	if containerName != "" {
		args = append(args, "--name", containerName)
	}
	for _, k := range r.EnvKeys() {
		args = append(args, "-e", k)
	}
	args = append(args, r.Image)
	return append(args, r.Args...)
}

// Clone returns a deep copy so callers can adjust maps without touching the original.
func (r ServerRecord) Clone() ServerRecord {
	c := r
	c.Args = append([]string(nil), r.Args...)
	c.Env = cloneStrings(r.Env)
	c.Metadata = cloneStrings(r.Metadata)
	if r.PlatformEnablement != nil {
		c.PlatformEnablement = make(map[PlatformID]bool, len(r.PlatformEnablement))
		for k, v := range r.PlatformEnablement {
			c.PlatformEnablement[k] = v
		}
	}
	return c
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RecordFilter narrows a registry listing. Zero values match everything.
type RecordFilter struct {
	Kind        ServerKind
	Platform    PlatformID
	EnabledOnly bool // with Platform: only records enabled for it
}

// Match reports whether r passes the filter.
func (f RecordFilter) Match(r ServerRecord) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Platform != "" {
		if _, ok := r.PlatformEnablement[f.Platform]; !ok {
			return false
		}
		if f.EnabledOnly && !r.EnabledFor(f.Platform) {
			return false
		}
	}
	return true
}

// PlatformConfigEntry is the host-native launch descriptor for one server, kept as
// compact JSON regardless of the host's file format.
type PlatformConfigEntry struct {
	Name string
	Raw  json.RawMessage
}

// BackupRecord describes one immutable snapshot of a file.
type BackupRecord struct {
	SourcePath string    `json:"source_path"`
	Timestamp  time.Time `json:"timestamp"`
	SizeBytes  int64     `json:"size_bytes"`
	Tag        string    `json:"tag"`
	Path       string    `json:"path"`
	SHA256     string    `json:"sha256,omitempty"`
	Existed    bool      `json:"existed"` // false: the source was absent when backed up
}

// ArtifactKind classifies a filesystem artifact owned by a server.
type ArtifactKind string

const (
	ArtifactRuntime ArtifactKind = "runtime"
	ArtifactLog     ArtifactKind = "log"
	ArtifactConfig  ArtifactKind = "config"
	ArtifactPidfile ArtifactKind = "pidfile"
)

// FileInfo is one artifact in a cleanup plan.
type FileInfo struct {
	Path      string
	SizeBytes int64
	IsDir     bool
	Kind      ArtifactKind
}

// SkippedFile is an artifact cleanup could not delete, with the reason.
type SkippedFile struct {
	Path   string
	Reason string
}

// CleanupResult captures what a cleanup run did.
type CleanupResult struct {
	Deleted    []FileInfo
	Skipped    []SkippedFile
	Errors     []error
	FreedBytes int64
	DryRun     bool
}

// ProcessStatus is the supervisor state of a server process.
type ProcessStatus string

const (
	StatusStopped  ProcessStatus = "STOPPED"
	StatusStarting ProcessStatus = "STARTING"
	StatusRunning  ProcessStatus = "RUNNING"
	StatusStopping ProcessStatus = "STOPPING"
	StatusError    ProcessStatus = "ERROR"
)

// Live reports whether the status counts as an occupied slot for start.
func (s ProcessStatus) Live() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusStopping
}

// ProcessHandle is runtime-only supervisor state. It is never persisted in the registry.
type ProcessHandle struct {
	Name      string
	PID       int
	StartedAt time.Time
	Status    ProcessStatus
	Mode      ExecutionMode
	LastError string
	StdoutLog string
	StderrLog string
}

// PlatformRef is one platform's view of a server name.
type PlatformRef struct {
	Platform   PlatformID
	Present    bool // host application installed
	Enabled    bool // registry enablement
	Referenced bool // config document holds the key
	Err        error
}

// RemovalImpact is a read-only projection of everything a removal would affect.
type RemovalImpact struct {
	Name             string
	InRegistry       bool
	Record           *ServerRecord
	Platforms        []PlatformRef
	Artifacts        []FileInfo
	ReclaimableBytes int64
	Process          ProcessHandle
	Running          bool
}

// ReferencingPlatforms returns the platforms whose documents hold the name.
func (i RemovalImpact) ReferencingPlatforms() []PlatformID {
	var ids []PlatformID
	for _, p := range i.Platforms {
		if p.Referenced {
			ids = append(ids, p.Platform)
		}
	}
	return ids
}

// StepStatus is the outcome of one orchestration step.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
	StepPlanned StepStatus = "planned" // dry-run
)

// StepResult records one sub-step of an orchestrated operation.
type StepResult struct {
	Step   string
	Target string
	Status StepStatus
	Reason string
	Err    error
}

// RemovalResult is the full account of a removal operation.
type RemovalResult struct {
	Name      string
	Operation string
	DryRun    bool
	Impact    *RemovalImpact
	Steps     []StepResult
	Backups   []BackupRecord
	Cleanup   *CleanupResult
	Warnings  []string
	StartedAt time.Time
	Duration  time.Duration
}

// Failed returns the steps that failed.
func (r *RemovalResult) Failed() []StepResult {
	var failed []StepResult
	for _, s := range r.Steps {
		if s.Status == StepFailed {
			failed = append(failed, s)
		}
	}
	return failed
}

// PlatformSyncResult is the per-platform outcome of a sync.
type PlatformSyncResult struct {
	Platform   PlatformID
	ConfigPath string
	Added      []string
	Updated    []string
	Removed    []string
	Unchanged  []string
	Orphans    []string
	Skipped    bool
	SkipReason string
	Err        error
	Backup     *BackupRecord
	Preview    string // line diff of the document, dry-run only
	DryRun     bool
}

// Changed reports whether the sync has anything to write.
func (r PlatformSyncResult) Changed() bool {
	return len(r.Added)+len(r.Updated)+len(r.Removed) > 0
}

// JournalOutcome is the recorded result of an operation.
type JournalOutcome string

const (
	OutcomeOK      JournalOutcome = "ok"
	OutcomePartial JournalOutcome = "partial"
	OutcomeFailed  JournalOutcome = "failed"
)

// JournalEntry is one line of the operation history.
type JournalEntry struct {
	ID       string
	At       time.Time
	Op       string
	Target   string
	Platform PlatformID
	Outcome  JournalOutcome
	Detail   string
	Backups  []string
}
