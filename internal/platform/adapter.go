package platform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/eliteGoblin/serverhub/internal/domain"
	"github.com/eliteGoblin/serverhub/internal/infra"
)

// Adapter implements domain.PlatformAdapter for one Host.
type Adapter struct {
	host       Host
	codec      codec
	path       string
	overridden bool
	backups    domain.BackupStore
	logger     *zap.Logger
}

// NewAdapter creates an adapter. A non-empty override replaces the default path
// and marks the host present.
func NewAdapter(host Host, env Env, override string, backups domain.BackupStore, logger *zap.Logger) *Adapter {
	a := &Adapter{
		host:    host,
		path:    host.DefaultPath(env),
		backups: backups,
		logger:  logger.With(zap.String("platform", string(host.ID()))),
	}
	if override != "" {
		a.path = override
		a.overridden = true
	}
	switch host.Format() {
	case FormatYAML:
		a.codec = yamlCodec{key: host.ManagedKey()}
	default:
		a.codec = jsonCodec{key: host.ManagedKey()}
	}
	return a
}

func (a *Adapter) ID() domain.PlatformID { return a.host.ID() }
func (a *Adapter) DisplayName() string   { return a.host.DisplayName() }
func (a *Adapter) ConfigPath() string    { return a.path }

// IsPresent reports whether the host's config directory exists.
func (a *Adapter) IsPresent() bool {
	if a.overridden {
		return true
	}
	info, err := os.Stat(filepath.Dir(a.path))
	return err == nil && info.IsDir()
}

// ReadEntries returns the managed entries. Host-owned entries are left out.
func (a *Adapter) ReadEntries() (map[string]domain.PlatformConfigEntry, error) {
	data, err := a.readFile()
	if err != nil {
		return nil, err
	}
	all, err := a.codec.entries(bytes.TrimPrefix(data, utf8BOM))
	if err != nil {
		return nil, &domain.CorruptError{Path: a.path, Err: err}
	}
	out := make(map[string]domain.PlatformConfigEntry, len(all))
	for name, raw := range all {
		if a.foreign(raw) {
			continue
		}
		out[name] = domain.PlatformConfigEntry{Name: name, Raw: raw}
	}
	return out, nil
}

// Preview returns the document before and after writing entries.
func (a *Adapter) Preview(entries map[string]domain.PlatformConfigEntry) ([]byte, []byte, error) {
	before, err := a.readFile()
	if err != nil {
		return nil, nil, err
	}
	after, err := a.render(before, entries)
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// WriteEntries replaces the managed entries after backing up the document.
func (a *Adapter) WriteEntries(entries map[string]domain.PlatformConfigEntry) (domain.BackupRecord, error) {
	before, err := a.readFile()
	if err != nil {
		return domain.BackupRecord{}, err
	}
	after, err := a.render(before, entries)
	if err != nil {
		return domain.BackupRecord{}, err
	}

	backup, err := a.backups.Backup(a.path, "platform-"+string(a.host.ID()))
	if err != nil {
		return domain.BackupRecord{}, fmt.Errorf("backup %s: %w", a.path, err)
	}
	if err := infra.WriteFileAtomic(a.path, after, infra.FileMode(a.path, 0644)); err != nil {
		return backup, infra.ClassifyFSError(fmt.Errorf("write %s: %w", a.path, err))
	}

	a.logger.Info("platform config written",
		zap.String("path", a.path),
		zap.Int("entries", len(entries)),
		zap.String("backup", backup.Path))
	return backup, nil
}

// Render derives the host-native entry for record.
func (a *Adapter) Render(record domain.ServerRecord) (domain.PlatformConfigEntry, error) {
	v, err := a.host.Render(record)
	if err != nil {
		return domain.PlatformConfigEntry{}, err
	}
	raw, err := marshalCompact(v)
	if err != nil {
		return domain.PlatformConfigEntry{}, fmt.Errorf("render %s for %s: %w", record.Name, a.host.ID(), err)
	}
	return domain.PlatformConfigEntry{Name: record.Name, Raw: raw}, nil
}

// render produces the full document with the managed map replaced by entries.
// Host-owned entries already in the document are carried over.
func (a *Adapter) render(data []byte, entries map[string]domain.PlatformConfigEntry) ([]byte, error) {
	body := bytes.TrimPrefix(data, utf8BOM)
	hasBOM := len(body) != len(data)

	current, err := a.codec.entries(body)
	if err != nil {
		return nil, &domain.CorruptError{Path: a.path, Err: err}
	}
	next := make(map[string]json.RawMessage, len(entries))
	for name, e := range entries {
		next[name] = e.Raw
	}
	for name, raw := range current {
		if a.foreign(raw) {
			next[name] = raw
		}
	}

	out, err := a.codec.apply(body, next)
	if err != nil {
		return nil, &domain.CorruptError{Path: a.path, Err: err}
	}
	if hasBOM {
		out = append(append([]byte(nil), utf8BOM...), out...)
	}
	return out, nil
}

func (a *Adapter) readFile() ([]byte, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, infra.ClassifyFSError(fmt.Errorf("read %s: %w", a.path, err))
	}
	return data, nil
}

func (a *Adapter) foreign(raw json.RawMessage) bool {
	f, ok := a.host.(foreignFilter)
	return ok && f.Foreign(raw)
}

// Ensure Adapter implements domain.PlatformAdapter and domain.Previewer.
var (
	_ domain.PlatformAdapter = (*Adapter)(nil)
	_ domain.Previewer       = (*Adapter)(nil)
)
