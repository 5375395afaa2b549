// Package platform implements domain.PlatformAdapter for each supported host
// application. A Host knows where its config lives and how it spells an entry;
// Adapter does the file work shared by all hosts.
package platform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

// Format is the on-disk encoding of a host config document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

const containerRuntime = "docker"

// Host is the per-application strategy behind an Adapter.
type Host interface {
	ID() domain.PlatformID
	DisplayName() string
	Format() Format

	// ManagedKey is the top-level key holding the server map.
	ManagedKey() string

	// DefaultPath returns the config document path for env.
	DefaultPath(env Env) string

	// Render returns the host-native descriptor for record, ready for json.Marshal.
	Render(record domain.ServerRecord) (any, error)
}

// foreignFilter is implemented by hosts whose managed map also holds entries
// that are not launch descriptors (built-ins). Those are never read or removed.
type foreignFilter interface {
	Foreign(raw json.RawMessage) bool
}

// stdioEntry is the launch descriptor shared by the JSON hosts.
type stdioEntry struct {
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// stdioLaunch resolves how a LOCAL record is launched by a host.
func stdioLaunch(record domain.ServerRecord) (stdioEntry, error) {
	switch record.ExecutionMode {
	case domain.ModeProcess:
		command := record.Command
		if !filepath.IsAbs(command) && strings.ContainsRune(command, filepath.Separator) && record.InstallPath != "" {
			command = filepath.Join(record.InstallPath, command)
		}
		return stdioEntry{Command: command, Args: record.Args, Env: record.Env}, nil
	case domain.ModeContainer:
		return stdioEntry{Command: containerRuntime, Args: record.ContainerRunArgs(""), Env: record.Env}, nil
	default:
		return stdioEntry{}, fmt.Errorf("%w: %s has no local launch in mode %q", domain.ErrInvalid, record.Name, record.ExecutionMode)
	}
}

// marshalCompact encodes v as compact JSON without HTML escaping.
func marshalCompact(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// compactJSON normalises raw for storage in a PlatformConfigEntry.
func compactJSON(raw []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}
