package platform

import (
	"encoding/json"
	"path/filepath"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

// Hosts returns every supported host.
func Hosts() []Host {
	return []Host{ClaudeDesktop{}, Cursor{}, Goose{}, VSCode{}, Windsurf{}}
}

// HostIDs returns the ids of every supported host.
func HostIDs() []string {
	hosts := Hosts()
	ids := make([]string, len(hosts))
	for i, h := range hosts {
		ids[i] = string(h.ID())
	}
	return ids
}

// ClaudeDesktop has no native remote transport; remote endpoints are bridged
// through mcp-remote.
type ClaudeDesktop struct{}

func (ClaudeDesktop) ID() domain.PlatformID { return "claude-desktop" }
func (ClaudeDesktop) DisplayName() string   { return "Claude Desktop" }
func (ClaudeDesktop) Format() Format        { return FormatJSON }
func (ClaudeDesktop) ManagedKey() string    { return "mcpServers" }

func (ClaudeDesktop) DefaultPath(env Env) string {
	return filepath.Join(env.userConfigDir(), "Claude", "claude_desktop_config.json")
}

func (ClaudeDesktop) Render(record domain.ServerRecord) (any, error) {
	if record.Kind == domain.KindRemote {
		return stdioEntry{Command: "npx", Args: []string{"-y", "mcp-remote", record.Endpoint}}, nil
	}
	return stdioLaunch(record)
}

type Cursor struct{}

func (Cursor) ID() domain.PlatformID { return "cursor" }
func (Cursor) DisplayName() string   { return "Cursor" }
func (Cursor) Format() Format        { return FormatJSON }
func (Cursor) ManagedKey() string    { return "mcpServers" }

func (Cursor) DefaultPath(env Env) string {
	return filepath.Join(env.Home, ".cursor", "mcp.json")
}

func (Cursor) Render(record domain.ServerRecord) (any, error) {
	if record.Kind == domain.KindRemote {
		return struct {
			URL string `json:"url"`
		}{record.Endpoint}, nil
	}
	return stdioLaunch(record)
}

type Windsurf struct{}

func (Windsurf) ID() domain.PlatformID { return "windsurf" }
func (Windsurf) DisplayName() string   { return "Windsurf" }
func (Windsurf) Format() Format        { return FormatJSON }
func (Windsurf) ManagedKey() string    { return "mcpServers" }

func (Windsurf) DefaultPath(env Env) string {
	return filepath.Join(env.Home, ".codeium", "windsurf", "mcp_config.json")
}

func (Windsurf) Render(record domain.ServerRecord) (any, error) {
	if record.Kind == domain.KindRemote {
		return struct {
			ServerURL string `json:"serverUrl"`
		}{record.Endpoint}, nil
	}
	return stdioLaunch(record)
}

// VSCode keys servers under "servers" and wants an explicit transport type.
type VSCode struct{}

func (VSCode) ID() domain.PlatformID { return "vscode" }
func (VSCode) DisplayName() string   { return "VS Code" }
func (VSCode) Format() Format        { return FormatJSON }
func (VSCode) ManagedKey() string    { return "servers" }

func (VSCode) DefaultPath(env Env) string {
	return filepath.Join(env.userConfigDir(), "Code", "User", "mcp.json")
}

func (VSCode) Render(record domain.ServerRecord) (any, error) {
	if record.Kind == domain.KindRemote {
		return struct {
			Type string `json:"type"`
			URL  string `json:"url"`
		}{"http", record.Endpoint}, nil
	}
	entry, err := stdioLaunch(record)
	entry.Type = "stdio"
	return entry, err
}

const gooseTimeoutSeconds = 300

// Goose keeps extensions in YAML next to built-in extensions it owns.
type Goose struct{}

type gooseExtension struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"`
	Cmd     string            `json:"cmd,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Envs    map[string]string `json:"envs,omitempty"`
	URI     string            `json:"uri,omitempty"`
	Enabled bool              `json:"enabled"`
	Timeout int               `json:"timeout"`
}

func (Goose) ID() domain.PlatformID { return "goose" }
func (Goose) DisplayName() string   { return "Goose" }
func (Goose) Format() Format        { return FormatYAML }
func (Goose) ManagedKey() string    { return "extensions" }

func (Goose) DefaultPath(env Env) string {
	if env.GOOS == "windows" {
		return filepath.Join(env.userConfigDir(), "Block", "goose", "config", "config.yaml")
	}
	return filepath.Join(env.Home, ".config", "goose", "config.yaml")
}

func (Goose) Render(record domain.ServerRecord) (any, error) {
	ext := gooseExtension{Name: record.Name, Enabled: true, Timeout: gooseTimeoutSeconds}
	if record.Kind == domain.KindRemote {
		ext.Type = "streamable_http"
		ext.URI = record.Endpoint
		return ext, nil
	}
	launch, err := stdioLaunch(record)
	if err != nil {
		return nil, err
	}
	ext.Type = "stdio"
	ext.Cmd = launch.Command
	ext.Args = launch.Args
	ext.Envs = launch.Env
	return ext, nil
}

// Foreign reports extensions goose manages itself, such as builtins.
func (Goose) Foreign(raw json.RawMessage) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return true
	}
	switch probe.Type {
	case "stdio", "sse", "streamable_http":
		return false
	default:
		return true
	}
}
