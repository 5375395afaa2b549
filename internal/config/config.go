// Package config loads serverhub configuration from an optional YAML file and
// SERVERHUB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix        = "SERVERHUB"
	DefaultRetention = 10
	configFileName   = "config.yaml"
)

// BackupConfig controls backup retention.
type BackupConfig struct {
	Retention int `mapstructure:"retention"`
}

// ProcessConfig holds supervisor timings.
type ProcessConfig struct {
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
	StartGrace   time.Duration `mapstructure:"start_grace"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// WatchConfig holds the run loop timings.
type WatchConfig struct {
	Debounce         time.Duration `mapstructure:"debounce"`
	LivenessInterval time.Duration `mapstructure:"liveness_interval"`
}

// PlatformConfig overrides one platform adapter.
type PlatformConfig struct {
	Path     string `mapstructure:"path"`
	Disabled bool   `mapstructure:"disabled"`
}

// Config is the resolved serverhub configuration.
type Config struct {
	DataDir    string                    `mapstructure:"data_dir"`
	Backup     BackupConfig              `mapstructure:"backup"`
	Process    ProcessConfig             `mapstructure:"process"`
	Log        LogConfig                 `mapstructure:"log"`
	Watch      WatchConfig               `mapstructure:"watch"`
	Platforms  map[string]PlatformConfig `mapstructure:"-"`
	ConfigFile string                    `mapstructure:"-"`
}

// LoadOptions selects where configuration comes from.
type LoadOptions struct {
	ConfigFile  string   // explicit file; must exist when set
	DataDir     string   // flag override, wins over env and file
	PlatformIDs []string // platforms whose path/disabled keys get env bindings
}

// PlatformEnvVar returns the env var that overrides a platform config path,
// e.g. SERVERHUB_PLATFORM_CLAUDE_DESKTOP_PATH.
func PlatformEnvVar(id string) string {
	return EnvPrefix + "_PLATFORM_" + envToken(id) + "_PATH"
}

func envToken(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
}

// Load resolves configuration. Precedence: flags, env, file, defaults.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	for _, id := range opts.PlatformIDs {
		if err := v.BindEnv(platformKey(id, "path"), PlatformEnvVar(id)); err != nil {
			return nil, err
		}
		if err := v.BindEnv(platformKey(id, "disabled"), EnvPrefix+"_PLATFORM_"+envToken(id)+"_DISABLED"); err != nil {
			return nil, err
		}
	}

	if opts.DataDir != "" {
		v.Set("data_dir", opts.DataDir)
	}
	dataDir, err := ExpandHome(v.GetString("data_dir"))
	if err != nil {
		return nil, err
	}

	configFile := opts.ConfigFile
	if configFile == "" {
		candidate := filepath.Join(dataDir, configFileName)
		if _, err := os.Stat(candidate); err == nil {
			configFile = candidate
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.DataDir, err = ExpandHome(cfg.DataDir); err != nil {
		return nil, err
	}
	cfg.ConfigFile = configFile

	cfg.Platforms = make(map[string]PlatformConfig, len(opts.PlatformIDs))
	for _, id := range opts.PlatformIDs {
		path, err := ExpandHome(v.GetString(platformKey(id, "path")))
		if err != nil {
			return nil, err
		}
		cfg.Platforms[id] = PlatformConfig{
			Path:     path,
			Disabled: v.GetBool(platformKey(id, "disabled")),
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "~/.serverhub")
	v.SetDefault("backup.retention", DefaultRetention)
	v.SetDefault("process.stop_timeout", 10*time.Second)
	v.SetDefault("process.start_grace", time.Second)
	v.SetDefault("process.start_timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("watch.debounce", 500*time.Millisecond)
	v.SetDefault("watch.liveness_interval", 15*time.Second)
}

func platformKey(id, field string) string {
	return "platforms." + id + "." + field
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if c.Backup.Retention < 0 {
		return fmt.Errorf("backup.retention must be >= 0, got %d", c.Backup.Retention)
	}
	if c.Process.StopTimeout <= 0 {
		return fmt.Errorf("process.stop_timeout must be positive, got %s", c.Process.StopTimeout)
	}
	return nil
}

// RegistryPath is the registry document.
func (c *Config) RegistryPath() string { return filepath.Join(c.DataDir, "registry.json") }

// BackupDir holds every backup, one subdirectory per tag.
func (c *Config) BackupDir() string { return filepath.Join(c.DataDir, "backups") }

// LogDir holds captured server output.
func (c *Config) LogDir() string { return filepath.Join(c.DataDir, "logs") }

// RunDir holds pidfiles.
func (c *Config) RunDir() string { return filepath.Join(c.DataDir, "run") }

// ServersDir holds runtime environments of installed servers.
func (c *Config) ServersDir() string { return filepath.Join(c.DataDir, "servers") }

// GeneratedConfigDir holds generated per-server config.
func (c *Config) GeneratedConfigDir() string { return filepath.Join(c.DataDir, "config") }

// JournalPath is the operation history database.
func (c *Config) JournalPath() string { return filepath.Join(c.DataDir, "journal.db") }

// ToolLogPath is serverhub's own log file.
func (c *Config) ToolLogPath() string { return filepath.Join(c.DataDir, "serverhub.log") }

// PlatformOverride returns the configured path override for id, if any.
func (c *Config) PlatformOverride(id string) string { return c.Platforms[id].Path }

// PlatformDisabled reports whether id was switched off in config.
func (c *Config) PlatformDisabled(id string) bool { return c.Platforms[id].Disabled }

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}
