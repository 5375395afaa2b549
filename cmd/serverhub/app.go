package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lj "gopkg.in/natefinch/lumberjack.v2"

	"github.com/eliteGoblin/serverhub/internal/config"
	"github.com/eliteGoblin/serverhub/internal/domain"
	"github.com/eliteGoblin/serverhub/internal/infra"
	"github.com/eliteGoblin/serverhub/internal/platform"
	"github.com/eliteGoblin/serverhub/internal/usecase"
)

// app holds the wired components for one invocation.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	backups    *infra.BackupManager
	registry   *infra.FileRegistry
	platforms  *platform.Set
	secrets    *infra.SecretStore
	journal    *infra.Journal
	supervisor *infra.Supervisor
	syncer     *usecase.Syncer
	remover    *usecase.Remover
}

var current *app

// openApp loads configuration and wires every store. It is called once per
// command; commands that need no state (version) never call it.
func openApp(cmd *cobra.Command) (*app, error) {
	if current != nil {
		return current, nil
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(config.LoadOptions{
		ConfigFile:  configFile,
		DataDir:     dataDir,
		PlatformIDs: platform.HostIDs(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, domain.WrapPermission(err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, err := createLogger(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	a.backups = infra.NewBackupManager(cfg.BackupDir(), cfg.Backup.Retention, logger)
	a.registry = infra.NewFileRegistry(cfg.RegistryPath(), a.backups, logger)

	overrides := make(map[domain.PlatformID]string)
	disabled := make(map[domain.PlatformID]bool)
	for _, id := range platform.HostIDs() {
		if p := cfg.PlatformOverride(id); p != "" {
			overrides[domain.PlatformID(id)] = p
		}
		if cfg.PlatformDisabled(id) {
			disabled[domain.PlatformID(id)] = true
		}
	}
	a.platforms = platform.NewDefaultSet(platform.Options{
		Env:       platform.DetectEnv(),
		Overrides: overrides,
		Disabled:  disabled,
	}, a.backups, logger)

	if a.secrets, err = infra.OpenSecretStore(cfg.DataDir, infra.NewFileKeyProvider(cfg.DataDir), logger); err != nil {
		logger.Sync()
		return nil, fmt.Errorf("open secret store: %w", err)
	}
	if a.journal, err = infra.OpenJournal(ctx, cfg.JournalPath()); err != nil {
		a.secrets.Close()
		logger.Sync()
		return nil, fmt.Errorf("open journal: %w", err)
	}

	a.supervisor = infra.NewSupervisor(infra.SupervisorConfig{
		RunDir:        cfg.RunDir(),
		LogDir:        cfg.LogDir(),
		StartGrace:    cfg.Process.StartGrace,
		StartTimeout:  cfg.Process.StartTimeout,
		Detached:      true,
		LogMaxSizeMB:  cfg.Log.MaxSizeMB,
		LogMaxBackups: cfg.Log.MaxBackups,
	}, a.secrets, logger)

	deps := usecase.Deps{
		Registry:   a.registry,
		Platforms:  a.platforms,
		Supervisor: a.supervisor,
		Cleaner: infra.NewCleanupManager(infra.CleanupLayout{
			ServersDir: cfg.ServersDir(),
			LogDir:     cfg.LogDir(),
			ConfigDir:  cfg.GeneratedConfigDir(),
			RunDir:     cfg.RunDir(),
		}, logger),
		Secrets: a.secrets,
		Journal: a.journal,
		Logger:  logger,
	}
	a.syncer = usecase.NewSyncer(deps, infra.ProbeRemote)
	a.remover = usecase.NewRemover(deps, cfg.Process.StopTimeout)

	logger.Debug("serverhub started",
		zap.String("command", cmd.CommandPath()),
		zap.String("data_dir", cfg.DataDir),
		zap.String("config", cfg.ConfigFile))
	current = a
	return a, nil
}

func closeApp() {
	if current == nil {
		return
	}
	if current.journal != nil {
		current.journal.Close()
	}
	if current.secrets != nil {
		current.secrets.Close()
	}
	_ = current.logger.Sync()
	current = nil
}

// createLogger writes JSON logs to a rotated file in the data dir. At debug
// level warnings and errors are mirrored to stderr.
func createLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log level %q", errUsage, cfg.Log.Level)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	sink := zapcore.AddSync(&lj.Logger{
		Filename:   cfg.ToolLogPath(),
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), sink, level)
	if level == zapcore.DebugLevel {
		stderr := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), zapcore.WarnLevel)
		core = zapcore.NewTee(core, stderr)
	}
	return zap.New(core, zap.AddCaller()), nil
}
