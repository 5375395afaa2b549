// Package daemon implements the serverhub run loop.
package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/eliteGoblin/serverhub/internal/domain"
	"github.com/eliteGoblin/serverhub/internal/metrics"
	"github.com/eliteGoblin/serverhub/internal/usecase"
)

// RunnerConfig holds run loop configuration.
type RunnerConfig struct {
	RegistryPath     string        // file whose changes trigger a resync
	Debounce         time.Duration // quiet period before a resync
	LivenessInterval time.Duration // 0 disables liveness checks
	MetricsAddr      string        // empty disables /metrics
	StopOnExit       bool          // stop supervised servers on shutdown
	StopTimeout      time.Duration
}

// DefaultRunnerConfig returns default run loop configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Debounce:         500 * time.Millisecond,
		LivenessInterval: 15 * time.Second,
		StopTimeout:      10 * time.Second,
	}
}

// Syncer reconciles platforms with the registry.
type Syncer interface {
	Sync(ctx context.Context, id domain.PlatformID, opts usecase.SyncOptions) ([]domain.PlatformSyncResult, error)
}

// Supervisor is the part of the process supervisor the run loop drives.
type Supervisor interface {
	Status(name string) domain.ProcessHandle
	Recover() ([]domain.ProcessHandle, error)
	StopAll(ctx context.Context, timeout time.Duration) error
}

// Runner keeps platforms in sync with the registry and watches supervised
// servers until its context is canceled.
type Runner struct {
	config     RunnerConfig
	syncer     Syncer
	registry   domain.Registry
	supervisor Supervisor
	logger     *zap.Logger

	mu        sync.Mutex
	lastState map[string]domain.ProcessStatus
	syncs     int
	addr      net.Addr
}

// NewRunner creates a run loop. supervisor may be nil (watch-only mode).
func NewRunner(
	config RunnerConfig,
	syncer Syncer,
	registry domain.Registry,
	supervisor Supervisor,
	logger *zap.Logger,
) *Runner {
	if config.Debounce <= 0 {
		config.Debounce = DefaultRunnerConfig().Debounce
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = DefaultRunnerConfig().StopTimeout
	}
	if config.RegistryPath == "" {
		config.RegistryPath = registry.Path()
	}
	return &Runner{
		config:     config,
		syncer:     syncer,
		registry:   registry,
		supervisor: supervisor,
		logger:     logger,
		lastState:  make(map[string]domain.ProcessStatus),
	}
}

// Run starts the loop. It blocks until ctx is canceled and then returns nil.
func (r *Runner) Run(ctx context.Context) error {
	if r.supervisor != nil {
		handles, err := r.supervisor.Recover()
		if err != nil {
			r.logger.Warn("failed to recover process handles", zap.Error(err))
		}
		for _, h := range handles {
			r.logger.Info("adopted running server", zap.String("server", h.Name), zap.Int("pid", h.PID))
		}
	}

	watchDir := filepath.Dir(r.config.RegistryPath)
	if err := os.MkdirAll(watchDir, 0700); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(watchDir); err != nil {
		return err
	}

	if r.config.MetricsAddr != "" {
		srv, err := r.serveMetrics()
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	r.logger.Info("run loop started",
		zap.String("registry", r.config.RegistryPath),
		zap.Duration("debounce", r.config.Debounce),
		zap.Duration("liveness_interval", r.config.LivenessInterval))

	r.resync(ctx, "startup")
	r.checkLiveness()

	var livenessC <-chan time.Time
	if r.supervisor != nil && r.config.LivenessInterval > 0 {
		ticker := time.NewTicker(r.config.LivenessInterval)
		defer ticker.Stop()
		livenessC = ticker.C
	}

	fire := make(chan struct{}, 1)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("run loop stopping")
			if r.config.StopOnExit && r.supervisor != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), r.config.StopTimeout+5*time.Second)
				if err := r.supervisor.StopAll(stopCtx, r.config.StopTimeout); err != nil {
					r.logger.Warn("failed to stop servers on exit", zap.Error(err))
				}
				cancel()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !r.isRegistryEvent(event) {
				continue
			}
			r.logger.Debug("registry changed", zap.String("op", event.Op.String()))
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(r.config.Debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			r.resync(ctx, "registry changed")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("registry watcher error", zap.Error(err))

		case <-livenessC:
			r.checkLiveness()
		}
	}
}

func (r *Runner) isRegistryEvent(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(r.config.RegistryPath) {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0
}

// resync runs one sync over every platform.
func (r *Runner) resync(ctx context.Context, reason string) {
	r.mu.Lock()
	r.syncs++
	r.mu.Unlock()

	results, err := r.syncer.Sync(ctx, "", usecase.SyncOptions{})
	if err != nil {
		r.logger.Error("sync failed", zap.String("reason", reason), zap.Error(err))
	}

	var written int
	for _, res := range results {
		if res.Backup != nil {
			written++
		}
	}
	if written > 0 {
		r.logger.Info("sync completed", zap.String("reason", reason), zap.Int("platforms_written", written))
	} else {
		r.logger.Debug("sync completed", zap.String("reason", reason))
	}
}

// checkLiveness re-reads the status of every LOCAL record, logging changes and
// feeding the state gauge.
func (r *Runner) checkLiveness() {
	if r.supervisor == nil {
		return
	}
	records, err := r.registry.List(domain.RecordFilter{Kind: domain.KindLocal})
	if err != nil {
		r.logger.Warn("failed to list servers", zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		h := r.supervisor.Status(rec.Name)
		metrics.SetState(rec.Name, string(h.Status))
		prev, seen := r.lastState[rec.Name]
		r.lastState[rec.Name] = h.Status
		if seen && prev != h.Status {
			fields := []zap.Field{
				zap.String("server", rec.Name),
				zap.String("from", string(prev)),
				zap.String("to", string(h.Status)),
			}
			if h.Status == domain.StatusError {
				r.logger.Warn("server state changed", append(fields, zap.String("error", h.LastError))...)
			} else {
				r.logger.Info("server state changed", fields...)
			}
		}
	}
}

func (r *Runner) serveMetrics() (*http.Server, error) {
	ln, err := net.Listen("tcp", r.config.MetricsAddr)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.addr = ln.Addr()
	r.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	r.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return srv, nil
}

// MetricsAddr returns the bound metrics address, or nil before Run binds it.
func (r *Runner) MetricsAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Syncs returns how many syncs have run.
func (r *Runner) Syncs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncs
}

// States returns the last observed state of each LOCAL server.
func (r *Runner) States() map[string]domain.ProcessStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]domain.ProcessStatus, len(r.lastState))
	for k, v := range r.lastState {
		out[k] = v
	}
	return out
}
