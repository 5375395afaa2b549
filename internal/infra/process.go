// Package infra implements infrastructure concerns (registry, backups, cleanup,
// process supervision, secrets, journal).
package infra

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eliteGoblin/serverhub/internal/domain"
	"github.com/eliteGoblin/serverhub/internal/metrics"
)

const (
	pidfileSuffix     = ".pid"
	containerRuntime  = "docker"
	containerPrefix   = "serverhub-"
	killReapTimeout   = 2 * time.Second
	stopPollInterval  = 100 * time.Millisecond
	defaultProbeEvery = 200 * time.Millisecond
)

// SupervisorConfig holds supervisor paths and timings.
type SupervisorConfig struct {
	RunDir        string
	LogDir        string
	StartGrace    time.Duration // no probe: alive this long means RUNNING
	StartTimeout  time.Duration // probe must succeed within this
	ProbeInterval time.Duration
	// Detached children outlive this process: they get their own session and
	// plain append-only log files instead of rotating writers fed through pipes.
	Detached      bool
	LogMaxSizeMB  int
	LogMaxBackups int
}

// pidRecord is the pidfile content. CreateTime guards against PID reuse.
type pidRecord struct {
	PID        int                  `json:"pid"`
	StartedAt  time.Time            `json:"started_at"`
	CreateTime int64                `json:"create_time"`
	Mode       domain.ExecutionMode `json:"mode"`
}

type managedProcess struct {
	mu            sync.Mutex
	handle        domain.ProcessHandle
	createTime    int64
	cmd           *exec.Cmd     // nil when adopted from a pidfile
	done          chan struct{} // closed once the child is reaped; nil when adopted
	stopRequested bool
	failReason    string // set when a start that never became ready is killed
	writers       []io.Closer
}

func (mp *managedProcess) snapshot() domain.ProcessHandle {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.handle
}

// Supervisor implements domain.ProcessSupervisor for LOCAL servers. Handles are
// runtime-only; across invocations they are rebuilt from pidfiles by live-probing.
type Supervisor struct {
	cfg     SupervisorConfig
	secrets domain.SecretStore
	logger  *zap.Logger

	mu    sync.Mutex
	procs map[string]*managedProcess
}

// NewSupervisor creates a supervisor. secrets may be nil.
func NewSupervisor(cfg SupervisorConfig, secrets domain.SecretStore, logger *zap.Logger) *Supervisor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeEvery
	}
	if cfg.StartGrace <= 0 {
		cfg.StartGrace = time.Second
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		secrets: secrets,
		logger:  logger,
		procs:   make(map[string]*managedProcess),
	}
}

// Start spawns the server and returns immediately with STARTING.
func (s *Supervisor) Start(ctx context.Context, record domain.ServerRecord) (domain.ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return domain.ProcessHandle{}, err
	}
	if record.Kind == domain.KindRemote {
		return domain.ProcessHandle{}, fmt.Errorf("%w: %s is a remote endpoint and is not supervised", domain.ErrInvalid, record.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if mp, ok := s.procs[record.Name]; ok {
		if h := s.refreshed(mp); h.Status.Live() {
			return h, fmt.Errorf("server %q: %w", record.Name, domain.ErrAlreadyRunning)
		}
	}
	if mp := s.adopt(record.Name); mp != nil {
		s.procs[record.Name] = mp
		return mp.snapshot(), fmt.Errorf("server %q: %w", record.Name, domain.ErrAlreadyRunning)
	}

	env, err := s.environment(record)
	if err != nil {
		return domain.ProcessHandle{}, err
	}
	cmd, err := buildCommand(record, env)
	if err != nil {
		return domain.ProcessHandle{}, err
	}
	stdoutPath, stderrPath := s.logPaths(record.Name)
	stdout, stderr, closers, err := s.outputs(stdoutPath, stderrPath)
	if err != nil {
		return domain.ProcessHandle{}, ClassifyFSError(fmt.Errorf("open log files: %w", err))
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if s.cfg.Detached {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	} else {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	mp := &managedProcess{
		handle: domain.ProcessHandle{
			Name:      record.Name,
			Status:    domain.StatusStopped,
			Mode:      record.ExecutionMode,
			StdoutLog: stdoutPath,
			StderrLog: stderrPath,
		},
	}
	s.procs[record.Name] = mp

	if err := cmd.Start(); err != nil {
		closeAll(closers)
		s.setStatus(mp, domain.StatusError, err.Error())
		return mp.snapshot(), ClassifyFSError(fmt.Errorf("start %s: %w", record.Name, err))
	}
	if s.cfg.Detached {
		// The child holds its own descriptors.
		closeAll(closers)
		closers = nil
	}

	pid := cmd.Process.Pid
	mp.mu.Lock()
	mp.cmd = cmd
	mp.done = make(chan struct{})
	mp.writers = closers
	mp.handle.PID = pid
	mp.handle.StartedAt = time.Now()
	mp.handle.LastError = ""
	mp.createTime = processCreateTime(pid)
	mp.mu.Unlock()

	s.setStatus(mp, domain.StatusStarting, "")
	if err := s.writePidfile(mp); err != nil {
		s.logger.Warn("failed to write pidfile", zap.String("server", record.Name), zap.Error(err))
	}
	metrics.IncStart(record.Name)
	s.logger.Info("server process started",
		zap.String("server", record.Name),
		zap.Int("pid", pid),
		zap.String("mode", string(record.ExecutionMode)))

	go s.reap(mp)
	go s.promote(mp, record.HealthCheck)

	return mp.snapshot(), nil
}

// reap waits for the child and records how it ended.
func (s *Supervisor) reap(mp *managedProcess) {
	err := mp.cmd.Wait()

	mp.mu.Lock()
	closeAll(mp.writers)
	mp.writers = nil
	stopping := mp.stopRequested
	failReason := mp.failReason
	name, pid := mp.handle.Name, mp.handle.PID
	mp.mu.Unlock()

	s.removePidfileFor(name, pid)
	switch {
	case stopping:
		s.setStatus(mp, domain.StatusStopped, "")
	case failReason != "":
		s.setStatus(mp, domain.StatusError, failReason)
	default:
		msg := "process exited"
		if err != nil {
			msg = "process exited: " + err.Error()
		}
		s.setStatus(mp, domain.StatusError, msg)
	}
	close(mp.done)
}

// promote moves STARTING to RUNNING once the probe passes, or once the process
// has survived the grace window when there is no probe.
func (s *Supervisor) promote(mp *managedProcess, healthCheck string) {
	if healthCheck == "" {
		select {
		case <-mp.done:
			return
		case <-time.After(s.cfg.StartGrace):
		}
		if s.alive(mp) {
			s.compareAndSet(mp, domain.StatusStarting, domain.StatusRunning, "")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StartTimeout)
	defer cancel()
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		probeCtx, probeCancel := context.WithTimeout(ctx, 5*s.cfg.ProbeInterval)
		err := probeHealth(probeCtx, healthCheck)
		probeCancel()
		if err == nil {
			s.compareAndSet(mp, domain.StatusStarting, domain.StatusRunning, "")
			return
		}
		select {
		case <-mp.done:
			return
		case <-ctx.Done():
			s.failStart(mp, "health probe failed: "+err.Error())
			return
		case <-ticker.C:
		}
	}
}

// failStart kills the process group of a start that never became ready. ERROR
// is only reported once the child is gone, so it never hides a live process.
func (s *Supervisor) failStart(mp *managedProcess, reason string) {
	mp.mu.Lock()
	if mp.handle.Status != domain.StatusStarting || mp.stopRequested || mp.failReason != "" {
		mp.mu.Unlock()
		return
	}
	mp.failReason = reason
	name, pid, done := mp.handle.Name, mp.handle.PID, mp.done
	mp.mu.Unlock()

	s.logger.Warn("server did not become ready, killing",
		zap.String("server", name),
		zap.Int("pid", pid),
		zap.String("reason", reason))
	_ = signalGroup(pid, syscall.SIGKILL)
	if !s.waitExit(context.Background(), mp, done, killReapTimeout) {
		s.setStatus(mp, domain.StatusError, reason+" (process did not exit after SIGKILL)")
		return
	}
	if done == nil {
		s.removePidfileFor(name, pid)
		s.setStatus(mp, domain.StatusError, reason)
	}
}

// Stop sends SIGTERM to the process group, waits up to timeout, then SIGKILLs.
// A cancelled ctx cuts the grace period short.
func (s *Supervisor) Stop(ctx context.Context, name string, timeout time.Duration) (domain.ProcessHandle, error) {
	s.mu.Lock()
	mp := s.procs[name]
	if mp == nil || !s.alive(mp) {
		mp = s.adopt(name)
		if mp != nil {
			s.procs[name] = mp
		}
	}
	s.mu.Unlock()

	if mp == nil {
		return domain.ProcessHandle{Name: name, Status: domain.StatusStopped}, fmt.Errorf("server %q: %w", name, domain.ErrNotRunning)
	}

	mp.mu.Lock()
	mp.stopRequested = true
	pid := mp.handle.PID
	done := mp.done
	mp.mu.Unlock()

	s.setStatus(mp, domain.StatusStopping, "")
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.EPERM) {
			s.setStatus(mp, domain.StatusError, "cannot signal process: permission denied")
			return mp.snapshot(), domain.WrapPermission(fmt.Errorf("signal %s (pid %d): %w", name, pid, err))
		}
	}

	killed := false
	if !s.waitExit(ctx, mp, done, timeout) {
		killed = true
		s.logger.Warn("graceful stop timed out, killing",
			zap.String("server", name),
			zap.Int("pid", pid),
			zap.Duration("timeout", timeout))
		_ = signalGroup(pid, syscall.SIGKILL)
		if !s.waitExit(context.Background(), mp, done, killReapTimeout) {
			s.setStatus(mp, domain.StatusError, "process did not exit after SIGKILL")
			return mp.snapshot(), fmt.Errorf("server %q (pid %d) did not exit after SIGKILL", name, pid)
		}
	}

	s.removePidfileFor(name, pid)
	s.setStatus(mp, domain.StatusStopped, "")
	metrics.IncStop(name, killed)
	s.logger.Info("server process stopped", zap.String("server", name), zap.Int("pid", pid), zap.Bool("killed", killed))
	return mp.snapshot(), nil
}

func (s *Supervisor) waitExit(ctx context.Context, mp *managedProcess, done chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if done != nil {
		select {
		case <-done:
			return true
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}

	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()
	for {
		if !s.alive(mp) {
			return true
		}
		select {
		case <-timer.C:
			return !s.alive(mp)
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Status returns the last-known state after a liveness re-check. It never writes.
func (s *Supervisor) Status(name string) domain.ProcessHandle {
	s.mu.Lock()
	mp := s.procs[name]
	s.mu.Unlock()

	if mp != nil {
		if h := s.refreshed(mp); h.Status.Live() || h.Status == domain.StatusError {
			return h
		}
	}

	pr, err := s.readPidfile(name)
	if err != nil {
		if mp != nil {
			return mp.snapshot()
		}
		return domain.ProcessHandle{Name: name, Status: domain.StatusStopped}
	}
	h := s.handleFromPidfile(name, pr)
	if processAlive(pr.PID, pr.CreateTime) {
		h.Status = domain.StatusRunning
	} else {
		h.Status = domain.StatusStopped
		h.LastError = "stale pidfile"
	}
	return h
}

// refreshed returns the handle, downgraded to ERROR if a live state no longer
// has a live process behind it.
func (s *Supervisor) refreshed(mp *managedProcess) domain.ProcessHandle {
	mp.mu.Lock()
	h, reason := mp.handle, mp.failReason
	mp.mu.Unlock()
	if (h.Status == domain.StatusStarting || h.Status == domain.StatusRunning) && !s.alive(mp) {
		h.Status = domain.StatusError
		h.LastError = "process is no longer alive"
		if reason != "" {
			h.LastError = reason
		}
	}
	return h
}

// WaitReady polls until the server is RUNNING, fails, or timeout elapses. A
// server still STARTING when the wait ends is killed and reported as ERROR.
func (s *Supervisor) WaitReady(ctx context.Context, name string, timeout time.Duration) (domain.ProcessHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		h := s.Status(name)
		switch h.Status {
		case domain.StatusRunning:
			return h, nil
		case domain.StatusError, domain.StatusStopped:
			return h, fmt.Errorf("server %q failed to become ready: %s", name, h.LastError)
		}
		select {
		case <-ctx.Done():
			s.mu.Lock()
			mp := s.procs[name]
			s.mu.Unlock()
			if mp != nil {
				s.failStart(mp, fmt.Sprintf("not ready after %s: %v", timeout, ctx.Err()))
				h = s.Status(name)
			}
			return h, fmt.Errorf("server %q not ready after %s: %w", name, timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Recover rebuilds handles from pidfiles left by earlier invocations and removes
// pidfiles whose process is gone.
func (s *Supervisor) Recover() ([]domain.ProcessHandle, error) {
	matches, err := filepath.Glob(filepath.Join(s.cfg.RunDir, "*"+pidfileSuffix))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var handles []domain.ProcessHandle
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), pidfileSuffix)
		if _, ok := s.procs[name]; ok {
			continue
		}
		if mp := s.adopt(name); mp != nil {
			s.procs[name] = mp
			handles = append(handles, mp.snapshot())
			s.logger.Info("recovered running server", zap.String("server", name), zap.Int("pid", mp.handle.PID))
			continue
		}
		s.logger.Info("removing stale pidfile", zap.String("server", name))
		s.removePidfile(name)
	}
	return handles, nil
}

// StopAll stops every live supervised server. Errors are joined.
func (s *Supervisor) StopAll(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	names := make([]string, 0, len(s.procs))
	for name := range s.procs {
		names = append(names, name)
	}
	s.mu.Unlock()

	var errs []error
	for _, name := range names {
		if !s.Status(name).Status.Live() {
			continue
		}
		if _, err := s.Stop(ctx, name, timeout); err != nil && !errors.Is(err, domain.ErrNotRunning) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logs returns up to lines trailing lines of the captured stdout and stderr.
func (s *Supervisor) Logs(name string, lines int) (stdout, stderr string, err error) {
	outPath, errPath := s.logPaths(name)
	if stdout, err = tailFile(outPath, lines); err != nil {
		return "", "", err
	}
	if stderr, err = tailFile(errPath, lines); err != nil {
		return "", "", err
	}
	return stdout, stderr, nil
}

// adopt builds a handle for a live process recorded in a pidfile. Caller holds s.mu.
func (s *Supervisor) adopt(name string) *managedProcess {
	pr, err := s.readPidfile(name)
	if err != nil || !processAlive(pr.PID, pr.CreateTime) {
		return nil
	}
	h := s.handleFromPidfile(name, pr)
	h.Status = domain.StatusRunning
	return &managedProcess{handle: h, createTime: pr.CreateTime}
}

func (s *Supervisor) handleFromPidfile(name string, pr pidRecord) domain.ProcessHandle {
	outPath, errPath := s.logPaths(name)
	return domain.ProcessHandle{
		Name:      name,
		PID:       pr.PID,
		StartedAt: pr.StartedAt,
		Mode:      pr.Mode,
		StdoutLog: outPath,
		StderrLog: errPath,
	}
}

func (s *Supervisor) setStatus(mp *managedProcess, to domain.ProcessStatus, lastError string) {
	mp.mu.Lock()
	from := mp.handle.Status
	mp.handle.Status = to
	if lastError != "" {
		mp.handle.LastError = lastError
	}
	name := mp.handle.Name
	mp.mu.Unlock()

	if from == to {
		return
	}
	metrics.RecordStateTransition(name, string(from), string(to))
	fields := []zap.Field{zap.String("server", name), zap.String("from", string(from)), zap.String("to", string(to))}
	if lastError != "" {
		fields = append(fields, zap.String("reason", lastError))
	}
	if to == domain.StatusError {
		s.logger.Warn("server state changed", fields...)
	} else {
		s.logger.Debug("server state changed", fields...)
	}
}

func (s *Supervisor) compareAndSet(mp *managedProcess, from, to domain.ProcessStatus, lastError string) bool {
	mp.mu.Lock()
	current := mp.handle.Status
	mp.mu.Unlock()
	if current != from {
		return false
	}
	s.setStatus(mp, to, lastError)
	return true
}

func (s *Supervisor) alive(mp *managedProcess) bool {
	mp.mu.Lock()
	pid, ct := mp.handle.PID, mp.createTime
	mp.mu.Unlock()
	return processAlive(pid, ct)
}

func (s *Supervisor) environment(record domain.ServerRecord) ([]string, error) {
	env := os.Environ()
	for _, k := range record.EnvKeys() {
		env = append(env, k+"="+record.Env[k])
	}
	if s.secrets != nil {
		secrets, err := s.secrets.Get(record.Name)
		if err != nil {
			return nil, fmt.Errorf("load secrets for %s: %w", record.Name, err)
		}
		for k, v := range secrets {
			env = append(env, k+"="+v)
		}
	}
	return env, nil
}

func buildCommand(record domain.ServerRecord, env []string) (*exec.Cmd, error) {
	switch record.ExecutionMode {
	case domain.ModeProcess:
		command := record.Command
		if !filepath.IsAbs(command) && strings.ContainsRune(command, filepath.Separator) && record.InstallPath != "" {
			command = filepath.Join(record.InstallPath, command)
		}
		cmd := exec.Command(command, record.Args...)
		cmd.Dir = record.InstallPath
		cmd.Env = env
		return cmd, nil
	case domain.ModeContainer:
		cmd := exec.Command(containerRuntime, record.ContainerRunArgs(containerPrefix+record.Name)...)
		cmd.Env = env
		return cmd, nil
	default:
		return nil, fmt.Errorf("%w: cannot launch %s in mode %q", domain.ErrInvalid, record.Name, record.ExecutionMode)
	}
}

func (s *Supervisor) logPaths(name string) (string, string) {
	return filepath.Join(s.cfg.LogDir, name+".stdout.log"), filepath.Join(s.cfg.LogDir, name+".stderr.log")
}

func (s *Supervisor) outputs(stdoutPath, stderrPath string) (io.Writer, io.Writer, []io.Closer, error) {
	if err := os.MkdirAll(s.cfg.LogDir, 0750); err != nil {
		return nil, nil, nil, err
	}
	if s.cfg.Detached {
		out, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, nil, nil, err
		}
		errFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			out.Close()
			return nil, nil, nil, err
		}
		return out, errFile, []io.Closer{out, errFile}, nil
	}
	out := &lumberjack.Logger{Filename: stdoutPath, MaxSize: s.cfg.LogMaxSizeMB, MaxBackups: s.cfg.LogMaxBackups}
	errW := &lumberjack.Logger{Filename: stderrPath, MaxSize: s.cfg.LogMaxSizeMB, MaxBackups: s.cfg.LogMaxBackups}
	return out, errW, []io.Closer{out, errW}, nil
}

func (s *Supervisor) pidfilePath(name string) string {
	return filepath.Join(s.cfg.RunDir, name+pidfileSuffix)
}

func (s *Supervisor) writePidfile(mp *managedProcess) error {
	mp.mu.Lock()
	pr := pidRecord{PID: mp.handle.PID, StartedAt: mp.handle.StartedAt, CreateTime: mp.createTime, Mode: mp.handle.Mode}
	name := mp.handle.Name
	mp.mu.Unlock()

	data, err := json.Marshal(pr)
	if err != nil {
		return err
	}
	return WriteFileAtomic(s.pidfilePath(name), data, 0600)
}

func (s *Supervisor) readPidfile(name string) (pidRecord, error) {
	var pr pidRecord
	data, err := os.ReadFile(s.pidfilePath(name))
	if err != nil {
		return pr, err
	}
	if err := json.Unmarshal(data, &pr); err != nil {
		return pr, &domain.CorruptError{Path: s.pidfilePath(name), Err: err}
	}
	return pr, nil
}

// removePidfileFor removes the pidfile only if it still belongs to pid, so a
// late reap cannot delete the pidfile of a newer start.
func (s *Supervisor) removePidfileFor(name string, pid int) {
	pr, err := s.readPidfile(name)
	if err == nil && pr.PID != pid {
		return
	}
	s.removePidfile(name)
}

func (s *Supervisor) removePidfile(name string) {
	if err := os.Remove(s.pidfilePath(name)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove pidfile", zap.String("server", name), zap.Error(err))
	}
}

// processAlive checks existence, zombie state and, when known, the create time.
func processAlive(pid int, createTime int64) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	if running, err := p.IsRunning(); err != nil || !running {
		return false
	}
	if states, err := p.Status(); err == nil {
		for _, st := range states {
			if st == process.Zombie {
				return false
			}
		}
	}
	if createTime != 0 {
		if ct, err := p.CreateTime(); err == nil && ct != createTime {
			return false
		}
	}
	return true
}

func processCreateTime(pid int) int64 {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ct, err := p.CreateTime()
	if err != nil {
		return 0
	}
	return ct
}

// signalGroup signals the process group led by pid, falling back to the pid alone.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}

func tailFile(path string, lines int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	var ring []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		ring = append(ring, scanner.Text())
		if lines > 0 && len(ring) > lines {
			ring = ring[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if len(ring) == 0 {
		return "", nil
	}
	return strings.Join(ring, "\n") + "\n", nil
}

// Ensure Supervisor implements domain.ProcessSupervisor.
var _ domain.ProcessSupervisor = (*Supervisor)(nil)
