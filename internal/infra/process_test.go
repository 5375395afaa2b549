package infra

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

type stubSecrets map[string]map[string]string

func (s stubSecrets) Set(server, key, value string) error { return nil }
func (s stubSecrets) Get(server string) (map[string]string, error) {
	return s[server], nil
}
func (s stubSecrets) Delete(server string) error  { return nil }
func (s stubSecrets) Servers() ([]string, error) { return nil, nil }

func newTestSupervisor(t *testing.T, secrets domain.SecretStore) (*Supervisor, SupervisorConfig) {
	t.Helper()
	dir := t.TempDir()
	cfg := SupervisorConfig{
		RunDir:        filepath.Join(dir, "run"),
		LogDir:        filepath.Join(dir, "logs"),
		StartGrace:    100 * time.Millisecond,
		StartTimeout:  3 * time.Second,
		ProbeInterval: 20 * time.Millisecond,
	}
	sup := NewSupervisor(cfg, secrets, zap.NewNop())
	t.Cleanup(func() { _ = sup.StopAll(context.Background(), time.Second) })
	return sup, cfg
}

func shellRecord(name, script string) domain.ServerRecord {
	return domain.ServerRecord{
		Name:          name,
		Kind:          domain.KindLocal,
		ExecutionMode: domain.ModeProcess,
		Command:       "/bin/sh",
		Args:          []string{"-c", script},
	}
}

func waitForStatus(t *testing.T, sup *Supervisor, name string, want domain.ProcessStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sup.Status(name).Status == want
	}, 5*time.Second, 20*time.Millisecond, "server %s never reached %s (last %+v)", name, want, sup.Status(name))
}

func TestSupervisor_StartStop(t *testing.T) {
	sup, cfg := newTestSupervisor(t, nil)
	ctx := context.Background()

	h, err := sup.Start(ctx, shellRecord("echo", "sleep 30"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStarting, h.Status)
	assert.Greater(t, h.PID, 0)
	assert.FileExists(t, filepath.Join(cfg.RunDir, "echo.pid"))

	waitForStatus(t, sup, "echo", domain.StatusRunning)

	_, err = sup.Start(ctx, shellRecord("echo", "sleep 30"))
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)

	h, err = sup.Stop(ctx, "echo", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, h.Status)
	assert.Equal(t, domain.StatusStopped, sup.Status("echo").Status)
	assert.NoFileExists(t, filepath.Join(cfg.RunDir, "echo.pid"))
	assert.False(t, processAlive(h.PID, 0))
}

func TestSupervisor_StartAfterStopReusesName(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	ctx := context.Background()

	_, err := sup.Start(ctx, shellRecord("again", "sleep 30"))
	require.NoError(t, err)
	_, err = sup.Stop(ctx, "again", time.Second)
	require.NoError(t, err)

	_, err = sup.Start(ctx, shellRecord("again", "sleep 30"))
	require.NoError(t, err)
	waitForStatus(t, sup, "again", domain.StatusRunning)
}

func TestSupervisor_UnexpectedExitIsError(t *testing.T) {
	sup, cfg := newTestSupervisor(t, nil)

	_, err := sup.Start(context.Background(), shellRecord("crash", "exit 3"))
	require.NoError(t, err)

	waitForStatus(t, sup, "crash", domain.StatusError)
	assert.Contains(t, sup.Status("crash").LastError, "exit status 3")
	assert.NoFileExists(t, filepath.Join(cfg.RunDir, "crash.pid"))
}

func TestSupervisor_CapturesOutputAndEnv(t *testing.T) {
	sup, _ := newTestSupervisor(t, stubSecrets{"chatty": {"TOKEN": "s3cret"}})
	rec := shellRecord("chatty", `echo "out:$GREETING:$TOKEN"; echo "err-line" >&2; sleep 30`)
	rec.Env = map[string]string{"GREETING": "hi"}

	_, err := sup.Start(context.Background(), rec)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stdout, stderr, err := sup.Logs("chatty", 10)
		return err == nil && stdout == "out:hi:s3cret\n" && stderr == "err-line\n"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSupervisor_HealthProbePromotes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	sup, _ := newTestSupervisor(t, nil)
	rec := shellRecord("probed", "sleep 30")
	rec.HealthCheck = "tcp://" + ln.Addr().String()

	_, err = sup.Start(context.Background(), rec)
	require.NoError(t, err)

	h, err := sup.WaitReady(context.Background(), "probed", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, h.Status)
}

func TestSupervisor_HealthProbeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	sup, cfg := newTestSupervisor(t, nil)
	cfg.StartTimeout = 200 * time.Millisecond
	sup = NewSupervisor(cfg, nil, zap.NewNop())
	t.Cleanup(func() { _ = sup.StopAll(context.Background(), time.Second) })

	rec := shellRecord("unhealthy", "sleep 30")
	rec.HealthCheck = "tcp://" + addr
	_, err = sup.Start(context.Background(), rec)
	require.NoError(t, err)

	_, err = sup.WaitReady(context.Background(), "unhealthy", 5*time.Second)
	require.Error(t, err)
	h := sup.Status("unhealthy")
	assert.Equal(t, domain.StatusError, h.Status)
	assert.Contains(t, h.LastError, "health probe failed")
	require.Eventually(t, func() bool { return !processAlive(h.PID, 0) }, 3*time.Second, 20*time.Millisecond,
		"a server that never became ready is killed")
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(cfg.RunDir, "unhealthy.pid"))
		return os.IsNotExist(err)
	}, 3*time.Second, 20*time.Millisecond)

	// ERROR accepts Start as a reset.
	rec.HealthCheck = ""
	h, err = sup.Start(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStarting, h.Status)
	waitForStatus(t, sup, "unhealthy", domain.StatusRunning)
}

func TestSupervisor_WaitReadyTimeoutKills(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	sup, _ := newTestSupervisor(t, nil)
	rec := shellRecord("slow", "sleep 30")
	rec.HealthCheck = "tcp://" + addr
	started, err := sup.Start(context.Background(), rec)
	require.NoError(t, err)

	h, err := sup.WaitReady(context.Background(), "slow", 150*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, domain.StatusError, h.Status)
	assert.Contains(t, h.LastError, "not ready after")
	assert.False(t, processAlive(started.PID, 0))
	assert.NoError(t, sup.StopAll(context.Background(), time.Second))
}

func TestSupervisor_StopEscalatesToKill(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	ctx := context.Background()

	_, err := sup.Start(ctx, shellRecord("stubborn", `trap "" TERM; while true; do sleep 0.05; done`))
	require.NoError(t, err)
	waitForStatus(t, sup, "stubborn", domain.StatusRunning)

	start := time.Now()
	h, err := sup.Stop(ctx, "stubborn", 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, h.Status)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.False(t, processAlive(h.PID, 0))
}

func TestSupervisor_RejectsRemoteAndUnknown(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	ctx := context.Background()

	_, err := sup.Start(ctx, domain.ServerRecord{
		Name:          "far",
		Kind:          domain.KindRemote,
		ExecutionMode: domain.ModeRemoteEndpoint,
		Endpoint:      "https://example.com/mcp",
	})
	assert.ErrorIs(t, err, domain.ErrInvalid)

	_, err = sup.Stop(ctx, "nobody", time.Second)
	assert.ErrorIs(t, err, domain.ErrNotRunning)
	assert.Equal(t, domain.StatusStopped, sup.Status("nobody").Status)
}

func TestSupervisor_AdoptsFromPidfile(t *testing.T) {
	first, cfg := newTestSupervisor(t, nil)
	ctx := context.Background()

	h, err := first.Start(ctx, shellRecord("shared", "sleep 30"))
	require.NoError(t, err)

	second := NewSupervisor(cfg, nil, zap.NewNop())
	adopted := second.Status("shared")
	assert.Equal(t, domain.StatusRunning, adopted.Status)
	assert.Equal(t, h.PID, adopted.PID)

	_, err = second.Start(ctx, shellRecord("shared", "sleep 30"))
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)

	stopped, err := second.Stop(ctx, "shared", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, stopped.Status)
	assert.NoFileExists(t, filepath.Join(cfg.RunDir, "shared.pid"))
}

func TestSupervisor_StalePidfile(t *testing.T) {
	sup, cfg := newTestSupervisor(t, nil)
	require.NoError(t, os.MkdirAll(cfg.RunDir, 0750))

	data, err := json.Marshal(pidRecord{PID: 999999, CreateTime: 1, StartedAt: time.Now()})
	require.NoError(t, err)
	pidPath := filepath.Join(cfg.RunDir, "ghost.pid")
	require.NoError(t, os.WriteFile(pidPath, data, 0600))

	h := sup.Status("ghost")
	assert.Equal(t, domain.StatusStopped, h.Status)
	assert.Equal(t, "stale pidfile", h.LastError)
	assert.FileExists(t, pidPath, "status must not write")

	handles, err := sup.Recover()
	require.NoError(t, err)
	assert.Empty(t, handles)
	assert.NoFileExists(t, pidPath)
}

func TestSupervisor_RecoverAdoptsLive(t *testing.T) {
	first, cfg := newTestSupervisor(t, nil)
	_, err := first.Start(context.Background(), shellRecord("survivor", "sleep 30"))
	require.NoError(t, err)

	second := NewSupervisor(cfg, nil, zap.NewNop())
	handles, err := second.Recover()
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, "survivor", handles[0].Name)
	assert.Equal(t, domain.StatusRunning, handles[0].Status)
}

func TestTailFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	writeTestFile(t, path, "a\nb\nc\nd\n")

	out, err := tailFile(path, 2)
	require.NoError(t, err)
	assert.Equal(t, "c\nd\n", out)

	out, err = tailFile(filepath.Join(t.TempDir(), "missing"), 5)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestContainerRunArgs(t *testing.T) {
	rec := domain.ServerRecord{
		Name:          "box",
		Kind:          domain.KindLocal,
		ExecutionMode: domain.ModeContainer,
		Image:         "ghcr.io/acme/box:1",
		Args:          []string{"--stdio"},
		Env:           map[string]string{"B": "2", "A": "1"},
	}
	cmd, err := buildCommand(rec, nil)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"docker", "run", "-i", "--rm", "--name", "serverhub-box", "-e", "A", "-e", "B", "ghcr.io/acme/box:1", "--stdio"},
		cmd.Args)
}
