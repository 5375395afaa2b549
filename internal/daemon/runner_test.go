package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/serverhub/internal/domain"
	"github.com/eliteGoblin/serverhub/internal/metrics"
	"github.com/eliteGoblin/serverhub/internal/usecase"
)

// mockSyncer implements Syncer for testing
type mockSyncer struct {
	mu    sync.Mutex
	calls int
}

func (m *mockSyncer) Sync(ctx context.Context, id domain.PlatformID, opts usecase.SyncOptions) ([]domain.PlatformSyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return nil, nil
}

func (m *mockSyncer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockRegistry implements domain.Registry for testing
type mockRegistry struct {
	path    string
	records []domain.ServerRecord
}

func (m *mockRegistry) Get(name string) (domain.ServerRecord, error) {
	return domain.ServerRecord{}, domain.ErrNotFound
}

func (m *mockRegistry) List(filter domain.RecordFilter) ([]domain.ServerRecord, error) {
	var out []domain.ServerRecord
	for _, r := range m.records {
		if filter.Match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRegistry) Put(record domain.ServerRecord) (domain.BackupRecord, error) {
	return domain.BackupRecord{}, nil
}

func (m *mockRegistry) Delete(name string) (domain.BackupRecord, error) {
	return domain.BackupRecord{}, nil
}

func (m *mockRegistry) Path() string { return m.path }

// mockSupervisor implements Supervisor for testing
type mockSupervisor struct {
	mu        sync.Mutex
	status    map[string]domain.ProcessStatus
	recovered bool
	stopped   bool
}

func (m *mockSupervisor) Status(name string) domain.ProcessHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.ProcessHandle{Name: name, Status: m.status[name]}
}

func (m *mockSupervisor) Recover() ([]domain.ProcessHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovered = true
	return []domain.ProcessHandle{{Name: "echo", PID: 42, Status: domain.StatusRunning}}, nil
}

func (m *mockSupervisor) StopAll(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

func (m *mockSupervisor) set(name string, s domain.ProcessStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[name] = s
}

func startRunner(t *testing.T, cfg RunnerConfig, syncer Syncer, reg domain.Registry, sup Supervisor) (*Runner, context.CancelFunc, <-chan error) {
	t.Helper()
	r := NewRunner(cfg, syncer, reg, sup, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(cancel)
	return r, cancel, done
}

func TestDefaultRunnerConfig(t *testing.T) {
	config := DefaultRunnerConfig()

	assert.Equal(t, 500*time.Millisecond, config.Debounce)
	assert.Equal(t, 15*time.Second, config.LivenessInterval)
	assert.NotZero(t, config.StopTimeout)
	assert.False(t, config.StopOnExit)
}

func TestRunner_ResyncsOnRegistryChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	syncer := &mockSyncer{}
	reg := &mockRegistry{path: path}

	r, cancel, done := startRunner(t, RunnerConfig{Debounce: 50 * time.Millisecond}, syncer, reg, nil)
	require.Eventually(t, func() bool { return syncer.count() == 1 }, 2*time.Second, 10*time.Millisecond, "startup sync")

	// A burst of writes collapses into one resync.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`{"n":%d}`, i)), 0600))
	}
	require.Eventually(t, func() bool { return syncer.count() == 2 }, 3*time.Second, 10*time.Millisecond)

	// Other files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0600))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, syncer.count())
	assert.Equal(t, 2, r.Syncs())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_LivenessTracksState(t *testing.T) {
	reg := &mockRegistry{
		path: filepath.Join(t.TempDir(), "registry.json"),
		records: []domain.ServerRecord{
			{Name: "echo", Kind: domain.KindLocal},
			{Name: "far", Kind: domain.KindRemote},
		},
	}
	sup := &mockSupervisor{status: map[string]domain.ProcessStatus{"echo": domain.StatusRunning}}

	r, cancel, done := startRunner(t, RunnerConfig{LivenessInterval: 20 * time.Millisecond, StopOnExit: true}, &mockSyncer{}, reg, sup)
	require.Eventually(t, func() bool {
		return r.States()["echo"] == domain.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, r.States(), "far", "remote servers are not supervised")

	sup.set("echo", domain.StatusError)
	require.Eventually(t, func() bool {
		return r.States()["echo"] == domain.StatusError
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	sup.mu.Lock()
	defer sup.mu.Unlock()
	assert.True(t, sup.recovered)
	assert.True(t, sup.stopped, "StopOnExit stops supervised servers")
}

func TestRunner_ServesMetrics(t *testing.T) {
	require.NoError(t, metrics.Register(prometheus.DefaultRegisterer))
	reg := &mockRegistry{path: filepath.Join(t.TempDir(), "registry.json")}

	r, _, _ := startRunner(t, RunnerConfig{MetricsAddr: "127.0.0.1:0"}, &mockSyncer{}, reg, nil)
	require.Eventually(t, func() bool { return r.MetricsAddr() != nil }, 2*time.Second, 10*time.Millisecond)

	metrics.IncSyncResult("cursor", "written")
	resp, err := http.Get("http://" + r.MetricsAddr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "serverhub_sync_platform_results_total")
}
