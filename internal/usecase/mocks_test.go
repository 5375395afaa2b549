package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

// memRegistry implements domain.Registry for testing
type memRegistry struct {
	records   map[string]domain.ServerRecord
	putErr    error
	deleteErr error
	writes    int
}

func newMemRegistry(records ...domain.ServerRecord) *memRegistry {
	m := &memRegistry{records: make(map[string]domain.ServerRecord)}
	for _, r := range records {
		m.records[r.Name] = r
	}
	return m
}

func (m *memRegistry) Get(name string) (domain.ServerRecord, error) {
	r, ok := m.records[name]
	if !ok {
		return domain.ServerRecord{}, fmt.Errorf("server %q: %w", name, domain.ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *memRegistry) List(filter domain.RecordFilter) ([]domain.ServerRecord, error) {
	var out []domain.ServerRecord
	for _, r := range m.records {
		if filter.Match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memRegistry) Put(record domain.ServerRecord) (domain.BackupRecord, error) {
	if m.putErr != nil {
		return domain.BackupRecord{}, m.putErr
	}
	m.writes++
	m.records[record.Name] = record.Clone()
	return domain.BackupRecord{Tag: "registry", Path: fmt.Sprintf("registry-%d", m.writes)}, nil
}

func (m *memRegistry) Delete(name string) (domain.BackupRecord, error) {
	if m.deleteErr != nil {
		return domain.BackupRecord{}, m.deleteErr
	}
	if _, ok := m.records[name]; !ok {
		return domain.BackupRecord{}, fmt.Errorf("server %q: %w", name, domain.ErrNotFound)
	}
	m.writes++
	delete(m.records, name)
	return domain.BackupRecord{Tag: "registry", Path: fmt.Sprintf("registry-%d", m.writes)}, nil
}

func (m *memRegistry) Path() string { return "registry.json" }

// fakePlatform implements domain.PlatformAdapter and domain.Previewer for testing
type fakePlatform struct {
	mu       sync.Mutex
	id       domain.PlatformID
	present  bool
	entries  map[string]json.RawMessage
	readErr  error
	writeErr error
	writes   int
}

func newFakePlatform(id string, names ...string) *fakePlatform {
	p := &fakePlatform{id: domain.PlatformID(id), present: true, entries: make(map[string]json.RawMessage)}
	for _, n := range names {
		p.entries[n] = json.RawMessage(`{"command":"foreign"}`)
	}
	return p
}

func (p *fakePlatform) ID() domain.PlatformID { return p.id }
func (p *fakePlatform) DisplayName() string   { return string(p.id) }
func (p *fakePlatform) IsPresent() bool       { return p.present }
func (p *fakePlatform) ConfigPath() string    { return string(p.id) + ".json" }

func (p *fakePlatform) ReadEntries() (map[string]domain.PlatformConfigEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr != nil {
		return nil, p.readErr
	}
	out := make(map[string]domain.PlatformConfigEntry, len(p.entries))
	for n, raw := range p.entries {
		out[n] = domain.PlatformConfigEntry{Name: n, Raw: raw}
	}
	return out, nil
}

func (p *fakePlatform) WriteEntries(entries map[string]domain.PlatformConfigEntry) (domain.BackupRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return domain.BackupRecord{}, p.writeErr
	}
	p.writes++
	p.entries = make(map[string]json.RawMessage, len(entries))
	for n, e := range entries {
		p.entries[n] = e.Raw
	}
	return domain.BackupRecord{Tag: "platform-" + string(p.id), Path: fmt.Sprintf("%s-%d", p.id, p.writes)}, nil
}

func (p *fakePlatform) Render(record domain.ServerRecord) (domain.PlatformConfigEntry, error) {
	raw, err := json.Marshal(map[string]any{"command": record.Command, "env": record.Env})
	return domain.PlatformConfigEntry{Name: record.Name, Raw: raw}, err
}

func (p *fakePlatform) Preview(entries map[string]domain.PlatformConfigEntry) ([]byte, []byte, error) {
	current, err := p.ReadEntries()
	if err != nil {
		return nil, nil, err
	}
	return previewDoc(current), previewDoc(entries), nil
}

func previewDoc(entries map[string]domain.PlatformConfigEntry) []byte {
	raws := make(map[string]json.RawMessage, len(entries))
	for n, e := range entries {
		raws[n] = e.Raw
	}
	out, _ := json.MarshalIndent(raws, "", "  ")
	return append(out, '\n')
}

func (p *fakePlatform) has(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[name]
	return ok
}

// fakePlatforms implements Platforms for testing
type fakePlatforms []*fakePlatform

func (f fakePlatforms) Get(id domain.PlatformID) (domain.PlatformAdapter, bool) {
	for _, p := range f {
		if p.id == id {
			return p, true
		}
	}
	return nil, false
}

func (f fakePlatforms) All() []domain.PlatformAdapter {
	out := make([]domain.PlatformAdapter, 0, len(f))
	for _, p := range f {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (f fakePlatforms) Select(id domain.PlatformID) ([]domain.PlatformAdapter, error) {
	if id == "" {
		return f.All(), nil
	}
	p, ok := f.Get(id)
	if !ok {
		return nil, fmt.Errorf("platform %q: %w", id, domain.ErrNotFound)
	}
	return []domain.PlatformAdapter{p}, nil
}

// mockSupervisor implements domain.ProcessSupervisor for testing
type mockSupervisor struct {
	status   map[string]domain.ProcessStatus
	started  []string
	stopped  []string
	startErr error
	stopErr  error
	readyErr error
}

func (m *mockSupervisor) Start(ctx context.Context, record domain.ServerRecord) (domain.ProcessHandle, error) {
	if m.startErr != nil {
		return domain.ProcessHandle{}, m.startErr
	}
	m.started = append(m.started, record.Name)
	if m.status == nil {
		m.status = make(map[string]domain.ProcessStatus)
	}
	m.status[record.Name] = domain.StatusStarting
	return domain.ProcessHandle{Name: record.Name, PID: 4242, Status: domain.StatusStarting}, nil
}

func (m *mockSupervisor) Stop(ctx context.Context, name string, timeout time.Duration) (domain.ProcessHandle, error) {
	if m.stopErr != nil {
		return domain.ProcessHandle{}, m.stopErr
	}
	m.stopped = append(m.stopped, name)
	m.status[name] = domain.StatusStopped
	return domain.ProcessHandle{Name: name, Status: domain.StatusStopped}, nil
}

func (m *mockSupervisor) Status(name string) domain.ProcessHandle {
	s, ok := m.status[name]
	if !ok {
		s = domain.StatusStopped
	}
	return domain.ProcessHandle{Name: name, PID: 4242, Status: s}
}

func (m *mockSupervisor) WaitReady(ctx context.Context, name string, timeout time.Duration) (domain.ProcessHandle, error) {
	if m.readyErr != nil {
		return domain.ProcessHandle{Name: name, Status: domain.StatusError}, m.readyErr
	}
	m.status[name] = domain.StatusRunning
	return domain.ProcessHandle{Name: name, PID: 4242, Status: domain.StatusRunning}, nil
}

// mockCleaner implements domain.Cleaner for testing
type mockCleaner struct {
	plan    []domain.FileInfo
	applied [][]domain.FileInfo
	errs    []error
}

func (m *mockCleaner) Plan(record domain.ServerRecord) ([]domain.FileInfo, error) {
	return m.plan, nil
}

func (m *mockCleaner) Apply(plan []domain.FileInfo, dryRun bool) domain.CleanupResult {
	res := domain.CleanupResult{DryRun: dryRun, Errors: m.errs}
	for _, fi := range plan {
		res.Deleted = append(res.Deleted, fi)
		res.FreedBytes += fi.SizeBytes
	}
	if !dryRun {
		m.applied = append(m.applied, plan)
	}
	return res
}

// memSecrets implements domain.SecretStore for testing
type memSecrets map[string]map[string]string

func (m memSecrets) Set(server, key, value string) error {
	if m[server] == nil {
		m[server] = make(map[string]string)
	}
	m[server][key] = value
	return nil
}

func (m memSecrets) Get(server string) (map[string]string, error) { return m[server], nil }

func (m memSecrets) Delete(server string) error {
	delete(m, server)
	return nil
}

func (m memSecrets) Servers() ([]string, error) {
	var out []string
	for s := range m {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// memJournal implements domain.Journal for testing
type memJournal struct {
	entries []domain.JournalEntry
}

func (m *memJournal) Record(ctx context.Context, entry domain.JournalEntry) error {
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memJournal) Recent(ctx context.Context, limit int) ([]domain.JournalEntry, error) {
	return m.entries, nil
}

func localRecord(name string, enabled map[domain.PlatformID]bool) domain.ServerRecord {
	return domain.ServerRecord{
		Name:               name,
		Kind:               domain.KindLocal,
		ExecutionMode:      domain.ModeProcess,
		Command:            "/usr/local/bin/" + name,
		PlatformEnablement: enabled,
	}
}

type fixture struct {
	registry   *memRegistry
	platforms  fakePlatforms
	supervisor *mockSupervisor
	cleaner    *mockCleaner
	secrets    memSecrets
	journal    *memJournal
}

func newFixture(records []domain.ServerRecord, platforms ...*fakePlatform) *fixture {
	return &fixture{
		registry:   newMemRegistry(records...),
		platforms:  fakePlatforms(platforms),
		supervisor: &mockSupervisor{status: make(map[string]domain.ProcessStatus)},
		cleaner:    &mockCleaner{},
		secrets:    memSecrets{},
		journal:    &memJournal{},
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		Registry:   f.registry,
		Platforms:  f.platforms,
		Supervisor: f.supervisor,
		Cleaner:    f.cleaner,
		Secrets:    f.secrets,
		Journal:    f.journal,
		Logger:     zap.NewNop(),
	}
}
