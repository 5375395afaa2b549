package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	diffpatch "github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"github.com/eliteGoblin/serverhub/internal/domain"
	"github.com/eliteGoblin/serverhub/internal/metrics"
)

const (
	defaultProbeTimeout = 30 * time.Second
	previewContext      = 3
)

// RemoteProber checks that a remote endpoint answers.
type RemoteProber func(ctx context.Context, endpoint string, timeout time.Duration) error

// SyncOptions controls a sync run.
type SyncOptions struct {
	DryRun bool
}

// InstallOptions controls Install.
type InstallOptions struct {
	Secrets      map[string]string
	Replace      bool
	Start        bool
	ProbeTimeout time.Duration
	DryRun       bool
}

// InstallResult reports what Install did.
type InstallResult struct {
	Record   domain.ServerRecord
	Replaced bool
	DryRun   bool
	Backup   *domain.BackupRecord
	Sync     []domain.PlatformSyncResult
	Process  *domain.ProcessHandle
	Probed   bool
}

// Syncer reconciles platform config documents with the registry.
type Syncer struct {
	Deps
	probeRemote RemoteProber
}

// NewSyncer creates a syncer. probe may be nil when remote probing is unavailable.
func NewSyncer(deps Deps, probe RemoteProber) *Syncer {
	return &Syncer{Deps: deps, probeRemote: probe}
}

// syncPlan is the three-way diff for one platform.
type syncPlan struct {
	next      map[string]domain.PlatformConfigEntry
	added     []string
	updated   []string
	removed   []string
	unchanged []string
	orphans   []string
}

// planSync diffs records against the entries a platform holds. Only names the
// registry explicitly disabled for the platform are removed; anything else the
// platform holds without an enabled record is reported as an orphan.
func planSync(a domain.PlatformAdapter, records []domain.ServerRecord, actual map[string]domain.PlatformConfigEntry) (syncPlan, error) {
	id := a.ID()
	plan := syncPlan{next: make(map[string]domain.PlatformConfigEntry, len(actual))}
	for name, e := range actual {
		plan.next[name] = e
	}

	byName := make(map[string]domain.ServerRecord, len(records))
	for _, r := range records {
		byName[r.Name] = r
		if !r.EnabledFor(id) {
			continue
		}
		want, err := a.Render(r)
		if err != nil {
			return plan, fmt.Errorf("render %s: %w", r.Name, err)
		}
		cur, ok := actual[r.Name]
		switch {
		case !ok:
			plan.added = append(plan.added, r.Name)
			plan.next[r.Name] = want
		case !jsonpatch.Equal(cur.Raw, want.Raw):
			plan.updated = append(plan.updated, r.Name)
			plan.next[r.Name] = want
		default:
			plan.unchanged = append(plan.unchanged, r.Name)
		}
	}

	for name := range actual {
		r, ok := byName[name]
		switch {
		case ok && r.EnabledFor(id):
		case ok && r.DisabledFor(id):
			plan.removed = append(plan.removed, name)
			delete(plan.next, name)
		default:
			plan.orphans = append(plan.orphans, name)
		}
	}

	for _, names := range [][]string{plan.added, plan.updated, plan.removed, plan.unchanged, plan.orphans} {
		sort.Strings(names)
	}
	return plan, nil
}

// Sync reconciles the selected platform (all when id is empty). Every platform is
// attempted; failures come back as a PartialFailureError next to the results.
func (s *Syncer) Sync(ctx context.Context, id domain.PlatformID, opts SyncOptions) ([]domain.PlatformSyncResult, error) {
	adapters, err := s.Platforms.Select(id)
	if err != nil {
		return nil, err
	}
	records, err := s.desired()
	if err != nil {
		return nil, err
	}

	results := make([]domain.PlatformSyncResult, 0, len(adapters))
	for _, a := range adapters {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, s.syncPlatform(a, records, opts.DryRun))
	}

	target := string(id)
	if target == "" {
		target = "all"
	}
	return results, s.finishSync(ctx, "sync", target, id, results, opts.DryRun)
}

func (s *Syncer) desired() ([]domain.ServerRecord, error) {
	records, err := s.Registry.List(domain.RecordFilter{})
	if err != nil {
		return nil, err
	}
	return s.withSecrets(records)
}

func (s *Syncer) syncPlatform(a domain.PlatformAdapter, records []domain.ServerRecord, dryRun bool) domain.PlatformSyncResult {
	id := a.ID()
	log := s.Logger.With(zap.String("platform", string(id)))
	res := domain.PlatformSyncResult{Platform: id, ConfigPath: a.ConfigPath(), DryRun: dryRun}

	if !a.IsPresent() {
		res.Skipped = true
		res.SkipReason = "host application not installed"
		res.Err = fmt.Errorf("%s: %w", id, domain.ErrPlatformUnavailable)
		log.Debug("platform skipped", zap.String("reason", res.SkipReason))
		metrics.IncSyncResult(string(id), "skipped")
		return res
	}

	actual, err := a.ReadEntries()
	if err != nil {
		return s.failSync(res, err)
	}
	plan, err := planSync(a, records, actual)
	if err != nil {
		return s.failSync(res, err)
	}
	res.Added, res.Updated, res.Removed = plan.added, plan.updated, plan.removed
	res.Unchanged, res.Orphans = plan.unchanged, plan.orphans
	metrics.SetOrphans(string(id), len(plan.orphans))

	if !res.Changed() {
		log.Debug("platform already in sync", zap.Int("entries", len(actual)))
		metrics.IncSyncResult(string(id), "unchanged")
		return res
	}

	if dryRun {
		if p, ok := a.(domain.Previewer); ok {
			before, after, err := p.Preview(plan.next)
			if err != nil {
				return s.failSync(res, err)
			}
			res.Preview = linePreview(string(before), string(after))
		}
		metrics.IncSyncResult(string(id), "planned")
		return res
	}

	backup, err := a.WriteEntries(plan.next)
	if err != nil {
		return s.failSync(res, err)
	}
	res.Backup = &backup
	log.Info("platform synced",
		zap.String("added", joinNames(res.Added)),
		zap.String("updated", joinNames(res.Updated)),
		zap.String("removed", joinNames(res.Removed)),
		zap.String("backup", backup.Path))
	metrics.IncSyncResult(string(id), "written")
	return res
}

func (s *Syncer) failSync(res domain.PlatformSyncResult, err error) domain.PlatformSyncResult {
	res.Err = err
	s.Logger.Warn("platform sync failed",
		zap.String("platform", string(res.Platform)),
		zap.String("path", res.ConfigPath),
		zap.Error(err))
	metrics.IncSyncResult(string(res.Platform), "failed")
	return res
}

// syncFailed reports whether a result is a real failure rather than a skip.
func syncFailed(r domain.PlatformSyncResult) bool {
	return r.Err != nil && !r.Skipped
}

func (s *Syncer) finishSync(ctx context.Context, op, target string, platform domain.PlatformID, results []domain.PlatformSyncResult, dryRun bool) error {
	var failed []domain.StepResult
	var backups []domain.BackupRecord
	var details []string
	for _, r := range results {
		if r.Backup != nil {
			backups = append(backups, *r.Backup)
		}
		if syncFailed(r) {
			failed = append(failed, domain.StepResult{Step: "sync", Target: string(r.Platform), Status: domain.StepFailed, Err: r.Err})
			details = append(details, fmt.Sprintf("%s: %v", r.Platform, r.Err))
			continue
		}
		if r.Changed() {
			details = append(details, fmt.Sprintf("%s: +%d ~%d -%d", r.Platform, len(r.Added), len(r.Updated), len(r.Removed)))
		}
	}

	if !dryRun && (len(backups) > 0 || len(failed) > 0) {
		s.journal(ctx, domain.JournalEntry{
			Op:       op,
			Target:   target,
			Platform: platform,
			Outcome:  outcomeOf(len(failed), len(results)),
			Detail:   strings.Join(details, "; "),
			Backups:  backupPaths(backups),
		})
	}
	if len(failed) > 0 {
		return &domain.PartialFailureError{Op: op, Failed: failed, Backups: backups}
	}
	return nil
}

// Install registers record, syncs the platforms it is enabled in and optionally
// starts or probes it.
func (s *Syncer) Install(ctx context.Context, record domain.ServerRecord, opts InstallOptions) (*InstallResult, error) {
	if err := record.Validate(); err != nil {
		return nil, err
	}
	for _, id := range record.EnabledPlatforms() {
		if _, ok := s.Platforms.Get(id); !ok {
			return nil, fmt.Errorf("%w: unknown platform %q", domain.ErrInvalid, id)
		}
	}
	for k := range opts.Secrets {
		if k == "" {
			return nil, fmt.Errorf("%w: empty secret key", domain.ErrInvalid)
		}
	}
	if len(opts.Secrets) > 0 && s.Secrets == nil {
		return nil, fmt.Errorf("%w: no secret store configured", domain.ErrInvalid)
	}
	if opts.Start && record.Kind == domain.KindLocal && s.Supervisor == nil {
		return nil, fmt.Errorf("%w: no process supervisor configured", domain.ErrInvalid)
	}

	res := &InstallResult{Record: record, DryRun: opts.DryRun}
	targets := record.EnabledPlatforms()
	existing, err := s.Registry.Get(record.Name)
	switch {
	case err == nil:
		if !opts.Replace {
			return nil, fmt.Errorf("server %q: %w", record.Name, domain.ErrAlreadyExists)
		}
		res.Replaced = true
		record = disableDropped(record, existing)
		res.Record = record
		targets = unionPlatforms(targets, existing.EnabledPlatforms())
	case errors.Is(err, domain.ErrNotFound):
	default:
		return nil, err
	}

	log := s.Logger.With(zap.String("server", record.Name))

	if opts.DryRun {
		records, err := s.desired()
		if err != nil {
			return nil, err
		}
		candidate := record.Clone()
		if len(opts.Secrets) > 0 && candidate.Env == nil {
			candidate.Env = make(map[string]string, len(opts.Secrets))
		}
		for k, v := range opts.Secrets {
			candidate.Env[k] = v
		}
		records = replaceRecord(records, candidate)
		for _, id := range targets {
			a, _ := s.Platforms.Get(id)
			res.Sync = append(res.Sync, s.syncPlatform(a, records, true))
		}
		return res, nil
	}

	keys := make([]string, 0, len(opts.Secrets))
	for k := range opts.Secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.Secrets.Set(record.Name, k, opts.Secrets[k]); err != nil {
			return nil, fmt.Errorf("store secret %s: %w", k, err)
		}
	}

	backup, err := s.Registry.Put(record)
	if err != nil {
		return nil, err
	}
	res.Backup = &backup
	log.Info("server registered", zap.Bool("replaced", res.Replaced), zap.String("backup", backup.Path))

	records, err := s.desired()
	if err != nil {
		return res, err
	}
	for _, id := range targets {
		a, _ := s.Platforms.Get(id)
		res.Sync = append(res.Sync, s.syncPlatform(a, records, false))
	}

	var failed []domain.StepResult
	backups := []domain.BackupRecord{backup}
	for _, r := range res.Sync {
		if r.Backup != nil {
			backups = append(backups, *r.Backup)
		}
		if syncFailed(r) {
			failed = append(failed, domain.StepResult{Step: "sync", Target: string(r.Platform), Status: domain.StepFailed, Err: r.Err})
		}
	}

	if opts.Start {
		if err := s.start(ctx, record, opts.ProbeTimeout, res); err != nil {
			log.Warn("server did not become ready", zap.Error(err))
			failed = append(failed, domain.StepResult{Step: "start", Target: record.Name, Status: domain.StepFailed, Err: err})
		}
	}

	outcome := domain.OutcomeOK
	if len(failed) > 0 {
		outcome = domain.OutcomePartial
	}
	s.journal(ctx, domain.JournalEntry{
		Op:      "install",
		Target:  record.Name,
		Outcome: outcome,
		Detail:  fmt.Sprintf("kind=%s mode=%s platforms=%d", record.Kind, record.ExecutionMode, len(targets)),
		Backups: backupPaths(backups),
	})
	if len(failed) > 0 {
		return res, &domain.PartialFailureError{Op: "install", Failed: failed, Backups: backups}
	}
	return res, nil
}

func (s *Syncer) start(ctx context.Context, record domain.ServerRecord, timeout time.Duration, res *InstallResult) error {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	if record.Kind == domain.KindRemote {
		if s.probeRemote == nil {
			return fmt.Errorf("%w: remote probing unavailable", domain.ErrInvalid)
		}
		if err := s.probeRemote(ctx, record.Endpoint, timeout); err != nil {
			return fmt.Errorf("probe %s: %w", record.Endpoint, err)
		}
		res.Probed = true
		return nil
	}

	h, err := s.Supervisor.Start(ctx, record)
	if err != nil {
		return err
	}
	res.Process = &h
	h, err = s.Supervisor.WaitReady(ctx, record.Name, timeout)
	res.Process = &h
	return err
}

// disableDropped marks the platforms the replaced record was enabled for and
// the replacement leaves out as disabled, so their entries are removed.
func disableDropped(record, existing domain.ServerRecord) domain.ServerRecord {
	record = record.Clone()
	for _, id := range existing.EnabledPlatforms() {
		if _, set := record.PlatformEnablement[id]; set {
			continue
		}
		if record.PlatformEnablement == nil {
			record.PlatformEnablement = make(map[domain.PlatformID]bool)
		}
		record.PlatformEnablement[id] = false
	}
	return record
}

func replaceRecord(records []domain.ServerRecord, r domain.ServerRecord) []domain.ServerRecord {
	out := make([]domain.ServerRecord, 0, len(records)+1)
	for _, existing := range records {
		if existing.Name != r.Name {
			out = append(out, existing)
		}
	}
	return append(out, r)
}

func unionPlatforms(a, b []domain.PlatformID) []domain.PlatformID {
	seen := make(map[domain.PlatformID]bool, len(a)+len(b))
	var out []domain.PlatformID
	for _, id := range append(append([]domain.PlatformID(nil), a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// linePreview renders a line diff of before and after, keeping a few lines of
// context around each change.
func linePreview(before, after string) string {
	dmp := diffpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	for i, d := range diffs {
		text := splitLines(d.Text)
		switch d.Type {
		case diffpatch.DiffInsert:
			writeLines(&out, "+ ", text)
		case diffpatch.DiffDelete:
			writeLines(&out, "- ", text)
		default:
			head, tail := previewContext, previewContext
			if i == 0 {
				head = 0
			}
			if i == len(diffs)-1 {
				tail = 0
			}
			if len(text) <= head+tail+1 {
				writeLines(&out, "  ", text)
				continue
			}
			writeLines(&out, "  ", text[:head])
			out.WriteString("  ...\n")
			writeLines(&out, "  ", text[len(text)-tail:])
		}
	}
	return out.String()
}

func splitLines(s string) []string {
	lines := strings.SplitAfter(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func writeLines(b *strings.Builder, prefix string, lines []string) {
	for _, l := range lines {
		b.WriteString(prefix)
		b.WriteString(l)
		if !strings.HasSuffix(l, "\n") {
			b.WriteString("\n")
		}
	}
}
