package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/serverhub/internal/domain"
	"github.com/eliteGoblin/serverhub/internal/metrics"
)

// Removal operation names, used in results, journal entries and metrics.
const (
	OpRemoveServer       = "remove-server"
	OpRemoveFromPlatform = "remove-from-platform"
	OpRemoveFromRegistry = "remove-from-registry"
	OpRemoveOrphans      = "remove-orphans"
)

const (
	defaultStopTimeout = 10 * time.Second
	scanConcurrency    = 4
)

// PlatformRemovalOptions controls RemoveFromPlatform.
type PlatformRemovalOptions struct {
	DryRun  bool
	Disable bool // also set enablement false so sync does not re-add it
}

// RegistryRemovalOptions controls RemoveFromRegistry.
type RegistryRemovalOptions struct {
	CleanupFiles bool
	DryRun       bool
}

// CompleteRemovalOptions controls RemoveComplete.
type CompleteRemovalOptions struct {
	Force     bool
	KeepFiles bool
	DryRun    bool
}

// Remover takes servers out of platforms, the registry and the filesystem.
type Remover struct {
	Deps
	stopTimeout time.Duration
	now         func() time.Time
}

// NewRemover creates a remover. stopTimeout bounds the graceful stop of a running
// server during complete removal.
func NewRemover(deps Deps, stopTimeout time.Duration) *Remover {
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	return &Remover{Deps: deps, stopTimeout: stopTimeout, now: time.Now}
}

// Impact describes everything a removal of name would touch. It never writes.
func (r *Remover) Impact(ctx context.Context, name string) (*domain.RemovalImpact, error) {
	imp := &domain.RemovalImpact{Name: name}
	rec, err := r.Registry.Get(name)
	switch {
	case err == nil:
		imp.InRegistry = true
		imp.Record = &rec
	case errors.Is(err, domain.ErrNotFound):
		rec = domain.ServerRecord{Name: name}
	default:
		return nil, err
	}

	adapters := r.Platforms.All()
	refs := make([]domain.PlatformRef, len(adapters))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for i, a := range adapters {
		g.Go(func() error {
			ref := domain.PlatformRef{
				Platform: a.ID(),
				Present:  a.IsPresent(),
				Enabled:  rec.EnabledFor(a.ID()),
			}
			if ref.Present {
				entries, err := a.ReadEntries()
				if err != nil {
					ref.Err = err
				} else {
					_, ref.Referenced = entries[name]
				}
			}
			refs[i] = ref
			return nil
		})
	}
	_ = g.Wait()
	imp.Platforms = refs

	if !imp.InRegistry && len(imp.ReferencingPlatforms()) == 0 {
		return nil, fmt.Errorf("server %q: %w", name, domain.ErrNotFound)
	}

	if r.Cleaner != nil {
		artifacts, err := r.Cleaner.Plan(rec)
		if err != nil {
			r.Logger.Warn("failed to plan cleanup", zap.String("server", name), zap.Error(err))
		}
		imp.Artifacts = artifacts
		for _, a := range artifacts {
			imp.ReclaimableBytes += a.SizeBytes
		}
	}

	if r.Supervisor != nil && rec.Kind != domain.KindRemote {
		imp.Process = r.Supervisor.Status(name)
		imp.Running = imp.Process.Status == domain.StatusRunning || imp.Process.Status == domain.StatusStarting
	}
	return imp, nil
}

// RemoveFromPlatform deletes name from one platform's document. The registry is
// only touched when opts.Disable is set.
func (r *Remover) RemoveFromPlatform(ctx context.Context, name string, platform domain.PlatformID, opts PlatformRemovalOptions) (*domain.RemovalResult, error) {
	a, ok := r.Platforms.Get(platform)
	if !ok {
		return nil, fmt.Errorf("platform %q: %w", platform, domain.ErrNotFound)
	}
	entries, err := a.ReadEntries()
	if err != nil {
		return nil, err
	}
	if _, ok := entries[name]; !ok {
		return nil, fmt.Errorf("server %q in %s: %w", name, platform, domain.ErrNotFound)
	}

	res := r.newResult(name, OpRemoveFromPlatform, opts.DryRun)
	res.Impact, _ = r.Impact(ctx, name)

	r.runStep(res, "remove-entry", string(platform), "", func() error {
		return r.removeEntries(res, a, name)
	})

	if opts.Disable {
		skip := ""
		if res.Impact == nil || !res.Impact.InRegistry {
			skip = "not in registry"
		}
		r.runStep(res, "disable", string(platform), skip, func() error {
			rec, err := r.Registry.Get(name)
			if err != nil {
				return err
			}
			if rec.PlatformEnablement == nil {
				rec.PlatformEnablement = make(map[domain.PlatformID]bool)
			}
			rec.PlatformEnablement[platform] = false
			backup, err := r.Registry.Put(rec)
			if err != nil {
				return err
			}
			res.Backups = append(res.Backups, backup)
			return nil
		})
	} else if imp := res.Impact; imp != nil && imp.Record != nil && imp.Record.EnabledFor(platform) {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("%s is still enabled for %s; the next sync adds it back (use --disable)", name, platform))
	}

	return res, r.finish(ctx, res, platform)
}

// RemoveFromRegistry deletes the record. Platforms that still reference the name
// are reported as warnings and left alone.
func (r *Remover) RemoveFromRegistry(ctx context.Context, name string, opts RegistryRemovalOptions) (*domain.RemovalResult, error) {
	if _, err := r.Registry.Get(name); err != nil {
		return nil, err
	}
	imp, err := r.Impact(ctx, name)
	if err != nil {
		return nil, err
	}

	res := r.newResult(name, OpRemoveFromRegistry, opts.DryRun)
	res.Impact = imp
	for _, id := range imp.ReferencingPlatforms() {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("%s is still configured in %s; run `serverhub remove from-platform %s %s`", name, id, name, id))
	}
	if imp.Running {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("%s is %s (pid %d) and keeps running unmanaged", name, imp.Process.Status, imp.Process.PID))
	}

	r.runStep(res, "delete-record", name, "", func() error {
		backup, err := r.Registry.Delete(name)
		if err != nil {
			return err
		}
		res.Backups = append(res.Backups, backup)
		return nil
	})
	r.runStep(res, "delete-secrets", name, r.secretsSkip(), func() error {
		return r.Secrets.Delete(name)
	})

	cleanupSkip := ""
	switch {
	case !opts.CleanupFiles:
		cleanupSkip = "not requested"
	case len(imp.Artifacts) == 0:
		cleanupSkip = "nothing to clean"
	}
	r.runCleanup(res, imp.Artifacts, cleanupSkip)

	return res, r.finish(ctx, res, "")
}

// RemoveComplete stops the server, removes it from every platform that enables
// or references it, deletes the record and secrets, and cleans up its files.
// Steps run in order and a failure does not stop later steps.
func (r *Remover) RemoveComplete(ctx context.Context, name string, opts CompleteRemovalOptions) (*domain.RemovalResult, error) {
	imp, err := r.Impact(ctx, name)
	if err != nil {
		return nil, err
	}
	if imp.Running && !opts.Force {
		return nil, fmt.Errorf("server %q is %s (pid %d); stop it first or use --force: %w",
			name, imp.Process.Status, imp.Process.PID, domain.ErrAlreadyRunning)
	}

	res := r.newResult(name, OpRemoveServer, opts.DryRun)
	res.Impact = imp

	type step struct {
		name, target, skip string
		run                func() error
	}
	var steps []step

	stopSkip := ""
	switch {
	case imp.Record != nil && imp.Record.Kind == domain.KindRemote:
		stopSkip = "remote endpoint"
	case r.Supervisor == nil || !imp.Process.Status.Live():
		stopSkip = "not running"
	}
	steps = append(steps, step{"stop-process", name, stopSkip, func() error {
		_, err := r.Supervisor.Stop(ctx, name, r.stopTimeout)
		if errors.Is(err, domain.ErrNotRunning) {
			return nil
		}
		return err
	}})

	for _, ref := range imp.Platforms {
		if !ref.Enabled && !ref.Referenced {
			continue
		}
		a, ok := r.Platforms.Get(ref.Platform)
		if !ok {
			continue
		}
		skip := ""
		switch {
		case !ref.Present:
			skip = "host application not installed"
		case ref.Err == nil && !ref.Referenced:
			skip = "no entry"
		}
		steps = append(steps, step{"remove-entry", string(ref.Platform), skip, func() error {
			return r.removeEntries(res, a, name)
		}})
	}

	recordSkip := ""
	if !imp.InRegistry {
		recordSkip = "not in registry"
	}
	steps = append(steps, step{"delete-record", name, recordSkip, func() error {
		backup, err := r.Registry.Delete(name)
		if err != nil {
			return err
		}
		res.Backups = append(res.Backups, backup)
		return nil
	}})
	steps = append(steps, step{"delete-secrets", name, r.secretsSkip(), func() error {
		return r.Secrets.Delete(name)
	}})

	for i, st := range steps {
		if ctx.Err() != nil {
			for _, rest := range steps[i:] {
				res.Steps = append(res.Steps, domain.StepResult{Step: rest.name, Target: rest.target, Status: domain.StepSkipped, Reason: "interrupted"})
			}
			res.Steps = append(res.Steps, domain.StepResult{Step: "cleanup", Target: name, Status: domain.StepSkipped, Reason: "interrupted"})
			return res, r.finish(context.WithoutCancel(ctx), res, "")
		}
		r.runStep(res, st.name, st.target, st.skip, st.run)
	}

	cleanupSkip := ""
	switch {
	case opts.KeepFiles:
		cleanupSkip = "--keep-files"
	case len(imp.Artifacts) == 0:
		cleanupSkip = "nothing to clean"
	}
	if ctx.Err() != nil {
		res.Steps = append(res.Steps, domain.StepResult{Step: "cleanup", Target: name, Status: domain.StepSkipped, Reason: "interrupted"})
		return res, r.finish(context.WithoutCancel(ctx), res, "")
	}
	r.runCleanup(res, imp.Artifacts, cleanupSkip)

	return res, r.finish(ctx, res, "")
}

// FindOrphans maps each selected platform to the sorted names it holds without a
// registry record enabled for it. Hosts that are not installed are left out.
func (r *Remover) FindOrphans(ctx context.Context, platform domain.PlatformID) (map[domain.PlatformID][]string, error) {
	adapters, err := r.Platforms.Select(platform)
	if err != nil {
		return nil, err
	}
	records, err := r.Registry.List(domain.RecordFilter{})
	if err != nil {
		return nil, err
	}

	orphans := make([][]string, len(adapters))
	errs := make([]error, len(adapters))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for i, a := range adapters {
		if !a.IsPresent() {
			continue
		}
		g.Go(func() error {
			entries, err := a.ReadEntries()
			if err != nil {
				errs[i] = err
				return nil
			}
			names := orphanNames(a.ID(), records, entries)
			metrics.SetOrphans(string(a.ID()), len(names))
			orphans[i] = names
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[domain.PlatformID][]string)
	var failed []domain.StepResult
	for i, a := range adapters {
		if errs[i] != nil {
			failed = append(failed, domain.StepResult{Step: "scan", Target: string(a.ID()), Status: domain.StepFailed, Err: errs[i]})
			continue
		}
		if len(orphans[i]) > 0 {
			out[a.ID()] = orphans[i]
		}
	}
	if len(failed) > 0 {
		return out, &domain.PartialFailureError{Op: "find-orphans", Failed: failed}
	}
	return out, nil
}

func orphanNames(id domain.PlatformID, records []domain.ServerRecord, entries map[string]domain.PlatformConfigEntry) []string {
	enabled := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.EnabledFor(id) {
			enabled[rec.Name] = true
		}
	}
	var names []string
	for name := range entries {
		if !enabled[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// RemoveOrphans deletes exactly the orphan set of each selected platform.
func (r *Remover) RemoveOrphans(ctx context.Context, platform domain.PlatformID, dryRun bool) (*domain.RemovalResult, error) {
	found, findErr := r.FindOrphans(ctx, platform)
	if found == nil {
		return nil, findErr
	}

	res := r.newResult("", OpRemoveOrphans, dryRun)
	var scanFailed *domain.PartialFailureError
	if errors.As(findErr, &scanFailed) {
		res.Steps = append(res.Steps, scanFailed.Failed...)
	}

	ids := make([]domain.PlatformID, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		a, _ := r.Platforms.Get(id)
		names := found[id]
		r.runStepReason(res, "remove-orphans", string(id), "", joinNames(names), func() error {
			return r.removeEntries(res, a, names...)
		})
	}
	if len(ids) == 0 && len(res.Steps) == 0 {
		res.Steps = append(res.Steps, domain.StepResult{Step: "remove-orphans", Target: string(platform), Status: domain.StepSkipped, Reason: "no orphans"})
	}

	return res, r.finish(ctx, res, platform)
}

// removeEntries drops names from the platform document in one write.
func (r *Remover) removeEntries(res *domain.RemovalResult, a domain.PlatformAdapter, names ...string) error {
	entries, err := a.ReadEntries()
	if err != nil {
		return err
	}
	removed := 0
	for _, n := range names {
		if _, ok := entries[n]; ok {
			delete(entries, n)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	backup, err := a.WriteEntries(entries)
	if err != nil {
		return err
	}
	res.Backups = append(res.Backups, backup)
	r.Logger.Info("removed platform entries",
		zap.String("platform", string(a.ID())),
		zap.String("names", joinNames(names)),
		zap.String("backup", backup.Path))
	return nil
}

func (r *Remover) secretsSkip() string {
	if r.Secrets == nil {
		return "no secret store"
	}
	return ""
}

func (r *Remover) newResult(name, op string, dryRun bool) *domain.RemovalResult {
	return &domain.RemovalResult{Name: name, Operation: op, DryRun: dryRun, StartedAt: r.now()}
}

func (r *Remover) runStep(res *domain.RemovalResult, step, target, skip string, run func() error) {
	r.runStepReason(res, step, target, skip, "", run)
}

// runStepReason records one step: skipped with skip as the reason, planned in a
// dry run, otherwise ok or failed by run.
func (r *Remover) runStepReason(res *domain.RemovalResult, step, target, skip, reason string, run func() error) {
	sr := domain.StepResult{Step: step, Target: target, Reason: reason}
	switch {
	case skip != "":
		sr.Status = domain.StepSkipped
		sr.Reason = skip
	case res.DryRun:
		sr.Status = domain.StepPlanned
	default:
		if err := run(); err != nil {
			sr.Status = domain.StepFailed
			sr.Err = err
			r.Logger.Warn("removal step failed",
				zap.String("operation", res.Operation),
				zap.String("step", step),
				zap.String("target", target),
				zap.Error(err))
		} else {
			sr.Status = domain.StepOK
		}
	}
	res.Steps = append(res.Steps, sr)
}

func (r *Remover) runCleanup(res *domain.RemovalResult, artifacts []domain.FileInfo, skip string) {
	if skip != "" {
		res.Steps = append(res.Steps, domain.StepResult{Step: "cleanup", Target: res.Name, Status: domain.StepSkipped, Reason: skip})
		return
	}
	cleanup := r.Cleaner.Apply(artifacts, res.DryRun)
	res.Cleanup = &cleanup
	sr := domain.StepResult{
		Step:   "cleanup",
		Target: res.Name,
		Status: domain.StepOK,
		Reason: fmt.Sprintf("%d file(s), %d bytes", len(cleanup.Deleted), cleanup.FreedBytes),
	}
	if res.DryRun {
		sr.Status = domain.StepPlanned
	}
	if len(cleanup.Errors) > 0 {
		sr.Status = domain.StepFailed
		sr.Err = errors.Join(cleanup.Errors...)
	}
	res.Steps = append(res.Steps, sr)
}

// finish stamps the duration, records the journal entry and metrics, and turns
// failed steps into a PartialFailureError.
func (r *Remover) finish(ctx context.Context, res *domain.RemovalResult, platform domain.PlatformID) error {
	res.Duration = r.now().Sub(res.StartedAt)
	failed := res.Failed()

	attempted := 0
	var detail []string
	for _, s := range res.Steps {
		if s.Status == domain.StepSkipped {
			continue
		}
		attempted++
		detail = append(detail, fmt.Sprintf("%s %s: %s", s.Step, s.Target, s.Status))
	}
	outcome := outcomeOf(len(failed), attempted)

	if res.DryRun {
		metrics.IncRemoval(res.Operation, "dry-run")
	} else {
		metrics.IncRemoval(res.Operation, string(outcome))
		target := res.Name
		if target == "" {
			target = string(platform)
		}
		r.journal(ctx, domain.JournalEntry{
			Op:       res.Operation,
			Target:   target,
			Platform: platform,
			Outcome:  outcome,
			Detail:   strings.Join(detail, "; "),
			Backups:  backupPaths(res.Backups),
		})
	}

	r.Logger.Info("removal finished",
		zap.String("operation", res.Operation),
		zap.String("server", res.Name),
		zap.Bool("dry_run", res.DryRun),
		zap.String("outcome", string(outcome)),
		zap.Int("backups", len(res.Backups)),
		zap.Duration("duration", res.Duration))

	if len(failed) > 0 {
		return &domain.PartialFailureError{Op: res.Operation, Failed: failed, Backups: res.Backups}
	}
	return nil
}
