// Package usecase contains application business logic.
package usecase

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

// Platforms is the set of adapters an operation may touch.
type Platforms interface {
	Get(id domain.PlatformID) (domain.PlatformAdapter, bool)
	All() []domain.PlatformAdapter
	Select(id domain.PlatformID) ([]domain.PlatformAdapter, error)
}

// Deps bundles the collaborators shared by the usecases. Secrets, Supervisor and
// Journal may be nil.
type Deps struct {
	Registry   domain.Registry
	Platforms  Platforms
	Supervisor domain.ProcessSupervisor
	Cleaner    domain.Cleaner
	Secrets    domain.SecretStore
	Journal    domain.Journal
	Logger     *zap.Logger
}

// journal appends entry, logging instead of failing the operation.
func (d Deps) journal(ctx context.Context, entry domain.JournalEntry) {
	if d.Journal == nil {
		return
	}
	if err := d.Journal.Record(ctx, entry); err != nil {
		d.Logger.Warn("failed to record journal entry",
			zap.String("op", entry.Op),
			zap.String("target", entry.Target),
			zap.Error(err))
	}
}

// withSecrets returns records with stored secrets merged into Env. Stored values
// win over registry values.
func (d Deps) withSecrets(records []domain.ServerRecord) ([]domain.ServerRecord, error) {
	if d.Secrets == nil {
		return records, nil
	}
	out := make([]domain.ServerRecord, len(records))
	for i, r := range records {
		out[i] = r
		sec, err := d.Secrets.Get(r.Name)
		if err != nil {
			return nil, err
		}
		if len(sec) == 0 {
			continue
		}
		c := r.Clone()
		if c.Env == nil {
			c.Env = make(map[string]string, len(sec))
		}
		for k, v := range sec {
			c.Env[k] = v
		}
		out[i] = c
	}
	return out, nil
}

func outcomeOf(failed, total int) domain.JournalOutcome {
	switch {
	case failed == 0:
		return domain.OutcomeOK
	case failed >= total:
		return domain.OutcomeFailed
	default:
		return domain.OutcomePartial
	}
}

func backupPaths(backups []domain.BackupRecord) []string {
	paths := make([]string, 0, len(backups))
	for _, b := range backups {
		paths = append(paths, b.Path)
	}
	return paths
}

func joinNames(names []string) string {
	return strings.Join(names, ",")
}
