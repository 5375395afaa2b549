package platform

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/eliteGoblin/serverhub/internal/domain"
)

// Set holds the adapters serverhub syncs into.
type Set struct {
	adapters map[domain.PlatformID]domain.PlatformAdapter
}

// Options selects paths and hosts for NewDefaultSet.
type Options struct {
	Env       Env
	Overrides map[domain.PlatformID]string
	Disabled  map[domain.PlatformID]bool
}

// NewDefaultSet creates a set with an adapter for every supported host that is
// not disabled.
func NewDefaultSet(opts Options, backups domain.BackupStore, logger *zap.Logger) *Set {
	s := NewSet()
	for _, h := range Hosts() {
		if opts.Disabled[h.ID()] {
			logger.Debug("platform disabled by configuration", zap.String("platform", string(h.ID())))
			continue
		}
		s.Register(NewAdapter(h, opts.Env, opts.Overrides[h.ID()], backups, logger))
	}
	return s
}

// NewSet creates a set with the given adapters (for testing).
func NewSet(adapters ...domain.PlatformAdapter) *Set {
	s := &Set{adapters: make(map[domain.PlatformID]domain.PlatformAdapter)}
	for _, a := range adapters {
		s.Register(a)
	}
	return s
}

// Register adds an adapter, replacing any with the same id.
func (s *Set) Register(a domain.PlatformAdapter) {
	s.adapters[a.ID()] = a
}

// Get returns an adapter by id.
func (s *Set) Get(id domain.PlatformID) (domain.PlatformAdapter, bool) {
	a, ok := s.adapters[id]
	return a, ok
}

// All returns every adapter, sorted by id.
func (s *Set) All() []domain.PlatformAdapter {
	result := make([]domain.PlatformAdapter, 0, len(s.adapters))
	for _, a := range s.adapters {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

// IDs returns all adapter ids, sorted.
func (s *Set) IDs() []domain.PlatformID {
	ids := make([]domain.PlatformID, 0, len(s.adapters))
	for id := range s.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Select returns the adapter for id, or all adapters when id is empty.
func (s *Set) Select(id domain.PlatformID) ([]domain.PlatformAdapter, error) {
	if id == "" {
		return s.All(), nil
	}
	a, ok := s.Get(id)
	if !ok {
		return nil, fmt.Errorf("platform %q: %w", id, domain.ErrNotFound)
	}
	return []domain.PlatformAdapter{a}, nil
}
