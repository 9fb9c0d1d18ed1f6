// Package memory provides process-local repository implementations used for
// dry runs and tests. Nothing here survives the process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sbtc/oss-medical-record/internal/domain"
	"github.com/sbtc/oss-medical-record/internal/repo"
)

type RegistryStore struct {
	mu      sync.RWMutex
	entries map[string][]domain.RegistryEntry
	audit   []domain.AuditEvent
}

func NewRegistryStore() *RegistryStore {
	return &RegistryStore{entries: map[string][]domain.RegistryEntry{}}
}

func registryKey(namespace, name string) string {
	return strings.TrimSpace(namespace) + "/" + strings.TrimSpace(name)
}

func (s *RegistryStore) AppendEntry(ctx context.Context, entry domain.RegistryEntry, audit *domain.AuditEvent) (domain.RegistryEntry, error) {
	stored, err := s.AppendEntries(ctx, []repo.RegistryAppend{{Entry: entry, Audit: audit}})
	if err != nil {
		return domain.RegistryEntry{}, err
	}
	return stored[0], nil
}

// AppendEntries checks every entry against the history plus the entries
// ahead of it in the batch, then commits all of them.
func (s *RegistryStore) AppendEntries(ctx context.Context, batch []repo.RegistryAppend) ([]domain.RegistryEntry, error) {
	for _, item := range batch {
		if err := item.Entry.Validate(); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make(map[string]int, len(batch))
	for _, item := range batch {
		key := registryKey(item.Entry.Namespace, item.Entry.Name)
		if item.Entry.Version != len(s.entries[key])+pending[key]+1 {
			return nil, fmt.Errorf("append %s v%d: %w", item.Entry.Name, item.Entry.Version, repo.ErrConflict)
		}
		pending[key]++
	}

	stored := make([]domain.RegistryEntry, 0, len(batch))
	for _, item := range batch {
		key := registryKey(item.Entry.Namespace, item.Entry.Name)
		s.entries[key] = append(s.entries[key], item.Entry)
		if item.Audit != nil {
			event := *item.Audit
			event.EventID = int64(len(s.audit) + 1)
			s.audit = append(s.audit, event)
		}
		stored = append(stored, item.Entry)
	}
	return stored, nil
}

func (s *RegistryStore) LatestEntry(ctx context.Context, namespace, name string) (domain.RegistryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.entries[registryKey(namespace, name)]
	if len(history) == 0 {
		return domain.RegistryEntry{}, repo.ErrNotFound
	}
	return history[len(history)-1], nil
}

func (s *RegistryStore) GetEntry(ctx context.Context, namespace, name string, version int) (domain.RegistryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.entries[registryKey(namespace, name)]
	if version < 1 || version > len(history) {
		return domain.RegistryEntry{}, repo.ErrNotFound
	}
	return history[version-1], nil
}

func (s *RegistryStore) ListEntries(ctx context.Context, namespace, name string) ([]domain.RegistryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.entries[registryKey(namespace, name)]
	out := make([]domain.RegistryEntry, len(history))
	copy(out, history)
	return out, nil
}

func (s *RegistryStore) ListLatest(ctx context.Context, namespace string) ([]domain.RegistryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := strings.TrimSpace(namespace) + "/"
	out := make([]domain.RegistryEntry, 0)
	for key, history := range s.entries {
		if !strings.HasPrefix(key, prefix) || len(history) == 0 {
			continue
		}
		out = append(out, history[len(history)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Append records an audit event that is not tied to a registry write.
func (s *RegistryStore) Append(ctx context.Context, event domain.AuditEvent) (int64, error) {
	if err := event.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	event.EventID = int64(len(s.audit) + 1)
	s.audit = append(s.audit, event)
	return event.EventID, nil
}

var _ repo.AuditEventAppender = (*RegistryStore)(nil)

// AuditEvents returns a copy of the audit events recorded alongside appends.
func (s *RegistryStore) AuditEvents() []domain.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditEvent, len(s.audit))
	copy(out, s.audit)
	return out
}
