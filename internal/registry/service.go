// Package registry is the versioned name directory: every name maps to an
// append-only history of (address, logic address) entries and resolves to
// its highest version.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sbtc/oss-medical-record/internal/domain"
	"github.com/sbtc/oss-medical-record/internal/repo"
)

const defaultActor = "deployctl"

type RegisterInput struct {
	Name         string
	Version      int
	Address      string
	LogicAddress string
	RunID        string
	RequestID    string
}

type Service struct {
	repo      repo.RegistryRepository
	namespace string
	actor     string
	now       func() time.Time
	cache     *resolveCache
	logger    *slog.Logger
}

type Option func(*Service)

func WithActor(actor string) Option {
	return func(s *Service) {
		if actor = strings.TrimSpace(actor); actor != "" {
			s.actor = actor
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithResolveCache keeps resolved current entries in process for ttl.
// Registrations through this service refresh the cache; writes made by
// other processes become visible once the entry expires.
func WithResolveCache(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.cache = newResolveCache(ttl)
		}
	}
}

func New(r repo.RegistryRepository, namespace string, opts ...Option) (*Service, error) {
	if r == nil {
		return nil, errors.New("registry repository is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, errors.New("namespace is required")
	}
	s := &Service{
		repo:      r,
		namespace: namespace,
		actor:     defaultActor,
		now:       time.Now,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) Namespace() string {
	return s.namespace
}

// Change is one mutation of an Apply batch. An upgrade takes the version
// after the name's current one and ignores Input.Version.
type Change struct {
	Upgrade bool
	Input   RegisterInput
}

// Register appends version in.Version of in.Name. The version must be exactly
// one past the current version; a failed call leaves the registry unchanged.
func (s *Service) Register(ctx context.Context, in RegisterInput) (domain.RegistryEntry, error) {
	stored, err := s.Apply(ctx, []Change{{Input: in}})
	if err != nil {
		return domain.RegistryEntry{}, unwrapChange(err)
	}
	return stored[0], nil
}

// Upgrade registers current+1 for an existing name.
func (s *Service) Upgrade(ctx context.Context, name, address, logicAddress string) (domain.RegistryEntry, error) {
	return s.UpgradeWithRun(ctx, RegisterInput{Name: name, Address: address, LogicAddress: logicAddress})
}

// UpgradeWithRun is Upgrade carrying run and request ids for the audit trail.
// in.Version is ignored.
func (s *Service) UpgradeWithRun(ctx context.Context, in RegisterInput) (domain.RegistryEntry, error) {
	stored, err := s.Apply(ctx, []Change{{Upgrade: true, Input: in}})
	if err != nil {
		return domain.RegistryEntry{}, unwrapChange(err)
	}
	return stored[0], nil
}

// Apply writes every change or none of them. Changes are checked in order
// against the registry plus the changes ahead of them, so a batch may
// register a name and upgrade it again. Failures are *ChangeError.
func (s *Service) Apply(ctx context.Context, changes []Change) ([]domain.RegistryEntry, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	at := s.now().UTC().Truncate(time.Microsecond)
	pending := make(map[string]int, len(changes))
	batch := make([]repo.RegistryAppend, 0, len(changes))
	for i, change := range changes {
		item, err := s.prepare(ctx, change, pending, at)
		if err != nil {
			return nil, changeError(i, strings.TrimSpace(change.Input.Name), err)
		}
		pending[item.Entry.Name] = item.Entry.Version
		batch = append(batch, item)
	}

	stored, err := s.repo.AppendEntries(ctx, batch)
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return nil, s.explainConflict(ctx, batch, err)
		}
		first := batch[0].Entry
		return nil, changeError(0, first.Name, fmt.Errorf("register %s v%d: %w", first.Name, first.Version, err))
	}
	if len(stored) != len(batch) {
		return nil, changeError(0, batch[0].Entry.Name, fmt.Errorf("registry store returned %d of %d entries", len(stored), len(batch)))
	}

	for i, entry := range stored {
		if err := domain.EnsureRegistryEntryImmutable(batch[i].Entry, entry); err != nil {
			return nil, changeError(i, entry.Name, fmt.Errorf("stored %s v%d differs from the written entry: %w", entry.Name, entry.Version, err))
		}
		s.cache.set(entry)
		s.logger.Info("registry entry recorded",
			"namespace", s.namespace,
			"name", entry.Name,
			"version", entry.Version,
			"address", entry.Address,
			"logic_address", entry.LogicAddress,
		)
	}
	return stored, nil
}

func (s *Service) prepare(ctx context.Context, change Change, pending map[string]int, at time.Time) (repo.RegistryAppend, error) {
	in := change.Input
	name := strings.TrimSpace(in.Name)
	address := strings.TrimSpace(in.Address)
	if name == "" {
		return repo.RegistryAppend{}, errors.New("name is required")
	}
	if address == "" {
		return repo.RegistryAppend{}, errors.New("address is required")
	}

	current, ok := pending[name]
	if !ok {
		var err error
		if current, err = s.currentVersion(ctx, name); err != nil {
			return repo.RegistryAppend{}, err
		}
	}
	version := in.Version
	if change.Upgrade {
		if current == 0 {
			return repo.RegistryAppend{}, fmt.Errorf("upgrade %q: %w", name, ErrUnknownComponent)
		}
		version = current + 1
	}
	if err := checkVersion(name, version, current); err != nil {
		return repo.RegistryAppend{}, err
	}

	entry := domain.RegistryEntry{
		Namespace:    s.namespace,
		Name:         name,
		Version:      version,
		Address:      address,
		LogicAddress: strings.TrimSpace(in.LogicAddress),
		RegisteredAt: at,
		RunID:        strings.TrimSpace(in.RunID),
	}
	sum, err := entry.ComputeIntegritySHA256()
	if err != nil {
		return repo.RegistryAppend{}, err
	}
	entry.IntegritySHA256 = sum

	audit := &domain.AuditEvent{
		OccurredAt:   entry.RegisteredAt,
		Actor:        s.actor,
		Action:       domain.AuditActionRegistryRegister,
		ResourceType: domain.AuditResourceRegistryEntry,
		ResourceID:   s.namespace + "/" + name + "@" + strconv.Itoa(version),
		RequestID:    strings.TrimSpace(in.RequestID),
		Payload: domain.Metadata{
			"namespace":        s.namespace,
			"name":             name,
			"version":          version,
			"address":          entry.Address,
			"logic_address":    entry.LogicAddress,
			"run_id":           entry.RunID,
			"integrity_sha256": sum,
		},
	}
	return repo.RegistryAppend{Entry: entry, Audit: audit}, nil
}

// Resolve returns the highest version registered under name.
func (s *Service) Resolve(ctx context.Context, name string) (domain.RegistryEntry, error) {
	name = strings.TrimSpace(name)
	if entry, ok := s.cache.get(s.namespace, name); ok {
		return entry, nil
	}
	entry, err := s.repo.LatestEntry(ctx, s.namespace, name)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.RegistryEntry{}, fmt.Errorf("resolve %q: %w", name, ErrUnknownComponent)
		}
		return domain.RegistryEntry{}, fmt.Errorf("resolve %q: %w", name, err)
	}
	s.cache.set(entry)
	return entry, nil
}

// ResolveVersion returns one historical entry.
func (s *Service) ResolveVersion(ctx context.Context, name string, version int) (domain.RegistryEntry, error) {
	name = strings.TrimSpace(name)
	entry, err := s.repo.GetEntry(ctx, s.namespace, name, version)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.RegistryEntry{}, fmt.Errorf("resolve %q v%d: %w", name, version, err)
	}
	if _, err := s.Resolve(ctx, name); err != nil {
		return domain.RegistryEntry{}, err
	}
	return domain.RegistryEntry{}, fmt.Errorf("resolve %q v%d: %w", name, version, ErrUnknownVersion)
}

// ResolveImplementation follows the indirection of the current entry: the
// logic address when the name is a proxy, otherwise its own address.
func (s *Service) ResolveImplementation(ctx context.Context, name string) (string, error) {
	entry, err := s.Resolve(ctx, name)
	if err != nil {
		return "", err
	}
	return entry.Implementation(), nil
}

// History returns every version of name in ascending order.
func (s *Service) History(ctx context.Context, name string) ([]domain.RegistryEntry, error) {
	name = strings.TrimSpace(name)
	entries, err := s.repo.ListEntries(ctx, s.namespace, name)
	if err != nil {
		return nil, fmt.Errorf("history %q: %w", name, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("history %q: %w", name, ErrUnknownComponent)
	}
	return entries, nil
}

// List returns the current entry of every name, sorted by name.
func (s *Service) List(ctx context.Context) ([]domain.RegistryEntry, error) {
	entries, err := s.repo.ListLatest(ctx, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("list registry: %w", err)
	}
	return entries, nil
}

// Exists reports whether name has at least one version.
func (s *Service) Exists(ctx context.Context, name string) (bool, error) {
	current, err := s.currentVersion(ctx, strings.TrimSpace(name))
	if err != nil {
		return false, err
	}
	return current > 0, nil
}

// Ping checks that the backing repository answers.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.repo.ListLatest(ctx, s.namespace)
	return err
}

func (s *Service) currentVersion(ctx context.Context, name string) (int, error) {
	entry, err := s.repo.LatestEntry(ctx, s.namespace, name)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("current version of %q: %w", name, err)
	}
	return entry.Version, nil
}

func checkVersion(name string, version, current int) error {
	if version >= 1 && version <= current {
		return fmt.Errorf("register %q v%d: %w", name, version, ErrDuplicateRegistration)
	}
	if version != current+1 {
		return fmt.Errorf("register %q v%d (current %d): %w", name, version, current, ErrVersionConflict)
	}
	return nil
}

// explainConflict turns a lost append into the typed error the caller would
// have seen had it observed the winning write first, attributed to the first
// change of the batch that no longer fits.
func (s *Service) explainConflict(ctx context.Context, batch []repo.RegistryAppend, cause error) error {
	seen := make(map[string]int, len(batch))
	for i, item := range batch {
		name, version := item.Entry.Name, item.Entry.Version
		current, ok := seen[name]
		if !ok {
			var err error
			if current, err = s.currentVersion(ctx, name); err != nil {
				return changeError(i, name, fmt.Errorf("register %q v%d: %w", name, version, cause))
			}
		}
		if typed := checkVersion(name, version, current); typed != nil {
			return changeError(i, name, typed)
		}
		seen[name] = version
	}
	first := batch[0].Entry
	return changeError(0, first.Name, fmt.Errorf("register %q v%d: %w", first.Name, first.Version, ErrVersionConflict))
}
