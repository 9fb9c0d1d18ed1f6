package registry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sbtc/oss-medical-record/internal/domain"
	"github.com/sbtc/oss-medical-record/internal/repo"
	"github.com/sbtc/oss-medical-record/internal/repo/memory"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *memory.RegistryStore) {
	t.Helper()
	store := memory.NewRegistryStore()
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	opts = append([]Option{WithClock(func() time.Time { return fixed })}, opts...)
	svc, err := New(store, "development", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, store
}

func TestRegisterThenUpgradeProxy(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{Name: "Proxy", Version: 1, Address: "0xP", LogicAddress: "0xL", RunID: "run-1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	entry, err := svc.Resolve(ctx, "Proxy")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if entry.Version != 1 || entry.Address != "0xP" || entry.LogicAddress != "0xL" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.IntegritySHA256 == "" {
		t.Fatalf("expected integrity hash")
	}

	if _, err := svc.Upgrade(ctx, "Proxy", "0xNew", ""); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	entry, err = svc.Resolve(ctx, "Proxy")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if entry.Version != 2 || entry.Address != "0xNew" {
		t.Fatalf("unexpected upgraded entry: %+v", entry)
	}

	history, err := svc.History(ctx, "Proxy")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].Version != 1 || history[1].Version != 2 {
		t.Fatalf("unexpected history: %+v", history)
	}

	events := store.AuditEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(events))
	}
	if events[0].Action != domain.AuditActionRegistryRegister || events[0].ResourceID != "development/Proxy@1" {
		t.Fatalf("unexpected audit event: %+v", events[0])
	}
}

func TestRegisterRejectsBadVersions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, version := range []int{0, -1, 2} {
		_, err := svc.Register(ctx, RegisterInput{Name: "Organizations", Version: version, Address: "0x1"})
		if !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("version %d: expected ErrVersionConflict, got %v", version, err)
		}
	}
	if _, err := svc.Resolve(ctx, "Organizations"); !errors.Is(err, ErrUnknownComponent) {
		t.Fatalf("failed registers must leave no entry, got %v", err)
	}

	if _, err := svc.Register(ctx, RegisterInput{Name: "Organizations", Version: 1, Address: "0x1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := svc.Register(ctx, RegisterInput{Name: "Organizations", Version: 1, Address: "0x2"})
	if !errors.Is(err, ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateRegistration, got %v", err)
	}
	_, err = svc.Register(ctx, RegisterInput{Name: "Organizations", Version: 3, Address: "0x3"})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict for gap, got %v", err)
	}

	entry, err := svc.Resolve(ctx, "Organizations")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if entry.Address != "0x1" || entry.Version != 1 {
		t.Fatalf("registry changed by failed call: %+v", entry)
	}
}

func TestResolveMisses(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Resolve(ctx, "Histories"); !errors.Is(err, ErrUnknownComponent) {
		t.Fatalf("expected ErrUnknownComponent, got %v", err)
	}
	if _, err := svc.ResolveVersion(ctx, "Histories", 1); !errors.Is(err, ErrUnknownComponent) {
		t.Fatalf("expected ErrUnknownComponent, got %v", err)
	}
	if _, err := svc.History(ctx, "Histories"); !errors.Is(err, ErrUnknownComponent) {
		t.Fatalf("expected ErrUnknownComponent, got %v", err)
	}
	if _, err := svc.Upgrade(ctx, "Histories", "0x1", ""); !errors.Is(err, ErrUnknownComponent) {
		t.Fatalf("expected ErrUnknownComponent on upgrade, got %v", err)
	}

	if _, err := svc.Register(ctx, RegisterInput{Name: "Histories", Version: 1, Address: "0x1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.ResolveVersion(ctx, "Histories", 2); !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("expected ErrUnknownVersion, got %v", err)
	}
	entry, err := svc.ResolveVersion(ctx, "Histories", 1)
	if err != nil || entry.Address != "0x1" {
		t.Fatalf("ResolveVersion: entry=%+v err=%v", entry, err)
	}
}

func TestResolveImplementationFollowsLogic(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{Name: "ProxyController", Version: 1, Address: "0xP", LogicAddress: "0xL"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{Name: "Organizations", Version: 1, Address: "0xO"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	impl, err := svc.ResolveImplementation(ctx, "ProxyController")
	if err != nil || impl != "0xL" {
		t.Fatalf("ResolveImplementation=%q err=%v", impl, err)
	}
	impl, err = svc.ResolveImplementation(ctx, "Organizations")
	if err != nil || impl != "0xO" {
		t.Fatalf("ResolveImplementation=%q err=%v", impl, err)
	}
}

func TestListIsSortedAndNamespaced(t *testing.T) {
	store := memory.NewRegistryStore()
	dev, err := New(store, "development")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	staging, err := New(store, "staging")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	for _, name := range []string{"Organizations", "Histories", "ProxyController"} {
		if _, err := dev.Register(ctx, RegisterInput{Name: name, Version: 1, Address: "0x" + name}); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	if _, err := staging.Register(ctx, RegisterInput{Name: "Histories", Version: 1, Address: "0xS"}); err != nil {
		t.Fatalf("Register staging: %v", err)
	}

	entries, err := dev.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 || entries[0].Name != "Histories" || entries[2].Name != "ProxyController" {
		t.Fatalf("unexpected list: %+v", entries)
	}
	entry, err := staging.Resolve(ctx, "Histories")
	if err != nil || entry.Address != "0xS" {
		t.Fatalf("namespace leak: entry=%+v err=%v", entry, err)
	}
}

type racingRepo struct {
	*memory.RegistryStore
	winner *domain.RegistryEntry
}

// AppendEntries lets a competing writer land first, then reports the conflict.
func (r *racingRepo) AppendEntries(ctx context.Context, batch []repo.RegistryAppend) ([]domain.RegistryEntry, error) {
	if r.winner != nil {
		w := *r.winner
		r.winner = nil
		if _, err := r.RegistryStore.AppendEntry(ctx, w, nil); err != nil {
			return nil, err
		}
		return nil, repo.ErrConflict
	}
	return r.RegistryStore.AppendEntries(ctx, batch)
}

func TestRegisterConflictIsReportedAsDuplicate(t *testing.T) {
	r := &racingRepo{
		RegistryStore: memory.NewRegistryStore(),
		winner:        &domain.RegistryEntry{Namespace: "development", Name: "Proxy", Version: 1, Address: "0xOther"},
	}
	svc, err := New(r, "development")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = svc.Register(context.Background(), RegisterInput{Name: "Proxy", Version: 1, Address: "0xMine"})
	if !errors.Is(err, ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateRegistration, got %v", err)
	}
}

func TestResolveCacheRefreshedOnRegister(t *testing.T) {
	svc, _ := newTestService(t, WithResolveCache(time.Minute))
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{Name: "Proxy", Version: 1, Address: "0x1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Resolve(ctx, "Proxy"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := svc.Upgrade(ctx, "Proxy", "0x2", ""); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	entry, err := svc.Resolve(ctx, "Proxy")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if entry.Version != 2 || entry.Address != "0x2" {
		t.Fatalf("stale cache entry: %+v", entry)
	}
}

func TestNewValidatesArguments(t *testing.T) {
	if _, err := New(nil, "development"); err == nil {
		t.Fatalf("expected error for nil repo")
	}
	if _, err := New(memory.NewRegistryStore(), " "); err == nil {
		t.Fatalf("expected error for empty namespace")
	}
}

func TestApplyWritesNothingWhenOneChangeFails(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterInput{Name: "Taken", Version: 1, Address: "0x1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := svc.Apply(ctx, []Change{
		{Input: RegisterInput{Name: "Fresh", Version: 1, Address: "0xa"}},
		{Input: RegisterInput{Name: "Taken", Version: 1, Address: "0xb"}},
	})
	if !errors.Is(err, ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateRegistration, got %v", err)
	}
	var ce *ChangeError
	if !errors.As(err, &ce) || ce.Index != 1 || ce.Name != "Taken" {
		t.Fatalf("expected failure attributed to change 1, got %#v", err)
	}
	if _, err := svc.Resolve(ctx, "Fresh"); !errors.Is(err, ErrUnknownComponent) {
		t.Fatalf("expected Fresh unregistered, got %v", err)
	}
	if events := store.AuditEvents(); len(events) != 1 {
		t.Fatalf("expected only the seed audit event, got %d", len(events))
	}
}

func TestApplyChainsVersionsWithinBatch(t *testing.T) {
	svc, _ := newTestService(t, WithResolveCache(time.Minute))
	ctx := context.Background()

	stored, err := svc.Apply(ctx, []Change{
		{Input: RegisterInput{Name: "Proxy", Version: 1, Address: "0x1", RunID: "run-1"}},
		{Upgrade: true, Input: RegisterInput{Name: "Proxy", Address: "0x2", RunID: "run-1"}},
		{Input: RegisterInput{Name: "Logic", Version: 1, Address: "0x3", RunID: "run-1"}},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(stored) != 3 || stored[1].Version != 2 || stored[2].Version != 1 {
		t.Fatalf("unexpected entries %+v", stored)
	}
	entry, err := svc.Resolve(ctx, "Proxy")
	if err != nil || entry.Address != "0x2" {
		t.Fatalf("resolve Proxy: entry=%+v err=%v", entry, err)
	}
}

func TestApplyRejectsUpgradeOfUnknownName(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Apply(context.Background(), []Change{
		{Input: RegisterInput{Name: "Proxy", Version: 1, Address: "0x1"}},
		{Upgrade: true, Input: RegisterInput{Name: "Missing", Address: "0x2"}},
	})
	if !errors.Is(err, ErrUnknownComponent) {
		t.Fatalf("expected ErrUnknownComponent, got %v", err)
	}
	if exists, _ := svc.Exists(context.Background(), "Proxy"); exists {
		t.Fatalf("expected Proxy unregistered after failed batch")
	}
}

type alteringRepo struct {
	*memory.RegistryStore
}

// AppendEntries stores the batch but echoes back a different address.
func (r alteringRepo) AppendEntries(ctx context.Context, batch []repo.RegistryAppend) ([]domain.RegistryEntry, error) {
	stored, err := r.RegistryStore.AppendEntries(ctx, batch)
	if err == nil && len(stored) > 0 {
		stored[0].Address = "0xaltered"
	}
	return stored, err
}

func TestApplyRejectsAlteredReadback(t *testing.T) {
	svc, err := New(alteringRepo{memory.NewRegistryStore()}, "development", WithResolveCache(time.Minute))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = svc.Register(context.Background(), RegisterInput{Name: "Proxy", Version: 1, Address: "0x1"})
	if err == nil || !strings.Contains(err.Error(), "address is immutable") {
		t.Fatalf("expected immutability error, got %v", err)
	}
}

func TestRegisteredAtIsStoredAtMicrosecondPrecision(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	svc, err := New(memory.NewRegistryStore(), "development", WithClock(func() time.Time { return at }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	entry, err := svc.Register(context.Background(), RegisterInput{Name: "Proxy", Version: 1, Address: "0x1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if want := at.Truncate(time.Microsecond); !entry.RegisteredAt.Equal(want) {
		t.Fatalf("registered_at=%s, want %s", entry.RegisteredAt, want)
	}
}
