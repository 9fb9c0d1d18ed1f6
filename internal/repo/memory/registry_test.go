package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/sbtc/oss-medical-record/internal/domain"
	"github.com/sbtc/oss-medical-record/internal/repo"
)

func entry(name string, version int, addr string) domain.RegistryEntry {
	return domain.RegistryEntry{Namespace: "dev", Name: name, Version: version, Address: addr}
}

func TestRegistryStoreAppendIsContiguous(t *testing.T) {
	ctx := context.Background()
	s := NewRegistryStore()

	if _, err := s.AppendEntry(ctx, entry("Proxy", 1, "0x1"), nil); err != nil {
		t.Fatalf("append v1: %v", err)
	}
	if _, err := s.AppendEntry(ctx, entry("Proxy", 3, "0x3"), nil); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict for gap, got %v", err)
	}
	if _, err := s.AppendEntry(ctx, entry("Proxy", 1, "0x9"), nil); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate, got %v", err)
	}
	latest, err := s.LatestEntry(ctx, "dev", "Proxy")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Address != "0x1" {
		t.Fatalf("latest address=%s, want 0x1", latest.Address)
	}
}

func TestRegistryStoreNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewRegistryStore()
	if _, err := s.AppendEntry(ctx, entry("Proxy", 1, "0x1"), nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.LatestEntry(ctx, "prod", "Proxy"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound in other namespace, got %v", err)
	}
	list, err := s.ListLatest(ctx, "prod")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %d", len(list))
	}
}

func TestRegistryStoreRecordsAudit(t *testing.T) {
	ctx := context.Background()
	s := NewRegistryStore()
	audit := &domain.AuditEvent{Actor: "deployctl", Action: domain.AuditActionRegistryRegister}
	if _, err := s.AppendEntry(ctx, entry("Proxy", 1, "0x1"), audit); err != nil {
		t.Fatalf("append: %v", err)
	}
	events := s.AuditEvents()
	if len(events) != 1 || events[0].EventID != 1 {
		t.Fatalf("unexpected audit events: %+v", events)
	}
}

func TestRegistryStoreAppendEntriesIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewRegistryStore()
	if _, err := s.AppendEntry(ctx, entry("Taken", 1, "0x1"), nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	batch := []repo.RegistryAppend{
		{Entry: entry("Fresh", 1, "0xa"), Audit: &domain.AuditEvent{Actor: "deployctl"}},
		{Entry: entry("Taken", 1, "0xb")},
	}
	if _, err := s.AppendEntries(ctx, batch); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := s.LatestEntry(ctx, "dev", "Fresh"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected Fresh not stored, got %v", err)
	}
	if events := s.AuditEvents(); len(events) != 0 {
		t.Fatalf("expected no audit events, got %+v", events)
	}
}

func TestRegistryStoreAppendEntriesChainsVersions(t *testing.T) {
	ctx := context.Background()
	s := NewRegistryStore()
	stored, err := s.AppendEntries(ctx, []repo.RegistryAppend{
		{Entry: entry("Proxy", 1, "0x1")},
		{Entry: entry("Proxy", 2, "0x2")},
	})
	if err != nil {
		t.Fatalf("append batch: %v", err)
	}
	if len(stored) != 2 || stored[1].Version != 2 {
		t.Fatalf("unexpected stored entries %+v", stored)
	}
	latest, err := s.LatestEntry(ctx, "dev", "Proxy")
	if err != nil || latest.Address != "0x2" {
		t.Fatalf("latest=%+v err=%v", latest, err)
	}
}
