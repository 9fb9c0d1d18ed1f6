package sqlite

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sbtc/oss-medical-record/internal/domain"
	platformsqlite "github.com/sbtc/oss-medical-record/internal/platform/sqlite"
	"github.com/sbtc/oss-medical-record/internal/repo"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := platformsqlite.Open(t.Context(), platformsqlite.Config{
		Path:        filepath.Join(t.TempDir(), "registry.db"),
		BusyTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testEntry(t *testing.T, name string, version int, address string) domain.RegistryEntry {
	t.Helper()
	entry := domain.RegistryEntry{
		Namespace:    "development",
		Name:         name,
		Version:      version,
		Address:      address,
		RegisteredAt: time.Date(2024, 3, 1, 12, 0, version, 0, time.UTC),
		RunID:        "run-1",
	}
	sum, err := entry.ComputeIntegritySHA256()
	if err != nil {
		t.Fatalf("integrity: %v", err)
	}
	entry.IntegritySHA256 = sum
	return entry
}

func TestRegistryStoreAppendAndResolve(t *testing.T) {
	store := NewRegistryStore(openTestDB(t))
	ctx := t.Context()

	first := testEntry(t, "ProxyController", 1, "0xaaa")
	first.LogicAddress = "0xlogic1"
	audit := &domain.AuditEvent{
		OccurredAt:   first.RegisteredAt,
		Actor:        "deployctl",
		Action:       domain.AuditActionRegistryRegister,
		ResourceType: domain.AuditResourceRegistryEntry,
		ResourceID:   "development/ProxyController@1",
		Payload:      domain.Metadata{"version": 1},
	}
	if _, err := store.AppendEntry(ctx, first, audit); err != nil {
		t.Fatalf("append v1: %v", err)
	}
	if _, err := store.AppendEntry(ctx, testEntry(t, "ProxyController", 2, "0xaaa"), nil); err != nil {
		t.Fatalf("append v2: %v", err)
	}

	latest, err := store.LatestEntry(ctx, "development", "ProxyController")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Version != 2 {
		t.Fatalf("latest version=%d", latest.Version)
	}

	v1, err := store.GetEntry(ctx, "development", "ProxyController", 1)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if v1.LogicAddress != "0xlogic1" || v1.RunID != "run-1" {
		t.Fatalf("unexpected v1: %+v", v1)
	}
	if !v1.RegisteredAt.Equal(first.RegisteredAt) {
		t.Fatalf("registered_at=%s want %s", v1.RegisteredAt, first.RegisteredAt)
	}

	history, err := store.ListEntries(ctx, "development", "ProxyController")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Version != 1 || history[1].Version != 2 {
		t.Fatalf("unexpected history: %+v", history)
	}

	events, err := store.AuditEvents(ctx)
	if err != nil {
		t.Fatalf("audit events: %v", err)
	}
	if len(events) != 1 || events[0].ResourceID != "development/ProxyController@1" || events[0].IntegritySHA256 == "" {
		t.Fatalf("unexpected audit events: %+v", events)
	}
}

func TestRegistryStoreRejectsGapsAndDuplicates(t *testing.T) {
	store := NewRegistryStore(openTestDB(t))
	ctx := t.Context()

	if _, err := store.AppendEntry(ctx, testEntry(t, "Organizations", 2, "0xbbb"), nil); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict for gap, got %v", err)
	}
	if _, err := store.AppendEntry(ctx, testEntry(t, "Organizations", 1, "0xbbb"), nil); err != nil {
		t.Fatalf("append v1: %v", err)
	}
	if _, err := store.AppendEntry(ctx, testEntry(t, "Organizations", 1, "0xccc"), nil); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict for duplicate, got %v", err)
	}

	history, err := store.ListEntries(ctx, "development", "Organizations")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Address != "0xbbb" {
		t.Fatalf("failed appends must not change history: %+v", history)
	}
}

func TestRegistryStoreAuditFailureRollsBackEntry(t *testing.T) {
	store := NewRegistryStore(openTestDB(t))
	ctx := t.Context()

	bad := &domain.AuditEvent{Actor: "deployctl"}
	if _, err := store.AppendEntry(ctx, testEntry(t, "Histories", 1, "0xddd"), bad); err == nil {
		t.Fatalf("expected audit validation error")
	}
	if _, err := store.LatestEntry(ctx, "development", "Histories"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected entry to be rolled back, got %v", err)
	}
}

func TestRegistryStoreAppendEntriesRollsBackBatch(t *testing.T) {
	store := NewRegistryStore(openTestDB(t))
	ctx := t.Context()

	if _, err := store.AppendEntry(ctx, testEntry(t, "Taken", 1, "0x1"), nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	batch := []repo.RegistryAppend{
		{Entry: testEntry(t, "Fresh", 1, "0xa")},
		{Entry: testEntry(t, "Fresh", 2, "0xb")},
		{Entry: testEntry(t, "Taken", 1, "0xc")},
	}
	if _, err := store.AppendEntries(ctx, batch); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.LatestEntry(ctx, "development", "Fresh"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected batch to be rolled back, got %v", err)
	}

	stored, err := store.AppendEntries(ctx, batch[:2])
	if err != nil {
		t.Fatalf("append batch: %v", err)
	}
	if len(stored) != 2 || stored[1].Version != 2 || stored[1].Address != "0xb" {
		t.Fatalf("unexpected stored entries %+v", stored)
	}
}

func TestRegistryStoreListLatest(t *testing.T) {
	store := NewRegistryStore(openTestDB(t))
	ctx := t.Context()

	for _, entry := range []domain.RegistryEntry{
		testEntry(t, "Organizations", 1, "0x1"),
		testEntry(t, "Histories", 1, "0x2"),
		testEntry(t, "Organizations", 2, "0x3"),
	} {
		if _, err := store.AppendEntry(ctx, entry, nil); err != nil {
			t.Fatalf("append %s v%d: %v", entry.Name, entry.Version, err)
		}
	}
	other := testEntry(t, "Histories", 1, "0x9")
	other.Namespace = "staging"
	if _, err := store.AppendEntry(ctx, other, nil); err != nil {
		t.Fatalf("append staging: %v", err)
	}

	latest, err := store.ListLatest(ctx, "development")
	if err != nil {
		t.Fatalf("list latest: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected 2 entries, got %+v", latest)
	}
	if latest[0].Name != "Histories" || latest[0].Address != "0x2" {
		t.Fatalf("unexpected first entry: %+v", latest[0])
	}
	if latest[1].Name != "Organizations" || latest[1].Version != 2 {
		t.Fatalf("unexpected second entry: %+v", latest[1])
	}
}

func TestStepExecutionStoreIdempotent(t *testing.T) {
	store := NewStepExecutionStore(openTestDB(t))
	ctx := t.Context()

	finished := time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)
	record := repo.StepExecutionRecord{
		Namespace:  "development",
		RunID:      "run-1",
		StepIndex:  1,
		StepName:   "proxy",
		Status:     "succeeded",
		StartedAt:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt: &finished,
		Result:     []byte(`{"deployed":1}`),
	}
	inserted, created, err := store.InsertStep(ctx, record)
	if err != nil || !created {
		t.Fatalf("insert: created=%v err=%v", created, err)
	}

	record.Status = "failed"
	existing, created, err := store.InsertStep(ctx, record)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Fatalf("expected second insert to be a no-op")
	}
	if existing.ID != inserted.ID || existing.Status != "succeeded" {
		t.Fatalf("expected original record, got %+v", existing)
	}

	second := record
	second.StepIndex = 2
	second.StepName = "organizations"
	second.FinishedAt = nil
	if _, _, err := store.InsertStep(ctx, second); err != nil {
		t.Fatalf("insert step 2: %v", err)
	}

	records, err := store.ListByRun(ctx, "development", "run-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].StepIndex != 1 || records[1].StepIndex != 2 {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].FinishedAt == nil || !records[0].FinishedAt.Equal(finished) {
		t.Fatalf("finished_at not preserved: %+v", records[0].FinishedAt)
	}
	if records[1].FinishedAt != nil {
		t.Fatalf("expected nil finished_at for step 2")
	}
}

func TestRegistryStoreAppendAuditEvent(t *testing.T) {
	store := NewRegistryStore(openTestDB(t))
	ctx := t.Context()

	event := domain.AuditEvent{
		OccurredAt:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Actor:        "deployctl",
		Action:       domain.AuditActionRunSucceeded,
		ResourceType: domain.AuditResourcePipelineRun,
		ResourceID:   "development/run-1",
		Payload:      domain.Metadata{"network": "development"},
	}
	first, err := store.Append(ctx, event)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := store.Append(ctx, event)
	if err != nil {
		t.Fatalf("append again: %v", err)
	}
	if second != first+1 {
		t.Fatalf("event ids %d then %d", first, second)
	}

	event.Actor = ""
	if _, err := store.Append(ctx, event); err == nil {
		t.Fatalf("expected missing actor to be rejected")
	}

	events, err := store.AuditEvents(ctx)
	if err != nil {
		t.Fatalf("audit events: %v", err)
	}
	if len(events) != 2 || events[0].EventID != first || events[1].Action != domain.AuditActionRunSucceeded {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].Payload["network"] != "development" {
		t.Fatalf("unexpected payload %+v", events[0].Payload)
	}
}
