// Package sqlite stores the registry in a local single-file database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sbtc/oss-medical-record/internal/domain"
	"github.com/sbtc/oss-medical-record/internal/platform/auditlog"
	"github.com/sbtc/oss-medical-record/internal/repo"
)

type RegistryStore struct {
	db *sql.DB
}

const (
	registryEntryColumns = `namespace, name, version, address, logic_address, registered_at, run_id, integrity_sha256`

	insertRegistryEntryQuery = `INSERT INTO registry_entries (
		entry_id,
		namespace,
		name,
		version,
		address,
		logic_address,
		registered_at,
		run_id,
		integrity_sha256
	)
	SELECT ?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9
	WHERE (SELECT COALESCE(MAX(version), 0) FROM registry_entries WHERE namespace = ?2 AND name = ?3) + 1 = ?4
	ON CONFLICT (namespace, name, version) DO NOTHING
	RETURNING ` + registryEntryColumns

	insertAuditEventQuery = `INSERT INTO audit_events (
		occurred_at,
		actor,
		action,
		resource_type,
		resource_id,
		request_id,
		payload,
		integrity_sha256
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	selectLatestRegistryEntryQuery = `SELECT ` + registryEntryColumns + `
	 FROM registry_entries
	 WHERE namespace = ? AND name = ?
	 ORDER BY version DESC
	 LIMIT 1`

	selectRegistryEntryQuery = `SELECT ` + registryEntryColumns + `
	 FROM registry_entries
	 WHERE namespace = ? AND name = ? AND version = ?`

	listRegistryEntriesQuery = `SELECT ` + registryEntryColumns + `
	 FROM registry_entries
	 WHERE namespace = ? AND name = ?
	 ORDER BY version ASC`

	listLatestRegistryEntriesQuery = `SELECT ` + registryEntryColumns + `
	 FROM registry_entries AS r
	 WHERE namespace = ?1
	   AND version = (SELECT MAX(version) FROM registry_entries WHERE namespace = ?1 AND name = r.name)
	 ORDER BY name ASC`

	listAuditEventsQuery = `SELECT event_id, occurred_at, actor, action, resource_type, resource_id, request_id, payload, integrity_sha256
	 FROM audit_events
	 ORDER BY event_id ASC`
)

func NewRegistryStore(db *sql.DB) *RegistryStore {
	if db == nil {
		return nil
	}
	return &RegistryStore{db: db}
}

// AppendEntry inserts the entry and its audit event in one transaction.
func (s *RegistryStore) AppendEntry(ctx context.Context, entry domain.RegistryEntry, audit *domain.AuditEvent) (domain.RegistryEntry, error) {
	stored, err := s.AppendEntries(ctx, []repo.RegistryAppend{{Entry: entry, Audit: audit}})
	if err != nil {
		return domain.RegistryEntry{}, err
	}
	return stored[0], nil
}

// AppendEntries inserts the batch and its audit events in one transaction.
// Each insert's version guard sees the rows written ahead of it.
func (s *RegistryStore) AppendEntries(ctx context.Context, batch []repo.RegistryAppend) ([]domain.RegistryEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("registry store not initialized")
	}
	for _, item := range batch {
		if err := item.Entry.Validate(); err != nil {
			return nil, err
		}
		if strings.TrimSpace(item.Entry.IntegritySHA256) == "" {
			return nil, errors.New("integrity sha256 is required")
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin registry append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored := make([]domain.RegistryEntry, 0, len(batch))
	for _, item := range batch {
		entry := item.Entry
		row := tx.QueryRowContext(
			ctx,
			insertRegistryEntryQuery,
			uuid.NewString(),
			strings.TrimSpace(entry.Namespace),
			strings.TrimSpace(entry.Name),
			entry.Version,
			strings.TrimSpace(entry.Address),
			nullIfEmpty(entry.LogicAddress),
			formatTime(normalizeTime(entry.RegisteredAt)),
			nullIfEmpty(entry.RunID),
			strings.TrimSpace(entry.IntegritySHA256),
		)
		inserted, err := scanRegistryEntry(row)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, fmt.Errorf("append %s v%d: %w", entry.Name, entry.Version, repo.ErrConflict)
			}
			return nil, fmt.Errorf("insert registry entry: %w", err)
		}
		if item.Audit != nil {
			if err := insertAudit(ctx, tx, *item.Audit); err != nil {
				return nil, err
			}
		}
		stored = append(stored, inserted)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit registry append: %w", err)
	}
	return stored, nil
}

func (s *RegistryStore) LatestEntry(ctx context.Context, namespace, name string) (domain.RegistryEntry, error) {
	if s == nil || s.db == nil {
		return domain.RegistryEntry{}, fmt.Errorf("registry store not initialized")
	}
	return scanRegistryEntry(s.db.QueryRowContext(ctx, selectLatestRegistryEntryQuery, strings.TrimSpace(namespace), strings.TrimSpace(name)))
}

func (s *RegistryStore) GetEntry(ctx context.Context, namespace, name string, version int) (domain.RegistryEntry, error) {
	if s == nil || s.db == nil {
		return domain.RegistryEntry{}, fmt.Errorf("registry store not initialized")
	}
	return scanRegistryEntry(s.db.QueryRowContext(ctx, selectRegistryEntryQuery, strings.TrimSpace(namespace), strings.TrimSpace(name), version))
}

func (s *RegistryStore) ListEntries(ctx context.Context, namespace, name string) ([]domain.RegistryEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("registry store not initialized")
	}
	return s.list(ctx, listRegistryEntriesQuery, strings.TrimSpace(namespace), strings.TrimSpace(name))
}

func (s *RegistryStore) ListLatest(ctx context.Context, namespace string) ([]domain.RegistryEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("registry store not initialized")
	}
	return s.list(ctx, listLatestRegistryEntriesQuery, strings.TrimSpace(namespace))
}

// AuditEvents returns every audit row in insertion order.
func (s *RegistryStore) AuditEvents(ctx context.Context) ([]domain.AuditEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("registry store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listAuditEventsQuery)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.AuditEvent, 0)
	for rows.Next() {
		var event domain.AuditEvent
		var occurredAt string
		var requestID sql.NullString
		var payload string
		if err := rows.Scan(
			&event.EventID,
			&occurredAt,
			&event.Actor,
			&event.Action,
			&event.ResourceType,
			&event.ResourceID,
			&requestID,
			&payload,
			&event.IntegritySHA256,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if event.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		event.RequestID = requestID.String
		if event.Payload, err = decodeMetadata(payload); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}

func (s *RegistryStore) list(ctx context.Context, query string, args ...any) ([]domain.RegistryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list registry entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.RegistryEntry, 0)
	for rows.Next() {
		entry, err := scanRegistryEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registry entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list registry entries: %w", err)
	}
	return entries, nil
}

// Append records an audit event that is not tied to a registry write.
func (s *RegistryStore) Append(ctx context.Context, event domain.AuditEvent) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("registry store not initialized")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin audit append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertAudit(ctx, tx, event); err != nil {
		return 0, err
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT last_insert_rowid()`).Scan(&id); err != nil {
		return 0, fmt.Errorf("append audit event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit audit append: %w", err)
	}
	return id, nil
}

var _ repo.AuditEventAppender = (*RegistryStore)(nil)

func insertAudit(ctx context.Context, tx *sql.Tx, event domain.AuditEvent) error {
	payload := event.Payload
	if payload == nil {
		payload = domain.Metadata{}
	}
	row, err := auditlog.Prepare(auditlog.Event{
		OccurredAt:   event.OccurredAt,
		Actor:        event.Actor,
		Action:       event.Action,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		RequestID:    event.RequestID,
		Payload:      payload,
	})
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		insertAuditEventQuery,
		formatTime(row.OccurredAt),
		row.Actor,
		row.Action,
		row.ResourceType,
		row.ResourceID,
		row.RequestID,
		string(row.PayloadJSON),
		row.IntegritySHA256,
	); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistryEntry(scanner rowScanner) (domain.RegistryEntry, error) {
	var entry domain.RegistryEntry
	var logicAddress sql.NullString
	var registeredAt string
	var runID sql.NullString
	if err := scanner.Scan(
		&entry.Namespace,
		&entry.Name,
		&entry.Version,
		&entry.Address,
		&logicAddress,
		&registeredAt,
		&runID,
		&entry.IntegritySHA256,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RegistryEntry{}, repo.ErrNotFound
		}
		return domain.RegistryEntry{}, err
	}
	at, err := parseTime(registeredAt)
	if err != nil {
		return domain.RegistryEntry{}, err
	}
	entry.RegisteredAt = at
	entry.LogicAddress = logicAddress.String
	entry.RunID = runID.String
	return entry, nil
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}
