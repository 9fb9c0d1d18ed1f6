package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/sbtc/oss-medical-record/internal/domain"
	"github.com/sbtc/oss-medical-record/internal/platform/auditlog"
	"github.com/sbtc/oss-medical-record/internal/repo"
)

type RegistryStore struct {
	db TxDB
}

const (
	registryEntryColumns = `entry_id, namespace, name, version, address, logic_address, registered_at, run_id, integrity_sha256`

	// The version guard makes the contiguity check and the insert a single
	// statement; the primary key rejects a concurrent writer of the same version.
	// INSERT ... SELECT cannot infer parameter types from the target columns,
	// so every parameter carries an explicit cast.
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
	SELECT $1::text, $2::text, $3::text, $4::integer, $5::text, $6::text, $7::timestamptz, $8::text, $9::text
	WHERE (SELECT COALESCE(MAX(version), 0) FROM registry_entries WHERE namespace = $2::text AND name = $3::text) + 1 = $4::integer
	ON CONFLICT (namespace, name, version) DO NOTHING
	RETURNING ` + registryEntryColumns

	selectLatestRegistryEntryQuery = `SELECT ` + registryEntryColumns + `
	 FROM registry_entries
	 WHERE namespace = $1 AND name = $2
	 ORDER BY version DESC
	 LIMIT 1`

	selectRegistryEntryQuery = `SELECT ` + registryEntryColumns + `
	 FROM registry_entries
	 WHERE namespace = $1 AND name = $2 AND version = $3`

	listRegistryEntriesQuery = `SELECT ` + registryEntryColumns + `
	 FROM registry_entries
	 WHERE namespace = $1 AND name = $2
	 ORDER BY version ASC`

	listLatestRegistryEntriesQuery = `SELECT DISTINCT ON (name) ` + registryEntryColumns + `
	 FROM registry_entries
	 WHERE namespace = $1
	 ORDER BY name ASC, version DESC`
)

func NewRegistryStore(db TxDB) *RegistryStore {
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
func (s *RegistryStore) AppendEntries(ctx context.Context, batch []repo.RegistryAppend) ([]domain.RegistryEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("registry store not initialized")
	}
	for _, item := range batch {
		if err := item.Entry.Validate(); err != nil {
			return nil, err
		}
		if err := requireIntegrity(item.Entry.IntegritySHA256); err != nil {
			return nil, err
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
			normalizeTime(entry.RegisteredAt),
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
			if _, err := auditlog.Insert(ctx, tx, toAuditlogEvent(*item.Audit)); err != nil {
				return nil, fmt.Errorf("append audit event: %w", err)
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
	namespace, name, err := requireKey(namespace, name)
	if err != nil {
		return domain.RegistryEntry{}, err
	}
	return scanRegistryEntry(s.db.QueryRowContext(ctx, selectLatestRegistryEntryQuery, namespace, name))
}

func (s *RegistryStore) GetEntry(ctx context.Context, namespace, name string, version int) (domain.RegistryEntry, error) {
	if s == nil || s.db == nil {
		return domain.RegistryEntry{}, fmt.Errorf("registry store not initialized")
	}
	namespace, name, err := requireKey(namespace, name)
	if err != nil {
		return domain.RegistryEntry{}, err
	}
	return scanRegistryEntry(s.db.QueryRowContext(ctx, selectRegistryEntryQuery, namespace, name, version))
}

func (s *RegistryStore) ListEntries(ctx context.Context, namespace, name string) ([]domain.RegistryEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("registry store not initialized")
	}
	namespace, name, err := requireKey(namespace, name)
	if err != nil {
		return nil, err
	}
	return s.list(ctx, listRegistryEntriesQuery, namespace, name)
}

func (s *RegistryStore) ListLatest(ctx context.Context, namespace string) ([]domain.RegistryEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("registry store not initialized")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	return s.list(ctx, listLatestRegistryEntriesQuery, namespace)
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

func requireKey(namespace, name string) (string, string, error) {
	namespace = strings.TrimSpace(namespace)
	name = strings.TrimSpace(name)
	if namespace == "" {
		return "", "", fmt.Errorf("namespace is required")
	}
	if name == "" {
		return "", "", fmt.Errorf("name is required")
	}
	return namespace, name, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistryEntry(scanner rowScanner) (domain.RegistryEntry, error) {
	var entry domain.RegistryEntry
	var id string
	var logicAddress sql.NullString
	var runID sql.NullString
	if err := scanner.Scan(
		&id,
		&entry.Namespace,
		&entry.Name,
		&entry.Version,
		&entry.Address,
		&logicAddress,
		&entry.RegisteredAt,
		&runID,
		&entry.IntegritySHA256,
	); err != nil {
		return domain.RegistryEntry{}, handleNotFound(err)
	}
	entry.LogicAddress = strings.TrimSpace(logicAddress.String)
	entry.RunID = strings.TrimSpace(runID.String)
	entry.RegisteredAt = entry.RegisteredAt.UTC()
	return entry, nil
}
