package repo

import (
	"context"
	"errors"
	"time"

	"github.com/sbtc/oss-medical-record/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports that an append lost against an existing row or a
	// concurrent writer; nothing was written.
	ErrConflict = errors.New("conflict")
)

// RegistryAppend is one entry to store with its optional audit event.
type RegistryAppend struct {
	Entry domain.RegistryEntry
	Audit *domain.AuditEvent
}

// RegistryRepository persists registry entries append-only. AppendEntries must
// be atomic: every entry of the batch is durably stored before it returns or
// none is. Versions are checked in batch order, so one batch may append
// several versions of the same name.
type RegistryRepository interface {
	AppendEntries(ctx context.Context, batch []RegistryAppend) ([]domain.RegistryEntry, error)
	LatestEntry(ctx context.Context, namespace, name string) (domain.RegistryEntry, error)
	GetEntry(ctx context.Context, namespace, name string, version int) (domain.RegistryEntry, error)
	ListEntries(ctx context.Context, namespace, name string) ([]domain.RegistryEntry, error)
	ListLatest(ctx context.Context, namespace string) ([]domain.RegistryEntry, error)
}

// StepExecutionRecord is the persisted outcome of one pipeline step.
type StepExecutionRecord struct {
	ID           string
	Namespace    string
	RunID        string
	StepIndex    int
	StepName     string
	Status       string
	StartedAt    time.Time
	FinishedAt   *time.Time
	ErrorMessage string
	Result       []byte
}

// StepExecutionRepository stores step outcomes idempotently on
// (namespace, run_id, step_index).
type StepExecutionRepository interface {
	InsertStep(ctx context.Context, record StepExecutionRecord) (StepExecutionRecord, bool, error)
	ListByRun(ctx context.Context, namespace, runID string) ([]StepExecutionRecord, error)
}

// AuditEventAppender ensures append-only audit writes.
type AuditEventAppender interface {
	Append(ctx context.Context, event domain.AuditEvent) (int64, error)
}
