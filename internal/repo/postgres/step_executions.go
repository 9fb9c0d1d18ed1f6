package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/sbtc/oss-medical-record/internal/repo"
)

type StepExecutionStore struct {
	db DB
}

const (
	stepExecutionColumns = `step_execution_id, namespace, run_id, step_index, step_name, status, started_at, finished_at, error_message, result`

	insertStepExecutionQuery = `INSERT INTO step_executions (
		step_execution_id,
		namespace,
		run_id,
		step_index,
		step_name,
		status,
		started_at,
		finished_at,
		error_message,
		result
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (namespace, run_id, step_index) DO NOTHING
	RETURNING ` + stepExecutionColumns

	selectStepExecutionQuery = `SELECT ` + stepExecutionColumns + `
	 FROM step_executions
	 WHERE namespace = $1 AND run_id = $2 AND step_index = $3`

	listStepExecutionsByRunQuery = `SELECT ` + stepExecutionColumns + `
	 FROM step_executions
	 WHERE namespace = $1 AND run_id = $2
	 ORDER BY step_index ASC`
)

func NewStepExecutionStore(db DB) *StepExecutionStore {
	if db == nil {
		return nil
	}
	return &StepExecutionStore{db: db}
}

// InsertStep stores the record unless one already exists for the same step
// of the run, in which case the existing record is returned with false.
func (s *StepExecutionStore) InsertStep(ctx context.Context, record repo.StepExecutionRecord) (repo.StepExecutionRecord, bool, error) {
	if s == nil || s.db == nil {
		return repo.StepExecutionRecord{}, false, fmt.Errorf("step execution store not initialized")
	}
	normalized, err := normalizeStepRecord(record)
	if err != nil {
		return repo.StepExecutionRecord{}, false, err
	}

	var finishedAt sql.NullTime
	if normalized.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: *normalized.FinishedAt, Valid: true}
	}

	row := s.db.QueryRowContext(
		ctx,
		insertStepExecutionQuery,
		normalized.ID,
		normalized.Namespace,
		normalized.RunID,
		normalized.StepIndex,
		normalized.StepName,
		normalized.Status,
		normalized.StartedAt,
		finishedAt,
		nullIfEmpty(normalized.ErrorMessage),
		normalized.Result,
	)
	inserted, err := scanStepExecution(row)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return repo.StepExecutionRecord{}, false, fmt.Errorf("insert step execution: %w", err)
		}
		existing, err := scanStepExecution(s.db.QueryRowContext(ctx, selectStepExecutionQuery, normalized.Namespace, normalized.RunID, normalized.StepIndex))
		if err != nil {
			return repo.StepExecutionRecord{}, false, err
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *StepExecutionStore) ListByRun(ctx context.Context, namespace, runID string) ([]repo.StepExecutionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step execution store not initialized")
	}
	namespace = strings.TrimSpace(namespace)
	runID = strings.TrimSpace(runID)
	if namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	rows, err := s.db.QueryContext(ctx, listStepExecutionsByRunQuery, namespace, runID)
	if err != nil {
		return nil, fmt.Errorf("list step executions: %w", err)
	}
	defer rows.Close()

	records := make([]repo.StepExecutionRecord, 0)
	for rows.Next() {
		record, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step executions: %w", err)
	}
	return records, nil
}

func normalizeStepRecord(record repo.StepExecutionRecord) (repo.StepExecutionRecord, error) {
	record.Namespace = strings.TrimSpace(record.Namespace)
	record.RunID = strings.TrimSpace(record.RunID)
	record.StepName = strings.TrimSpace(record.StepName)
	record.Status = strings.TrimSpace(record.Status)

	if record.Namespace == "" {
		return repo.StepExecutionRecord{}, fmt.Errorf("namespace is required")
	}
	if record.RunID == "" {
		return repo.StepExecutionRecord{}, fmt.Errorf("run id is required")
	}
	if record.StepIndex < 1 {
		return repo.StepExecutionRecord{}, fmt.Errorf("step index must be >= 1")
	}
	if record.StepName == "" {
		return repo.StepExecutionRecord{}, fmt.Errorf("step name is required")
	}
	if record.Status == "" {
		return repo.StepExecutionRecord{}, fmt.Errorf("status is required")
	}
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	record.StartedAt = normalizeTime(record.StartedAt)
	if record.FinishedAt != nil {
		if record.FinishedAt.IsZero() {
			record.FinishedAt = nil
		} else {
			t := record.FinishedAt.UTC()
			record.FinishedAt = &t
		}
	}
	if record.Result == nil {
		record.Result = []byte("{}")
	}
	return record, nil
}

func scanStepExecution(scanner rowScanner) (repo.StepExecutionRecord, error) {
	var record repo.StepExecutionRecord
	var finishedAt sql.NullTime
	var errorMessage sql.NullString
	if err := scanner.Scan(
		&record.ID,
		&record.Namespace,
		&record.RunID,
		&record.StepIndex,
		&record.StepName,
		&record.Status,
		&record.StartedAt,
		&finishedAt,
		&errorMessage,
		&record.Result,
	); err != nil {
		return repo.StepExecutionRecord{}, handleNotFound(err)
	}
	record.StartedAt = record.StartedAt.UTC()
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		record.FinishedAt = &t
	}
	record.ErrorMessage = strings.TrimSpace(errorMessage.String)
	return record, nil
}

