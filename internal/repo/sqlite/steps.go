package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/sbtc/oss-medical-record/internal/domain"
	"github.com/sbtc/oss-medical-record/internal/repo"
)

type StepExecutionStore struct {
	db *sql.DB
}

const (
	stepExecutionColumns = `step_execution_id, namespace, run_id, step_index, step_name, status, started_at, finished_at, error_message, result`

	insertStepExecutionQuery = `INSERT INTO step_executions (` + stepExecutionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (namespace, run_id, step_index) DO NOTHING
	RETURNING ` + stepExecutionColumns

	selectStepExecutionQuery = `SELECT ` + stepExecutionColumns + `
	 FROM step_executions
	 WHERE namespace = ? AND run_id = ? AND step_index = ?`

	listStepExecutionsByRunQuery = `SELECT ` + stepExecutionColumns + `
	 FROM step_executions
	 WHERE namespace = ? AND run_id = ?
	 ORDER BY step_index ASC`
)

func NewStepExecutionStore(db *sql.DB) *StepExecutionStore {
	if db == nil {
		return nil
	}
	return &StepExecutionStore{db: db}
}

func (s *StepExecutionStore) InsertStep(ctx context.Context, record repo.StepExecutionRecord) (repo.StepExecutionRecord, bool, error) {
	if s == nil || s.db == nil {
		return repo.StepExecutionRecord{}, false, fmt.Errorf("step execution store not initialized")
	}
	record.Namespace = strings.TrimSpace(record.Namespace)
	record.RunID = strings.TrimSpace(record.RunID)
	record.StepName = strings.TrimSpace(record.StepName)
	if record.Namespace == "" || record.RunID == "" || record.StepName == "" {
		return repo.StepExecutionRecord{}, false, fmt.Errorf("namespace, run id and step name are required")
	}
	if record.StepIndex < 1 {
		return repo.StepExecutionRecord{}, false, fmt.Errorf("step index must be >= 1")
	}
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if record.Result == nil {
		record.Result = []byte("{}")
	}

	var finishedAt sql.NullString
	if record.FinishedAt != nil && !record.FinishedAt.IsZero() {
		finishedAt = sql.NullString{String: formatTime(*record.FinishedAt), Valid: true}
	}

	inserted, err := scanStepExecution(s.db.QueryRowContext(
		ctx,
		insertStepExecutionQuery,
		record.ID,
		record.Namespace,
		record.RunID,
		record.StepIndex,
		record.StepName,
		record.Status,
		formatTime(normalizeTime(record.StartedAt)),
		finishedAt,
		nullIfEmpty(record.ErrorMessage),
		record.Result,
	))
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return repo.StepExecutionRecord{}, false, fmt.Errorf("insert step execution: %w", err)
		}
		existing, err := scanStepExecution(s.db.QueryRowContext(ctx, selectStepExecutionQuery, record.Namespace, record.RunID, record.StepIndex))
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
	rows, err := s.db.QueryContext(ctx, listStepExecutionsByRunQuery, strings.TrimSpace(namespace), strings.TrimSpace(runID))
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

func scanStepExecution(scanner rowScanner) (repo.StepExecutionRecord, error) {
	var record repo.StepExecutionRecord
	var startedAt string
	var finishedAt sql.NullString
	var errorMessage sql.NullString
	if err := scanner.Scan(
		&record.ID,
		&record.Namespace,
		&record.RunID,
		&record.StepIndex,
		&record.StepName,
		&record.Status,
		&startedAt,
		&finishedAt,
		&errorMessage,
		&record.Result,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repo.StepExecutionRecord{}, repo.ErrNotFound
		}
		return repo.StepExecutionRecord{}, err
	}
	at, err := parseTime(startedAt)
	if err != nil {
		return repo.StepExecutionRecord{}, err
	}
	record.StartedAt = at
	if finishedAt.Valid {
		done, err := parseTime(finishedAt.String)
		if err != nil {
			return repo.StepExecutionRecord{}, err
		}
		record.FinishedAt = &done
	}
	record.ErrorMessage = errorMessage.String
	return record, nil
}

func decodeMetadata(payload string) (domain.Metadata, error) {
	out := domain.Metadata{}
	if strings.TrimSpace(payload) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, fmt.Errorf("decode audit payload: %w", err)
	}
	return out, nil
}
