package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/sbtc/oss-medical-record/internal/repo"
)

type StepExecutionStore struct {
	mu      sync.Mutex
	records map[string]repo.StepExecutionRecord
}

func NewStepExecutionStore() *StepExecutionStore {
	return &StepExecutionStore{records: map[string]repo.StepExecutionRecord{}}
}

func (s *StepExecutionStore) InsertStep(ctx context.Context, record repo.StepExecutionRecord) (repo.StepExecutionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := record.Namespace + "/" + record.RunID + "/" + strconv.Itoa(record.StepIndex)
	if existing, ok := s.records[key]; ok {
		return existing, false, nil
	}
	s.records[key] = record
	return record, true, nil
}

func (s *StepExecutionStore) ListByRun(ctx context.Context, namespace, runID string) ([]repo.StepExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repo.StepExecutionRecord, 0)
	for _, record := range s.records {
		if record.Namespace == namespace && record.RunID == runID {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}
