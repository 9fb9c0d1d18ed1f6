package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	AuditActionRegistryRegister = "registry.register"
	AuditResourceRegistryEntry  = "registry_entry"

	AuditActionRunSucceeded  = "pipeline.run.succeeded"
	AuditActionRunAborted    = "pipeline.run.aborted"
	AuditResourcePipelineRun = "pipeline_run"
)

// AuditEvent is an immutable audit record.
type AuditEvent struct {
	EventID         int64
	OccurredAt      time.Time
	Actor           string
	Action          string
	ResourceType    string
	ResourceID      string
	RequestID       string
	Payload         Metadata
	IntegritySHA256 string
}

func (e AuditEvent) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("occurred_at is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("action is required")
	}
	if strings.TrimSpace(e.ResourceType) == "" {
		return errors.New("resource_type is required")
	}
	if strings.TrimSpace(e.ResourceID) == "" {
		return errors.New("resource_id is required")
	}
	return nil
}
