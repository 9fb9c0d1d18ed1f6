// Package report renders run reports and publishes them to object storage.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/sbtc/oss-medical-record/internal/domain"
	"github.com/sbtc/oss-medical-record/internal/storage/objectstore"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

var ErrUnsupportedFormat = errors.New("unsupported report format")

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatYAML, FormatTOML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	case "":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnsupportedFormat, s)
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatYAML:
		return "application/yaml"
	case FormatTOML:
		return "application/toml"
	default:
		return "application/json"
	}
}

type runPayload struct {
	RunID      string        `json:"runId" yaml:"runId" toml:"run_id"`
	Namespace  string        `json:"namespace" yaml:"namespace" toml:"namespace"`
	Network    string        `json:"network" yaml:"network" toml:"network"`
	Status     string        `json:"status" yaml:"status" toml:"status"`
	StartedAt  *time.Time    `json:"startedAt,omitempty" yaml:"startedAt,omitempty" toml:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty" yaml:"finishedAt,omitempty" toml:"finished_at,omitempty"`
	Abort      *abortPayload `json:"abort,omitempty" yaml:"abort,omitempty" toml:"abort,omitempty"`
	Steps      []stepPayload `json:"steps" yaml:"steps" toml:"steps"`
}

type abortPayload struct {
	StepIndex int    `json:"stepIndex" yaml:"stepIndex" toml:"step_index"`
	StepName  string `json:"stepName" yaml:"stepName" toml:"step_name"`
	Component string `json:"component,omitempty" yaml:"component,omitempty" toml:"component,omitempty"`
	Cause     string `json:"cause" yaml:"cause" toml:"cause"`
}

type stepPayload struct {
	Index       int                 `json:"index" yaml:"index" toml:"index"`
	Name        string              `json:"name" yaml:"name" toml:"name"`
	Status      string              `json:"status" yaml:"status" toml:"status"`
	Error       string              `json:"error,omitempty" yaml:"error,omitempty" toml:"error,omitempty"`
	Deployments []deploymentPayload `json:"deployments,omitempty" yaml:"deployments,omitempty" toml:"deployments,omitempty"`
	Invocations []invocationPayload `json:"invocations,omitempty" yaml:"invocations,omitempty" toml:"invocations,omitempty"`
	Registry    []entryPayload      `json:"registry,omitempty" yaml:"registry,omitempty" toml:"registry,omitempty"`
}

type deploymentPayload struct {
	Component    string `json:"component" yaml:"component" toml:"component"`
	Artifact     string `json:"artifact,omitempty" yaml:"artifact,omitempty" toml:"artifact,omitempty"`
	Address      string `json:"address" yaml:"address" toml:"address"`
	LogicAddress string `json:"logicAddress,omitempty" yaml:"logicAddress,omitempty" toml:"logic_address,omitempty"`
}

type invocationPayload struct {
	Target  string `json:"target" yaml:"target" toml:"target"`
	Address string `json:"address" yaml:"address" toml:"address"`
	Method  string `json:"method" yaml:"method" toml:"method"`
	Read    bool   `json:"read,omitempty" yaml:"read,omitempty" toml:"read,omitempty"`
	Result  any    `json:"result,omitempty" yaml:"result,omitempty" toml:"result,omitempty"`
}

type entryPayload struct {
	Name         string `json:"name" yaml:"name" toml:"name"`
	Version      int    `json:"version" yaml:"version" toml:"version"`
	Address      string `json:"address" yaml:"address" toml:"address"`
	LogicAddress string `json:"logicAddress,omitempty" yaml:"logicAddress,omitempty" toml:"logic_address,omitempty"`
	Integrity    string `json:"integritySha256,omitempty" yaml:"integritySha256,omitempty" toml:"integrity_sha256,omitempty"`
}

func toPayload(r domain.RunReport) runPayload {
	out := runPayload{
		RunID:      r.RunID,
		Namespace:  r.Namespace,
		Network:    r.Network,
		Status:     string(r.Status),
		StartedAt:  timePtr(r.StartedAt),
		FinishedAt: timePtr(r.FinishedAt),
		Steps:      make([]stepPayload, 0, len(r.Steps)),
	}
	if a := r.Abort; a != nil {
		out.Abort = &abortPayload{StepIndex: a.StepIndex, StepName: a.StepName, Component: a.Component, Cause: a.Cause}
	}
	for _, s := range r.Steps {
		step := stepPayload{Index: s.Index, Name: s.Name, Status: string(s.Status), Error: s.Error}
		for _, d := range s.Deployments {
			step.Deployments = append(step.Deployments, deploymentPayload{
				Component:    d.Component,
				Artifact:     d.Artifact,
				Address:      d.Address,
				LogicAddress: d.LogicAddress,
			})
		}
		for _, inv := range s.Invocations {
			step.Invocations = append(step.Invocations, invocationPayload{
				Target:  inv.Target,
				Address: inv.Address,
				Method:  inv.Method,
				Read:    inv.Read,
				Result:  inv.Result,
			})
		}
		for _, e := range s.Registry {
			step.Registry = append(step.Registry, entryPayload{
				Name:         e.Name,
				Version:      e.Version,
				Address:      e.Address,
				LogicAddress: e.LogicAddress,
				Integrity:    e.IntegritySHA256,
			})
		}
		out.Steps = append(out.Steps, step)
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// Encode writes r to w in the given format.
func Encode(w io.Writer, r domain.RunReport, format Format) error {
	payload := toPayload(r)
	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(payload); err != nil {
			return fmt.Errorf("encode yaml report: %w", err)
		}
		return enc.Close()
	case FormatTOML:
		if err := toml.NewEncoder(w).Encode(payload); err != nil {
			return fmt.Errorf("encode toml report: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w %q", ErrUnsupportedFormat, format)
	}
}

// Key is the object key a report is published under.
func Key(r domain.RunReport, format Format) string {
	if format == "" {
		format = FormatJSON
	}
	return path.Join("runs", r.Namespace, r.RunID+"."+string(format))
}

// Publish uploads the encoded report and returns its object key.
func Publish(ctx context.Context, store objectstore.Store, bucket string, r domain.RunReport, format Format) (string, error) {
	if store == nil {
		return "", errors.New("object store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return "", errors.New("bucket is required")
	}
	if strings.TrimSpace(r.RunID) == "" || strings.TrimSpace(r.Namespace) == "" {
		return "", errors.New("report run id and namespace are required")
	}

	var buf bytes.Buffer
	if err := Encode(&buf, r, format); err != nil {
		return "", err
	}
	key := Key(r, format)
	if err := store.Put(ctx, bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), format.ContentType()); err != nil {
		return "", fmt.Errorf("publish report %s: %w", key, err)
	}
	return key, nil
}

// Published lists the reports published for namespace, ordered by key.
func Published(ctx context.Context, store objectstore.Store, bucket, namespace string) ([]objectstore.ObjectInfo, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, errors.New("namespace is required")
	}
	objects, err := store.List(ctx, bucket, path.Join("runs", namespace)+"/")
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}
