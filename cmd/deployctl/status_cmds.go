package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sbtc/oss-medical-record/internal/domain"
	"github.com/sbtc/oss-medical-record/internal/execution/plan"
	"github.com/sbtc/oss-medical-record/internal/execution/state"
	"github.com/sbtc/oss-medical-record/internal/repo"
)

type statusOutput struct {
	RunID     string           `json:"runId"`
	Namespace string           `json:"namespace"`
	State     domain.RunState  `json:"state"`
	StepIndex int              `json:"stepIndex,omitempty"`
	Steps     []stepStatusLine `json:"steps"`
}

type stepStatusLine struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (a *app) statusCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status PLAN RUN_ID",
		Short: "Show how far a run got, from a plan file and the run's recorded steps",
		Long: "PLAN is the JSON written by `deployctl plan`. Step records are read from the\n" +
			"configured storage in the plan's namespace.",
		Args: exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return usageError(fmt.Errorf("read plan: %w", err))
			}
			execPlan, err := plan.UnmarshalExecutionPlan(raw)
			if err != nil {
				return usageError(fmt.Errorf("decode plan %s: %w", args[0], err))
			}
			namespace := strings.TrimSpace(execPlan.Namespace)
			if namespace == "" {
				if _, namespace, err = a.target(); err != nil {
					return err
				}
			}
			runID := strings.TrimSpace(args[1])

			be, err := a.openBackend(ctx, namespace)
			if err != nil {
				return err
			}
			defer func() { _ = be.Close() }()

			records, err := be.steps.ListByRun(ctx, namespace, runID)
			if err != nil {
				return fmt.Errorf("list step records: %w", err)
			}
			status := state.DeriveRunState(&execPlan, records)
			return writeStatus(a.stdout, output, runStatusOutput(runID, namespace, execPlan, records, status))
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}

func runStatusOutput(runID, namespace string, execPlan domain.ExecutionPlan, records []repo.StepExecutionRecord, status domain.RunStatus) statusOutput {
	byIndex := make(map[int]repo.StepExecutionRecord, len(records))
	for _, record := range records {
		byIndex[record.StepIndex] = record
	}
	out := statusOutput{
		RunID:     runID,
		Namespace: namespace,
		State:     status.State,
		StepIndex: status.StepIndex,
		Steps:     make([]stepStatusLine, 0, len(execPlan.Steps)),
	}
	for _, step := range execPlan.Steps {
		line := stepStatusLine{Index: step.Index, Name: step.Step.Name, Status: "pending"}
		if record, ok := byIndex[step.Index]; ok {
			line.Status = record.Status
			line.Error = record.ErrorMessage
		}
		out.Steps = append(out.Steps, line)
	}
	return out
}

func writeStatus(w io.Writer, format string, out statusOutput) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "text", "":
		headline := fmt.Sprintf("run %s (%s): %s", out.RunID, out.Namespace, out.State)
		if out.StepIndex > 0 {
			headline += " at step " + strconv.Itoa(out.StepIndex)
		}
		fmt.Fprintln(w, headline)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STEP\tNAME\tSTATUS\tERROR")
		for _, step := range out.Steps {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", step.Index, step.Name, step.Status, dash(step.Error))
		}
		return tw.Flush()
	default:
		return usageError(fmt.Errorf("unknown output format %q (want text or json)", format))
	}
}
