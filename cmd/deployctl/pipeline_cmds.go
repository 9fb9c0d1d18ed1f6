package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sbtc/oss-medical-record/internal/domain"
	executor "github.com/sbtc/oss-medical-record/internal/execution/executor"
	"github.com/sbtc/oss-medical-record/internal/execution/executor/dryrun"
	"github.com/sbtc/oss-medical-record/internal/execution/executor/rpc"
	"github.com/sbtc/oss-medical-record/internal/execution/pipeline"
	"github.com/sbtc/oss-medical-record/internal/execution/plan"
	"github.com/sbtc/oss-medical-record/internal/network"
	platformstore "github.com/sbtc/oss-medical-record/internal/platform/objectstore"
	"github.com/sbtc/oss-medical-record/internal/platform/tracing"
	"github.com/sbtc/oss-medical-record/internal/registry"
	"github.com/sbtc/oss-medical-record/internal/report"
)

const (
	deployerRPC    = "rpc"
	deployerDryRun = "dryrun"
)

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate MANIFEST",
		Short: "Check a manifest and every reference in it without deploying",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			execPlan, err := a.validate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s: %d steps, ordering %s\n", args[0], len(execPlan.Steps), execPlan.Ordering)
			for _, step := range execPlan.Steps {
				fmt.Fprintf(a.stdout, "  %d. %s\n", step.Index, step.Step.Name)
			}
			return nil
		},
	}
}

func (a *app) validate(ctx context.Context, path string) (domain.ExecutionPlan, error) {
	spec, err := loadManifest(path)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}
	n, namespace, err := a.target()
	if err != nil {
		return domain.ExecutionPlan{}, err
	}
	be, err := a.openBackend(ctx, namespace)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}
	defer func() { _ = be.Close() }()

	p, err := pipeline.New(dryrun.New(), be.registry, pipelineConfig(n, "validate-"+uuid.NewString(), a.actor()),
		pipeline.WithLogger(a.logger))
	if err != nil {
		return domain.ExecutionPlan{}, err
	}
	return p.Validate(ctx, spec)
}

func (a *app) planCmd() *cobra.Command {
	var (
		simulate     bool
		reportFormat string
	)
	cmd := &cobra.Command{
		Use:   "plan MANIFEST",
		Short: "Print the execution plan; --simulate also dry-runs it against a copy of the registry",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			format, err := report.ParseFormat(reportFormat)
			if err != nil {
				return usageError(err)
			}
			if !simulate {
				execPlan, err := a.validate(ctx, args[0])
				if err != nil {
					return err
				}
				raw, err := plan.MarshalExecutionPlan(execPlan)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(a.stdout, string(raw))
				return err
			}

			spec, err := loadManifest(args[0])
			if err != nil {
				return err
			}
			n, namespace, err := a.target()
			if err != nil {
				return err
			}
			be, err := a.openBackend(ctx, namespace)
			if err != nil {
				return err
			}
			defer func() { _ = be.Close() }()

			sandbox, err := snapshotRegistry(ctx, be.registry, registry.WithLogger(a.logger))
			if err != nil {
				return fmt.Errorf("snapshot registry: %w", err)
			}
			p, err := pipeline.New(dryrun.New(), sandbox, pipelineConfig(n, "plan-"+uuid.NewString(), a.actor()),
				pipeline.WithLogger(a.logger))
			if err != nil {
				return err
			}
			rep, runErr := p.Run(ctx, spec)
			if rep.Status == domain.RunStateNotStarted && runErr != nil {
				return runErr
			}
			if err := report.Encode(a.stdout, rep, format); err != nil {
				return errors.Join(runErr, err)
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&simulate, "simulate", false, "dry-run every step with simulated addresses")
	cmd.Flags().StringVar(&reportFormat, "report-format", "json", "simulation report format: json, yaml or toml")
	return cmd
}

func (a *app) runCmd() *cobra.Command {
	var (
		deployerKind string
		runID        string
		reportFormat string
		reportOut    string
		publish      bool
	)
	cmd := &cobra.Command{
		Use:   "run MANIFEST",
		Short: "Deploy a pipeline and record its components in the registry",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			format, err := report.ParseFormat(reportFormat)
			if err != nil {
				return usageError(err)
			}
			spec, err := loadManifest(args[0])
			if err != nil {
				return err
			}
			n, namespace, err := a.target()
			if err != nil {
				return err
			}
			if strings.TrimSpace(runID) == "" {
				runID = uuid.NewString()
			}

			deployer, err := a.newDeployer(ctx, deployerKind, n)
			if err != nil {
				return err
			}

			traceCfg, err := tracing.ConfigFromEnv()
			if err != nil {
				return usageError(fmt.Errorf("invalid tracing config: %w", err))
			}
			provider, err := tracing.NewProvider(ctx, traceCfg)
			if err != nil {
				return fmt.Errorf("tracing: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := provider.Shutdown(shutdownCtx); err != nil {
					a.logger.Warn("tracer shutdown failed", "error", err)
				}
			}()

			be, err := a.openBackend(ctx, namespace)
			if err != nil {
				return err
			}
			defer func() { _ = be.Close() }()

			p, err := pipeline.New(deployer, be.registry, pipelineConfig(n, runID, a.actor()),
				pipeline.WithLogger(a.logger),
				pipeline.WithTracer(provider.Tracer()),
				pipeline.WithStepRecorder(be.steps),
				pipeline.WithAuditor(be.audit),
			)
			if err != nil {
				return err
			}

			rep, runErr := p.Run(ctx, spec)
			if rep.Status == domain.RunStateNotStarted && runErr != nil {
				return runErr
			}

			if err := a.writeReport(rep, format, reportOut); err != nil {
				return errors.Join(runErr, err)
			}
			if publish {
				key, err := a.publishReport(ctx, rep, format)
				if err != nil {
					return errors.Join(runErr, err)
				}
				a.logger.Info("run report published", "run_id", rep.RunID, "key", key)
			}
			if runErr != nil {
				return fmt.Errorf("run %s aborted: %w", rep.RunID, runErr)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&deployerKind, "deployer", deployerRPC, "ledger collaborator: rpc or dryrun")
	flags.StringVar(&runID, "run-id", "", "run id (default: a new uuid)")
	flags.StringVar(&reportFormat, "report-format", "json", "report format: json, yaml or toml")
	flags.StringVar(&reportOut, "report-out", "-", "report destination file; - for stdout")
	flags.BoolVar(&publish, "publish", false, "upload the report to object storage (DEPLOYCTL_MINIO_*)")
	return cmd
}

func pipelineConfig(n network.Network, runID, actor string) pipeline.Config {
	return pipeline.Config{
		Network:   n.Name,
		Constants: n.Constants,
		RunID:     runID,
		Actor:     actor,
	}
}

func (a *app) newDeployer(ctx context.Context, kind string, n network.Network) (executor.Deployer, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case deployerDryRun:
		return dryrun.New(), nil
	case deployerRPC, "":
		cfg, err := rpc.ConfigFromEnv()
		if err != nil {
			return nil, usageError(fmt.Errorf("invalid rpc config: %w", err))
		}
		if strings.TrimSpace(cfg.URL) == "" {
			cfg.URL = n.URL()
		}
		d, err := rpc.New(ctx, cfg, rpc.WithLogger(a.logger))
		if err != nil {
			return nil, usageError(fmt.Errorf("rpc deployer: %w", err))
		}
		return d, nil
	default:
		return nil, usageError(fmt.Errorf("unknown deployer %q (want rpc or dryrun)", kind))
	}
}

var createReportFile = func(path string) (io.WriteCloser, error) {
	return os.Create(path)
}

func (a *app) writeReport(rep domain.RunReport, format report.Format, dest string) (err error) {
	var w io.Writer = a.stdout
	if dest = strings.TrimSpace(dest); dest != "" && dest != "-" {
		f, createErr := createReportFile(dest)
		if createErr != nil {
			return fmt.Errorf("create report file: %w", createErr)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil {
				err = errors.Join(err, fmt.Errorf("close report file: %w", cerr))
			}
		}()
		w = f
	}
	if err := report.Encode(w, rep, format); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func (a *app) publishReport(ctx context.Context, rep domain.RunReport, format report.Format) (string, error) {
	store, cfg, err := openReportStore()
	if err != nil {
		return "", err
	}
	ctx = context.WithoutCancel(ctx)
	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := platformstore.EnsureBucket(setupCtx, store.Client(), cfg); err != nil {
		return "", err
	}
	return report.Publish(ctx, store, cfg.BucketReports, rep, format)
}
