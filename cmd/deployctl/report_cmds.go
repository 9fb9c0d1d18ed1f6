package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	platformstore "github.com/sbtc/oss-medical-record/internal/platform/objectstore"
	"github.com/sbtc/oss-medical-record/internal/report"
	"github.com/sbtc/oss-medical-record/internal/storage/objectstore"
)

func (a *app) reportsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reports",
		Short: "List run reports published for the namespace",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, namespace, err := a.target()
			if err != nil {
				return err
			}
			store, cfg, err := openReportStore()
			if err != nil {
				return err
			}
			checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := platformstore.CheckBucket(checkCtx, store.Client(), cfg); err != nil {
				return err
			}
			objects, err := report.Published(ctx, store, cfg.BucketReports, namespace)
			if err != nil {
				return err
			}
			return writeObjects(a.stdout, objects)
		},
	}
}

func openReportStore() (*objectstore.MinioStore, platformstore.Config, error) {
	cfg, err := platformstore.ConfigFromEnv()
	if err != nil {
		return nil, platformstore.Config{}, usageError(fmt.Errorf("invalid object store config: %w", err))
	}
	store, err := objectstore.NewMinioStore(cfg)
	if err != nil {
		return nil, platformstore.Config{}, fmt.Errorf("object store client: %w", err)
	}
	return store, cfg, nil
}

func writeObjects(w io.Writer, objects []objectstore.ObjectInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSIZE\tMODIFIED")
	for _, obj := range objects {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", obj.Key, strconv.FormatInt(obj.Size, 10), obj.LastModified.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
