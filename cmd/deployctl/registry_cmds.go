package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbtc/oss-medical-record/internal/domain"
)

type entryOutput struct {
	Namespace      string    `json:"namespace"`
	Name           string    `json:"name"`
	Version        int       `json:"version"`
	Address        string    `json:"address"`
	LogicAddress   string    `json:"logic_address,omitempty"`
	Implementation string    `json:"implementation"`
	RegisteredAt   time.Time `json:"registered_at"`
	RunID          string    `json:"run_id,omitempty"`
}

func (a *app) resolveCmd() *cobra.Command {
	var (
		version int
		output  string
	)
	cmd := &cobra.Command{
		Use:   "resolve NAME",
		Short: "Print the current (or a given) version of a registry name",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, namespace, err := a.target()
			if err != nil {
				return err
			}
			be, err := a.openBackend(ctx, namespace)
			if err != nil {
				return err
			}
			defer func() { _ = be.Close() }()

			var entry domain.RegistryEntry
			if version > 0 {
				entry, err = be.registry.ResolveVersion(ctx, args[0], version)
			} else {
				entry, err = be.registry.Resolve(ctx, args[0])
			}
			if err != nil {
				return err
			}
			return writeEntries(a.stdout, output, entry)
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "version to resolve (default: current)")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}

func (a *app) historyCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "history NAME",
		Short: "Print every version of a registry name, oldest first",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, namespace, err := a.target()
			if err != nil {
				return err
			}
			be, err := a.openBackend(ctx, namespace)
			if err != nil {
				return err
			}
			defer func() { _ = be.Close() }()

			entries, err := be.registry.History(ctx, args[0])
			if err != nil {
				return err
			}
			return writeEntries(a.stdout, output, entries...)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the current version of every registry name",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, namespace, err := a.target()
			if err != nil {
				return err
			}
			be, err := a.openBackend(ctx, namespace)
			if err != nil {
				return err
			}
			defer func() { _ = be.Close() }()

			entries, err := be.registry.List(ctx)
			if err != nil {
				return err
			}
			return writeEntries(a.stdout, output, entries...)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}

func writeEntries(w io.Writer, format string, entries ...domain.RegistryEntry) error {
	switch format {
	case "json":
		out := make([]entryOutput, 0, len(entries))
		for _, e := range entries {
			out = append(out, entryOutput{
				Namespace:      e.Namespace,
				Name:           e.Name,
				Version:        e.Version,
				Address:        e.Address,
				LogicAddress:   e.LogicAddress,
				Implementation: e.Implementation(),
				RegisteredAt:   e.RegisteredAt.UTC(),
				RunID:          e.RunID,
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "text", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tVERSION\tADDRESS\tLOGIC\tREGISTERED\tRUN")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Name,
				strconv.Itoa(e.Version),
				e.Address,
				dash(e.LogicAddress),
				e.RegisteredAt.UTC().Format(time.RFC3339),
				dash(e.RunID),
			)
		}
		return tw.Flush()
	default:
		return usageError(fmt.Errorf("unknown output format %q (want text or json)", format))
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
