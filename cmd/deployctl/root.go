package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sbtc/oss-medical-record/internal/domain"
	"github.com/sbtc/oss-medical-record/internal/manifest"
	"github.com/sbtc/oss-medical-record/internal/network"
)

var version = "dev"

type app struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{
		v:      viper.New(),
		stdout: stdout,
		stderr: stderr,
		logger: slog.New(slog.DiscardHandler),
	}

	root := &cobra.Command{
		Use:           "deployctl",
		Short:         "Run component deployment pipelines against a versioned registry",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (yaml, toml or json)")
	pf.String("networks", "", "networks file (default: built-in development network)")
	pf.String("network", network.DefaultName, "network to target")
	pf.String("namespace", "", "registry namespace (default: the network name)")
	pf.String("storage", storageSQLite, "registry storage: memory, sqlite or postgres")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	pf.String("log-format", "text", "log format: text or json")
	_ = a.v.BindPFlags(pf)

	a.v.SetDefault("actor", "deployctl")
	a.v.SetEnvPrefix("DEPLOYCTL")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		a.validateCmd(),
		a.planCmd(),
		a.runCmd(),
		a.statusCmd(),
		a.resolveCmd(),
		a.historyCmd(),
		a.listCmd(),
		a.reportsCmd(),
		a.serveCmd(),
		a.migrateCmd(),
	)
	return root
}

func (a *app) init() error {
	if file := strings.TrimSpace(a.v.GetString("config")); file != "" {
		a.v.SetConfigFile(file)
		if err := a.v.ReadInConfig(); err != nil {
			return usageError(fmt.Errorf("read config: %w", err))
		}
	}
	logger, err := newLogger(a.stderr, a.v.GetString("log-level"), a.v.GetString("log-format"))
	if err != nil {
		return usageError(err)
	}
	a.logger = logger
	return nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
	}
}

// target resolves the selected network and the registry namespace.
func (a *app) target() (network.Network, string, error) {
	catalog, err := network.Load(a.v.GetString("networks"))
	if err != nil {
		return network.Network{}, "", usageError(err)
	}
	n, err := catalog.Get(a.v.GetString("network"))
	if err != nil {
		return network.Network{}, "", usageError(err)
	}
	namespace := strings.TrimSpace(a.v.GetString("namespace"))
	if namespace == "" {
		namespace = n.Name
	}
	return n, namespace, nil
}

func (a *app) actor() string {
	return strings.TrimSpace(a.v.GetString("actor"))
}

func loadManifest(path string) (domain.PipelineSpec, error) {
	spec, err := manifest.Load(path)
	if err != nil {
		return domain.PipelineSpec{}, usageError(err)
	}
	return spec, nil
}

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return usageError(cobra.ExactArgs(n)(cmd, args))
	}
}
