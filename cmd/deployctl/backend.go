package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sbtc/oss-medical-record/internal/platform/env"
	"github.com/sbtc/oss-medical-record/internal/platform/httpserver"
	"github.com/sbtc/oss-medical-record/internal/platform/postgres"
	"github.com/sbtc/oss-medical-record/internal/platform/sqlite"
	"github.com/sbtc/oss-medical-record/internal/registry"
	"github.com/sbtc/oss-medical-record/internal/repo"
	"github.com/sbtc/oss-medical-record/internal/repo/memory"
	repopg "github.com/sbtc/oss-medical-record/internal/repo/postgres"
	reposqlite "github.com/sbtc/oss-medical-record/internal/repo/sqlite"
)

const (
	storageMemory   = "memory"
	storageSQLite   = "sqlite"
	storagePostgres = "postgres"
)

// backend is the registry service plus the stores behind it.
type backend struct {
	registry *registry.Service
	store    repo.RegistryRepository
	steps    repo.StepExecutionRepository
	audit    repo.AuditEventAppender
	checks   []httpserver.ReadinessCheck
	closers  []func() error
}

func (a *app) openBackend(ctx context.Context, namespace string, opts ...registry.Option) (*backend, error) {
	kind := strings.ToLower(strings.TrimSpace(a.v.GetString("storage")))
	be := &backend{}

	switch kind {
	case storageMemory:
		store := memory.NewRegistryStore()
		be.store, be.audit = store, store
		be.steps = memory.NewStepExecutionStore()
	case storageSQLite:
		cfg, err := sqlite.ConfigFromEnv()
		if err != nil {
			return nil, usageError(fmt.Errorf("invalid sqlite config: %w", err))
		}
		db, err := sqlite.Open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("sqlite registry unavailable: %w", err)
		}
		store := reposqlite.NewRegistryStore(db)
		be.store, be.audit = store, store
		be.steps = reposqlite.NewStepExecutionStore(db)
		be.closers = append(be.closers, db.Close)
		be.checks = append(be.checks, pingCheck("sqlite", db))
	case storagePostgres:
		cfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, usageError(fmt.Errorf("invalid database config: %w", err))
		}
		db, err := postgres.Open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("database unavailable: %w", err)
		}
		be.store = repopg.NewRegistryStore(db)
		be.audit = repopg.NewAuditAppender(db)
		be.steps = repopg.NewStepExecutionStore(db)
		be.closers = append(be.closers, db.Close)
		be.checks = append(be.checks, pingCheck("postgres", db))
	default:
		return nil, usageError(fmt.Errorf("unknown storage %q (want memory, sqlite or postgres)", kind))
	}

	opts = append([]registry.Option{
		registry.WithLogger(a.logger),
		registry.WithActor(a.actor()),
	}, opts...)
	svc, err := registry.New(be.store, namespace, opts...)
	if err != nil {
		_ = be.Close()
		return nil, usageError(err)
	}
	be.registry = svc
	return be, nil
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// cacheOption reads DEPLOYCTL_REGISTRY_CACHE_TTL; zero disables the cache.
func cacheOption() (registry.Option, error) {
	ttl, err := env.Duration("DEPLOYCTL_REGISTRY_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, usageError(err)
	}
	return registry.WithResolveCache(ttl), nil
}

func pingCheck(name string, db *sql.DB) httpserver.ReadinessCheck {
	return httpserver.ReadinessCheck{
		Name: name,
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return db.PingContext(checkCtx)
		},
	}
}

// snapshotRegistry copies every version in src into a fresh in-memory
// registry so a simulated run cannot touch the real one.
func snapshotRegistry(ctx context.Context, src *registry.Service, opts ...registry.Option) (*registry.Service, error) {
	store := memory.NewRegistryStore()
	current, err := src.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, entry := range current {
		history, err := src.History(ctx, entry.Name)
		if err != nil {
			return nil, err
		}
		for _, version := range history {
			if _, err := store.AppendEntry(ctx, version, nil); err != nil {
				return nil, fmt.Errorf("snapshot %s v%d: %w", version.Name, version.Version, err)
			}
		}
	}
	return registry.New(store, src.Namespace(), opts...)
}
