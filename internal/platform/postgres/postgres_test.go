package postgres

import (
	"io/fs"
	"strings"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if cfg.MigrateOnOpen {
		t.Fatalf("expected migrate on open to default to false")
	}
}

func TestConfigRejectsIdleAboveOpen(t *testing.T) {
	t.Setenv("DEPLOYCTL_DATABASE_MAX_OPEN_CONNS", "2")
	t.Setenv("DEPLOYCTL_DATABASE_MAX_IDLE_CONNS", "3")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestMigrateURL(t *testing.T) {
	got, err := MigrateURL("postgres://u:p@db:5432/deployctl?sslmode=disable")
	if err != nil {
		t.Fatalf("MigrateURL: %v", err)
	}
	if got != "pgx5://u:p@db:5432/deployctl?sslmode=disable" {
		t.Fatalf("MigrateURL=%q", got)
	}
	if _, err := MigrateURL("mysql://db/deployctl"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if _, err := MigrateURL(" "); err == nil {
		t.Fatalf("expected empty url error")
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	downs, err := fs.Glob(migrationsFS, "migrations/*.down.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(ups) == 0 || len(ups) != len(downs) {
		t.Fatalf("ups=%v downs=%v", ups, downs)
	}
	blob, err := fs.ReadFile(migrationsFS, ups[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, table := range []string{"registry_entries", "step_executions", "audit_events"} {
		if !strings.Contains(string(blob), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("expected %s in %s", table, ups[0])
		}
	}
}
