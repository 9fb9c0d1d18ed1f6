package sqlite

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestOpenAppliesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "registry.db")
	db, err := Open(t.Context(), Config{Path: path, BusyTimeout: time.Second})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"registry_entries", "step_executions", "audit_events"} {
		var name string
		err := db.QueryRowContext(t.Context(), `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("expected table %s: %v", table, err)
		}
	}

	// Reopening must be idempotent.
	again, err := Open(t.Context(), Config{Path: path, BusyTimeout: time.Second})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = again.Close()
}

func TestDSN(t *testing.T) {
	dsn := Config{Path: "data/registry.db", BusyTimeout: 2 * time.Second}.DSN()
	if !strings.HasPrefix(dsn, "file:data/registry.db?") {
		t.Fatalf("dsn=%q", dsn)
	}
	if !strings.Contains(dsn, "_txlock=immediate") {
		t.Fatalf("expected immediate tx lock in %q", dsn)
	}
	if !strings.Contains(dsn, "busy_timeout%282000%29") {
		t.Fatalf("expected busy timeout pragma in %q", dsn)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
