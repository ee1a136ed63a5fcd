package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Strob0t/autopack/internal/adapter/postgres"
	"github.com/Strob0t/autopack/internal/config"
)

func TestMigrator_Sources(t *testing.T) {
	m, err := postgres.NewMigrator("postgres://autopack@127.0.0.1:1/autopack")
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	var names []string
	for i, s := range m.Sources() {
		if s.Version != int64(i+1) {
			t.Errorf("source %s has version %d, want %d", s.Name, s.Version, i+1)
		}
		names = append(names, s.Name)
	}
	want := []string{"001_runs.sql", "002_governance.sql", "003_attempts.sql", "004_governance_protected_paths.sql"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("sources (-want +got):\n%s", diff)
	}
}

func TestMigrator_UpDownStatus(t *testing.T) {
	dsn := requireDSN(t)
	ctx := context.Background()

	m, err := postgres.NewMigrator(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Close() })

	if _, err := m.Up(ctx); err != nil {
		t.Fatalf("Up: %v", err)
	}
	states, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(states) != len(m.Sources()) {
		t.Fatalf("status lists %d migrations, want %d", len(states), len(m.Sources()))
	}
	for _, st := range states {
		if !st.Applied || st.AppliedAt.IsZero() {
			t.Errorf("%s not applied after Up: %+v", st.Name, st)
		}
	}

	rolled, err := m.Down(ctx, 1)
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if diff := cmp.Diff([]string{"004_governance_protected_paths.sql"}, rolled); diff != "" {
		t.Errorf("rolled back (-want +got):\n%s", diff)
	}
	applied, err := m.Up(ctx)
	if err != nil {
		t.Fatalf("second Up: %v", err)
	}
	if diff := cmp.Diff([]string{"004_governance_protected_paths.sql"}, applied); diff != "" {
		t.Errorf("re-applied (-want +got):\n%s", diff)
	}
}

func TestPoolConfig(t *testing.T) {
	pc, err := postgres.PoolConfig(config.Postgres{
		DSN:             "postgres://autopack@db.internal:6543/autopack",
		MaxConns:        8,
		MinConns:        20,
		MaxConnLifetime: time.Hour,
	})
	if err != nil {
		t.Fatalf("PoolConfig: %v", err)
	}
	if pc.MaxConns != 8 || pc.MinConns != 8 {
		t.Errorf("conns = %d/%d, want min clamped to max 8", pc.MinConns, pc.MaxConns)
	}
	if pc.MaxConnLifetime != time.Hour {
		t.Errorf("lifetime = %v", pc.MaxConnLifetime)
	}
	if got := pc.ConnConfig.RuntimeParams["application_name"]; got != "autopack" {
		t.Errorf("application_name = %q", got)
	}

	pc, err = postgres.PoolConfig(config.Postgres{DSN: "postgres://db.internal/autopack?application_name=worker"})
	if err != nil {
		t.Fatal(err)
	}
	if got := pc.ConnConfig.RuntimeParams["application_name"]; got != "worker" {
		t.Errorf("explicit application_name overridden: %q", got)
	}

	if _, err := postgres.PoolConfig(config.Postgres{DSN: "postgres://%zz"}); err == nil {
		t.Error("expected an error for an unparsable DSN")
	}
}
