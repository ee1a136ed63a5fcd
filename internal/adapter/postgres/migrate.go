package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx" for goose
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrationTable keeps autopack's schema history apart from other goose users
// sharing the database.
const migrationTable = "autopack_schema_migrations"

// MigrationState describes one embedded migration against the database.
type MigrationState struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// Migrator applies the embedded autopack schema. Concurrent processes are
// serialised with a Postgres advisory lock.
type Migrator struct {
	db       *sql.DB
	provider *goose.Provider
}

// NewMigrator opens a database/sql handle for dsn. No connection is made
// until the first operation.
func NewMigrator(dsn string) (*Migrator, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db for migrations: %w", err)
	}
	provider, err := newProvider(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Migrator{db: db, provider: provider}, nil
}

func newProvider(db *sql.DB) (*goose.Provider, error) {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrations fs: %w", err)
	}
	locker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return nil, fmt.Errorf("migration lock: %w", err)
	}
	return goose.NewProvider(goose.DialectPostgres, db, sub,
		goose.WithTableName(migrationTable),
		goose.WithSessionLocker(locker),
		goose.WithDisableGlobalRegistry(true),
		goose.WithSlog(slog.Default()),
	)
}

// Close releases the database handle.
func (m *Migrator) Close() error { return m.db.Close() }

// Up applies every pending migration and returns the names it applied.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	results, err := m.provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Source.Path)
	}
	return names, nil
}

// Down rolls back up to steps migrations, newest first, and returns the names
// it rolled back. Running out of applied migrations is not an error.
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	var names []string
	for range steps {
		r, err := m.provider.Down(ctx)
		if errors.Is(err, goose.ErrNoNextVersion) {
			break
		}
		if err != nil {
			return names, fmt.Errorf("roll back migration: %w", err)
		}
		names = append(names, r.Source.Path)
	}
	return names, nil
}

// Status lists the embedded migrations in version order with their state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationState, error) {
	statuses, err := m.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	out := make([]MigrationState, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, MigrationState{
			Version:   st.Source.Version,
			Name:      st.Source.Path,
			Applied:   st.State == goose.StateApplied,
			AppliedAt: st.AppliedAt,
		})
	}
	return out, nil
}

// Sources lists the embedded migrations without touching the database.
func (m *Migrator) Sources() []MigrationState {
	srcs := m.provider.ListSources()
	out := make([]MigrationState, 0, len(srcs))
	for _, s := range srcs {
		out = append(out, MigrationState{Version: s.Version, Name: s.Path})
	}
	return out
}

// Migrate applies all pending migrations for dsn.
func Migrate(ctx context.Context, dsn string) error {
	m, err := NewMigrator(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	applied, err := m.Up(ctx)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		slog.Info("schema migrated", "applied", applied)
	}
	return nil
}
