package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockID keys the advisory lock that serializes concurrent migrators
// (two service replicas starting together).
const migrationLockID = 0x41524e41 // "ARNA"

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

type migration struct {
	version string
	up      string // file names
	down    string
}

// MigrationStatus is one migration as seen by Status.
type MigrationStatus struct {
	Version string
	File    string
	Applied bool
}

// Migrator applies {version}_{name}.up.sql / .down.sql pairs from an fs.FS,
// one transaction per file, recording versions in public.schema_migrations.
type Migrator struct {
	db     *sql.DB
	files  fs.FS
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, files fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, files: files, logger: logger}
}

// Up applies pending migrations in version order and returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	ran := 0
	err := m.locked(ctx, func(conn *sql.Conn) error {
		migrations, applied, err := m.state(ctx, conn)
		if err != nil {
			return err
		}
		for _, mg := range migrations {
			if applied[mg.version] {
				continue
			}
			err := m.exec(ctx, conn, mg.up,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`, mg.version, mg.up)
			if err != nil {
				return err
			}
			ran++
			m.logger.Info().Str("migration", mg.up).Msg("applied migration")
		}
		return nil
	})
	return ran, err
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		migrations, applied, err := m.state(ctx, conn)
		if err != nil {
			return err
		}
		for i := len(migrations) - 1; i >= 0; i-- {
			mg := migrations[i]
			if !applied[mg.version] {
				continue
			}
			err := m.exec(ctx, conn, mg.down,
				`DELETE FROM public.schema_migrations WHERE version = $1`, mg.version)
			if err != nil {
				return err
			}
			m.logger.Info().Str("migration", mg.down).Msg("rolled back migration")
			return nil
		}
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	})
}

// Status lists every known migration and whether it has been applied.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	migrations, applied, err := m.state(ctx, conn)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, 0, len(migrations))
	for _, mg := range migrations {
		out = append(out, MigrationStatus{Version: mg.version, File: mg.up, Applied: applied[mg.version]})
	}
	return out, nil
}

// locked runs fn on one connection holding the session advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID)

	return fn(conn)
}

func (m *Migrator) state(ctx context.Context, conn *sql.Conn) ([]migration, map[string]bool, error) {
	migrations, err := loadMigrations(m.files)
	if err != nil {
		return nil, nil, fmt.Errorf("list migrations: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return nil, nil, fmt.Errorf("ensure migration table: %w", err)
	}

	rows, err := conn.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, nil, fmt.Errorf("applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, nil, err
		}
		applied[v] = true
	}
	return migrations, applied, rows.Err()
}

// exec runs the SQL in file and the bookkeeping statement in one transaction.
func (m *Migrator) exec(ctx context.Context, conn *sql.Conn, file, record string, args ...any) error {
	content, err := fs.ReadFile(m.files, file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		tx.Rollback()
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

// loadMigrations pairs up and down files by version. A version without both
// halves is an error.
func loadMigrations(files fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, err
	}

	byVersion := make(map[string]*migration)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", name)
		}
		mg := byVersion[version]
		if mg == nil {
			mg = &migration{version: version}
			byVersion[version] = mg
		}
		switch {
		case strings.HasSuffix(name, upSuffix):
			mg.up = name
		case strings.HasSuffix(name, downSuffix):
			mg.down = name
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, mg := range byVersion {
		if mg.up == "" || mg.down == "" {
			return nil, errors.New("migration " + mg.version + ": need both .up.sql and .down.sql")
		}
		out = append(out, *mg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
