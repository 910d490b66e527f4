// Package migrate applies the numbered SQL files that define the session
// table. Each file holds an up and a down section separated by
// "-- +migrate Up" and "-- +migrate Down" markers.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lgulliver/freight/pkg/config"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

const (
	upMarker   = "-- +migrate Up"
	downMarker = "-- +migrate Down"
)

// Migration is one numbered schema change
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// Status pairs a migration with the time it was applied, if it was
type Status struct {
	Version   int
	Name      string
	AppliedAt *time.Time
}

// Migrator runs migrations against a database
type Migrator struct {
	db  *sql.DB
	fs  fs.FS
	dir string
	own bool
}

// New creates a migrator over an open database. The caller keeps ownership of db.
func New(db *sql.DB, migrations fs.FS, dir string) *Migrator {
	return &Migrator{db: db, fs: migrations, dir: dir}
}

// Open connects to PostgreSQL and returns a migrator that closes the
// connection on Close
func Open(ctx context.Context, cfg *config.DatabaseConfig, migrations fs.FS, dir string) (*Migrator, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	m := New(db, migrations, dir)
	m.own = true
	return m, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var (
			version int
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = at
	}
	return applied, rows.Err()
}

// Load reads every migration file, ordered by version. Files that do not
// follow the NNN_name.sql pattern are skipped.
func (m *Migrator) Load() ([]*Migration, error) {
	entries, err := fs.ReadDir(m.fs, m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	seen := make(map[int]string)
	var migrations []*Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		migration, err := m.parse(entry.Name())
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("skipping migration file")
			continue
		}
		if other, dup := seen[migration.Version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, entry.Name(), migration.Version)
		}
		seen[migration.Version] = entry.Name()
		migrations = append(migrations, migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func (m *Migrator) parse(filename string) (*Migration, error) {
	prefix, rest, ok := strings.Cut(strings.TrimSuffix(filename, ".sql"), "_")
	if !ok || rest == "" {
		return nil, fmt.Errorf("invalid migration filename: %s", filename)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil {
		return nil, fmt.Errorf("invalid migration version in %s: %w", filename, err)
	}

	content, err := fs.ReadFile(m.fs, path.Join(m.dir, filename))
	if err != nil {
		return nil, fmt.Errorf("failed to read migration %s: %w", filename, err)
	}

	up, down := split(string(content))
	if strings.TrimSpace(up) == "" {
		return nil, fmt.Errorf("migration %s has no up section", filename)
	}
	return &Migration{Version: version, Name: rest, UpSQL: up, DownSQL: down}, nil
}

// split separates the up and down sections; text before any marker is up
func split(content string) (string, string) {
	var up, down []string
	inDown := false
	for _, line := range strings.Split(content, "\n") {
		switch strings.TrimSpace(line) {
		case upMarker:
			inDown = false
			continue
		case downMarker:
			inDown = true
			continue
		}
		if inDown {
			down = append(down, line)
		} else {
			up = append(up, line)
		}
	}
	return strings.Join(up, "\n"), strings.Join(down, "\n")
}

// Up applies every pending migration in order and returns how many ran
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}
	migrations, err := m.Load()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, migration := range migrations {
		if _, done := applied[migration.Version]; done {
			continue
		}
		err := m.exec(ctx, migration.UpSQL,
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, $3)",
			migration.Version, migration.Name, time.Now().UTC())
		if err != nil {
			return count, fmt.Errorf("migration %d (%s): %w", migration.Version, migration.Name, err)
		}
		log.Info().Int("version", migration.Version).Str("name", migration.Name).Msg("applied migration")
		count++
	}

	if count == 0 {
		log.Info().Msg("no pending migrations")
	}
	return count, nil
}

// Down rolls back the most recently applied migration. It returns false when
// nothing was applied.
func (m *Migrator) Down(ctx context.Context) (bool, error) {
	if err := m.ensureTable(ctx); err != nil {
		return false, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return false, err
	}
	if len(applied) == 0 {
		log.Info().Msg("no migrations to roll back")
		return false, nil
	}

	last := -1
	for version := range applied {
		if version > last {
			last = version
		}
	}

	migrations, err := m.Load()
	if err != nil {
		return false, err
	}
	var target *Migration
	for _, migration := range migrations {
		if migration.Version == last {
			target = migration
			break
		}
	}
	if target == nil {
		return false, fmt.Errorf("migration file for version %d not found", last)
	}

	if err := m.exec(ctx, target.DownSQL, "DELETE FROM schema_migrations WHERE version = $1", target.Version); err != nil {
		return false, fmt.Errorf("rollback %d (%s): %w", target.Version, target.Name, err)
	}
	log.Info().Int("version", target.Version).Str("name", target.Name).Msg("rolled back migration")
	return true, nil
}

// Status lists every known migration and when it was applied
func (m *Migrator) Status(ctx context.Context) ([]Status, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	migrations, err := m.Load()
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(migrations))
	for _, migration := range migrations {
		s := Status{Version: migration.Version, Name: migration.Name}
		if at, ok := applied[migration.Version]; ok {
			at := at
			s.AppliedAt = &at
		}
		out = append(out, s)
	}
	return out, nil
}

// exec runs a migration body and its bookkeeping statement in one transaction
func (m *Migrator) exec(ctx context.Context, body, record string, args ...interface{}) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if strings.TrimSpace(body) != "" {
		if _, err := tx.ExecContext(ctx, body); err != nil {
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// Close releases the connection if the migrator opened it
func (m *Migrator) Close() error {
	if !m.own {
		return nil
	}
	return m.db.Close()
}
