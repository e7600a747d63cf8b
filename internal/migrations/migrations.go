// Package migrations owns the history store schema. Scripts are embedded
// and applied one transaction per version.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const migrationTable = "nlquery_schema_migrations"

// lockKey serialises concurrent nlquery-migrate runs against one database.
const lockKey int64 = 0x6e6c7175657279

var migrationNamePattern = regexp.MustCompile(`^([0-9]+)_.+\.(up|down)\.sql$`)

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

type migration struct {
	Version int64
	UpSQL   string
	DownSQL string
}

// Status lists applied and pending versions in ascending order.
type Status struct {
	Applied []int64
	Pending []int64
}

func (s Status) Current() bool { return len(s.Pending) == 0 }

func (r *Runner) Status(ctx context.Context, db *sql.DB) (Status, error) {
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return Status{}, err
	}
	if err := ensureMigrationTable(ctx, db); err != nil {
		return Status{}, err
	}
	applied, err := appliedVersions(ctx, db, false)
	if err != nil {
		return Status{}, err
	}
	return Status{Applied: applied, Pending: pending(migrations, applied)}, nil
}

// RequireCurrent fails while any embedded migration is unapplied. The API
// uses it as a readiness check for the history store.
func (r *Runner) RequireCurrent(ctx context.Context, db *sql.DB) error {
	status, err := r.Status(ctx, db)
	if err != nil {
		return err
	}
	if !status.Current() {
		return fmt.Errorf("history schema has %d pending migration(s), run nlquery-migrate", len(status.Pending))
	}
	return nil
}

// Up applies pending migrations in version order; steps <= 0 applies all.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return 0, err
	}
	if err := ensureMigrationTable(ctx, db); err != nil {
		return 0, err
	}
	applied, err := appliedVersions(ctx, db, false)
	if err != nil {
		return 0, err
	}

	lookup := indexByVersion(migrations)
	runCount := 0
	for _, version := range pending(migrations, applied) {
		if steps > 0 && runCount >= steps {
			break
		}
		item := lookup[version]
		mark := `INSERT INTO ` + migrationTable + ` (version) VALUES ($1)`
		if err := runInTx(ctx, db, "apply", item.Version, item.UpSQL, mark); err != nil {
			return runCount, err
		}
		runCount++
	}
	return runCount, nil
}

// Down rolls back the newest applied migrations; steps <= 0 means one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}

	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return 0, err
	}
	if err := ensureMigrationTable(ctx, db); err != nil {
		return 0, err
	}
	applied, err := appliedVersions(ctx, db, true)
	if err != nil {
		return 0, err
	}

	lookup := indexByVersion(migrations)
	runCount := 0
	for _, version := range applied {
		if runCount >= steps {
			break
		}
		item, ok := lookup[version]
		if !ok {
			return runCount, fmt.Errorf("applied migration %d is missing from source", version)
		}
		unmark := `DELETE FROM ` + migrationTable + ` WHERE version = $1`
		if err := runInTx(ctx, db, "rollback", item.Version, item.DownSQL, unmark); err != nil {
			return runCount, err
		}
		runCount++
	}
	return runCount, nil
}

func ensureMigrationTable(ctx context.Context, db *sql.DB) error {
	query := `
CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
	version BIGINT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

// runInTx runs script and the bookkeeping statement atomically under the
// migration advisory lock.
func runInTx(ctx context.Context, db *sql.DB, verb string, version int64, script, bookkeeping string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("%s migration %d: %w", verb, version, err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, version); err != nil {
		return fmt.Errorf("record %s of migration %d: %w", verb, version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s of migration %d: %w", verb, version, err)
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB, descending bool) ([]int64, error) {
	order := "ASC"
	if descending {
		order = "DESC"
	}
	rows, err := db.QueryContext(ctx, `SELECT version FROM `+migrationTable+` ORDER BY version `+order)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	versions := make([]int64, 0)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied versions: %w", err)
	}
	return versions, nil
}

func pending(migrations []migration, applied []int64) []int64 {
	done := make(map[int64]struct{}, len(applied))
	for _, version := range applied {
		done[version] = struct{}{}
	}
	out := make([]int64, 0)
	for _, item := range migrations {
		if _, ok := done[item.Version]; !ok {
			out = append(out, item.Version)
		}
	}
	return out
}

func indexByVersion(migrations []migration) map[int64]migration {
	lookup := make(map[int64]migration, len(migrations))
	for _, item := range migrations {
		lookup[item.Version] = item
	}
	return lookup
}

// loadMigrations pairs NNN_name.up.sql with NNN_name.down.sql. Both halves
// are required and files not matching the pattern are ignored.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	items := map[int64]migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		base := path.Base(entry.Name())
		matches := migrationNamePattern.FindStringSubmatch(base)
		if len(matches) != 3 {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version for %q: %w", base, err)
		}
		script, err := fs.ReadFile(fsys, path.Join("sql", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		item := items[version]
		item.Version = version
		if matches[2] == "up" {
			item.UpSQL = string(script)
		} else {
			item.DownSQL = string(script)
		}
		items[version] = item
	}

	out := make([]migration, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", item.Version)
		}
		if strings.TrimSpace(item.DownSQL) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", item.Version)
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
