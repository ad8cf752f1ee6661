package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

// Migration is one versioned, all-or-nothing schema change.
//
// Applied is an introspection guard: it reports whether the change is already
// present in the live schema, in which case the engine records the version
// without running Up. Exactly one of SQLFile or Up is set.
type Migration struct {
	Version int
	Name    string

	// SQLFile names a file in the migrations filesystem executed verbatim.
	SQLFile string
	// Up applies the change inside the migration transaction.
	Up func(ctx context.Context, tx *sql.Tx) error

	Applied func(ctx context.Context, q querier) (bool, error)

	// DisableForeignKeys turns foreign key enforcement off on the pinned
	// connection for the duration of the migration. The engine runs
	// PRAGMA foreign_key_check before commit.
	DisableForeignKeys bool
}

// MigrationState reports whether a known migration has been applied.
type MigrationState struct {
	Version   int        `json:"version"`
	Name      string     `json:"name"`
	Applied   bool       `json:"applied"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`

// RunMigrations applies every unapplied migration in ascending version
// order, each in its own transaction on a single pinned connection. The
// first failure rolls back that migration and is returned; earlier
// migrations stay applied.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	return db.runMigrations(ctx, migrationsFS, Migrations())
}

func (db *DB) runMigrations(ctx context.Context, migrationsFS fs.FS, set []Migration) error {
	set, err := sortedMigrations(set)
	if err != nil {
		return err
	}

	conn, err := db.conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("storage: pin migration connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied, err := loadAppliedMigrations(ctx, conn)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	for _, m := range set {
		if _, ok := applied[m.Version]; ok {
			db.logger.Debug("migration already applied, skipping", "version", m.Version, "name", m.Name)
			continue
		}
		if err := db.applyMigration(ctx, conn, migrationsFS, m); err != nil {
			return fmt.Errorf("storage: migration %03d_%s: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func (db *DB) applyMigration(ctx context.Context, conn *sql.Conn, migrationsFS fs.FS, m Migration) (err error) {
	var script string
	if m.SQLFile != "" {
		content, err := fs.ReadFile(migrationsFS, m.SQLFile)
		if err != nil {
			return fmt.Errorf("read %s: %w", m.SQLFile, err)
		}
		script = string(content)
	}

	// foreign_keys is a no-op inside a transaction, so toggle it first.
	if m.DisableForeignKeys {
		if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys=OFF"); err != nil {
			return fmt.Errorf("disable foreign keys: %w", err)
		}
		defer func() {
			if _, ferr := conn.ExecContext(context.WithoutCancel(ctx), "PRAGMA foreign_keys=ON"); ferr != nil && err == nil {
				err = fmt.Errorf("re-enable foreign keys: %w", ferr)
			}
		}()
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	present := false
	if m.Applied != nil {
		if present, err = m.Applied(ctx, tx); err != nil {
			return fmt.Errorf("check guard: %w", err)
		}
	}

	switch {
	case present:
		db.logger.Info("migration already present in schema, recording", "version", m.Version, "name", m.Name)
	case script != "":
		db.logger.Info("running migration", "version", m.Version, "name", m.Name, "file", m.SQLFile)
		if _, err = tx.ExecContext(ctx, script); err != nil {
			return fmt.Errorf("execute %s: %w", m.SQLFile, err)
		}
	case m.Up != nil:
		db.logger.Info("running migration", "version", m.Version, "name", m.Name)
		if err = m.Up(ctx, tx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("migration has neither SQLFile nor Up")
	}

	if m.DisableForeignKeys {
		if err = checkForeignKeys(ctx, tx); err != nil {
			return err
		}
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Name, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("record: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MigrationStatus lists every known migration with its applied state.
func (db *DB) MigrationStatus(ctx context.Context) ([]MigrationState, error) {
	set, err := sortedMigrations(Migrations())
	if err != nil {
		return nil, err
	}

	exists, err := tableExists(ctx, db.conn, "schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("storage: migration status: %w", err)
	}
	applied := map[int]time.Time{}
	if exists {
		if applied, err = loadAppliedMigrations(ctx, db.conn); err != nil {
			return nil, fmt.Errorf("storage: migration status: %w", err)
		}
	}

	out := make([]MigrationState, 0, len(set))
	for _, m := range set {
		st := MigrationState{Version: m.Version, Name: m.Name}
		if at, ok := applied[m.Version]; ok {
			st.Applied = true
			st.AppliedAt = &at
		}
		out = append(out, st)
	}
	return out, nil
}

// loadAppliedMigrations returns the versions recorded in schema_migrations
// with their apply times.
func loadAppliedMigrations(ctx context.Context, q querier) (map[int]time.Time, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var (
			v  int
			at string
		)
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		t, _ := time.Parse(time.RFC3339Nano, at)
		applied[v] = t
	}
	return applied, rows.Err()
}

func sortedMigrations(set []Migration) ([]Migration, error) {
	out := make([]Migration, len(set))
	copy(out, set)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	for i := range out {
		if out[i].Version <= 0 {
			return nil, fmt.Errorf("storage: migration %q has non-positive version", out[i].Name)
		}
		if i > 0 && out[i].Version == out[i-1].Version {
			return nil, fmt.Errorf("storage: duplicate migration version %d", out[i].Version)
		}
	}
	return out, nil
}

func checkForeignKeys(ctx context.Context, q querier) error {
	rows, err := q.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return fmt.Errorf("foreign key check: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var violations []string
	for rows.Next() {
		var (
			table, parent string
			rowid         sql.NullInt64
			fkid          int
		)
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return fmt.Errorf("foreign key check: %w", err)
		}
		violations = append(violations, fmt.Sprintf("%s row %d -> %s", table, rowid.Int64, parent))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("foreign key check: %w", err)
	}
	if len(violations) > 0 {
		return fmt.Errorf("foreign key violations: %s", strings.Join(violations, "; "))
	}
	return nil
}

// ── Introspection ─────────────────────────────────────────────────────────────

type columnInfo struct {
	Name    string
	Type    string
	NotNull bool
	PK      bool
}

// tableColumns returns the live column set of table keyed by name. A missing
// table yields an empty map.
func tableColumns(ctx context.Context, q querier, table string) (map[string]columnInfo, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, type, "notnull", pk FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	cols := make(map[string]columnInfo)
	for rows.Next() {
		var (
			c       columnInfo
			notNull int
			pk      int
		)
		if err := rows.Scan(&c.Name, &c.Type, &notNull, &pk); err != nil {
			return nil, fmt.Errorf("table_info %s: %w", table, err)
		}
		c.NotNull = notNull != 0
		c.PK = pk != 0
		cols[c.Name] = c
	}
	return cols, rows.Err()
}

func tableExists(ctx context.Context, q querier, table string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&n)
	return n > 0, err
}

// ── Table rewrite ─────────────────────────────────────────────────────────────

// tableRewrite describes an expand-migrate-contract rebuild of one table.
// CreateSQL contains a single %s verb for the table name. Live columns that
// appear in neither Columns nor Drop are carried over with their declared
// type so no data is lost.
type tableRewrite struct {
	Table     string
	CreateSQL string
	Columns   []string
	Drop      []string
	Indexes   []string
}

// rewriteTable rebuilds rw.Table into its new shape inside tx: create a
// shadow table, copy rows with one INSERT…SELECT, drop the original, rename
// the shadow into place, recreate indexes and resynchronize the
// AUTOINCREMENT sequence to max(id). Columns absent from the live table are
// left to their defaults.
func rewriteTable(ctx context.Context, tx *sql.Tx, rw tableRewrite) error {
	shadow := rw.Table + "__rewrite"

	live, err := tableColumns(ctx, tx, rw.Table)
	if err != nil {
		return err
	}
	if len(live) == 0 {
		return fmt.Errorf("rewrite %s: table does not exist", rw.Table)
	}
	var cols []string
	for _, c := range rw.Columns {
		if _, ok := live[c]; ok {
			cols = append(cols, c)
		}
	}
	extra := unlistedColumns(live, rw.Columns, rw.Drop)
	colList := strings.Join(append(cols, extra...), ", ")

	steps := []string{
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, shadow),
		fmt.Sprintf(rw.CreateSQL, shadow),
	}
	for _, c := range extra {
		steps = append(steps, strings.TrimSpace(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, shadow, c, live[c].Type)))
	}
	steps = append(steps,
		fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s`, shadow, colList, colList, rw.Table),
		fmt.Sprintf(`DROP TABLE %s`, rw.Table),
		fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, shadow, rw.Table),
	)
	steps = append(steps, rw.Indexes...)
	for _, stmt := range steps {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rewrite %s: %w", rw.Table, err)
		}
	}

	if _, ok := live["id"]; ok {
		if err := resyncSequence(ctx, tx, rw.Table); err != nil {
			return fmt.Errorf("rewrite %s: %w", rw.Table, err)
		}
	}
	return nil
}

// unlistedColumns returns the live columns named in neither listed nor
// dropped, sorted by name.
func unlistedColumns(live map[string]columnInfo, listed, dropped []string) []string {
	known := make(map[string]bool, len(listed)+len(dropped))
	for _, c := range listed {
		known[c] = true
	}
	for _, c := range dropped {
		known[c] = true
	}
	var out []string
	for name := range live {
		if !known[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// resyncSequence sets the AUTOINCREMENT high-water mark of table to max(id)
// so the next insert receives max(id)+1.
func resyncSequence(ctx context.Context, tx *sql.Tx, table string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM sqlite_sequence WHERE name = ?`, table); err != nil {
		return fmt.Errorf("reset sequence: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO sqlite_sequence (name, seq) SELECT ?, COALESCE(MAX(id), 0) FROM %s`, table)
	if _, err := tx.ExecContext(ctx, query, table); err != nil {
		return fmt.Errorf("resync sequence: %w", err)
	}
	return nil
}
