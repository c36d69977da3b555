package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect names the SQL flavour behind a DB.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// TimeLayout is the fixed-width UTC layout used for every stored timestamp,
// so that lexical order matches chronological order on both drivers.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// DB wraps the database connection.
type DB struct {
	conn    *sql.DB
	path    string
	dialect Dialect
}

// Open opens or creates the SQLite database at the given path.
func Open(path string) (*DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create directory %s: %w", dir, err)
			}
		}
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &DB{conn: conn, path: path, dialect: SQLite}, nil
}

// OpenPostgres connects to a PostgreSQL server through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string) (*DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(16)
	conn.SetConnMaxIdleTime(5 * time.Minute)
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{conn: conn, path: dsn, dialect: Postgres}, nil
}

// OpenDriver opens the backend named by a storage driver setting.
func OpenDriver(ctx context.Context, driver, dsn string) (*DB, error) {
	switch Dialect(driver) {
	case SQLite, "":
		return Open(dsn)
	case Postgres:
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Path returns the file path or DSN the DB was opened with.
func (d *DB) Path() string {
	return d.path
}

// Dialect reports which SQL flavour the connection speaks.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Rebind rewrites ? placeholders into the dialect's positional form.
func (d *DB) Rebind(query string) string {
	if d.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
    id               TEXT PRIMARY KEY,
    project_id       TEXT NOT NULL,
    status           TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed')),
    phase            TEXT NOT NULL,
    phase_history    TEXT NOT NULL DEFAULT '[]',
    iteration_count  INTEGER NOT NULL DEFAULT 0,
    max_iterations   INTEGER NOT NULL,
    quality_score    DOUBLE PRECISION,
    fingerprint      TEXT NOT NULL,
    input_text       TEXT NOT NULL,
    settings         TEXT NOT NULL DEFAULT '{}',
    outcome          TEXT NOT NULL DEFAULT '',
    failure_action   TEXT NOT NULL DEFAULT '',
    failure_category TEXT NOT NULL DEFAULT '',
    failure_message  TEXT NOT NULL DEFAULT '',
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL,
    completed_at     TEXT
);
CREATE INDEX IF NOT EXISTS idx_executions_fingerprint ON executions(fingerprint);
CREATE INDEX IF NOT EXISTS idx_executions_project ON executions(project_id, created_at);

CREATE TABLE IF NOT EXISTS artifact_counters (
    execution_id  TEXT NOT NULL,
    artifact_type TEXT NOT NULL,
    last_version  INTEGER NOT NULL,
    PRIMARY KEY (execution_id, artifact_type)
);

CREATE TABLE IF NOT EXISTS artifacts (
    id               {{serial}},
    execution_id     TEXT NOT NULL,
    artifact_type    TEXT NOT NULL,
    version          INTEGER NOT NULL,
    content          TEXT NOT NULL,
    structured       TEXT NOT NULL DEFAULT '',
    role             TEXT NOT NULL,
    caused_by        TEXT NOT NULL,
    sent_from        TEXT NOT NULL DEFAULT '',
    send_to          TEXT NOT NULL DEFAULT '',
    parse_confidence TEXT NOT NULL DEFAULT 'high',
    iteration        INTEGER NOT NULL DEFAULT 0,
    inputs           TEXT NOT NULL DEFAULT '{}',
    created_at       TEXT NOT NULL,
    UNIQUE (execution_id, artifact_type, version)
);
CREATE INDEX IF NOT EXISTS idx_artifacts_execution ON artifacts(execution_id, artifact_type, version);

CREATE TABLE IF NOT EXISTS execution_cache (
    fingerprint  TEXT PRIMARY KEY,
    execution_id TEXT NOT NULL,
    recorded_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_events (
    id           {{serial}},
    execution_id TEXT NOT NULL,
    event        TEXT NOT NULL,
    phase        TEXT NOT NULL DEFAULT '',
    action       TEXT NOT NULL DEFAULT '',
    iteration    INTEGER NOT NULL DEFAULT 0,
    detail       TEXT NOT NULL DEFAULT '',
    timestamp    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pipeline_execution ON pipeline_events(execution_id, id);

CREATE TABLE IF NOT EXISTS role_calls (
    id           {{serial}},
    execution_id TEXT NOT NULL,
    action       TEXT NOT NULL,
    role         TEXT NOT NULL,
    model        TEXT NOT NULL DEFAULT '',
    attempt      INTEGER NOT NULL,
    outcome      TEXT NOT NULL CHECK(outcome IN ('ok','transient','permanent')),
    error        TEXT NOT NULL DEFAULT '',
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    timestamp    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_role_calls_execution ON role_calls(execution_id, id);
`

var tables = []string{
	"role_calls", "pipeline_events", "execution_cache", "artifacts",
	"artifact_counters", "executions", "schema_version",
}

func (d *DB) schemaStatements() []string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d.dialect == Postgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	schema := strings.ReplaceAll(schemaV1, "{{serial}}", serial)

	var stmts []string
	for _, s := range strings.Split(schema, ";") {
		if s = strings.TrimSpace(s); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

// Migrate applies the database schema.
func (d *DB) Migrate() error {
	var count int
	err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range d.schemaStatements() {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
	}
	if _, err := tx.Exec(d.Rebind("INSERT INTO schema_version (version, applied_at) VALUES (1, ?)"), FormatTime(time.Now())); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
