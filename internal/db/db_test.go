package db

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestMigrate(t *testing.T) {
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	for _, table := range tables {
		var name string
		err := d.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	var version int
	if err := d.conn.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query schema_version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}

	// Migrate again should be idempotent
	if err := d.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "reqforge.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	if d.Path() != path {
		t.Errorf("Path() = %q, want %q", d.Path(), path)
	}
	if d.Dialect() != SQLite {
		t.Errorf("Dialect() = %q, want sqlite", d.Dialect())
	}
}

func TestOpenDriverUnknown(t *testing.T) {
	if _, err := OpenDriver(context.Background(), "oracle", "x"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestReset(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if err := d.LogPipelineEvent(ctx, "ex-1", "created", "", "", 0, ""); err != nil {
		t.Fatalf("log event: %v", err)
	}
	if err := d.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}

	events, err := d.GetPipelineEvents(ctx, "ex-1")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events after reset, got %d", len(events))
	}
}

func TestRebind(t *testing.T) {
	sqlite := &DB{dialect: SQLite}
	pg := &DB{dialect: Postgres}
	q := "SELECT * FROM artifacts WHERE execution_id = ? AND artifact_type = ? AND version = ?"

	if got := sqlite.Rebind(q); got != q {
		t.Errorf("sqlite Rebind changed query: %q", got)
	}
	want := "SELECT * FROM artifacts WHERE execution_id = $1 AND artifact_type = $2 AND version = $3"
	if got := pg.Rebind(q); got != want {
		t.Errorf("postgres Rebind = %q, want %q", got, want)
	}
}

func TestSchemaStatementsPerDialect(t *testing.T) {
	pg := &DB{dialect: Postgres}
	for _, stmt := range pg.schemaStatements() {
		if strings.Contains(stmt, "AUTOINCREMENT") {
			t.Errorf("postgres schema should not use AUTOINCREMENT: %s", stmt)
		}
		if strings.Contains(stmt, "{{serial}}") {
			t.Errorf("unexpanded placeholder in: %s", stmt)
		}
	}
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 890, time.UTC)
	s := FormatTime(now)
	got, err := ParseTime(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.Equal(now) {
		t.Errorf("round trip = %v, want %v", got, now)
	}
	later := FormatTime(now.Add(time.Second))
	if !(s < later) {
		t.Errorf("timestamps should sort lexically: %q !< %q", s, later)
	}
}

func TestPipelineEvents(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	d.LogPipelineEvent(ctx, "ex-1", "created", "", "", 0, "project=shop")
	d.LogPipelineEvent(ctx, "ex-1", "action_completed", "elicitation", "speak_user_stories", 0, "")
	d.LogPipelineEvent(ctx, "ex-2", "created", "", "", 0, "")

	events, err := d.GetPipelineEvents(ctx, "ex-1")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Event != "created" || events[0].Detail != "project=shop" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Action != "speak_user_stories" || events[1].Phase != "elicitation" {
		t.Errorf("second event = %+v", events[1])
	}
}

func TestRoleCalls(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	calls := []RoleCall{
		{ExecutionID: "ex-1", Action: "extract_entity", Role: "modeler", Model: "gpt-4", Attempt: 1, Outcome: CallTransient, Error: "rate limit", DurationMs: 12},
		{ExecutionID: "ex-1", Action: "extract_entity", Role: "modeler", Model: "gpt-4", Attempt: 2, Outcome: CallOK, DurationMs: 30},
	}
	for _, c := range calls {
		if err := d.LogRoleCall(ctx, c); err != nil {
			t.Fatalf("log role call: %v", err)
		}
	}

	got, err := d.GetRoleCalls(ctx, "ex-1")
	if err != nil {
		t.Fatalf("get role calls: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(got))
	}
	if got[0].Outcome != CallTransient || got[1].Attempt != 2 {
		t.Errorf("unexpected calls: %+v", got)
	}
	if got[0].Timestamp == "" {
		t.Error("timestamp should be filled in")
	}
}

func TestRoleCallOutcomeConstraint(t *testing.T) {
	d := testDB(t)
	err := d.LogRoleCall(context.Background(), RoleCall{ExecutionID: "ex-1", Action: "a", Role: "r", Attempt: 1, Outcome: "exploded"})
	if err == nil {
		t.Fatal("expected CHECK constraint violation")
	}
}
