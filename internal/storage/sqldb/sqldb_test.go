package sqldb

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenSQLiteRunsMigrationsOnce(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "flow.db")

	db, err := Open(ctx, Config{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if db.Dialect() != DialectSQLite || db.InsertIgnore() != "INSERT OR IGNORE" {
		t.Fatalf("unexpected dialect helpers: %s %s", db.Dialect(), db.InsertIgnore())
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO jobs (job_type, remote_id, created_at) VALUES ('a', 'b', 1)`); err != nil {
		t.Fatalf("jobs table missing: %v", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO jobs (job_type, remote_id, created_at) VALUES ('a', 'b', 2)`)
	if !IsDuplicate(err) {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
	db.Close()

	reopened, err := Open(ctx, Config{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("reopen should skip applied migrations: %v", err)
	}
	defer reopened.Close()

	var count int
	if err := reopened.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one applied migration, got %d", count)
	}
}

func TestParseDialect(t *testing.T) {
	if d, err := ParseDialect("MySQL"); err != nil || d != DialectMySQL {
		t.Fatalf("unexpected: %s %v", d, err)
	}
	if _, err := ParseDialect("postgres"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestSplitSQLStatements(t *testing.T) {
	stmts := splitSQLStatements("CREATE TABLE a (x INT);\n\n CREATE INDEX i ON a (x);\n")
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(stmts))
	}
	if parseMigrationVersion("001_init.sql") != "001" {
		t.Fatalf("unexpected version")
	}
}
