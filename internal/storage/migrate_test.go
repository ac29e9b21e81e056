package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgx/v5/pgconn"

	"sigwatch/migrations"
)

type recordingExecer struct {
	statements []string
	failOn     string
}

func (r *recordingExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if r.failOn != "" && strings.Contains(sql, r.failOn) {
		return pgconn.CommandTag{}, errors.New("syntax error")
	}
	r.statements = append(r.statements, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func TestMigrateAppliesInLexicalOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_index.sql":  {Data: []byte("CREATE INDEX b;")},
		"0001_table.sql":  {Data: []byte("CREATE TABLE a;")},
		"0003_empty.sql":  {Data: []byte("  \n")},
		"README.md":       {Data: []byte("not sql")},
		"nested/0000.sql": {Data: []byte("CREATE TABLE nested;")},
	}
	db := &recordingExecer{}

	applied, err := Migrate(context.Background(), db, fsys)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(applied) != 2 || applied[0] != "0001_table.sql" || applied[1] != "0002_index.sql" {
		t.Fatalf("applied = %v", applied)
	}
	if len(db.statements) != 2 || db.statements[0] != "CREATE TABLE a;" {
		t.Fatalf("statements = %v", db.statements)
	}
}

func TestMigrateStopsAtFailure(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_a.sql": {Data: []byte("CREATE TABLE a;")},
		"0002_b.sql": {Data: []byte("BROKEN;")},
		"0003_c.sql": {Data: []byte("CREATE TABLE c;")},
	}
	db := &recordingExecer{failOn: "BROKEN"}

	applied, err := Migrate(context.Background(), db, fsys)
	if err == nil || !strings.Contains(err.Error(), "0002_b.sql") {
		t.Fatalf("expected failure naming 0002_b.sql, got %v", err)
	}
	if len(applied) != 1 || len(db.statements) != 1 {
		t.Fatalf("applied=%v statements=%v", applied, db.statements)
	}
}

func TestMigrateRequiresFiles(t *testing.T) {
	if _, err := Migrate(context.Background(), &recordingExecer{}, fstest.MapFS{}); err == nil {
		t.Fatal("expected error for an empty migrations dir")
	}
}

func TestEmbeddedSchemaCreatesDispatches(t *testing.T) {
	db := &recordingExecer{}
	if _, err := Migrate(context.Background(), db, migrations.FS); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	joined := strings.Join(db.statements, "\n")
	for _, want := range []string{"CREATE TABLE IF NOT EXISTS dispatches", "dispatches_created_at_idx"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("embedded schema missing %q", want)
		}
	}
}
