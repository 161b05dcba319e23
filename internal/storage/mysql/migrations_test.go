package mysql

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestMigratorPlanOrdersByNumericVersion(t *testing.T) {
	source := fstest.MapFS{
		"10_add_index.sql": {Data: []byte("-- 索引\nCREATE INDEX idx_a ON t (a);\n")},
		"2_create.sql":     {Data: []byte("CREATE TABLE t (a INT);\nINSERT INTO t VALUES (1); INSERT INTO t VALUES (2);")},
		"3_empty.sql":      {Data: []byte("-- 仅注释\n\n")},
		"README.md":        {Data: []byte("ignored")},
	}

	steps, err := newMigrator(source).plan()
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].version != "2" || steps[1].version != "10" {
		t.Fatalf("unexpected order: %s, %s", steps[0].version, steps[1].version)
	}
	if len(steps[0].statements) != 3 {
		t.Fatalf("expected 3 statements, got %q", steps[0].statements)
	}
	if steps[1].statements[0] != "CREATE INDEX idx_a ON t (a)" {
		t.Fatalf("comment not stripped: %q", steps[1].statements[0])
	}
}

func TestMigratorPlanRejectsBadNames(t *testing.T) {
	dup := fstest.MapFS{
		"0001_a.sql": {Data: []byte("SELECT 1;")},
		"0001_b.sql": {Data: []byte("SELECT 2;")},
	}
	if _, err := newMigrator(dup).plan(); err == nil {
		t.Fatalf("expected duplicate version to be rejected")
	}

	unnumbered := fstest.MapFS{"init.sql": {Data: []byte("SELECT 1;")}}
	if _, err := newMigrator(unnumbered).plan(); err == nil {
		t.Fatalf("expected unnumbered migration to be rejected")
	}
}

func TestMigratorRollsBackFailedStep(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	source := fstest.MapFS{
		"0001_init.sql":  {Data: []byte("CREATE TABLE a (id INT);")},
		"0002_break.sql": {Data: []byte("CREATE TABLE b (id INT);\nALTER TABLE b ADD c INT;")},
	}
	m := newMigrator(source)
	m.now = func() time.Time { return time.Unix(1700000000, 0) }

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("0001"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE b")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE b")).
		WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	applied, err := m.apply(context.Background(), db)
	if err == nil {
		t.Fatalf("expected failing migration to return an error")
	}
	if applied != 0 {
		t.Fatalf("expected no applied migrations, got %d", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
