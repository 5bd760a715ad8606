package mysql

import (
	"context"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestLoadMigrationFilesOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_tasks.sql":    {Data: []byte("CREATE TABLE b (id INT);")},
		"0001_sessions.sql": {Data: []byte("CREATE TABLE a (id INT);\n\nCREATE TABLE c (id INT);")},
		"README.md":         {Data: []byte("ignored")},
		"0003_empty.sql":    {Data: []byte("  ;  ")},
	}
	files, err := loadMigrationFiles(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(files))
	}
	if files[0].version != "0001" || len(files[0].statements) != 2 || files[1].version != "0002" {
		t.Fatalf("unexpected migrations: %+v", files)
	}
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	original := embeddedMigrations
	embeddedMigrations = fstest.MapFS{
		"0001_sessions.sql": {Data: []byte("CREATE TABLE a (id INT)")},
		"0002_tasks.sql":    {Data: []byte("CREATE TABLE b (id INT)")},
	}
	t.Cleanup(func() { embeddedMigrations = original })

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("0001"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE b (id INT)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs("0002", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := Migrate(context.Background(), db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002" {
		t.Fatalf("unexpected applied versions: %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_sessions.sql": "0001",
		"0002.sql":          "0002",
		"noversion":         "noversion",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("%s: expected %s, got %s", name, want, got)
		}
	}
}
