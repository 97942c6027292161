package startup

import (
	"testing"
	"testing/fstest"

	"github.com/foodbridge/migrations"
)

func TestMigrationNamesSortedSQLOnly(t *testing.T) {
	fsys := fstest.MapFS{
		"010_b.sql": {Data: []byte("SELECT 1")},
		"002_a.sql": {Data: []byte("SELECT 1")},
		"README.md": {Data: []byte("x")},
		"sub/3.sql": {Data: []byte("SELECT 1")},
	}
	names, err := migrationNames(fsys)
	if err != nil {
		t.Fatalf("migrationNames: %v", err)
	}
	if len(names) != 2 || names[0] != "002_a.sql" || names[1] != "010_b.sql" {
		t.Fatalf("names = %v", names)
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	names, err := migrationNames(migrations.Files)
	if err != nil {
		t.Fatalf("migrationNames: %v", err)
	}
	if len(names) < 2 || names[0] != "001_init.sql" {
		t.Fatalf("embedded migrations = %v", names)
	}
}
