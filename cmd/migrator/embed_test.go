package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeMigration creates a migration file in dir with the given name and
// trivial but valid SQL content.
func writeMigration(t *testing.T, dir, name string) {
	t.Helper()

	content := "SELECT 1;\n"
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write migration %s: %v", name, err)
	}
}

func validMigrationSet(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	for _, name := range []string{
		"001_create_operations.up.sql",
		"001_create_operations.down.sql",
		"002_create_events.up.sql",
		"002_create_events.down.sql",
	} {
		writeMigration(t, dir, name)
	}

	return dir
}

func TestListEmbeddedMigrationsFiltersAndSorts(t *testing.T) {
	dir := validMigrationSet(t)

	// Files outside the naming standard are ignored.
	writeMigration(t, dir, "notes.txt")
	writeMigration(t, dir, "01_too_short.up.sql")
	writeMigration(t, dir, "003-wrong-separator.up.sql")

	e := NewEmbeddedMigrationSupport(dir)

	files, err := e.ListEmbeddedMigrations()
	if err != nil {
		t.Fatalf("ListEmbeddedMigrations() error = %v", err)
	}

	if len(files) != 4 {
		t.Fatalf("ListEmbeddedMigrations() = %d files, want 4: %v", len(files), files)
	}

	for i := 1; i < len(files); i++ {
		if files[i-1] > files[i] {
			t.Errorf("ListEmbeddedMigrations() not sorted: %v", files)
		}
	}
}

func TestValidateEmbeddedMigrationsAcceptsValidSet(t *testing.T) {
	e := NewEmbeddedMigrationSupport(validMigrationSet(t))

	if err := e.ValidateEmbeddedMigrations(); err != nil {
		t.Fatalf("ValidateEmbeddedMigrations() error = %v", err)
	}
}

func TestValidateEmbeddedMigrationsRejectsOrphanedUp(t *testing.T) {
	dir := validMigrationSet(t)
	writeMigration(t, dir, "003_create_mappings.up.sql") // no matching down

	e := NewEmbeddedMigrationSupport(dir)

	err := e.ValidateEmbeddedMigrations()
	if err == nil || !strings.Contains(err.Error(), "missing down migration") {
		t.Fatalf("ValidateEmbeddedMigrations() error = %v, want orphaned-up error", err)
	}
}

func TestValidateEmbeddedMigrationsRejectsSequenceGap(t *testing.T) {
	dir := validMigrationSet(t)
	writeMigration(t, dir, "004_create_api_keys.up.sql") // skips 003
	writeMigration(t, dir, "004_create_api_keys.down.sql")

	e := NewEmbeddedMigrationSupport(dir)

	err := e.ValidateEmbeddedMigrations()
	if err == nil || !strings.Contains(err.Error(), "gap in migration sequence") {
		t.Fatalf("ValidateEmbeddedMigrations() error = %v, want sequence-gap error", err)
	}
}

func TestValidateEmbeddedMigrationsRejectsWrongStart(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "002_create_events.up.sql")
	writeMigration(t, dir, "002_create_events.down.sql")

	e := NewEmbeddedMigrationSupport(dir)

	err := e.ValidateEmbeddedMigrations()
	if err == nil || !strings.Contains(err.Error(), "should start with 001") {
		t.Fatalf("ValidateEmbeddedMigrations() error = %v, want start-sequence error", err)
	}
}

func TestValidateEmbeddedMigrationsRejectsEmptyDir(t *testing.T) {
	e := NewEmbeddedMigrationSupport(t.TempDir())

	if err := e.ValidateEmbeddedMigrations(); err == nil {
		t.Fatalf("ValidateEmbeddedMigrations() expected error for empty dir, got nil")
	}
}

func TestValidateEmbeddedMigrationsDetectsModifiedFile(t *testing.T) {
	dir := validMigrationSet(t)
	e := NewEmbeddedMigrationSupport(dir)

	// First pass records checksums.
	if err := e.ValidateEmbeddedMigrations(); err != nil {
		t.Fatalf("ValidateEmbeddedMigrations() first pass error = %v", err)
	}

	// Modify a file and validate again.
	name := filepath.Join(dir, "001_create_operations.up.sql")
	if err := os.WriteFile(name, []byte("SELECT 2;\n"), 0o600); err != nil {
		t.Fatalf("failed to modify migration: %v", err)
	}

	err := e.ValidateEmbeddedMigrations()
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("ValidateEmbeddedMigrations() error = %v, want checksum-mismatch error", err)
	}
}

func TestParseMigrationFilename(t *testing.T) {
	e := NewEmbeddedMigrationSupport(t.TempDir())

	info, err := e.parseMigrationFilename("003_create_mappings.up.sql")
	if err != nil {
		t.Fatalf("parseMigrationFilename() error = %v", err)
	}

	if info.Sequence != 3 || info.Name != "create_mappings" || info.Direction != "up" {
		t.Errorf("parseMigrationFilename() = %+v, want {3 create_mappings up}", info)
	}

	if _, err := e.parseMigrationFilename("create_mappings.sql"); err == nil {
		t.Errorf("parseMigrationFilename() accepted malformed name")
	}
}
