package store

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsWellFormed(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no migrations embedded")
	}

	pattern := regexp.MustCompile(`^(\d{4})_[a-z0-9_]+\.up\.sql$`)
	seen := map[string]string{}
	for _, entry := range entries {
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			t.Errorf("migration %q does not follow NNNN_name.up.sql", name)
			continue
		}
		if prev, ok := seen[match[1]]; ok {
			t.Errorf("versions collide: %q and %q", prev, name)
		}
		seen[match[1]] = name

		contents, err := fs.ReadFile(migrationFiles, "migrations/"+name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if strings.TrimSpace(string(contents)) == "" {
			t.Errorf("migration %s is empty", name)
		}
	}
}
