package store

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsHaveUpAndDownSections(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d{5})_[a-z0-9_]+\.sql$`)
	seen := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			t.Fatalf("migration %q does not follow NNNNN_name.sql", name)
		}
		if seen[match[1]] {
			t.Fatalf("duplicate migration version %s", match[1])
		}
		seen[match[1]] = true

		raw, err := fs.ReadFile(migrationsFS, "migrations/"+name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		body := string(raw)
		if !strings.Contains(body, "-- +goose Up") || !strings.Contains(body, "-- +goose Down") {
			t.Fatalf("%s must contain goose Up and Down sections", name)
		}
	}
	if len(seen) == 0 {
		t.Fatal("no migrations embedded")
	}
}

func TestReviewCoreMigrationGuardsCounters(t *testing.T) {
	raw, err := fs.ReadFile(migrationsFS, "migrations/00001_review_core.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	body := string(raw)
	for _, want := range []string{
		"UNIQUE (deliverable_id, version_number)",
		"CHECK (version_number > 0)",
		"token_hash TEXT NOT NULL UNIQUE",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("migration is missing %q", want)
		}
	}
}
