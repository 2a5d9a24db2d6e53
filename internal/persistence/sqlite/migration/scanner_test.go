package migration

import (
	"errors"
	"strings"
	"testing"
	"testing/fstest"
)

func mapFS(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, content := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(content)}
	}
	return fsys
}

func TestScanner_ScanMigrations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		files         map[string]string
		expectedOrder []string
		expectError   error
		errorContains string
	}{
		{
			name: "sorts by numeric version and ignores other files",
			files: map[string]string{
				"010_add_index.sql":            "CREATE INDEX idx ON subscriptions(next_occurrence_at);",
				"002_add_deliveries.sql":       "CREATE TABLE deliveries (id TEXT PRIMARY KEY);",
				"001_create_subscriptions.sql": "CREATE TABLE subscriptions (id TEXT PRIMARY KEY);",
				"README.md":                    "# notes",
			},
			expectedOrder: []string{"001", "002", "010"},
		},
		{
			name:          "empty directory",
			files:         map[string]string{"README.md": "# notes"},
			expectedOrder: nil,
		},
		{
			name: "invalid filename format",
			files: map[string]string{
				"invalid_name.sql": "CREATE TABLE test (id TEXT);",
			},
			expectError:   ErrInvalidMigrationFile,
			errorContains: "does not match pattern",
		},
		{
			name: "duplicate versions",
			files: map[string]string{
				"001_first.sql":  "CREATE TABLE a (id TEXT);",
				"001_second.sql": "CREATE TABLE b (id TEXT);",
			},
			expectError: ErrDuplicateVersion,
		},
		{
			name: "comment only file",
			files: map[string]string{
				"001_empty.sql": "-- nothing here\n",
			},
			expectError: ErrInvalidMigrationFile,
		},
		{
			name: "unbalanced parentheses",
			files: map[string]string{
				"001_broken.sql": "CREATE TABLE a (id TEXT;",
			},
			expectError:   ErrInvalidMigrationFile,
			errorContains: "parenthesis",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			migrations, err := NewScanner(mapFS(tc.files), ".").ScanMigrations()
			if tc.expectError != nil {
				if !errors.Is(err, tc.expectError) {
					t.Fatalf("expected %v, got %v", tc.expectError, err)
				}
				if tc.errorContains != "" && !strings.Contains(err.Error(), tc.errorContains) {
					t.Fatalf("expected error containing %q, got %q", tc.errorContains, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(migrations) != len(tc.expectedOrder) {
				t.Fatalf("expected %d migrations, got %d", len(tc.expectedOrder), len(migrations))
			}
			for i, version := range tc.expectedOrder {
				if migrations[i].Version != version {
					t.Fatalf("position %d: expected version %s, got %s", i, version, migrations[i].Version)
				}
			}
		})
	}
}

func TestScanner_ParseMigrationFile(t *testing.T) {
	t.Parallel()

	content := "-- Description: Create subscriptions\nCREATE TABLE subscriptions (id TEXT PRIMARY KEY);\n"
	fsys := mapFS(map[string]string{
		"sql/001_create_subscriptions.sql": content,
		"sql/002_plain_name.sql":           "CREATE TABLE t (id TEXT);",
	})
	scanner := NewScanner(fsys, "sql")

	migration, err := scanner.ParseMigrationFile("001_create_subscriptions.sql")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if migration.Description != "Create subscriptions" {
		t.Fatalf("expected description from comment, got %q", migration.Description)
	}
	if migration.FilePath != "sql/001_create_subscriptions.sql" {
		t.Fatalf("unexpected file path %q", migration.FilePath)
	}
	if migration.Checksum != Checksum(content) || len(migration.Checksum) != 64 {
		t.Fatalf("unexpected checksum %q", migration.Checksum)
	}

	plain, err := scanner.ParseMigrationFile("002_plain_name.sql")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plain.Description != "plain name" {
		t.Fatalf("expected description from filename, got %q", plain.Description)
	}
}

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	sql := `-- header comment
CREATE TABLE a (id TEXT, note TEXT DEFAULT 'x;y');
-- between
CREATE INDEX idx_a ON a(id);
`
	statements := splitStatements(sql)
	if len(statements) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(statements), statements)
	}
	if !strings.Contains(statements[0], "'x;y'") {
		t.Fatalf("semicolon inside string literal split the statement: %q", statements[0])
	}
}
