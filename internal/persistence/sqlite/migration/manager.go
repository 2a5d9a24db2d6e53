package migration

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strconv"
	"time"
)

// Manager orchestrates the migration process.
type Manager struct {
	scanner  *Scanner
	executor *Executor
	logger   *slog.Logger
}

// NewManager creates a Manager applying the migrations found in dir of fsys.
func NewManager(db *sql.DB, fsys fs.FS, dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		scanner:  NewScanner(fsys, dir),
		executor: NewExecutor(db),
		logger:   logger.With(slog.String("component", "migration")),
	}
}

// RunMigrations executes all pending migrations in sequential order.
func (m *Manager) RunMigrations(ctx context.Context) error {
	startTime := time.Now()

	status, err := m.Status(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "migration status unavailable", slog.Any("error", err))
		return err
	}

	if len(status.Pending) == 0 {
		m.logger.DebugContext(ctx, "database schema up to date", slog.String("version", status.CurrentVersion))
		return nil
	}

	m.logger.InfoContext(ctx, "applying migrations",
		slog.String("current_version", status.CurrentVersion),
		slog.Int("pending", len(status.Pending)),
	)

	for i, migration := range status.Pending {
		migrationStart := time.Now()
		if err := m.executor.ExecuteMigration(ctx, migration); err != nil {
			m.logger.ErrorContext(ctx, "migration failed",
				slog.String("version", migration.Version),
				slog.String("file", migration.FilePath),
				slog.Any("error", err),
			)
			return NewMigrationError(migration.Version, migration.FilePath,
				"execute migration", fmt.Errorf("%w: %v", ErrMigrationFailed, err))
		}

		m.logger.InfoContext(ctx, "migration applied",
			slog.String("version", migration.Version),
			slog.String("description", migration.Description),
			slog.Int("position", i+1),
			slog.Duration("duration", time.Since(migrationStart)),
		)
	}

	m.logger.InfoContext(ctx, "migrations completed",
		slog.Int("applied", len(status.Pending)),
		slog.Duration("duration", time.Since(startTime)),
	)
	return nil
}

// Status compares the migration files with the schema_migrations table.
// It fails when the sequence has gaps, when an applied version has no file,
// or when an applied file changed since it ran.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	if err := m.executor.InitializeVersionTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize version table: %w", err)
	}

	available, err := m.scanner.ScanMigrations()
	if err != nil {
		return nil, fmt.Errorf("failed to scan migrations: %w", err)
	}

	applied, err := m.executor.AppliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied versions: %w", err)
	}

	if err := validateSequence(available, applied); err != nil {
		return nil, fmt.Errorf("migration sequence validation failed: %w", err)
	}

	appliedMap := make(map[string]AppliedMigration, len(applied))
	for _, a := range applied {
		appliedMap[a.Version] = a
	}

	status := &Status{Applied: applied}
	for _, migration := range available {
		record, ok := appliedMap[migration.Version]
		if !ok {
			status.Pending = append(status.Pending, migration)
			continue
		}
		if record.Checksum != "" && record.Checksum != migration.Checksum {
			return nil, NewMigrationError(migration.Version, migration.FilePath, "verify checksum",
				fmt.Errorf("%w: recorded %s, file %s", ErrChecksumMismatch, record.Checksum, migration.Checksum))
		}
		status.CurrentVersion = migration.Version
	}

	return status, nil
}

// validateSequence ensures there are no gaps in migration version numbers and
// that every applied version still has a file.
func validateSequence(available []Migration, applied []AppliedMigration) error {
	availableMap := make(map[int]bool, len(available))
	for i, migration := range available {
		version := versionNumber(migration.Version)
		if i > 0 && version != versionNumber(available[i-1].Version)+1 {
			return fmt.Errorf("%w: missing migration version %03d in sequence",
				ErrVersionConflict, versionNumber(available[i-1].Version)+1)
		}
		availableMap[version] = true
	}

	for _, a := range applied {
		version, err := strconv.Atoi(a.Version)
		if err != nil {
			return NewDatabaseError(a.Version, "validate sequence",
				fmt.Errorf("%w: applied version '%s' is not numeric", ErrVersionTableCorrupt, a.Version))
		}
		if !availableMap[version] {
			return fmt.Errorf("%w: applied migration %03d not found in available migrations",
				ErrVersionConflict, version)
		}
	}
	return nil
}
