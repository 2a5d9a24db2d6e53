package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/digest-scheduler/internal/logging"
	"github.com/example/digest-scheduler/internal/persistence/sqlite/migration"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Storage bundles the SQLite connection pool with the repositories built on it.
type Storage struct {
	pool *ConnectionPool

	Subscriptions *SubscriptionRepository
	Deliveries    *DeliveryRepository
}

// Open connects to the database at dsn using the default pool settings.
func Open(ctx context.Context, dsn string) (*Storage, error) {
	return OpenWithConfig(ctx, migration.DefaultSQLiteConfig(dsn))
}

// OpenWithConfig connects using an explicit SQLite configuration.
func OpenWithConfig(ctx context.Context, config migration.SQLiteConfig) (*Storage, error) {
	pool, err := NewConnectionPool(ctx, config)
	if err != nil {
		return nil, err
	}
	return &Storage{
		pool:          pool,
		Subscriptions: NewSubscriptionRepository(pool),
		Deliveries:    NewDeliveryRepository(pool),
	}, nil
}

// Migrate applies the embedded schema migrations. Progress is logged through
// the logger carried by ctx, when there is one.
func (s *Storage) Migrate(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	if logger == nil {
		logger = slog.Default()
	}
	manager := migration.NewManager(s.pool.DB(), migrationFiles, "migrations", logger)
	if err := manager.RunMigrations(ctx); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Storage) Close() error {
	return s.pool.Close()
}

// Times are stored as second-precision RFC 3339 UTC text, which keeps
// lexical and chronological order identical.
func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func formatNullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(column, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %s: %w", column, err)
	}
	return t.UTC(), nil
}

func parseNullableTime(column string, value sql.NullString) (*time.Time, error) {
	if !value.Valid {
		return nil, nil
	}
	t, err := parseTime(column, value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
