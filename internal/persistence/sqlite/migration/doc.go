// Package migration applies versioned SQL migrations to SQLite databases.
//
// Migration files live in an fs.FS (normally an embed.FS compiled into the
// binary) and follow the naming convention {version}_{description}.sql, for
// example "001_create_subscriptions.sql". Applied versions and their content
// checksums are tracked in the schema_migrations table; a file whose content
// changed after it was applied stops the run with ErrChecksumMismatch.
//
// Example usage:
//
//	manager := migration.NewManager(db, migrations.FS, ".", logger)
//	if err := manager.RunMigrations(ctx); err != nil {
//		return err
//	}
package migration
