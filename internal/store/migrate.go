package store

import (
	"embed"

	migrate "github.com/rubenv/sql-migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func migrationSource() migrate.MigrationSource {
	return &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationsFS,
		Root:       "migrations",
	}
}

// Migrate applies all pending migrations (dir=migrate.Up) or rolls back all
// applied ones (dir=migrate.Down) and returns how many were executed.
func (s *Store) Migrate(dir migrate.MigrationDirection) (int, error) {
	return migrate.Exec(s.db.DB, s.driverName, migrationSource(), dir)
}

// MigrationStatus reports applied vs pending migration IDs.
func (s *Store) MigrationStatus() (applied []string, pending []string, err error) {
	records, err := migrate.GetMigrationRecords(s.db.DB, s.driverName)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		applied = append(applied, r.Id)
		seen[r.Id] = true
	}

	all, err := migrationSource().FindMigrations()
	if err != nil {
		return nil, nil, err
	}
	for _, m := range all {
		if !seen[m.Id] {
			pending = append(pending, m.Id)
		}
	}
	return applied, pending, nil
}
