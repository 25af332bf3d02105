package migrations

import "github.com/uptrace/bun/migrate"

// Migrations holds the schema changes in registration order. File names carry the version.
var Migrations = migrate.NewMigrations()
