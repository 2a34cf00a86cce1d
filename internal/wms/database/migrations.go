package database

import (
	"embed"

	"github.com/gridwms/wms/internal/common/database"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations of the job store, oldest first.
func Migrations() ([]database.Migration, error) {
	return database.ReadMigrations(migrationFiles, "migrations")
}
