// Package migrations embeds the SQL migration files into the binary so
// deployments run schema changes without shipping loose SQL files.
package migrations

import (
	"embed"

	"github.com/nerrad567/statepanel/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
