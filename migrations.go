package chatcore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
)

// MigrationFiles contains the outbox schema for every supported driver,
// embedded in the binary. Table names carry a {{prefix}} placeholder.
//
// Users can read these files to apply the schema with their preferred
// migration tool, or call ApplyMigrations.
//
//go:embed migrations/*.sql
var MigrationFiles embed.FS

// DefaultTablePrefix is the table prefix used by the relica adapters.
const DefaultTablePrefix = "chatcore_"

// ApplyMigrations creates the outbox table for driver ("sqlite3", "mysql" or
// "postgres") if it does not exist.
func ApplyMigrations(ctx context.Context, db *sql.DB, driver, prefix string) error {
	data, err := MigrationFiles.ReadFile("migrations/outbox_" + driver + ".sql")
	if err != nil {
		return NewErrorWithCause(ErrCodeConfiguration, fmt.Sprintf("no migrations for driver %q", driver), err)
	}

	script := strings.ReplaceAll(string(data), "{{prefix}}", prefix)
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return NewErrorWithCause(ErrCodeDatabase, "failed to apply migration", err)
		}
	}
	return nil
}
