package relica

import (
	"context"
	"database/sql"

	"github.com/coregx/chatcore"
)

// Repositories holds all repository implementations.
type Repositories struct {
	Outbox chatcore.OutboxRepository
}

// NewRepositories creates all repository implementations using Relica.
//
// The db parameter should be an *sql.DB connected to MySQL, PostgreSQL, or SQLite.
// The driverName should be "mysql", "postgres", or "sqlite3".
// The table prefix defaults to "chatcore_" but can be customized.
func NewRepositories(db *sql.DB, driverName string) *Repositories {
	return NewRepositoriesWithPrefix(db, driverName, chatcore.DefaultTablePrefix)
}

// NewRepositoriesWithPrefix creates all repository implementations with a custom table prefix.
func NewRepositoriesWithPrefix(db *sql.DB, driverName, prefix string) *Repositories {
	return &Repositories{
		Outbox: NewOutboxRepositoryWithPrefix(db, driverName, prefix),
	}
}

// Open applies the embedded schema and returns the repositories.
func Open(ctx context.Context, db *sql.DB, driverName, prefix string) (*Repositories, error) {
	if err := chatcore.ApplyMigrations(ctx, db, driverName, prefix); err != nil {
		return nil, err
	}
	return NewRepositoriesWithPrefix(db, driverName, prefix), nil
}
