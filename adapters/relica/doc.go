// Package relica provides repository implementations using Relica query builder.
//
// Relica (github.com/coregx/relica) is a lightweight, type-safe database query builder
// for Go with zero production dependencies.
//
// This package provides a production-ready implementation of chatcore.OutboxRepository,
// which lets messages queued while offline survive a restart.
//
// Example usage:
//
//	import (
//	    "database/sql"
//	    "github.com/coregx/chatcore"
//	    "github.com/coregx/chatcore/adapters/relica"
//	    _ "github.com/mattn/go-sqlite3"
//	)
//
//	db, err := sql.Open("sqlite3", "chatcore.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Apply the embedded schema and create repositories
//	// (driverName should be "mysql", "postgres", or "sqlite3")
//	repos, err := relica.Open(ctx, db, "sqlite3", chatcore.DefaultTablePrefix)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	session, err := chatcore.NewSession(
//	    chatcore.WithOutbox(repos.Outbox),
//	    // ...
//	)
package relica
