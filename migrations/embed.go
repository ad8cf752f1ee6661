// Package migrations embeds the SQL files used by the storage migration set.
// Migrations are embedded so they work regardless of working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem (e.g. 001_initial.sql).
// Structural rewrites that need introspection live in Go, in
// internal/storage/migrations.go.
//
//go:embed *.sql
var FS embed.FS
