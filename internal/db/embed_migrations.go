package db

import "embed"

// MigrationFS embeds the Postgres migrations in internal/db/migrations.
// cmd/migrate applies them through the migrate runner.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
