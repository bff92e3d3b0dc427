package db

import "embed"

// MigrationsFS embeds the SQL migration files so the migrate command does
// not depend on the source tree being present at runtime.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS
