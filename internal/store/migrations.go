package store

import "embed"

// Migrations embeds the goose migration set so cmd/migrate can apply them
// without depending on a filesystem layout at runtime.
//
//go:embed migrations/*.sql
var Migrations embed.FS
