package migrations

import "embed"

// FS contains embedded SQLite migrations for the cache storage.
//
//go:embed *.sql
var FS embed.FS
