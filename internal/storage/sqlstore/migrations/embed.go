package migrations

import "embed"

// FS contains embedded migrations shared by the sqlite and postgres backends.
//
//go:embed *.sql
var FS embed.FS
