package migrations

import "embed"

// FS holds the ordered schema migrations for bugle.db.
//
//go:embed *.sql
var FS embed.FS
