package migrations

import "embed"

// FS holds the golang-migrate files for the coordinator schema.
//
//go:embed *.sql
var FS embed.FS
