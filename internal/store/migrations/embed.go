package migrations

import "embed"

// FS holds the versioned schema of the local cache.
//
//go:embed *.sql
var FS embed.FS
