// Package migrations bundles the SQL schema into the binaries.
package migrations

import "embed"

// Files holds the golang-migrate up/down scripts.
//
//go:embed *.sql
var Files embed.FS
