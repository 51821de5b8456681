// Package dbmigrations exposes embedded SQL migrations for onramp binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into onramp binaries.
//
//go:embed *.sql
var Files embed.FS
