// Package dbmigrations exposes the journal schema migrations embedded into livecore binaries.
package dbmigrations

import "embed"

// Files holds the ordered up/down SQL migrations for the journal schema.
//
//go:embed *.sql
var Files embed.FS
