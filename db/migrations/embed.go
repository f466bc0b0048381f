// Package dbmigrations exposes embedded SQL migrations for pricewatch binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into pricewatch binaries.
//
//go:embed *.sql
var Files embed.FS
