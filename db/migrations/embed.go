// Package dbmigrations exposes embedded SQL migrations for fieldgate binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations, one directory per driver.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS
