// Package migrations embeds the SQL schema for the session table
package migrations

import "embed"

// FS holds the numbered migration files at its root
//
//go:embed *.sql
var FS embed.FS
