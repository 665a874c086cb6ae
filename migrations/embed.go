// Package migrations embeds the backend schema migrations.
package migrations

import "embed"

// FS holds goose SQL migrations.
//
//go:embed *.sql
var FS embed.FS
