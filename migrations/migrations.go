// Package migrations embeds the goose SQL files that define the warm-tier
// schema. db.Migrate applies them at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
