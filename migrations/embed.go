// Package migrations embeds the daemon's SQL migrations.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
