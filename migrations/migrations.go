// Package migrations embeds the gateway's sqlite schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
