// Package migrations embeds the SQL schema applied by the server at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
