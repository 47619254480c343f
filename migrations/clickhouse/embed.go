// Package clickhouse embeds the columnar-db backend's goose migrations.
package clickhouse

import "embed"

//go:embed *.sql
var EmbedMigrations embed.FS
