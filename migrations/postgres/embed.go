// Package postgres embeds the Manifest Store's goose migrations, mirroring
// the teacher's api/config/postgres.go embed pattern.
package postgres

import "embed"

//go:embed *.sql
var EmbedMigrations embed.FS
