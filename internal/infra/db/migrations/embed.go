// Package migrations хранит SQL-миграции схемы моста.
package migrations

import "embed"

// FS — встроенные файлы миграций.
//
//go:embed *.sql
var FS embed.FS
