// Package migrations bundles the SQL schema migrations of the document store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
