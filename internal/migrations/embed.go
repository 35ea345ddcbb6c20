// Package migrations holds the Postgres schema applied by `convoflow migrate`.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
