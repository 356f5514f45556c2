// Package migrations embeds the Postgres schema and reference data.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

//go:embed seeds/*.sql
var seedFiles embed.FS

// SQL holds the numbered up and down migrations.
func SQL() fs.FS { return mustSub(sqlFiles, "sql") }

// Seeds holds idempotent reference data.
func Seeds() fs.FS { return mustSub(seedFiles, "seeds") }

func mustSub(fsys embed.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
