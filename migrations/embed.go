// Package migrations embeds the SQL schema so binaries can migrate without
// the source tree.
package migrations

import (
	"embed"
	"io/fs"
	"os"
)

//go:embed *.sql
var FS embed.FS

// Source returns dir as a file system, or the embedded files when dir is empty.
func Source(dir string) fs.FS {
	if dir == "" {
		return FS
	}
	return os.DirFS(dir)
}
