// Package migrations embeds the SQL schema.
package migrations

import (
	"embed"
	"io/fs"
	"sort"
)

//go:embed *.sql
var files embed.FS

// File is one migration script.
type File struct {
	Name    string
	Content string
}

// All returns the scripts in name order.
func All() ([]File, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	out := make([]File, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, err
		}
		out = append(out, File{Name: name, Content: string(data)})
	}
	return out, nil
}
