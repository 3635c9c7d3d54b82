// Package file locates and opens the JSON input files on a filesystem.
package file

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// Discover walks root recursively and returns every *.json file below it,
// sorted lexically so runs are deterministic. Dotfiles are skipped, the
// same as a shell glob.
func Discover(ctx context.Context, fsys afero.Fs, root string) ([]string, error) {
	info, err := fsys.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("discover %s: not a directory", root)
	}

	var out []string
	err = afero.Walk(fsys, root, func(path string, fi fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		name := fi.Name()
		if strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", root, err)
	}
	sort.Strings(out)
	return out, nil
}

// Open opens path on fsys. A context that is already done short-circuits
// before the filesystem is touched.
func Open(ctx context.Context, fsys afero.Fs, path string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}
