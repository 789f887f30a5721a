// Package sharedir scans a peer's shared directory into the file descriptions
// announced to the tracker.
package sharedir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wisp92/peershare/wire"
)

// --------------------------------------------------------------------------------------------- //

/*
Scan lists the regular files directly inside a shared directory.
Subdirectories are skipped: shared files live flat under the directory root, and
a filename with a path separator is rejected everywhere else in the protocol.

Parameters:
  - dir: Path of the shared directory.

Returns:
  - []wire.FileDescription: One entry per regular file, name and size.
  - error: Non-nil if the directory cannot be read.
*/
func Scan(dir string) ([]wire.FileDescription, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("Reading shared directory %s: %v", dir, err)
	}

	var files []wire.FileDescription

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		files = append(files, wire.FileDescription{
			Name: entry.Name(),
			Size: info.Size(),
		})
	}

	return files, nil
}

// --------------------------------------------------------------------------------------------- //

/*
Resolve maps a requested filename onto a path inside the shared directory.
Names carrying path separators or escaping the directory are rejected.

Parameters:
  - dir: Path of the shared directory.
  - name: Requested filename.

Returns:
  - string: Absolute-or-relative path under dir.
  - error: Non-nil if the name is empty, contains a separator, or escapes dir.
*/
func Resolve(dir, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("Empty filename")
	}

	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return "", fmt.Errorf("Invalid filename %q", name)
	}

	path := filepath.Join(dir, name)

	rel, err := filepath.Rel(dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("Filename %q escapes shared directory", name)
	}

	return path, nil
}

// --------------------------------------------------------------------------------------------- //
