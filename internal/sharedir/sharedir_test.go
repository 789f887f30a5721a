package sharedir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------------------------- //

func TestScanListsRegularFilesOnly(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), []byte("aaa"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.bin"), []byte("bb"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "c.bin"), []byte("c"), 0644))

	files, err := Scan(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)

	sizes := make(map[string]int64)
	for _, f := range files {
		sizes[f.Name] = f.Size
	}

	require.Equal(t, int64(3), sizes["a.bin"])
	require.Equal(t, int64(2), sizes["b.bin"])
}

// --------------------------------------------------------------------------------------------- //

func TestScanEmptyDirectory(t *testing.T) {
	files, err := Scan(t.TempDir())
	require.NoError(t, err)
	require.Empty(t, files)
}

// --------------------------------------------------------------------------------------------- //

func TestResolveConfinesToDirectory(t *testing.T) {
	dir := t.TempDir()

	path, err := Resolve(dir, "a.bin")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "a.bin"), path)

	for _, name := range []string{"", "../a.bin", "sub/a.bin", `sub\a.bin`, "..", "."} {
		_, err := Resolve(dir, name)
		require.Error(t, err, "name %q must be rejected", name)
	}
}

// --------------------------------------------------------------------------------------------- //
