package archive

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeArchive builds a tar.gz on disk from name→content pairs.
func writeArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err = tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}

func TestExtractTarGz(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.tar.gz")
	writeArchive(t, src, map[string]string{
		"libengine.so":     "binary",
		"deps/libextra.so": "dep",
	})

	dst := filepath.Join(dir, "out")
	require.NoError(t, ExtractTarGz(src, dst, false))

	raw, err := os.ReadFile(filepath.Join(dst, "libengine.so"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(raw))

	raw, err = os.ReadFile(filepath.Join(dst, "deps", "libextra.so"))
	require.NoError(t, err)
	assert.Equal(t, "dep", string(raw))
}

func TestExtractStripsTopDir(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "b.tar.gz")
	writeArchive(t, src, map[string]string{
		"pkg-v1/libengine.so": "binary",
	})

	dst := filepath.Join(dir, "out")
	require.NoError(t, ExtractTarGz(src, dst, true))

	_, err := os.Stat(filepath.Join(dst, "libengine.so"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dst, "pkg-v1"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "evil.tar.gz")
	writeArchive(t, src, map[string]string{
		"../escape.txt": "nope",
	})

	err := ExtractTarGz(src, filepath.Join(dir, "out"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination")
}
