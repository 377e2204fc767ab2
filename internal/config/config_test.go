package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(dir, Overrides{DataDir: dir})
}

func TestLoadWritesDefaultsWhenMissing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Load())

	doc := s.Get()
	assert.Equal(t, DefaultHost, doc.APIServerHost)
	assert.Equal(t, DefaultPort, doc.APIServerPort)
	assert.Equal(t, []string{"*"}, doc.AllowedOrigins)
	assert.True(t, doc.CORSEnabled)

	_, err := os.Stat(s.Path())
	require.NoError(t, err)
}

func TestWriteStartsWithBOM(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Load())

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte{0xEF, 0xBB, 0xBF}))
}

func TestUpdateThenLoadRoundTrips(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Load())

	require.NoError(t, s.Update(func(d *Document) {
		d.LlamacppVariant = "linux-amd64-avx2"
		d.LlamacppVersion = "v0.1.40"
	}))

	// A second store over the same file sees the persisted values.
	s2 := New(filepath.Dir(s.Path()), Overrides{})
	require.NoError(t, s2.Load())
	doc := s2.Get()
	assert.Equal(t, "linux-amd64-avx2", doc.LlamacppVariant)
	assert.Equal(t, "v0.1.40", doc.LlamacppVersion)
}

func TestLoadMergesMissingKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cortex.yaml")
	require.NoError(t, os.WriteFile(path, []byte("apiServerHost: 0.0.0.0\napiServerPort: 1234\n"), 0o644))

	s := New(dir, Overrides{})
	require.NoError(t, s.Load())

	doc := s.Get()
	assert.Equal(t, "0.0.0.0", doc.APIServerHost)
	assert.Equal(t, 1234, doc.APIServerPort)
	// Absent keys picked up defaults and were rewritten.
	assert.Equal(t, 5, doc.CleanCacheThreshold)
	assert.NotEmpty(t, doc.AllowedOrigins)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "cleanCacheThreshold")
}

func TestOverridesTakePrecedence(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, Overrides{Host: "0.0.0.0", Port: 9999})
	require.NoError(t, s.Load())

	doc := s.Get()
	assert.Equal(t, "0.0.0.0", doc.APIServerHost)
	assert.Equal(t, 9999, doc.APIServerPort)
	assert.Equal(t, "0.0.0.0:9999", s.Addr())
}

func TestUpdateFailureKeepsCache(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Load())
	before := s.Get()

	// Make the directory read-only so the temp write fails.
	dir := filepath.Dir(s.Path())
	require.NoError(t, os.Chmod(dir, 0o555))
	defer os.Chmod(dir, 0o755)

	err := s.Update(func(d *Document) { d.APIServerPort = 1 })
	if err == nil {
		t.Skip("filesystem ignores permissions; skipping")
	}
	assert.Equal(t, before.APIServerPort, s.Get().APIServerPort)
}
