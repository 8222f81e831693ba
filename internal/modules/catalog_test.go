package modules

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, name string, size int) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))
}

func newCatalog(t *testing.T) *Catalog {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "app.wasm", 10)
	writeFile(t, root, "tools/fmt.wasm.gz", 20)
	writeFile(t, root, "tools/deep/x.wasm", 30)
	writeFile(t, root, "README.md", 5)
	writeFile(t, root, "tools/notes.txt", 5)

	c, err := New(root, "", nil)
	require.NoError(t, err)
	return c
}

func TestList(t *testing.T) {
	c := newCatalog(t)

	entries, err := c.List(context.Background())
	require.NoError(t, err)

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"app.wasm", "tools/deep/x.wasm", "tools/fmt.wasm.gz"}, names)
	assert.Equal(t, int64(10), entries[0].Size)
	assert.Equal(t, filepath.Join(c.Root(), "app.wasm"), entries[0].Path)
}

func TestListPattern(t *testing.T) {
	root := newCatalog(t).Root()
	c, err := New(root, "tools/*.wasm.gz", nil)
	require.NoError(t, err)

	entries, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tools/fmt.wasm.gz", entries[0].Name)
}

func TestListCancelled(t *testing.T) {
	c := newCatalog(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.List(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolve(t *testing.T) {
	c := newCatalog(t)

	e, err := c.Resolve("tools/deep/x.wasm")
	require.NoError(t, err)
	assert.Equal(t, int64(30), e.Size)
	assert.Equal(t, filepath.Join(c.Root(), "tools", "deep", "x.wasm"), e.Path)

	for _, name := range []string{"", ".", "../app.wasm", "/app.wasm", "tools/../../etc/passwd"} {
		_, err := c.Resolve(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
	for _, name := range []string{"README.md", "missing.wasm", "tools"} {
		_, err := c.Resolve(name)
		assert.ErrorIs(t, err, ErrNotFound, name)
	}
}

func TestNewRejects(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), "", nil)
	assert.Error(t, err)

	_, err = New(t.TempDir(), "[", nil)
	assert.Error(t, err)
}
