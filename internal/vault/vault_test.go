package vault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormPath(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty-is-local-dir", "", "."},
		{"unix-relative", "./notes/today.md", "notes/today.md"},
		{"unix-absolute", "/notes/today.md", "notes/today.md"},
		{"windows-relative", "\\notes\\today.md", "notes/today.md"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, NormPath(c.input))
		})
	}
}

func TestIsReserved(t *testing.T) {
	assert.True(t, IsReserved(".minisync"))
	assert.True(t, IsReserved(".minisync/state/file-sync-state.json"))
	assert.True(t, IsReserved("/.minisync/history/2026-01-01.jsonl"))
	assert.False(t, IsReserved(".minisync-notes.md"))
	assert.False(t, IsReserved("notes/.minisync"))
	assert.False(t, IsReserved("a.md"))
}

func TestVaultSetup_CreatesLayout(t *testing.T) {
	v, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, v.Setup())
	require.NoError(t, v.Setup())

	assert.DirExists(t, v.HistoryDir)
	assert.DirExists(t, v.StateDir)
	assert.DirExists(t, v.ConflictsDir)
	assert.DirExists(t, v.BlobsDir)
	assert.DirExists(t, v.SnapshotsDir)
}

func TestVaultLocking_SinglePass(t *testing.T) {
	root := t.TempDir()

	v1, err := New(root)
	require.NoError(t, err)
	v2, err := New(root)
	require.NoError(t, err)

	require.NoError(t, v1.Lock())
	require.ErrorIs(t, v2.Lock(), ErrVaultLocked)

	require.NoError(t, v1.Unlock())
	require.NoError(t, v2.Lock())
	t.Cleanup(func() { _ = v2.Unlock() })
}

func TestVaultPaths(t *testing.T) {
	v, err := New(t.TempDir())
	require.NoError(t, err)

	abs := v.AbsPath("notes/a.md")
	assert.Equal(t, filepath.Join(v.Root, "notes", "a.md"), abs)

	rel, err := v.RelPath(abs)
	require.NoError(t, err)
	assert.Equal(t, "notes/a.md", rel)

	_, err = v.RelPath(filepath.Dir(v.Root))
	assert.Error(t, err)
}

func TestVaultIsEmpty(t *testing.T) {
	v, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, v.Setup())

	empty, err := v.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty, "control dir alone does not count")

	require.NoError(t, os.MkdirAll(filepath.Join(v.Root, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(v.Root, "notes", "a.md"), []byte("x"), 0o644))

	empty, err = v.IsEmpty()
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestRemoveEmptyParents(t *testing.T) {
	v, err := New(t.TempDir())
	require.NoError(t, err)

	dir := filepath.Join(v.Root, "a", "b")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(v.Root, "a", "keep.md"), []byte("x"), 0o644))

	v.RemoveEmptyParents("a/b/gone.md")

	assert.NoDirExists(t, dir)
	assert.DirExists(t, filepath.Join(v.Root, "a"))
}
