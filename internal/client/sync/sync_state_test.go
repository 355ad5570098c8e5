package sync

import (
	"path/filepath"
	"testing"

	"github.com/openmined/minisync/internal/hasher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateStore_UpsertKeepsUnsetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), stateFileName)
	store := NewStateStore(path)

	_, err := store.Upsert("a.md", StatePatch{Synced: HashPtr(h("base")), Local: HashPtr(h("base")), Remote: HashPtr(h("base"))})
	require.NoError(t, err)

	st, err := store.Upsert("a.md", StatePatch{Local: HashPtr(h("local"))})
	require.NoError(t, err)
	assert.Equal(t, h("base"), st.LastSyncedHash)
	assert.Equal(t, h("local"), st.LastLocalHash)
	assert.Equal(t, h("base"), st.LastRemoteHash)
	assert.False(t, st.UpdatedAt.IsZero())

	// survives a reload from disk
	reloaded := NewStateStore(path)
	got, ok, err := reloaded.Get("a.md")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, st.LastLocalHash, got.LastLocalHash)
	assert.Equal(t, "a.md", got.Path)
}

func TestStateStore_CollapsesSyncedWhenSidesAgree(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), stateFileName))

	_, err := store.Upsert("a.md", StatePatch{Synced: HashPtr(h("old")), Local: HashPtr(h("new"))})
	require.NoError(t, err)

	st, err := store.Upsert("a.md", StatePatch{Remote: HashPtr(h("new"))})
	require.NoError(t, err)
	assert.Equal(t, h("new"), st.LastSyncedHash)

	// an explicit synced hash is never collapsed
	st, err = store.Upsert("a.md", StatePatch{Synced: HashPtr(h("other"))})
	require.NoError(t, err)
	assert.Equal(t, h("other"), st.LastSyncedHash)
}

func TestStateStore_RemovesRecordWhenAllAbsent(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), stateFileName))

	_, err := store.Upsert("gone.md", Converged(h("x")))
	require.NoError(t, err)

	// both sides deleted: synced is cleared and the record dropped
	_, err = store.Upsert("gone.md", StatePatch{Local: HashPtr(hasher.Hash{}), Remote: HashPtr(hasher.Hash{})})
	require.NoError(t, err)

	_, ok, err := store.Get("gone.md")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStateStore_UpsertManyRemoveSaveAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), stateFileName)
	store := NewStateStore(path)

	require.NoError(t, store.UpsertMany(map[string]StatePatch{
		"a.md": Converged(h("a")),
		"b.md": {Local: HashPtr(h("b"))},
	}))
	paths, err := store.Paths()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "b.md"}, paths)

	require.NoError(t, store.Remove("a.md"))
	require.NoError(t, store.Remove("missing.md"))

	all, err := store.LoadAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.SaveAll(map[string]FileSyncState{
		"c.md":     {LastLocalHash: h("c")},
		"empty.md": {},
	}))
	all, err = NewStateStore(path).LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "c.md", all["c.md"].Path)
}
