package sync

import (
	"testing"

	"github.com/openmined/minisync/internal/hasher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareFileState(t *testing.T) {
	var absent hasher.Hash
	b, l, r := h("base"), h("local"), h("remote")

	tests := []struct {
		name         string
		synced       hasher.Hash
		local        hasher.Hash
		remote       hasher.Hash
		want         Status
		wantConflict ConflictType
	}{
		{"all equal", b, b, b, StatusSynced, ""},
		{"convergent edit", b, l, l, StatusSynced, ""},
		{"convergent edit without base", absent, l, l, StatusSynced, ""},
		{"double delete", b, absent, absent, StatusSynced, ""},
		{"new local file", absent, l, absent, StatusLocalOnly, ""},
		{"local edit", b, l, b, StatusLocalChanged, ""},
		{"local delete", b, absent, b, StatusLocalChanged, ""},
		{"new remote file", absent, absent, r, StatusRemoteOnly, ""},
		{"remote edit", b, b, r, StatusRemoteChanged, ""},
		{"remote delete", b, b, absent, StatusRemoteChanged, ""},
		{"both edited", b, l, r, StatusConflict, ConflictModifiedModified},
		{"both created differently", absent, l, r, StatusConflict, ConflictModifiedModified},
		{"local delete remote edit", b, absent, r, StatusConflict, ConflictDeletedModified},
		{"local edit remote delete", b, l, absent, StatusConflict, ConflictModifiedDeleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmp := CompareFileState(FileSyncState{
				Path:           "notes/x.md",
				LastSyncedHash: tt.synced,
				LastLocalHash:  tt.local,
				LastRemoteHash: tt.remote,
			})
			assert.Equal(t, tt.want, cmp.Status)
			if tt.wantConflict == "" {
				assert.Nil(t, cmp.Conflict)
				return
			}
			require.NotNil(t, cmp.Conflict)
			assert.Equal(t, tt.wantConflict, cmp.Conflict.Type)
			assert.Equal(t, tt.local, cmp.Conflict.LocalHash)
			assert.Equal(t, tt.remote, cmp.Conflict.RemoteHash)
			assert.Equal(t, "notes/x.md", cmp.Conflict.Path)
		})
	}
}

func TestCompareFileState_EqualSidesNeverConflict(t *testing.T) {
	hashes := []hasher.Hash{{}, h("a"), h("b"), h("c")}
	for _, synced := range hashes {
		for _, side := range hashes {
			cmp := CompareFileState(FileSyncState{LastSyncedHash: synced, LastLocalHash: side, LastRemoteHash: side})
			assert.Equal(t, StatusSynced, cmp.Status, "synced=%s side=%s", synced, side)
		}
	}
}

func TestCompareFileState_ConflictIsDeterministic(t *testing.T) {
	st := FileSyncState{Path: "b.md", LastSyncedHash: h("B"), LastLocalHash: h("L"), LastRemoteHash: h("R")}
	first := CompareFileState(st)
	for range 10 {
		assert.Equal(t, first, CompareFileState(st))
	}
	require.NotNil(t, first.Conflict)
	assert.Equal(t, ConflictModifiedModified, first.Conflict.Type)
	assert.Equal(t, h("L"), first.Conflict.LocalHash)
	assert.Equal(t, h("R"), first.Conflict.RemoteHash)
}

func TestCompareFileState_HashFormsCompareEqual(t *testing.T) {
	upper := hasher.Hash{Value: "ABCDEF"}
	lower := hasher.SHA256("abcdef")
	cmp := CompareFileState(FileSyncState{LastSyncedHash: lower, LastLocalHash: upper, LastRemoteHash: lower})
	assert.Equal(t, StatusSynced, cmp.Status)
}

func TestCompareAllStates_SortedWithConflicts(t *testing.T) {
	states := map[string]FileSyncState{
		"z.md": {LastSyncedHash: h("0"), LastLocalHash: h("1"), LastRemoteHash: h("2")},
		"a.md": {LastSyncedHash: h("0"), LastLocalHash: h("0"), LastRemoteHash: h("0")},
		"m.md": {LastSyncedHash: h("0"), LastLocalHash: hasher.Hash{}, LastRemoteHash: h("2")},
	}

	comparisons, conflicts := CompareAllStates(states)
	require.Len(t, comparisons, 3)
	assert.Equal(t, "a.md", comparisons[0].Path)
	assert.Equal(t, "m.md", comparisons[1].Path)
	assert.Equal(t, "z.md", comparisons[2].Path)

	require.Len(t, conflicts, 2)
	assert.Equal(t, "m.md", conflicts[0].Path)
	assert.Equal(t, ConflictDeletedModified, conflicts[0].Type)
	assert.Equal(t, "z.md", conflicts[1].Path)
}
