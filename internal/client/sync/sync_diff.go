package sync

import (
	"sort"

	"github.com/openmined/minisync/internal/hasher"
)

// Status is the diff verdict for one path.
type Status string

const (
	StatusSynced        Status = "synced"
	StatusLocalOnly     Status = "local_only"
	StatusLocalChanged  Status = "local_changed"
	StatusRemoteOnly    Status = "remote_only"
	StatusRemoteChanged Status = "remote_changed"
	StatusConflict      Status = "conflict"
)

type ConflictType string

const (
	ConflictModifiedModified ConflictType = "modified_modified"
	ConflictDeletedModified  ConflictType = "deleted_modified"
	ConflictModifiedDeleted  ConflictType = "modified_deleted"
)

// Conflict is derived from state, never stored.
type Conflict struct {
	Path       string       `json:"path"`
	Type       ConflictType `json:"type"`
	LocalHash  hasher.Hash  `json:"localHash"`
	RemoteHash hasher.Hash  `json:"remoteHash"`
}

type Comparison struct {
	Path     string        `json:"path"`
	Status   Status        `json:"status"`
	State    FileSyncState `json:"state"`
	Conflict *Conflict     `json:"conflict,omitempty"`
}

// CompareFileState classifies one record. It is pure.
func CompareFileState(st FileSyncState) Comparison {
	base, local, rem := st.LastSyncedHash, st.LastLocalHash, st.LastRemoteHash
	cmp := Comparison{Path: st.Path, State: st}

	// both sides agree, including both deleted
	if local.Equal(rem) {
		cmp.Status = StatusSynced
		return cmp
	}

	localChanged := !local.Equal(base)
	remoteChanged := !rem.Equal(base)

	switch {
	case localChanged && !remoteChanged:
		if base.IsZero() {
			cmp.Status = StatusLocalOnly
		} else {
			cmp.Status = StatusLocalChanged
		}
	case remoteChanged && !localChanged:
		if base.IsZero() {
			cmp.Status = StatusRemoteOnly
		} else {
			cmp.Status = StatusRemoteChanged
		}
	default:
		c := &Conflict{Path: st.Path, LocalHash: local, RemoteHash: rem}
		switch {
		case local.IsZero():
			c.Type = ConflictDeletedModified
		case rem.IsZero():
			c.Type = ConflictModifiedDeleted
		default:
			c.Type = ConflictModifiedModified
		}
		cmp.Status = StatusConflict
		cmp.Conflict = c
	}
	return cmp
}

// CompareAllStates classifies every record, sorted by path, and collects the
// conflicts in the same order.
func CompareAllStates(states map[string]FileSyncState) ([]Comparison, []Conflict) {
	paths := make([]string, 0, len(states))
	for p := range states {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	comparisons := make([]Comparison, 0, len(paths))
	var conflicts []Conflict
	for _, p := range paths {
		st := states[p]
		st.Path = p
		cmp := CompareFileState(st)
		comparisons = append(comparisons, cmp)
		if cmp.Conflict != nil {
			conflicts = append(conflicts, *cmp.Conflict)
		}
	}
	return comparisons, conflicts
}
