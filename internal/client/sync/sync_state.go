package sync

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/openmined/minisync/internal/hasher"
	"github.com/openmined/minisync/internal/utils"
)

const stateFileName = "file-sync-state.json"

// FileSyncState is the three-hash record of one path. An absent hash means
// the file does not exist on that side.
type FileSyncState struct {
	Path           string      `json:"path"`
	LastSyncedHash hasher.Hash `json:"lastSyncedHash"`
	LastLocalHash  hasher.Hash `json:"lastLocalHash"`
	LastRemoteHash hasher.Hash `json:"lastRemoteHash"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

func (s FileSyncState) empty() bool {
	return s.LastSyncedHash.IsZero() && s.LastLocalHash.IsZero() && s.LastRemoteHash.IsZero()
}

// StatePatch updates a FileSyncState. Nil fields keep the prior value; a
// pointer to a zero Hash clears that side.
type StatePatch struct {
	Synced *hasher.Hash
	Local  *hasher.Hash
	Remote *hasher.Hash
}

// HashPtr is a convenience for building patches.
func HashPtr(h hasher.Hash) *hasher.Hash {
	return &h
}

// Converged sets all three hashes to h.
func Converged(h hasher.Hash) StatePatch {
	return StatePatch{Synced: HashPtr(h), Local: HashPtr(h), Remote: HashPtr(h)}
}

type stateFile struct {
	Files map[string]FileSyncState `json:"files"`
}

// StateStore persists per-path sync state in state/file-sync-state.json.
// It is not safe for concurrent use; a sync pass owns it.
type StateStore struct {
	path  string
	now   func() time.Time
	cache map[string]FileSyncState
}

func NewStateStore(path string) *StateStore {
	return &StateStore{path: path, now: time.Now}
}

// LoadAll returns every stored record keyed by path.
func (s *StateStore) LoadAll() (map[string]FileSyncState, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	out := make(map[string]FileSyncState, len(s.cache))
	for k, v := range s.cache {
		out[k] = v
	}
	return out, nil
}

// Paths returns the stored paths in sorted order.
func (s *StateStore) Paths() ([]string, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(s.cache))
	for p := range s.cache {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *StateStore) Get(path string) (FileSyncState, bool, error) {
	if err := s.load(); err != nil {
		return FileSyncState{}, false, err
	}
	st, ok := s.cache[path]
	return st, ok, nil
}

// Upsert merges patch into the record for path and persists the result.
func (s *StateStore) Upsert(path string, patch StatePatch) (FileSyncState, error) {
	if err := s.load(); err != nil {
		return FileSyncState{}, err
	}
	st := s.merge(path, patch)
	if err := s.save(); err != nil {
		return FileSyncState{}, err
	}
	return st, nil
}

// UpsertMany applies several patches with a single write.
func (s *StateStore) UpsertMany(patches map[string]StatePatch) error {
	if len(patches) == 0 {
		return nil
	}
	if err := s.load(); err != nil {
		return err
	}
	for path, patch := range patches {
		s.merge(path, patch)
	}
	return s.save()
}

func (s *StateStore) Remove(path string) error {
	if err := s.load(); err != nil {
		return err
	}
	if _, ok := s.cache[path]; !ok {
		return nil
	}
	delete(s.cache, path)
	return s.save()
}

// SaveAll replaces the stored records.
func (s *StateStore) SaveAll(states map[string]FileSyncState) error {
	s.cache = make(map[string]FileSyncState, len(states))
	for k, v := range states {
		if v.empty() {
			continue
		}
		v.Path = k
		s.cache[k] = v
	}
	return s.save()
}

func (s *StateStore) merge(path string, patch StatePatch) FileSyncState {
	st := s.cache[path]
	st.Path = path
	if patch.Local != nil {
		st.LastLocalHash = *patch.Local
	}
	if patch.Remote != nil {
		st.LastRemoteHash = *patch.Remote
	}
	if patch.Synced != nil {
		st.LastSyncedHash = *patch.Synced
	} else if st.LastLocalHash.IsZero() && st.LastRemoteHash.IsZero() {
		st.LastSyncedHash = hasher.Hash{}
	} else if !st.LastLocalHash.IsZero() && st.LastLocalHash.Equal(st.LastRemoteHash) {
		st.LastSyncedHash = st.LastLocalHash
	}
	st.UpdatedAt = s.now().UTC()

	if st.empty() {
		delete(s.cache, path)
		return st
	}
	s.cache[path] = st
	return st
}

func (s *StateStore) load() error {
	if s.cache != nil {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.cache = make(map[string]FileSyncState)
		return nil
	} else if err != nil {
		return fmt.Errorf("read sync state: %w", err)
	}

	var f stateFile
	if err := utils.JSONUnmarshal(data, &f); err != nil {
		return fmt.Errorf("decode sync state: %w", err)
	}
	s.cache = make(map[string]FileSyncState, len(f.Files))
	for p, st := range f.Files {
		st.Path = p
		s.cache[p] = st
	}
	return nil
}

func (s *StateStore) save() error {
	data, err := utils.JSONMarshalIndent(stateFile{Files: s.cache}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	if err := utils.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write sync state: %w", err)
	}
	return nil
}
