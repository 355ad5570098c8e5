package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openmined/minisync/internal/hasher"
	"github.com/openmined/minisync/internal/utils"
)

var ErrNotFound = errors.New("snapshot not found")

// FileEntry is one file of a snapshot. Exactly one of InlineText and BlobRef
// carries the body.
type FileEntry struct {
	Path       string      `json:"path"`
	Hash       hasher.Hash `json:"hash"`
	Size       int64       `json:"sizeBytes"`
	Mtime      int64       `json:"mtimeMs"`
	InlineText *string     `json:"inlineText,omitempty"`
	BlobRef    string      `json:"blobRef,omitempty"`
}

// Manifest is a full listing of a vault used to bootstrap a replica without
// replaying history.
type Manifest struct {
	ID        string      `json:"id"`
	VaultID   string      `json:"vaultId"`
	CreatedAt time.Time   `json:"createdAt"`
	Files     []FileEntry `json:"files"`
}

// NewID returns a sortable, file-name safe snapshot id for t.
func NewID(t time.Time) string {
	ts := t.UTC().Format("2006-01-02T150405.000Z")
	return "snap-" + strings.ReplaceAll(ts, ".", "")
}

func (m *Manifest) Marshal() ([]byte, error) {
	return utils.JSONMarshal(m)
}

func Unmarshal(data []byte) (*Manifest, error) {
	var m Manifest
	if err := utils.JSONUnmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.ID == "" {
		return nil, errors.New("decode manifest: missing id")
	}
	return &m, nil
}

// Store keeps manifests in a local directory as <id>.json.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Save(m *Manifest) error {
	data, err := utils.JSONMarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return utils.WriteFileAtomic(filepath.Join(s.dir, m.ID+".json"), data, 0o644)
}

func (s *Store) Load(id string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// List returns stored snapshot ids, oldest first.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}
