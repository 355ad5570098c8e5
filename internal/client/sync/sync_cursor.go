package sync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openmined/minisync/internal/remote"
	"github.com/openmined/minisync/internal/utils"
)

const legacyCursorFile = "remote-cursor.json"

type cursorFile struct {
	Value  string `json:"value,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// CursorStore persists the last consumed remote cursor per provider namespace.
type CursorStore struct {
	dir string
}

func NewCursorStore(stateDir string) *CursorStore {
	return &CursorStore{dir: stateDir}
}

func (c *CursorStore) path(namespace string) string {
	return filepath.Join(c.dir, "remote-cursor."+sanitizeNamespace(namespace)+".json")
}

// Load returns the cursor for namespace, falling back to the single-remote
// legacy file. A nil cursor means nothing has been pulled yet.
func (c *CursorStore) Load(namespace string) (*remote.Cursor, error) {
	cur, err := readCursor(c.path(namespace))
	if err != nil || cur != nil {
		return cur, err
	}
	return readCursor(filepath.Join(c.dir, legacyCursorFile))
}

// Save always writes the namespaced form.
func (c *CursorStore) Save(namespace string, cursor *remote.Cursor) error {
	if cursor == nil || cursor.Value == "" {
		return nil
	}
	data, err := utils.JSONMarshal(cursorFile{Value: cursor.Value})
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}
	if err := utils.WriteFileAtomic(c.path(namespace), data, 0o644); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

func readCursor(path string) (*remote.Cursor, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}

	var f cursorFile
	if err := utils.JSONUnmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode cursor %s: %w", path, err)
	}
	v := f.Value
	if v == "" {
		v = f.Cursor
	}
	if v == "" {
		return nil, nil
	}
	return &remote.Cursor{Value: v}, nil
}

func sanitizeNamespace(ns string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, ns)
}
