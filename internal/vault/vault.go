package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/openmined/minisync/internal/utils"
)

const (
	ControlDirName = ".minisync"
	historyDir     = "history"
	stateDir       = "state"
	conflictsDir   = "conflicts"
	blobsDir       = "blobs"
	snapshotsDir   = "snapshots"
	logsDir        = "logs"
	lockFile       = "sync.lock"
)

var (
	ErrVaultLocked = errors.New("vault locked by another sync pass")
)

// Vault is the on-disk layout of a synced directory tree. All engine stores
// are constructed from a Vault so that nothing depends on process globals.
type Vault struct {
	Root         string
	ControlDir   string
	HistoryDir   string
	StateDir     string
	ConflictsDir string
	BlobsDir     string
	SnapshotsDir string
	LogsDir      string

	flock *flock.Flock
}

func New(rootDir string) (*Vault, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	control := filepath.Join(root, ControlDirName)
	return &Vault{
		Root:         root,
		ControlDir:   control,
		HistoryDir:   filepath.Join(control, historyDir),
		StateDir:     filepath.Join(control, stateDir),
		ConflictsDir: filepath.Join(control, conflictsDir),
		BlobsDir:     filepath.Join(control, blobsDir),
		SnapshotsDir: filepath.Join(control, snapshotsDir),
		LogsDir:      filepath.Join(control, logsDir),
		flock:        flock.New(filepath.Join(control, stateDir, lockFile)),
	}, nil
}

// Setup creates the control directory layout. It is idempotent.
func (v *Vault) Setup() error {
	dirs := []string{v.Root, v.HistoryDir, v.StateDir, v.ConflictsDir, v.BlobsDir, v.SnapshotsDir}
	for _, dir := range dirs {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	slog.Debug("vault", "root", v.Root)
	return nil
}

// Lock takes the pass lock. A second pass on the same vault gets ErrVaultLocked.
func (v *Vault) Lock() error {
	if err := utils.EnsureDir(v.StateDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", v.StateDir, err)
	}

	locked, err := v.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock vault: %w", err)
	}
	if !locked {
		return ErrVaultLocked
	}
	return nil
}

func (v *Vault) Unlock() error {
	// not ours to release
	if !v.flock.Locked() {
		return nil
	}

	if err := v.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock vault: %w", err)
	}
	return nil
}

// StatePath returns the path of a file under the state directory
func (v *Vault) StatePath(name string) string {
	return filepath.Join(v.StateDir, name)
}

// AbsPath returns the absolute path of a vault-relative path
func (v *Vault) AbsPath(relPath string) string {
	return filepath.Join(v.Root, filepath.FromSlash(relPath))
}

// RelPath returns the normalized vault-relative path of an absolute path
func (v *Vault) RelPath(absPath string) (string, error) {
	rel, err := filepath.Rel(v.Root, absPath)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside vault %s", absPath, v.Root)
	}
	return NormPath(rel), nil
}

// IsReserved reports whether a vault-relative path belongs to the engine's
// control directory and must never be synced.
func (v *Vault) IsReserved(relPath string) bool {
	return IsReserved(relPath)
}

// IsEmpty reports whether the vault holds no user files.
func (v *Vault) IsEmpty() (bool, error) {
	empty := true
	errStop := errors.New("stop")

	err := filepath.WalkDir(v.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if path == v.Root {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ControlDirName {
				return filepath.SkipDir
			}
			return nil
		}
		empty = false
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return false, err
	}
	return empty, nil
}

func IsReserved(relPath string) bool {
	p := NormPath(relPath)
	return p == ControlDirName || strings.HasPrefix(p, ControlDirName+"/")
}

// NormPath normalizes a path by cleaning it, replacing backslashes with slashes, and trimming leading slashes
func NormPath(path string) string {
	path = filepath.Clean(path)
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.TrimLeft(path, "/")
	return path
}

// RemoveEmptyParents deletes the now-empty directories above relPath, stopping at the root.
func (v *Vault) RemoveEmptyParents(relPath string) {
	dir := filepath.Dir(v.AbsPath(relPath))
	for dir != v.Root && strings.HasPrefix(dir, v.Root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
