package fsremote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gofrs/flock"
	"github.com/openmined/minisync/internal/blob"
	"github.com/openmined/minisync/internal/history"
	"github.com/openmined/minisync/internal/remote"
	"github.com/openmined/minisync/internal/utils"
)

const (
	ProviderName = "remote-folder"

	vaultsDir      = "vaults"
	historyDir     = "history"
	snapshotsDir   = "snapshots"
	attachmentsDir = "attachments"
	metaFile       = "meta.json"
	cursorFile     = "cursor.json"
	lockFile       = ".lock"
	snapshotSuffix = ".json"
)

var _ remote.Provider = (*Provider)(nil)

// Provider treats a directory (a mounted share, a synced folder, a USB drive)
// as the remote store of a vault.
type Provider struct {
	root    string
	vaultID string
	dir     string
	now     func() time.Time

	// mu serializes access within the process; lock across processes.
	mu   sync.Mutex
	lock *flock.Flock
}

func New(root, vaultID string) (*Provider, error) {
	if vaultID == "" {
		return nil, errors.New("fsremote: vault id required")
	}
	abs, err := utils.ResolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("fsremote: %w", err)
	}
	dir := filepath.Join(abs, vaultsDir, vaultID)
	return &Provider{
		root:    abs,
		vaultID: vaultID,
		dir:     dir,
		lock:    flock.New(filepath.Join(dir, lockFile)),
		now:     time.Now,
	}, nil
}

func (p *Provider) Namespace() string {
	return remote.NamespaceKey("fs", p.root, p.vaultID)
}

// Dir is the vault directory inside the remote root.
func (p *Provider) Dir() string {
	return p.dir
}

func (p *Provider) historyPath(name string) string {
	return filepath.Join(p.dir, historyDir, name)
}

func (p *Provider) ensureStructure() error {
	for _, d := range []string{historyDir, snapshotsDir, attachmentsDir} {
		if err := utils.EnsureDir(filepath.Join(p.dir, d)); err != nil {
			return err
		}
	}

	metaPath := filepath.Join(p.dir, metaFile)
	if !utils.FileExists(metaPath) {
		meta := remote.Meta{
			Version:   remote.MetaVersion,
			Provider:  ProviderName,
			VaultID:   p.vaultID,
			CreatedAt: p.now().UTC(),
		}
		data, err := utils.JSONMarshalIndent(meta, "", "  ")
		if err != nil {
			return err
		}
		if err := utils.WriteFileAtomic(metaPath, data, 0o644); err != nil {
			return err
		}
		slog.Debug("fsremote meta created", "dir", p.dir)
	}
	return nil
}

// PushHistoryEvents appends events not already present (by id) to the
// partition of the current UTC day.
func (p *Provider) PushHistoryEvents(ctx context.Context, events []history.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := p.ensureStructure(); err != nil {
		return fmt.Errorf("fsremote push: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.lock.Lock(); err != nil {
		return fmt.Errorf("fsremote lock: %w", err)
	}
	defer p.lock.Unlock()

	existing, err := p.knownIDs(ctx)
	if err != nil {
		return fmt.Errorf("fsremote push: %w", err)
	}

	var buf bytes.Buffer
	for _, e := range events {
		if existing.Contains(e.ID) {
			continue
		}
		if err := e.Validate(); err != nil {
			return remote.NewError(remote.KindInvalid, "push", err)
		}
		line, err := utils.JSONMarshal(e)
		if err != nil {
			return fmt.Errorf("fsremote encode %s: %w", e.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
		existing.Add(e.ID)
	}
	if buf.Len() == 0 {
		return nil
	}

	names, err := p.partitions()
	if err != nil {
		return fmt.Errorf("fsremote push: %w", err)
	}
	name := history.AppendPartitionName(p.now(), names)
	if err := appendLines(p.historyPath(name), buf.Bytes()); err != nil {
		return fmt.Errorf("fsremote push: %w", err)
	}
	return p.writeHead(ctx)
}

func (p *Provider) PullHistoryEvents(ctx context.Context, cursor *remote.Cursor) (*remote.PullResult, error) {
	return p.ReadPage(ctx, cursor, 0)
}

// ReadPage is PullHistoryEvents with a line limit, used by the HTTP server.
func (p *Provider) ReadPage(ctx context.Context, cursor *remote.Cursor, limit int) (*remote.PullResult, error) {
	if !utils.DirExists(p.dir) {
		return &remote.PullResult{Next: cursor}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// a shared lock keeps us from reading a line while it is being appended
	if err := p.lock.RLock(); err != nil {
		return nil, fmt.Errorf("fsremote lock: %w", err)
	}
	defer p.lock.Unlock()

	return p.readLocked(ctx, cursor, limit)
}

func (p *Provider) readLocked(ctx context.Context, cursor *remote.Cursor, limit int) (*remote.PullResult, error) {
	names, err := p.partitions()
	if err != nil {
		return nil, fmt.Errorf("fsremote pull: %w", err)
	}
	return remote.ReadPartitions(ctx, names, cursor, limit, p.openPartition)
}

func (p *Provider) HasBlob(_ context.Context, hash string) (bool, error) {
	if !blob.ValidHash(hash) {
		return false, remote.NewError(remote.KindInvalid, "has blob", blob.ErrInvalidHash)
	}
	return utils.FileExists(filepath.Join(p.dir, attachmentsDir, hash)), nil
}

func (p *Provider) PutBlob(_ context.Context, hash string, data []byte) error {
	if !blob.ValidHash(hash) {
		return remote.NewError(remote.KindInvalid, "put blob", blob.ErrInvalidHash)
	}
	path := filepath.Join(p.dir, attachmentsDir, hash)
	if utils.FileExists(path) {
		return nil
	}
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("fsremote put blob: %w", err)
	}
	return nil
}

func (p *Provider) GetBlob(_ context.Context, hash string) ([]byte, error) {
	if !blob.ValidHash(hash) {
		return nil, remote.NewError(remote.KindInvalid, "get blob", blob.ErrInvalidHash)
	}
	return readFile("get blob", filepath.Join(p.dir, attachmentsDir, hash))
}

func (p *Provider) ListSnapshots(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(p.dir, snapshotsDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("fsremote list snapshots: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), snapshotSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), snapshotSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *Provider) PutSnapshotManifest(_ context.Context, id string, manifest []byte) error {
	if !validID(id) {
		return remote.NewError(remote.KindInvalid, "put snapshot", fmt.Errorf("bad snapshot id %q", id))
	}
	if err := p.ensureStructure(); err != nil {
		return fmt.Errorf("fsremote put snapshot: %w", err)
	}
	return utils.WriteFileAtomic(filepath.Join(p.dir, snapshotsDir, id+snapshotSuffix), manifest, 0o644)
}

func (p *Provider) GetSnapshotManifest(_ context.Context, id string) ([]byte, error) {
	if !validID(id) {
		return nil, remote.NewError(remote.KindInvalid, "get snapshot", fmt.Errorf("bad snapshot id %q", id))
	}
	return readFile("get snapshot", filepath.Join(p.dir, snapshotsDir, id+snapshotSuffix))
}

func (p *Provider) partitions() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(p.dir, historyDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && history.IsPartitionName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (p *Provider) openPartition(_ context.Context, name string) (io.ReadCloser, error) {
	return os.Open(p.historyPath(name))
}

func (p *Provider) knownIDs(ctx context.Context) (mapset.Set[string], error) {
	res, err := p.readLocked(ctx, nil, 0)
	if err != nil {
		return nil, err
	}
	ids := mapset.NewThreadUnsafeSetWithSize[string](len(res.Events))
	for _, e := range res.Events {
		ids.Add(e.ID)
	}
	return ids, nil
}

// writeHead records the newest cursor in cursor.json for manual inspection.
func (p *Provider) writeHead(ctx context.Context) error {
	res, err := p.readLocked(ctx, nil, 0)
	if err != nil {
		return err
	}
	data, err := utils.JSONMarshalIndent(struct {
		Value *string `json:"value"`
	}{Value: cursorValue(res.Next)}, "", "  ")
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(filepath.Join(p.dir, cursorFile), data, 0o644)
}

func cursorValue(c *remote.Cursor) *string {
	if c == nil {
		return nil
	}
	return &c.Value
}

func readFile(op, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, remote.NewError(remote.KindNotFound, op, err)
	} else if err != nil {
		return nil, fmt.Errorf("fsremote %s: %w", op, err)
	}
	return data, nil
}

func appendLines(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err == nil && last[0] != '\n' {
			data = append([]byte{'\n'}, data...)
		}
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}
