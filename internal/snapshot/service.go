package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openmined/minisync/internal/blob"
	"github.com/openmined/minisync/internal/hasher"
	"github.com/openmined/minisync/internal/history"
	"github.com/openmined/minisync/internal/remote"
	"github.com/openmined/minisync/internal/vault"
	"golang.org/x/sync/errgroup"
)

const transferConcurrency = 4

// Service builds manifests from the vault on disk and publishes them.
type Service struct {
	vault   *vault.Vault
	vaultID string
	blobs   *blob.Store
	store   *Store
	// skip reports paths that must not be part of a snapshot
	skip func(rel string) bool
	now  func() time.Time
}

func NewService(v *vault.Vault, vaultID string, blobs *blob.Store, skip func(rel string) bool) *Service {
	if skip == nil {
		skip = func(string) bool { return false }
	}
	return &Service{
		vault:   v,
		vaultID: vaultID,
		blobs:   blobs,
		store:   NewStore(v.SnapshotsDir),
		skip:    skip,
		now:     time.Now,
	}
}

func (s *Service) Store() *Store {
	return s.store
}

// Create walks the vault and records every file. Small text files are
// inlined; everything else is stored in the local blob store.
func (s *Service) Create(ctx context.Context) (*Manifest, error) {
	now := s.now().UTC()
	m := &Manifest{
		ID:        NewID(now),
		VaultID:   s.vaultID,
		CreatedAt: now,
		Files:     []FileEntry{},
	}

	err := filepath.WalkDir(s.vault.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("snapshot walk", "path", path, "error", err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, relErr := s.vault.RelPath(path)
		if relErr != nil || rel == "." {
			return nil
		}
		if d.IsDir() {
			if s.vault.IsReserved(rel) || s.skip(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.vault.IsReserved(rel) || s.skip(rel) {
			return nil
		}

		entry, err := s.entry(path, rel)
		if err != nil {
			slog.Warn("snapshot skip file", "path", rel, "error", err)
			return nil
		}
		m.Files = append(m.Files, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.Save(m); err != nil {
		return nil, fmt.Errorf("save manifest: %w", err)
	}
	slog.Info("snapshot created", "id", m.ID, "files", len(m.Files))
	return m, nil
}

func (s *Service) entry(abs, rel string) (FileEntry, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return FileEntry{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return FileEntry{}, err
	}

	e := FileEntry{
		Path:  rel,
		Hash:  hasher.HashBytes(data),
		Size:  info.Size(),
		Mtime: info.ModTime().UnixMilli(),
	}
	if history.ShouldInline(rel, data) {
		text := string(data)
		e.InlineText = &text
		return e, nil
	}

	if err := s.blobs.Put(e.Hash.Value, data); err != nil {
		return FileEntry{}, err
	}
	e.BlobRef = e.Hash.Value
	return e, nil
}

// Publish uploads the manifest's blobs, then the manifest itself.
func (s *Service) Publish(ctx context.Context, p remote.Provider, m *Manifest) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferConcurrency)

	for _, f := range m.Files {
		if f.BlobRef == "" {
			continue
		}
		ref := f.BlobRef
		g.Go(func() error {
			ok, err := p.HasBlob(gctx, ref)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			data, err := s.blobs.Get(ref)
			if err != nil {
				return fmt.Errorf("local blob %s: %w", ref, err)
			}
			return p.PutBlob(gctx, ref, data)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("publish blobs: %w", err)
	}

	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := p.PutSnapshotManifest(ctx, m.ID, data); err != nil {
		return fmt.Errorf("publish manifest: %w", err)
	}
	slog.Info("snapshot published", "id", m.ID)
	return nil
}

// Fetch downloads a manifest from the remote.
func Fetch(ctx context.Context, p remote.Provider, id string) (*Manifest, error) {
	data, err := p.GetSnapshotManifest(ctx, id)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// WriteFunc writes one materialized file into the vault.
type WriteFunc func(entry FileEntry, data []byte) error

// Materialize resolves every entry's body (inline, local blob store, or
// remote), verifies its hash and hands it to write. Blob downloads run
// concurrently; writes happen in manifest order. Entries whose content cannot
// be obtained or does not match are skipped and counted.
func Materialize(ctx context.Context, m *Manifest, blobs *blob.Store, p remote.Provider, write WriteFunc) (written int, skipped int, err error) {
	bodies := make([][]byte, len(m.Files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferConcurrency)
	for i, f := range m.Files {
		if f.InlineText != nil {
			bodies[i] = []byte(*f.InlineText)
			continue
		}
		if f.BlobRef == "" {
			continue
		}
		g.Go(func() error {
			data, err := FetchBlob(gctx, blobs, p, f.BlobRef)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				slog.Warn("snapshot blob unavailable", "path", f.Path, "blob", f.BlobRef, "error", err)
				return nil
			}
			bodies[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	for i, f := range m.Files {
		data := bodies[i]
		if data == nil {
			skipped++
			continue
		}
		if !f.Hash.IsZero() && !hasher.HashBytes(data).Equal(f.Hash) {
			slog.Warn("snapshot hash mismatch", "path", f.Path)
			skipped++
			continue
		}
		if err := write(f, data); err != nil {
			slog.Warn("snapshot write", "path", f.Path, "error", err)
			skipped++
			continue
		}
		written++
	}
	return written, skipped, nil
}

// FetchBlob returns a blob from the local store, downloading and caching it
// when missing.
func FetchBlob(ctx context.Context, blobs *blob.Store, p remote.Provider, hash string) ([]byte, error) {
	data, err := blobs.Get(hash)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, blob.ErrNotFound) {
		return nil, err
	}

	data, err = p.GetBlob(ctx, hash)
	if err != nil {
		return nil, err
	}
	if got := hasher.HashBytes(data); got.Value != hash {
		return nil, fmt.Errorf("blob %s: content hash %s does not match", hash, got.Value)
	}
	if err := blobs.Put(hash, data); err != nil {
		return nil, err
	}
	return data, nil
}
