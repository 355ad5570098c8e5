package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/openmined/minisync/internal/blob"
	"github.com/openmined/minisync/internal/hasher"
	"github.com/openmined/minisync/internal/history"
	"github.com/openmined/minisync/internal/remote"
	"github.com/openmined/minisync/internal/snapshot"
	"github.com/openmined/minisync/internal/utils"
	"github.com/openmined/minisync/internal/vault"
	"golang.org/x/sync/errgroup"
)

const transferConcurrency = 4

var ErrContentUnavailable = errors.New("content unavailable")

// ApplyResult describes what one remote event did to the vault.
type ApplyResult struct {
	Event history.ChangeEvent
	// Written is the hash of the bytes actually on disk after the write,
	// absent for deletions.
	Written hasher.Hash
	// Local is set when Written differs from the event's declared hash; the
	// engine then recorded a local edit carrying the real content.
	Local *history.ChangeEvent
	Err   error
}

func (r ApplyResult) Mismatch() bool {
	return r.Local != nil
}

// Applier writes remote events into the vault under the apply lock and
// records them in the local log.
type Applier struct {
	vault    *vault.Vault
	lock     *ApplyLock
	blobs    *blob.Store
	recorder *Recorder
	provider remote.Provider
	now      func() time.Time
}

func NewApplier(v *vault.Vault, lock *ApplyLock, blobs *blob.Store, recorder *Recorder, p remote.Provider) *Applier {
	return &Applier{
		vault:    v,
		lock:     lock,
		blobs:    blobs,
		recorder: recorder,
		provider: p,
		now:      time.Now,
	}
}

// Content returns the body an event carries, from inline text, the local
// blob store, or the remote.
func (a *Applier) Content(ctx context.Context, e history.ChangeEvent) ([]byte, error) {
	switch {
	case e.Content.IsInline():
		return []byte(*e.Content.Text), nil
	case e.Content.IsBlob():
		data, err := snapshot.FetchBlob(ctx, a.blobs, a.provider, e.Content.BlobRef)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrContentUnavailable, e.Change.Path, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s: event %s has no body", ErrContentUnavailable, e.Change.Path, e.ID)
}

// Apply writes events in order. Bodies are fetched before the apply lock is
// taken so the lock is held only for local writes. Per-event failures are
// reported in the results; the returned error is for the lock and context.
func (a *Applier) Apply(ctx context.Context, events []history.ChangeEvent) ([]ApplyResult, error) {
	results := make([]ApplyResult, len(events))
	bodies := make([][]byte, len(events))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferConcurrency)
	for i, e := range events {
		results[i].Event = e
		if e.IsDelete() {
			continue
		}
		g.Go(func() error {
			data, err := a.Content(gctx, e)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				results[i].Err = err
				return nil
			}
			bodies[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := a.lock.Acquire(); err != nil {
		return nil, err
	}
	defer func() {
		if err := a.lock.Release(); err != nil {
			slog.Warn("apply lock release", "error", err)
		}
	}()

	for i, e := range events {
		if results[i].Err != nil {
			continue
		}
		if e.IsDelete() {
			results[i] = a.remove(e)
		} else {
			results[i] = a.write(e, bodies[i])
		}
	}
	return results, nil
}

func (a *Applier) write(e history.ChangeEvent, data []byte) ApplyResult {
	res := ApplyResult{Event: e}
	rel := e.Change.Path
	abs := a.vault.AbsPath(rel)

	if err := a.lock.Expect(rel, hasher.HashBytes(data)); err != nil {
		slog.Warn("expect write", "path", rel, "error", err)
	}
	if err := utils.WriteFileAtomic(abs, data, 0o644); err != nil {
		res.Err = &hasher.IOError{Path: abs, Err: err}
		return res
	}
	written, err := hasher.HashFile(abs)
	if err != nil {
		res.Err = err
		return res
	}
	res.Written = written

	if err := a.recorder.Append(e.Applied(a.now())); err != nil {
		res.Err = err
		return res
	}

	if !written.Equal(e.Change.Hash) {
		slog.Warn("applied content differs from declared hash", "path", rel, "declared", e.Change.Hash.Short(), "written", written.Short())
		local, err := a.recorder.Record(rel, history.ChangeModified, data)
		if err != nil {
			res.Err = err
			return res
		}
		res.Local = &local
	}

	slog.Debug("applied", "path", rel, "type", e.Change.Type, "hash", written.Short())
	return res
}

func (a *Applier) remove(e history.ChangeEvent) ApplyResult {
	res := ApplyResult{Event: e}
	rel := e.Change.Path
	abs := a.vault.AbsPath(rel)

	if err := a.lock.Expect(rel, hasher.Hash{}); err != nil {
		slog.Warn("expect write", "path", rel, "error", err)
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		res.Err = &hasher.IOError{Path: abs, Err: err}
		return res
	}
	a.vault.RemoveEmptyParents(rel)

	if err := a.recorder.Append(e.Applied(a.now())); err != nil {
		res.Err = err
		return res
	}
	slog.Debug("applied", "path", rel, "type", e.Change.Type)
	return res
}
