package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/openmined/minisync/internal/blob"
	"github.com/openmined/minisync/internal/hasher"
	"github.com/openmined/minisync/internal/history"
	"github.com/openmined/minisync/internal/remote"
	"github.com/openmined/minisync/internal/snapshot"
	"github.com/openmined/minisync/internal/vault"
)

// ErrNoContent is returned when a side has no body for the path, either
// because it is deleted there or because the body cannot be located.
var ErrNoContent = errors.New("no content for path")

// ContentReader serves the local, base and remote bodies of a path to a diff
// viewer.
type ContentReader struct {
	vault    *vault.Vault
	log      *history.Log
	blobs    *blob.Store
	states   *StateStore
	provider remote.Provider
}

func NewContentReader(v *vault.Vault, log *history.Log, blobs *blob.Store, states *StateStore, p remote.Provider) *ContentReader {
	return &ContentReader{vault: v, log: log, blobs: blobs, states: states, provider: p}
}

// Local reads the file as it is on disk.
func (r *ContentReader) Local(path string) ([]byte, error) {
	rel := vault.NormPath(path)
	data, err := os.ReadFile(r.vault.AbsPath(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s is absent locally", ErrNoContent, rel)
	}
	return data, err
}

// Base returns the body both sides last agreed on.
func (r *ContentReader) Base(ctx context.Context, path string) ([]byte, error) {
	rel := vault.NormPath(path)
	st, _, err := r.states.Get(rel)
	if err != nil {
		return nil, err
	}
	if st.LastSyncedHash.IsZero() {
		return nil, fmt.Errorf("%w: %s has no base", ErrNoContent, rel)
	}

	events, err := r.log.Replay()
	if err != nil {
		return nil, err
	}
	return r.find(ctx, rel, st.LastSyncedHash, events)
}

// Remote returns the body of the latest remote event for the path.
func (r *ContentReader) Remote(ctx context.Context, path string) ([]byte, error) {
	rel := vault.NormPath(path)
	var events []history.ChangeEvent
	var cursor *remote.Cursor
	for {
		res, err := r.provider.PullHistoryEvents(ctx, cursor)
		if err != nil {
			return nil, err
		}
		events = append(events, res.Events...)
		if !res.More || res.Next == nil || (cursor != nil && res.Next.Value == cursor.Value) {
			break
		}
		cursor = res.Next
	}

	latest, ok := history.LatestByPath(events)[rel]
	if !ok || latest.IsDelete() {
		return nil, fmt.Errorf("%w: %s is absent remotely", ErrNoContent, rel)
	}
	return r.find(ctx, rel, latest.Change.Hash, events)
}

// find returns the body with the given hash from the newest event for the
// path that carries it.
func (r *ContentReader) find(ctx context.Context, rel string, want hasher.Hash, events []history.ChangeEvent) ([]byte, error) {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Change.Path != rel || e.IsDelete() || !e.Change.Hash.Equal(want) {
			continue
		}
		switch {
		case e.Content.IsInline():
			return []byte(*e.Content.Text), nil
		case e.Content.IsBlob():
			return snapshot.FetchBlob(ctx, r.blobs, r.provider, e.Content.BlobRef)
		}
	}
	if data, err := r.blobs.Get(want.Value); err == nil {
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s at %s", ErrNoContent, rel, want.Short())
}
