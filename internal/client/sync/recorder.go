package sync

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/openmined/minisync/internal/blob"
	"github.com/openmined/minisync/internal/hasher"
	"github.com/openmined/minisync/internal/history"
	"github.com/openmined/minisync/internal/vault"
)

// Recorder turns the difference between a file on disk and the latest logged
// event for its path into a new local change event.
type Recorder struct {
	vault  *vault.Vault
	log    *history.Log
	blobs  *blob.Store
	device string

	mu       sync.Mutex
	latest   map[string]history.ChangeEvent
	ids      map[string]struct{}
	logShape string
}

func NewRecorder(v *vault.Vault, log *history.Log, blobs *blob.Store, device string) *Recorder {
	return &Recorder{
		vault:  v,
		log:    log,
		blobs:  blobs,
		device: device,
	}
}

func (r *Recorder) Log() *history.Log {
	return r.log
}

// Latest returns the newest logged event per path in replay order.
func (r *Recorder) Latest() (map[string]history.ChangeEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.refreshLocked(); err != nil {
		return nil, err
	}
	out := make(map[string]history.ChangeEvent, len(r.latest))
	for k, v := range r.latest {
		out[k] = v
	}
	return out, nil
}

// HasID reports whether an event id is already in the local log.
func (r *Recorder) HasID(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.refreshLocked(); err != nil {
		return false, err
	}
	_, ok := r.ids[id]
	return ok, nil
}

// Observe records a local event for rel when the file on disk no longer
// matches the latest logged event. It returns nil when nothing changed.
func (r *Recorder) Observe(rel string) (*history.ChangeEvent, error) {
	return r.ObserveUnless(rel, nil)
}

// ObserveUnless is Observe with a veto: skip is called with the current disk
// hash (absent for a missing file) and suppresses the event when it returns true.
func (r *Recorder) ObserveUnless(rel string, skip func(hasher.Hash) bool) (*history.ChangeEvent, error) {
	rel = vault.NormPath(rel)
	abs := r.vault.AbsPath(rel)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.refreshLocked(); err != nil {
		return nil, err
	}
	prev, known := r.latest[rel]
	present := known && !prev.IsDelete()

	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
		if !present {
			return nil, nil
		}
		if skip != nil && skip(hasher.Hash{}) {
			return nil, nil
		}
		e := r.newEvent(history.Change{Path: rel, Type: history.ChangeDeleted})
		return r.appendLocked(e)
	} else if err != nil {
		return nil, &hasher.IOError{Path: abs, Err: err}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, &hasher.IOError{Path: abs, Err: err}
	}
	h := hasher.HashBytes(data)
	if present && prev.ResultHash().Equal(h) {
		return nil, nil
	}
	if skip != nil && skip(h) {
		return nil, nil
	}

	typ := history.ChangeModified
	if !present {
		typ = history.ChangeCreated
	}
	e, err := r.withContent(r.newEvent(history.Change{
		Path:  rel,
		Type:  typ,
		Hash:  h,
		Size:  int64(len(data)),
		Mtime: info.ModTime().UnixMilli(),
	}), data)
	if err != nil {
		return nil, err
	}
	return r.appendLocked(e)
}

// Record appends a local event carrying data, whatever the log says. It backs
// conflict resolution and manual merges.
func (r *Recorder) Record(rel string, typ history.ChangeType, data []byte) (history.ChangeEvent, error) {
	rel = vault.NormPath(rel)
	change := history.Change{Path: rel, Type: typ}
	e := r.newEvent(change)
	if typ != history.ChangeDeleted {
		e.Change.Hash = hasher.HashBytes(data)
		e.Change.Size = int64(len(data))
		if info, err := os.Stat(r.vault.AbsPath(rel)); err == nil {
			e.Change.Mtime = info.ModTime().UnixMilli()
		}
		var err error
		if e, err = r.withContent(e, data); err != nil {
			return history.ChangeEvent{}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out, err := r.appendLocked(e)
	if err != nil {
		return history.ChangeEvent{}, err
	}
	return *out, nil
}

// Append writes events produced elsewhere, such as applied remote events.
func (r *Recorder) Append(events ...history.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.log.AppendAll(events); err != nil {
		return err
	}
	r.noteLocked(events...)
	return nil
}

func (r *Recorder) newEvent(change history.Change) history.ChangeEvent {
	e := history.NewEvent(change, history.OriginLocal)
	e.Device = r.device
	return e
}

func (r *Recorder) withContent(e history.ChangeEvent, data []byte) (history.ChangeEvent, error) {
	if history.ShouldInline(e.Change.Path, data) {
		e.Content = history.InlineContent(string(data))
		return e, nil
	}
	if err := r.blobs.Put(e.Change.Hash.Value, data); err != nil {
		return e, fmt.Errorf("store blob for %s: %w", e.Change.Path, err)
	}
	e.Content = history.BlobContent(e.Change.Hash)
	return e, nil
}

func (r *Recorder) appendLocked(e history.ChangeEvent) (*history.ChangeEvent, error) {
	if err := r.log.Append(e); err != nil {
		return nil, err
	}
	r.noteLocked(e)
	slog.Debug("recorded", "path", e.Change.Path, "type", e.Change.Type, "hash", e.Change.Hash.Short())
	return &e, nil
}

func (r *Recorder) noteLocked(events ...history.ChangeEvent) {
	if r.latest == nil {
		return
	}
	for _, e := range events {
		r.latest[e.Change.Path] = e
		r.ids[e.ID] = struct{}{}
	}
	r.logShape, _ = r.shape()
}

// refreshLocked replays the log when its partitions changed since the last
// replay, for example because another process appended to it.
func (r *Recorder) refreshLocked() error {
	shape, err := r.shape()
	if err != nil {
		return err
	}
	if r.latest != nil && shape == r.logShape {
		return nil
	}

	events, err := r.log.Replay()
	if err != nil {
		return fmt.Errorf("replay history: %w", err)
	}
	r.latest = history.LatestByPath(events)
	r.ids = make(map[string]struct{}, len(events))
	for _, e := range events {
		r.ids[e.ID] = struct{}{}
	}
	r.logShape = shape
	return nil
}

func (r *Recorder) shape() (string, error) {
	parts, err := r.log.Partitions()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, p := range parts {
		info, err := os.Stat(filepath.Join(r.log.Dir(), p))
		if err != nil {
			continue
		}
		b.WriteString(p)
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(info.Size(), 10))
		b.WriteByte(';')
	}
	return b.String(), nil
}
