package sync

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/openmined/minisync/internal/hasher"
	"github.com/openmined/minisync/internal/history"
	"github.com/openmined/minisync/internal/vault"
	"github.com/rjeczalik/notify"
)

const (
	eventBufferSize        = 64
	defaultDebounceTimeout = 50 * time.Millisecond
)

// FilterCallback returns true if the path should be ignored.
type FilterCallback func(relPath string) bool

// FileWatcher turns filesystem notifications into change events in the local
// log. Paths touched while the apply lock or its cooldown is active are looked
// at again once it clears; by then engine writes are in the log and match it.
// Content matching an expected write is dropped.
type FileWatcher struct {
	vault    *vault.Vault
	ignore   *IgnoreList
	recorder *Recorder
	lock     *ApplyLock
	scanner  *Scanner

	events    chan history.ChangeEvent
	rawEvents chan notify.EventInfo
	done      chan struct{}
	wg        sync.WaitGroup

	pendingEvents   map[string]struct{}
	eventTimers     map[string]*time.Timer
	debounceMu      sync.Mutex
	debounceTimeout time.Duration

	ignoreCallback FilterCallback
	callbackMu     sync.RWMutex
}

func NewFileWatcher(v *vault.Vault, ignore *IgnoreList, recorder *Recorder, lock *ApplyLock) *FileWatcher {
	return &FileWatcher{
		vault:           v,
		ignore:          ignore,
		recorder:        recorder,
		lock:            lock,
		scanner:         NewScanner(v, ignore, recorder),
		done:            make(chan struct{}),
		pendingEvents:   make(map[string]struct{}),
		eventTimers:     make(map[string]*time.Timer),
		debounceTimeout: defaultDebounceTimeout,
	}
}

// NewServiceWatcher builds a watcher sharing the service's recorder and locks.
func NewServiceWatcher(s *Service) *FileWatcher {
	return NewFileWatcher(s.vault, s.ignore, s.recorder, s.lock)
}

// SetDebounceTimeout sets the debounce timeout for events
func (fw *FileWatcher) SetDebounceTimeout(timeout time.Duration) {
	fw.debounceTimeout = timeout
}

// FilterPaths sets an extra filter applied to raw events before debouncing.
func (fw *FileWatcher) FilterPaths(callback FilterCallback) {
	fw.callbackMu.Lock()
	defer fw.callbackMu.Unlock()
	fw.ignoreCallback = callback
}

// Start records drift from before the watcher ran, then watches the vault
// recursively until Stop or ctx is done.
func (fw *FileWatcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", fw.vault.Root)

	if _, err := fw.scanner.Scan(ctx); err != nil {
		return err
	}

	fw.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	fw.events = make(chan history.ChangeEvent, eventBufferSize)

	recursivePath := filepath.Join(fw.vault.Root, "...")
	if err := notify.Watch(recursivePath, fw.rawEvents, notify.All); err != nil {
		return err
	}

	fw.wg.Add(1)
	go fw.filterEvents(ctx)

	return nil
}

func (fw *FileWatcher) Stop() {
	slog.Info("file watcher stopping")

	close(fw.done)
	if fw.rawEvents != nil {
		notify.Stop(fw.rawEvents)
	}
	fw.wg.Wait()

	fw.debounceMu.Lock()
	for path, timer := range fw.eventTimers {
		timer.Stop()
		delete(fw.eventTimers, path)
	}
	fw.debounceMu.Unlock()

	slog.Info("file watcher stopped")
}

// Events delivers the change events the watcher recorded.
func (fw *FileWatcher) Events() <-chan history.ChangeEvent {
	return fw.events
}

func (fw *FileWatcher) filterEvents(ctx context.Context) {
	defer fw.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case event, ok := <-fw.rawEvents:
			if !ok {
				return
			}

			rel, err := fw.vault.RelPath(event.Path())
			if err != nil || rel == "." || fw.ignore.ShouldIgnore(rel) {
				continue
			}

			fw.callbackMu.RLock()
			cb := fw.ignoreCallback
			fw.callbackMu.RUnlock()
			if cb != nil && cb(rel) {
				continue
			}

			// editors and inotify emit bursts per save; wait for the burst to settle
			fw.debounceEvent(rel)
		}
	}
}

func (fw *FileWatcher) debounceEvent(rel string) {
	fw.schedule(rel, fw.debounceTimeout)
}

func (fw *FileWatcher) schedule(rel string, delay time.Duration) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if timer, exists := fw.eventTimers[rel]; exists {
		timer.Stop()
	}
	fw.pendingEvents[rel] = struct{}{}
	fw.eventTimers[rel] = time.AfterFunc(delay, func() {
		fw.flushEvent(rel)
	})
}

func (fw *FileWatcher) flushEvent(rel string) {
	fw.debounceMu.Lock()
	_, exists := fw.pendingEvents[rel]
	delete(fw.pendingEvents, rel)
	delete(fw.eventTimers, rel)
	fw.debounceMu.Unlock()
	if !exists {
		return
	}

	select {
	case <-fw.done:
		return
	default:
	}

	now := time.Now()
	if fw.lock.IsActive(now) {
		slog.Debug("file watcher deferred", "reason", "apply in progress", "path", rel)
		fw.schedule(rel, fw.lock.Cooldown)
		return
	}

	e, err := fw.recorder.ObserveUnless(rel, func(h hasher.Hash) bool {
		return fw.lock.IsExpected(rel, h, now)
	})
	if err != nil {
		var ioErr *hasher.IOError
		if errors.As(err, &ioErr) {
			slog.Debug("file watcher skipped", "path", rel, "error", err)
		} else {
			slog.Warn("file watcher record", "path", rel, "error", err)
		}
		return
	}
	if e == nil {
		return
	}

	select {
	case fw.events <- *e:
		slog.Debug("file watcher", "type", e.Change.Type, "path", rel)
	default:
		slog.Warn("file watcher dropped", "reason", "channel full", "path", rel)
	}
}
