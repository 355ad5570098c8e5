package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultSyncInterval = 30 * time.Second
	localSettleDelay    = 2 * time.Second
)

var ErrSyncAlreadyRunning = errors.New("sync already running")

// Notifier is implemented by remotes that announce new history, letting the
// daemon pull without waiting for the next interval.
type Notifier interface {
	Subscribe(ctx context.Context) (<-chan struct{}, error)
}

// Daemon keeps a vault in sync: a pass on start, on every interval, shortly
// after local edits settle, and when the remote announces changes.
type Daemon struct {
	service  *Service
	watcher  *FileWatcher
	notifier Notifier
	strategy Strategy
	interval time.Duration

	// OnSummary observes every finished pass.
	OnSummary func(*Summary)

	trigger chan struct{}
	wg      sync.WaitGroup
	muSync  sync.Mutex
}

func NewDaemon(s *Service, notifier Notifier, strategy Strategy, interval time.Duration) *Daemon {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &Daemon{
		service:  s,
		watcher:  NewServiceWatcher(s),
		notifier: notifier,
		strategy: strategy,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

func (d *Daemon) Start(ctx context.Context) error {
	slog.Info("sync daemon start", "vault", d.service.vault.Root, "interval", d.interval)

	if err := d.watcher.Start(ctx); err != nil {
		return err
	}

	slog.Info("running initial sync")
	if err := d.RunSync(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("initial sync", "error", err)
	}

	if d.notifier != nil {
		notes, err := d.notifier.Subscribe(ctx)
		if err != nil {
			slog.Warn("remote notifications unavailable", "error", err)
		} else {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case _, ok := <-notes:
						if !ok {
							return
						}
						d.Trigger()
					}
				}
			}()
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.handleWatcherEvents(ctx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		// a timer rather than a ticker so a slow pass does not queue ticks
		timer := time.NewTimer(d.interval)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			case <-d.trigger:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
			}
			if err := d.RunSync(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrSyncAlreadyRunning) {
				slog.Error("sync", "error", err)
			}
			timer.Reset(d.interval)
		}
	}()

	return nil
}

// Wait blocks until every daemon goroutine has exited, then stops the watcher.
func (d *Daemon) Wait() {
	d.wg.Wait()
	d.watcher.Stop()
	slog.Info("sync daemon stopped")
}

// Trigger asks for a pass as soon as possible. Requests coalesce.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// RunSync runs one pass unless one is already running.
func (d *Daemon) RunSync(ctx context.Context) error {
	if !d.muSync.TryLock() {
		return ErrSyncAlreadyRunning
	}
	defer d.muSync.Unlock()

	sum, err := d.service.SyncOnce(ctx, d.strategy)
	if sum != nil && d.OnSummary != nil {
		d.OnSummary(sum)
	}
	return err
}

func (d *Daemon) handleWatcherEvents(ctx context.Context) {
	var settle *time.Timer
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-d.watcher.Events():
			slog.Info("local change", "type", e.Change.Type, "path", e.Change.Path)
			if settle == nil {
				settle = time.AfterFunc(localSettleDelay, d.Trigger)
			} else {
				settle.Reset(localSettleDelay)
			}
		}
	}
}
