package sync

import (
	"context"
	"testing"
	"time"

	"github.com/openmined/minisync/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, d *device) *FileWatcher {
	t.Helper()
	fw := NewServiceWatcher(d.service)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, fw.Start(ctx))
	t.Cleanup(func() {
		cancel()
		fw.Stop()
	})
	return fw
}

func waitEvent(t *testing.T, fw *FileWatcher, path string) history.ChangeEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-fw.Events():
			if e.Change.Path == path {
				return e
			}
		case <-deadline:
			require.FailNow(t, "timeout waiting for file event", path)
		}
	}
}

func TestFileWatcher_RecordsLocalEdits(t *testing.T) {
	d := newDevice(t, "watch", t.TempDir())
	fw := startWatcher(t, d)

	d.write("notes/a.md", "hello")
	e := waitEvent(t, fw, "notes/a.md")
	assert.Equal(t, history.ChangeCreated, e.Change.Type)
	assert.Equal(t, h("hello"), e.Change.Hash)

	d.remove("notes/a.md")
	e = waitEvent(t, fw, "notes/a.md")
	assert.Equal(t, history.ChangeDeleted, e.Change.Type)
}

func TestFileWatcher_ScansOnStart(t *testing.T) {
	d := newDevice(t, "watch", t.TempDir())
	d.write("offline.md", "edited while stopped")

	startWatcher(t, d)

	latest, err := d.service.recorder.Latest()
	require.NoError(t, err)
	assert.Equal(t, h("edited while stopped"), latest["offline.md"].Change.Hash)
}

func TestFileWatcher_IgnoresEngineWrites(t *testing.T) {
	d := newDevice(t, "watch", t.TempDir())
	fw := startWatcher(t, d)

	// written while the apply lock is held, and logged like the applier does
	require.NoError(t, d.service.lock.Acquire())
	d.write("applied.md", "from remote")
	applied := history.NewEvent(history.Change{Path: "applied.md", Type: history.ChangeCreated, Hash: h("from remote")}, history.OriginRemote)
	require.NoError(t, d.service.recorder.Append(applied.Applied(time.Now())))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, d.service.lock.Release())

	// written after the cooldown, but announced
	d.settle()
	require.NoError(t, d.service.lock.Expect("expected.md", h("announced")))
	d.write("expected.md", "announced")

	// ignored path
	d.write(".trash/x.md", "trash")

	// a real edit, to know the watcher has caught up
	time.Sleep(200 * time.Millisecond)
	d.write("user.md", "typed")

	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-fw.Events():
			require.NotEqual(t, "applied.md", e.Change.Path)
			require.NotEqual(t, "expected.md", e.Change.Path)
			require.NotEqual(t, ".trash/x.md", e.Change.Path)
			if e.Change.Path == "user.md" {
				return
			}
		case <-deadline:
			require.FailNow(t, "timeout waiting for user edit")
		}
	}
}

func TestFileWatcher_EditDuringCooldownIsRecordedAfter(t *testing.T) {
	d := newDevice(t, "watch", t.TempDir())
	d.service.lock.Cooldown = 300 * time.Millisecond
	fw := startWatcher(t, d)

	require.NoError(t, d.service.lock.Acquire())
	require.NoError(t, d.service.lock.Release())
	d.write("typed.md", "typed during cooldown")

	e := waitEvent(t, fw, "typed.md")
	assert.Equal(t, history.ChangeCreated, e.Change.Type)
	assert.Equal(t, h("typed during cooldown"), e.Change.Hash)
}
