package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/minisync/internal/hasher"
	"github.com/openmined/minisync/internal/remote/fsremote"
	"github.com/openmined/minisync/internal/retry"
	"github.com/openmined/minisync/internal/vault"
	"github.com/stretchr/testify/require"
)

// device is one replica of a vault syncing against a shared folder remote.
type device struct {
	t       *testing.T
	name    string
	vault   *vault.Vault
	remote  *fsremote.Provider
	service *Service
}

func newDevice(t *testing.T, name, remoteRoot string) *device {
	t.Helper()

	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	v, err := vault.New(root)
	require.NoError(t, err)
	require.NoError(t, v.Setup())

	p, err := fsremote.New(remoteRoot, "vault-1")
	require.NoError(t, err)

	s, err := NewService(v, p, Options{
		VaultID:        "vault-1",
		Device:         name,
		ScanBeforeSync: true,
		RetryPolicy:    &retry.Policy{MaxAttempts: 1},
	})
	require.NoError(t, err)

	return &device{t: t, name: name, vault: v, remote: p, service: s}
}

func (d *device) write(rel, content string) {
	d.t.Helper()
	abs := d.vault.AbsPath(rel)
	require.NoError(d.t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(d.t, os.WriteFile(abs, []byte(content), 0o644))
}

// rewrite replaces the content of rel and restores its previous mtime, as a
// coarse-timestamp filesystem or an mtime-preserving tool would.
func (d *device) rewrite(rel, content string) {
	d.t.Helper()
	abs := d.vault.AbsPath(rel)
	info, err := os.Stat(abs)
	require.NoError(d.t, err)
	require.NoError(d.t, os.WriteFile(abs, []byte(content), 0o644))
	require.NoError(d.t, os.Chtimes(abs, info.ModTime(), info.ModTime()))
}

func (d *device) remove(rel string) {
	d.t.Helper()
	require.NoError(d.t, os.Remove(d.vault.AbsPath(rel)))
}

func (d *device) read(rel string) string {
	d.t.Helper()
	data, err := os.ReadFile(d.vault.AbsPath(rel))
	require.NoError(d.t, err)
	return string(data)
}

func (d *device) exists(rel string) bool {
	_, err := os.Stat(d.vault.AbsPath(rel))
	return err == nil
}

func (d *device) sync(strategy Strategy) *Summary {
	d.t.Helper()
	sum, err := d.service.SyncOnce(context.Background(), strategy)
	require.NoError(d.t, err, "%s sync", d.name)
	return sum
}

func (d *device) state(rel string) (FileSyncState, bool) {
	d.t.Helper()
	st, ok, err := d.service.states.Get(rel)
	require.NoError(d.t, err)
	return st, ok
}

func (d *device) status(rel string) Status {
	d.t.Helper()
	st, ok := d.state(rel)
	if !ok {
		return StatusSynced
	}
	return CompareFileState(st).Status
}

// settle waits out the apply cooldown so the next local write is not
// mistaken for an engine write by a watcher.
func (d *device) settle() {
	time.Sleep(d.service.lock.Cooldown + 50*time.Millisecond)
}

func h(s string) hasher.Hash {
	return hasher.HashBytes([]byte(s))
}

func newSet(items ...string) mapset.Set[string] {
	return mapset.NewThreadUnsafeSet[string](items...)
}
