package sync

import (
	"context"
	"os"
	"testing"

	"github.com/openmined/minisync/internal/blob"
	"github.com/openmined/minisync/internal/hasher"
	"github.com/openmined/minisync/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) (*device, *Recorder) {
	t.Helper()
	d := newDevice(t, "rec", t.TempDir())
	return d, d.service.recorder
}

func TestRecorder_ObserveLifecycle(t *testing.T) {
	d, rec := newTestRecorder(t)

	e, err := rec.Observe("notes/a.md")
	require.NoError(t, err)
	assert.Nil(t, e, "absent and never logged")

	d.write("notes/a.md", "v1")
	e, err = rec.Observe("notes/a.md")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, history.ChangeCreated, e.Change.Type)
	assert.Equal(t, h("v1"), e.Change.Hash)
	assert.Equal(t, history.OriginLocal, e.Origin)
	assert.Equal(t, "rec", e.Device)
	require.True(t, e.Content.IsInline())
	assert.Equal(t, "v1", *e.Content.Text)

	e, err = rec.Observe("notes/a.md")
	require.NoError(t, err)
	assert.Nil(t, e, "unchanged")

	d.write("notes/a.md", "v2")
	e, err = rec.Observe("notes/a.md")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, history.ChangeModified, e.Change.Type)

	d.remove("notes/a.md")
	e, err = rec.Observe("notes/a.md")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, history.ChangeDeleted, e.Change.Type)
	assert.True(t, e.ResultHash().IsZero())

	events, err := rec.Log().Replay()
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestRecorder_EditWithSameSizeAndMtime(t *testing.T) {
	d, rec := newTestRecorder(t)
	d.write("a.md", "teh")
	e, err := rec.Observe("a.md")
	require.NoError(t, err)
	require.NotNil(t, e)

	d.rewrite("a.md", "the")
	e, err = rec.Observe("a.md")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, history.ChangeModified, e.Change.Type)
	assert.Equal(t, h("the"), e.Change.Hash)
}

func TestRecorder_BinaryGoesToBlobStore(t *testing.T) {
	d, rec := newTestRecorder(t)
	body := string([]byte{0x89, 'P', 'N', 'G', 0x00, 0xff})
	d.write("img/logo.png", body)

	e, err := rec.Observe("img/logo.png")
	require.NoError(t, err)
	require.NotNil(t, e)
	require.True(t, e.Content.IsBlob())
	assert.Equal(t, h(body).Value, e.Content.BlobRef)
	assert.True(t, blob.NewStore(d.vault.BlobsDir).Has(e.Content.BlobRef))
}

func TestRecorder_ObserveUnlessSuppresses(t *testing.T) {
	d, rec := newTestRecorder(t)
	d.write("a.md", "engine wrote this")

	e, err := rec.ObserveUnless("a.md", func(got hasher.Hash) bool {
		return got.Equal(h("engine wrote this"))
	})
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestRecorder_SeesAppendsFromOtherWriters(t *testing.T) {
	d, rec := newTestRecorder(t)
	d.write("a.md", "v1")
	_, err := rec.Observe("a.md")
	require.NoError(t, err)

	// another process appends a newer event for the same path
	other := history.NewLog(d.vault.HistoryDir)
	e := history.NewEvent(history.Change{Path: "a.md", Type: history.ChangeModified, Hash: h("v9")}, history.OriginLocal)
	require.NoError(t, other.Append(e))

	latest, err := rec.Latest()
	require.NoError(t, err)
	assert.Equal(t, e.ID, latest["a.md"].ID)

	ok, err := rec.HasID(e.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScanner_RecordsDrift(t *testing.T) {
	d, _ := newTestRecorder(t)
	scanner := d.service.scanner

	d.write("notes/a.md", "a")
	d.write("notes/b.md", "b")
	d.write(".trash/old.md", "ignored")
	d.write("draft.md.swp", "ignored")

	res, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Recorded, 2)
	assert.Zero(t, res.Skipped)

	res, err = scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Recorded, "second scan is a no-op")

	d.remove("notes/b.md")
	d.write("notes/a.md", "a2")
	res, err = scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Recorded, 2)

	types := map[string]history.ChangeType{}
	for _, e := range res.Recorded {
		types[e.Change.Path] = e.Change.Type
	}
	assert.Equal(t, history.ChangeModified, types["notes/a.md"])
	assert.Equal(t, history.ChangeDeleted, types["notes/b.md"])
}

func TestScanner_UnreadableFileIsSkipped(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read any file")
	}
	d, _ := newTestRecorder(t)
	d.write("secret.md", "x")
	require.NoError(t, os.Chmod(d.vault.AbsPath("secret.md"), 0o000))
	t.Cleanup(func() { os.Chmod(d.vault.AbsPath("secret.md"), 0o644) })

	res, err := d.service.scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Recorded)
	assert.Equal(t, 1, res.Skipped)
}
