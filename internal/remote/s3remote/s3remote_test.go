package s3remote

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/openmined/minisync/internal/hasher"
	"github.com/openmined/minisync/internal/history"
	"github.com/openmined/minisync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) (*Provider, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	p, err := newWithClient(fake, Config{Bucket: "bucket", Prefix: "/minisync/"}, "vault-1")
	require.NoError(t, err)
	p.now = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { _ = p.Close() })
	return p, fake
}

func event(path, body string) history.ChangeEvent {
	e := history.NewEvent(history.Change{
		Path: path,
		Type: history.ChangeModified,
		Hash: hasher.HashBytes([]byte(body)),
	}, history.OriginLocal)
	e.Content = history.InlineContent(body)
	return e
}

func TestConfigValidate(t *testing.T) {
	c := Config{}
	assert.Error(t, c.Validate())

	c = Config{Bucket: "b", AccessKey: "x"}
	assert.Error(t, c.Validate())

	c = Config{Bucket: "b", Prefix: "/p/"}
	require.NoError(t, c.Validate())
	assert.Equal(t, "p", c.Prefix)
	assert.Equal(t, "us-east-1", c.Region)
}

func TestPushPull(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestProvider(t)

	e1, e2, e3 := event("a.md", "1"), event("b.md", "2"), event("c.md", "3")
	require.NoError(t, p.PushHistoryEvents(ctx, []history.ChangeEvent{e1, e2}))
	require.NoError(t, p.PushHistoryEvents(ctx, []history.ChangeEvent{e1, e3}))

	assert.Contains(t, fake.objects, "minisync/vaults/vault-1/meta.json")
	assert.Contains(t, fake.objects, "minisync/vaults/vault-1/history/2026-03-02.jsonl")

	all, err := p.PullHistoryEvents(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all.Events, 3, "e1 must not be duplicated")
	assert.Equal(t, "2026-03-02:2", all.Next.Value)

	inc, err := p.PullHistoryEvents(ctx, &remote.Cursor{Value: "2026-03-02:0"})
	require.NoError(t, err)
	require.Len(t, inc.Events, 2)
	assert.Equal(t, e2.ID, inc.Events[0].ID)
}

func TestPush_RetriesOnConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestProvider(t)
	require.NoError(t, p.PushHistoryEvents(ctx, []history.ChangeEvent{event("a.md", "1")}))

	other := event("other.md", "from another device")
	line := `{"id":"` + other.ID + `","occurredAt":"2026-03-02T11:00:00Z","origin":"local","change":{"path":"other.md","changeType":"modified","hash":"` + other.Change.Hash.Value + `"}}` + "\n"

	raced := false
	fake.beforePut = func(key string) {
		if raced || !strings.HasSuffix(key, ".jsonl") {
			return
		}
		raced = true
		fake.mu.Lock()
		fake.objects[key] = append(fake.objects[key], []byte(line)...)
		fake.mu.Unlock()
	}

	mine := event("b.md", "2")
	require.NoError(t, p.PushHistoryEvents(ctx, []history.ChangeEvent{mine}))

	all, err := p.PullHistoryEvents(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all.Events, 3)
	assert.Equal(t, other.ID, all.Events[1].ID)
	assert.Equal(t, mine.ID, all.Events[2].ID)
}

func TestBlobs_UseIndex(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestProvider(t)

	data := []byte("binary")
	h := hasher.HashBytes(data).Value

	ok, err := p.HasBlob(ctx, h)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.GetBlob(ctx, h)
	assert.ErrorIs(t, err, remote.ErrNotFound)

	require.NoError(t, p.PutBlob(ctx, h, data))
	puts := fake.puts
	require.NoError(t, p.PutBlob(ctx, h, data))
	assert.Equal(t, puts, fake.puts, "second put is deduplicated")

	got, err := p.GetBlob(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRebuildIndex(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestProvider(t)

	for _, body := range []string{"a", "b", "c"} {
		fake.objects["minisync/vaults/vault-1/attachments/"+hasher.HashBytes([]byte(body)).Value] = []byte(body)
	}
	fake.objects["minisync/vaults/vault-1/attachments/junk"] = []byte("x")

	n, err := p.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	count, err := p.index.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.True(t, p.index.Has(hasher.HashBytes([]byte("b")).Value))
}

func TestSnapshots_Paginated(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)

	for _, id := range []string{"snap-3", "snap-1", "snap-2"} {
		require.NoError(t, p.PutSnapshotManifest(ctx, id, []byte(`{"id":"`+id+`"}`)))
	}

	ids, err := p.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"snap-1", "snap-2", "snap-3"}, ids)

	data, err := p.GetSnapshotManifest(ctx, "snap-2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"snap-2"}`, string(data))

	_, err = p.GetSnapshotManifest(ctx, "snap-9")
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind remote.ErrorKind
	}{
		{"no-such-key", &types.NoSuchKey{}, remote.KindNotFound},
		{"access-denied", &smithy.GenericAPIError{Code: "AccessDenied"}, remote.KindAuth},
		{"slow-down", &smithy.GenericAPIError{Code: "SlowDown"}, remote.KindRateLimited},
		{"internal", &smithy.GenericAPIError{Code: "InternalError"}, remote.KindServer},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var re *remote.Error
			require.True(t, errors.As(classify("op", c.err), &re))
			assert.Equal(t, c.kind, re.Kind)
		})
	}

	plain := errors.New("plain")
	assert.Equal(t, plain, classify("op", plain))
}

func TestPush_LaggingClockAppendsToNewestPartition(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestProvider(t)

	require.NoError(t, p.PushHistoryEvents(ctx, []history.ChangeEvent{event("a.md", "ahead")}))
	res, err := p.PullHistoryEvents(ctx, nil)
	require.NoError(t, err)

	p.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	late := event("b.md", "behind")
	require.NoError(t, p.PushHistoryEvents(ctx, []history.ChangeEvent{late}))

	assert.NotContains(t, fake.objects, "minisync/vaults/vault-1/history/2026-03-01.jsonl")
	next, err := p.PullHistoryEvents(ctx, res.Next)
	require.NoError(t, err)
	require.Len(t, next.Events, 1)
	assert.Equal(t, late.ID, next.Events[0].ID)
}
