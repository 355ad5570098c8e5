package history

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openmined/minisync/internal/hasher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(path string, typ ChangeType, body string, at time.Time) ChangeEvent {
	e := NewEvent(Change{Path: path, Type: typ}, OriginLocal)
	e.OccurredAt = at
	if typ != ChangeDeleted {
		e.Change.Hash = hasher.HashBytes([]byte(body))
		e.Change.Size = int64(len(body))
		e.Content = InlineContent(body)
	}
	return e
}

func TestLogAppendReplay_PartitionsByDay(t *testing.T) {
	dir := t.TempDir()
	log := NewLog(dir)
	require.NoError(t, log.EnsureStructure())
	require.NoError(t, log.EnsureStructure())

	day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC)

	e1 := testEvent("a.md", ChangeCreated, "v1", day1)
	e2 := testEvent("a.md", ChangeModified, "v2", day2)
	e3 := testEvent("b.md", ChangeDeleted, "", day2)

	require.NoError(t, log.Append(e1))
	require.NoError(t, log.AppendAll([]ChangeEvent{e2, e3}))

	assert.FileExists(t, filepath.Join(dir, "2026-03-01.jsonl"))
	assert.FileExists(t, filepath.Join(dir, "2026-03-02.jsonl"))

	events, err := log.Replay()
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, e1.ID, events[0].ID)
	assert.Equal(t, e2.ID, events[1].ID)
	assert.Equal(t, e3.ID, events[2].ID)
	assert.Equal(t, "v2", *events[1].Content.Text)
	assert.True(t, events[2].ResultHash().IsZero())
}

func TestLogReplay_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	log := NewLog(dir)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	good := testEvent("a.md", ChangeCreated, "v1", at)
	require.NoError(t, log.Append(good))

	// simulate a crash mid-write
	f, err := os.OpenFile(filepath.Join(dir, "2026-03-01.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"torn","occurredAt":"2026-03-01T10:00`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	next := testEvent("b.md", ChangeCreated, "v1", at.Add(time.Minute))
	require.NoError(t, log.Append(next))

	events, err := log.Replay()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, good.ID, events[0].ID)
	assert.Equal(t, next.ID, events[1].ID)
}

func TestLogReplay_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad-date.jsonl"), []byte("x"), 0o644))

	events, err := NewLog(dir).Replay()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestLogReplay_MissingDir(t *testing.T) {
	events, err := NewLog(filepath.Join(t.TempDir(), "nope")).Replay()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDecodeEvents_Tolerant(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	line := func(e ChangeEvent) string {
		var sb strings.Builder
		sb.WriteString(`{"id":"` + e.ID + `","occurredAt":"` + at.Format(time.RFC3339Nano) + `","origin":"local",`)
		sb.WriteString(`"change":{"path":"` + e.Change.Path + `","changeType":"` + string(e.Change.Type) + `","hash":"` + e.Change.Hash.Value + `"}}`)
		return sb.String()
	}

	e := testEvent("a.md", ChangeModified, "v1", at)
	input := strings.Join([]string{
		line(e),
		"",
		"not json",
		`{"id":"x","occurredAt":"2026-03-01T10:00:00Z","change":{"path":"a.md","changeType":"renamed"}}`,
		`{"occurredAt":"2026-03-01T10:00:00Z","change":{"path":"a.md","changeType":"created"}}`,
	}, "\n")

	events, skipped, err := DecodeEvents(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 3, skipped)
	assert.True(t, events[0].Change.Hash.Equal(e.Change.Hash), "bare string hash is normalized")
}

func TestLatestByPath(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e1 := testEvent("a.md", ChangeCreated, "v1", at)
	e2 := testEvent("b.md", ChangeCreated, "v1", at)
	e3 := testEvent("a.md", ChangeDeleted, "", at.Add(time.Second))

	latest := LatestByPath([]ChangeEvent{e1, e2, e3})
	assert.Len(t, latest, 2)
	assert.Equal(t, e3.ID, latest["a.md"].ID)
	assert.Equal(t, e2.ID, latest["b.md"].ID)
}

func TestSignature(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := testEvent("a.md", ChangeModified, "v1", at)
	b := testEvent("a.md", ChangeModified, "v1", at)
	c := testEvent("a.md", ChangeModified, "v2", at)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.Signature(), b.Signature())
	assert.NotEqual(t, a.Signature(), c.Signature())
}

func TestShouldInline(t *testing.T) {
	assert.True(t, ShouldInline("notes/a.md", []byte("hello")))
	assert.True(t, ShouldInline("Board.CANVAS", []byte("{}")))
	assert.False(t, ShouldInline("img/a.png", []byte("hello")))
	assert.False(t, ShouldInline("a.md", []byte{0xff, 0xfe}))
	assert.False(t, ShouldInline("a.md", make([]byte, MaxInlineSize+1)))
}

func TestLogAppend_AppliedRemoteFiledByApplyDay(t *testing.T) {
	dir := t.TempDir()
	log := NewLog(dir)

	occurred := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	applied := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)

	remoteEvent := testEvent("a.md", ChangeModified, "remote", occurred)
	remoteEvent.Origin = OriginRemote
	rec := remoteEvent.Applied(applied)

	require.NoError(t, log.Append(rec))
	assert.FileExists(t, filepath.Join(dir, "2026-03-04.jsonl"))
	assert.NoFileExists(t, filepath.Join(dir, "2026-03-01.jsonl"))

	events, err := log.Replay()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, remoteEvent.ID, events[0].ID)
	assert.Equal(t, OriginRemote, events[0].Origin)
	require.NotNil(t, events[0].AppliedAt)
	assert.True(t, applied.Equal(*events[0].AppliedAt))
	assert.Equal(t, remoteEvent.Signature(), events[0].Signature())
}

func TestAppendPartitionName(t *testing.T) {
	day := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		existing []string
		expected string
	}{
		{"no partitions", nil, "2026-03-02.jsonl"},
		{"older partitions", []string{"2026-02-28.jsonl", "2026-03-01.jsonl"}, "2026-03-02.jsonl"},
		{"same day", []string{"2026-03-02.jsonl"}, "2026-03-02.jsonl"},
		{"clock behind newest", []string{"2026-03-02.jsonl", "2026-03-04.jsonl"}, "2026-03-04.jsonl"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, AppendPartitionName(day, c.existing))
		})
	}
}
