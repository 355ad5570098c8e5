package history

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/minisync/internal/hasher"
)

type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

func (t ChangeType) Valid() bool {
	switch t {
	case ChangeCreated, ChangeModified, ChangeDeleted:
		return true
	}
	return false
}

type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

const EncodingUTF8 = "utf-8"

var (
	ErrInvalidEvent = errors.New("invalid change event")
)

// Change describes what happened to a single vault path.
type Change struct {
	Path  string      `json:"path"`
	Type  ChangeType  `json:"changeType"`
	Hash  hasher.Hash `json:"hash"`
	Size  int64       `json:"sizeBytes,omitempty"`
	Mtime int64       `json:"mtimeMs,omitempty"`
}

// Content carries the body of a change: inline text, a blob reference, or
// nothing (deletions and events recorded without a body).
type Content struct {
	Encoding string  `json:"encoding,omitempty"`
	Text     *string `json:"text,omitempty"`
	BlobRef  string  `json:"blobRef,omitempty"`
}

func InlineContent(text string) *Content {
	return &Content{Encoding: EncodingUTF8, Text: &text}
}

func BlobContent(hash hasher.Hash) *Content {
	return &Content{BlobRef: hash.Value}
}

func (c *Content) IsInline() bool {
	return c != nil && c.Text != nil
}

func (c *Content) IsBlob() bool {
	return c != nil && c.Text == nil && c.BlobRef != ""
}

// ChangeEvent is an immutable record in the change log.
type ChangeEvent struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurredAt"`
	Origin     Origin    `json:"origin"`
	Device     string    `json:"device,omitempty"`
	Change     Change    `json:"change"`
	Content    *Content  `json:"content,omitempty"`
	// AppliedAt is set on remote events recorded in the local log once they
	// have been written to disk.
	AppliedAt *time.Time `json:"appliedAt,omitempty"`
}

// NewEvent stamps a change with a fresh id and the current UTC time.
func NewEvent(change Change, origin Origin) ChangeEvent {
	return ChangeEvent{
		ID:         uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Origin:     origin,
		Change:     change,
	}
}

func (e ChangeEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.Change.Path == "" {
		return fmt.Errorf("%w: %s: missing path", ErrInvalidEvent, e.ID)
	}
	if !e.Change.Type.Valid() {
		return fmt.Errorf("%w: %s: unknown change type %q", ErrInvalidEvent, e.ID, e.Change.Type)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: %s: missing occurredAt", ErrInvalidEvent, e.ID)
	}
	return nil
}

func (e ChangeEvent) IsDelete() bool {
	return e.Change.Type == ChangeDeleted
}

// ResultHash is the content hash the path has after this event, absent for
// deletions.
func (e ChangeEvent) ResultHash() hasher.Hash {
	if e.IsDelete() {
		return hasher.Hash{}
	}
	return e.Change.Hash
}

// Signature identifies an event by what it did rather than its id, so the same
// edit recorded twice under different ids can be detected.
func (e ChangeEvent) Signature() string {
	return fmt.Sprintf("%s|%s|%s|%d", e.Change.Path, e.Change.Type, e.ResultHash().Value, e.OccurredAt.UnixMilli())
}

// PartitionDate is the UTC day used to file the event locally. Applied remote
// events are filed by when they were applied so replay follows disk order.
func (e ChangeEvent) PartitionDate() string {
	if e.AppliedAt != nil && !e.AppliedAt.IsZero() {
		return e.AppliedAt.UTC().Format(DateLayout)
	}
	return e.OccurredAt.UTC().Format(DateLayout)
}

// Applied returns a copy of a remote event stamped as applied at t.
func (e ChangeEvent) Applied(t time.Time) ChangeEvent {
	t = t.UTC()
	e.Origin = OriginRemote
	e.AppliedAt = &t
	return e
}

// LatestByPath keeps the last event per path in the given order.
func LatestByPath(events []ChangeEvent) map[string]ChangeEvent {
	latest := make(map[string]ChangeEvent, len(events))
	for _, e := range events {
		latest[e.Change.Path] = e
	}
	return latest
}
