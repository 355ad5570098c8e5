package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/openmined/minisync/internal/history"
)

// Provider is a remote store for one vault. Implementations must keep history
// order stable and treat pushes idempotently by event id.
type Provider interface {
	// Namespace identifies the remote for per-remote local state such as cursors.
	Namespace() string

	PushHistoryEvents(ctx context.Context, events []history.ChangeEvent) error
	// PullHistoryEvents returns events after cursor. A nil cursor returns full history.
	PullHistoryEvents(ctx context.Context, cursor *Cursor) (*PullResult, error)

	HasBlob(ctx context.Context, hash string) (bool, error)
	PutBlob(ctx context.Context, hash string, data []byte) error
	GetBlob(ctx context.Context, hash string) ([]byte, error)

	// ListSnapshots returns snapshot ids, oldest first.
	ListSnapshots(ctx context.Context) ([]string, error)
	PutSnapshotManifest(ctx context.Context, id string, manifest []byte) error
	GetSnapshotManifest(ctx context.Context, id string) ([]byte, error)
}

type PullResult struct {
	Events []history.ChangeEvent `json:"events"`
	Next   *Cursor               `json:"next,omitempty"`
	// More is set by paginated transports when a further page is available.
	More bool `json:"more,omitempty"`
}

// Meta is written next to the remote history on first use.
type Meta struct {
	Version   int       `json:"version"`
	Provider  string    `json:"provider"`
	VaultID   string    `json:"vaultId"`
	CreatedAt time.Time `json:"createdAt"`
}

const MetaVersion = 1

// NamespaceKey derives a short file-name safe namespace from a provider kind
// and the parts that identify its location.
func NamespaceKey(kind string, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return kind + "-" + hex.EncodeToString(sum[:])[:12]
}

// LatestSnapshot returns the newest id in ListSnapshots order, or "".
func LatestSnapshot(ctx context.Context, p Provider) (string, error) {
	ids, err := p.ListSnapshots(ctx)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[len(ids)-1], nil
}
