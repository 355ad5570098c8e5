package remote

import (
	"context"
	"log/slog"
	"time"

	"github.com/openmined/minisync/internal/history"
	"github.com/openmined/minisync/internal/retry"
)

// DefaultRetryPolicy retries transient remote failures five times with
// exponential backoff between 300ms and 6s, jittered by 20%.
func DefaultRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 5,
		BaseDelay:   300 * time.Millisecond,
		MaxDelay:    6 * time.Second,
		JitterRatio: 0.2,
		ShouldRetry: IsTransient,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			slog.Warn("remote retry", "attempt", attempt, "delay", delay, "error", err)
		},
	}
}

type retrying struct {
	p      Provider
	policy retry.Policy
}

// WithRetry wraps every call of p in retry.Do with the given policy.
func WithRetry(p Provider, policy retry.Policy) Provider {
	if r, ok := p.(*retrying); ok {
		p = r.p
	}
	return &retrying{p: p, policy: policy}
}

func (r *retrying) Namespace() string {
	return r.p.Namespace()
}

func (r *retrying) PushHistoryEvents(ctx context.Context, events []history.ChangeEvent) error {
	return retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.p.PushHistoryEvents(ctx, events)
	})
}

func (r *retrying) PullHistoryEvents(ctx context.Context, cursor *Cursor) (*PullResult, error) {
	return retry.DoValue(ctx, r.policy, func(ctx context.Context) (*PullResult, error) {
		return r.p.PullHistoryEvents(ctx, cursor)
	})
}

func (r *retrying) HasBlob(ctx context.Context, hash string) (bool, error) {
	return retry.DoValue(ctx, r.policy, func(ctx context.Context) (bool, error) {
		return r.p.HasBlob(ctx, hash)
	})
}

func (r *retrying) PutBlob(ctx context.Context, hash string, data []byte) error {
	return retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.p.PutBlob(ctx, hash, data)
	})
}

func (r *retrying) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	return retry.DoValue(ctx, r.policy, func(ctx context.Context) ([]byte, error) {
		return r.p.GetBlob(ctx, hash)
	})
}

func (r *retrying) ListSnapshots(ctx context.Context) ([]string, error) {
	return retry.DoValue(ctx, r.policy, func(ctx context.Context) ([]string, error) {
		return r.p.ListSnapshots(ctx)
	})
}

func (r *retrying) PutSnapshotManifest(ctx context.Context, id string, manifest []byte) error {
	return retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.p.PutSnapshotManifest(ctx, id, manifest)
	})
}

func (r *retrying) GetSnapshotManifest(ctx context.Context, id string) ([]byte, error) {
	return retry.DoValue(ctx, r.policy, func(ctx context.Context) ([]byte, error) {
		return r.p.GetSnapshotManifest(ctx, id)
	})
}
