package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/minisync/internal/blob"
	"github.com/openmined/minisync/internal/hasher"
	"github.com/openmined/minisync/internal/history"
	"github.com/openmined/minisync/internal/remote"
	"github.com/openmined/minisync/internal/retry"
	"github.com/openmined/minisync/internal/snapshot"
	"github.com/openmined/minisync/internal/utils"
	"github.com/openmined/minisync/internal/vault"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoConflict    = errors.New("path is not in conflict")
	errAwaitingMerge = errors.New("awaiting manual merge")
)

type Options struct {
	// VaultID names the vault in published snapshots.
	VaultID string
	// Device is stamped on local events.
	Device string
	// ScanBeforeSync records edits made while no watcher was running.
	ScanBeforeSync bool
	// DisableSnapshots skips publishing a manifest after a push.
	DisableSnapshots bool
	// RetryPolicy wraps every provider call. Defaults to remote.DefaultRetryPolicy.
	RetryPolicy *retry.Policy
}

// Summary reports what one pass did.
type Summary struct {
	Bootstrapped    int           `json:"bootstrapped"`
	Recorded        int           `json:"recorded"`
	Pulled          int           `json:"pulled"`
	Applied         int           `json:"applied"`
	Pushed          int           `json:"pushed"`
	Skipped         int           `json:"skipped"`
	ConflictsBefore int           `json:"conflictsBefore"`
	ConflictsAfter  int           `json:"conflictsAfter"`
	Resolved        []string      `json:"resolved,omitempty"`
	Unresolved      []string      `json:"unresolved,omitempty"`
	Blocked         []string      `json:"blocked,omitempty"`
	CursorBefore    string        `json:"cursorBefore,omitempty"`
	CursorAfter     string        `json:"cursorAfter,omitempty"`
	SnapshotID      string        `json:"snapshotId,omitempty"`
	StartedAt       time.Time     `json:"startedAt"`
	Duration        time.Duration `json:"duration"`
}

func (s *Summary) HasChanges() bool {
	return s.Bootstrapped > 0 || s.Recorded > 0 || s.Pulled > 0 || s.Applied > 0 || s.Pushed > 0 || len(s.Resolved) > 0
}

// Service runs sync passes for one vault against one remote.
type Service struct {
	vault     *vault.Vault
	provider  remote.Provider
	opts      Options
	blobs     *blob.Store
	log       *history.Log
	states    *StateStore
	decisions *DecisionStore
	cursors   *CursorStore
	lock      *ApplyLock
	ignore    *IgnoreList
	recorder  *Recorder
	scanner   *Scanner
	applier   *Applier
	snapshots *snapshot.Service
	now       func() time.Time
}

func NewService(v *vault.Vault, p remote.Provider, opts Options) (*Service, error) {
	if v == nil {
		return nil, errors.New("vault is required")
	}
	if p == nil {
		return nil, errors.New("remote provider is required")
	}
	if opts.Device == "" {
		opts.Device = DeviceID()
	}
	policy := remote.DefaultRetryPolicy()
	if opts.RetryPolicy != nil {
		policy = *opts.RetryPolicy
	}
	p = remote.WithRetry(p, policy)

	blobs := blob.NewStore(v.BlobsDir)
	log := history.NewLog(v.HistoryDir)
	ignore := NewIgnoreList(v.Root)
	ignore.Load()
	lock := NewApplyLock(v)
	recorder := NewRecorder(v, log, blobs, opts.Device)

	return &Service{
		vault:     v,
		provider:  p,
		opts:      opts,
		blobs:     blobs,
		log:       log,
		states:    NewStateStore(v.StatePath(stateFileName)),
		decisions: NewDecisionStore(filepath.Join(v.ConflictsDir, decisionsFileName)),
		cursors:   NewCursorStore(v.StateDir),
		lock:      lock,
		ignore:    ignore,
		recorder:  recorder,
		scanner:   NewScanner(v, ignore, recorder),
		applier:   NewApplier(v, lock, blobs, recorder, p),
		snapshots: snapshot.NewService(v, opts.VaultID, blobs, ignore.Match),
		now:       time.Now,
	}, nil
}

func (s *Service) Vault() *vault.Vault          { return s.vault }
func (s *Service) Provider() remote.Provider    { return s.provider }
func (s *Service) Recorder() *Recorder          { return s.recorder }
func (s *Service) Ignore() *IgnoreList          { return s.ignore }
func (s *Service) ApplyLock() *ApplyLock        { return s.lock }
func (s *Service) Decisions() *DecisionStore    { return s.decisions }
func (s *Service) Snapshots() *snapshot.Service { return s.snapshots }

// ContentReader returns a reader for the local, base and remote bodies of a path.
func (s *Service) ContentReader() *ContentReader {
	return NewContentReader(s.vault, s.log, s.blobs, s.states, s.provider)
}

// pass holds what one SyncOnce learned, so the full remote history is pulled
// at most once for conflict resolution and apply.
type pass struct {
	summary    *Summary
	fullLatest map[string]history.ChangeEvent
}

// SyncOnce runs one pass: bootstrap, local observation, pull, conflict
// resolution, apply, cursor commit, push and snapshot publish, in that order.
// A conflicted path with no decision stays blocked unless strategy is set.
func (s *Service) SyncOnce(ctx context.Context, strategy Strategy) (*Summary, error) {
	sum := &Summary{StartedAt: s.now().UTC()}
	tStart := time.Now()

	if err := s.vault.Setup(); err != nil {
		return nil, err
	}
	if err := s.vault.Lock(); err != nil {
		return nil, err
	}
	defer s.vault.Unlock()

	if err := s.lock.Recover(); err != nil {
		return nil, err
	}
	s.ignore.Load()
	ps := &pass{summary: sum}

	if err := s.bootstrap(ctx, sum); err != nil {
		return sum, fmt.Errorf("bootstrap: %w", err)
	}

	if err := s.observeLocal(ctx, sum); err != nil {
		return sum, fmt.Errorf("local observation: %w", err)
	}

	ns := s.provider.Namespace()
	cursor, err := s.cursors.Load(ns)
	if err != nil {
		return sum, err
	}
	sum.CursorBefore = cursorValue(cursor)

	batch, next, err := s.pullAll(ctx, cursor)
	if err != nil {
		return sum, fmt.Errorf("pull: %w", err)
	}
	batchLatest, err := s.observeRemote(batch, sum)
	if err != nil {
		return sum, fmt.Errorf("remote observation: %w", err)
	}

	resolved, err := s.resolveConflicts(ctx, ps, strategy)
	if err != nil {
		return sum, fmt.Errorf("resolve: %w", err)
	}

	if err := s.applyRemote(ctx, ps, batchLatest, resolved); err != nil {
		return sum, fmt.Errorf("apply: %w", err)
	}

	if err := s.cursors.Save(ns, next); err != nil {
		return sum, err
	}
	sum.CursorAfter = cursorValue(next)
	if sum.CursorAfter == "" {
		sum.CursorAfter = sum.CursorBefore
	}

	if err := s.push(ctx, sum); err != nil {
		return sum, fmt.Errorf("push: %w", err)
	}

	if sum.Pushed > 0 && !s.opts.DisableSnapshots {
		id, err := s.publishSnapshot(ctx)
		if err != nil {
			return sum, fmt.Errorf("snapshot: %w", err)
		}
		sum.SnapshotID = id
	}

	if err := s.finish(sum); err != nil {
		return sum, err
	}
	sum.Duration = time.Since(tStart)

	if sum.HasChanges() || sum.ConflictsAfter > 0 {
		slog.Info("sync",
			"pulled", sum.Pulled,
			"applied", sum.Applied,
			"pushed", sum.Pushed,
			"recorded", sum.Recorded,
			"skipped", sum.Skipped,
			"conflictsBefore", sum.ConflictsBefore,
			"conflictsAfter", sum.ConflictsAfter,
			"cursor", sum.CursorAfter,
			"tsTotal", sum.Duration,
		)
	}
	return sum, nil
}

// bootstrap materializes the latest remote snapshot into a vault that has
// neither user files nor history.
func (s *Service) bootstrap(ctx context.Context, sum *Summary) error {
	empty, err := s.vault.IsEmpty()
	if err != nil || !empty {
		return err
	}
	parts, err := s.log.Partitions()
	if err != nil || len(parts) > 0 {
		return err
	}

	id, err := remote.LatestSnapshot(ctx, s.provider)
	if err != nil || id == "" {
		return err
	}
	m, err := snapshot.Fetch(ctx, s.provider, id)
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	locked := false
	defer func() {
		if locked {
			if err := s.lock.Release(); err != nil {
				slog.Warn("apply lock release", "error", err)
			}
		}
	}()

	patches := make(map[string]StatePatch)
	write := func(f snapshot.FileEntry, data []byte) error {
		rel := vault.NormPath(f.Path)
		if s.ignore.ShouldIgnore(rel) {
			return fmt.Errorf("ignored path %s", rel)
		}
		if !locked {
			if err := s.lock.Acquire(); err != nil {
				return err
			}
			locked = true
		}

		abs := s.vault.AbsPath(rel)
		if err := s.lock.Expect(rel, hasher.HashBytes(data)); err != nil {
			slog.Warn("expect write", "path", rel, "error", err)
		}
		if err := utils.WriteFileAtomic(abs, data, 0o644); err != nil {
			return err
		}
		h, err := hasher.HashFile(abs)
		if err != nil {
			return err
		}

		e := history.NewEvent(history.Change{
			Path:  rel,
			Type:  history.ChangeCreated,
			Hash:  h,
			Size:  int64(len(data)),
			Mtime: f.Mtime,
		}, history.OriginRemote)
		if f.InlineText != nil {
			e.Content = history.InlineContent(*f.InlineText)
		} else {
			e.Content = history.BlobContent(h)
		}
		if err := s.recorder.Append(e.Applied(s.now())); err != nil {
			return err
		}
		patches[rel] = Converged(h)
		return nil
	}

	written, skipped, err := snapshot.Materialize(ctx, m, s.blobs, s.provider, write)
	if err != nil {
		return err
	}
	sum.Bootstrapped = written
	sum.Skipped += skipped
	slog.Info("bootstrap", "snapshot", id, "written", written, "skipped", skipped)
	return s.states.UpsertMany(patches)
}

// observeLocal sets lastLocalHash from the latest logged event per path.
func (s *Service) observeLocal(ctx context.Context, sum *Summary) error {
	if s.opts.ScanBeforeSync {
		res, err := s.scanner.Scan(ctx)
		if err != nil {
			return err
		}
		sum.Recorded += len(res.Recorded)
		sum.Skipped += res.Skipped
	}

	latest, err := s.recorder.Latest()
	if err != nil {
		return err
	}
	states, err := s.states.LoadAll()
	if err != nil {
		return err
	}

	patches := make(map[string]StatePatch)
	for p, e := range latest {
		if s.ignore.ShouldIgnore(p) {
			continue
		}
		h := e.ResultHash()
		st, ok := states[p]
		if (!ok && h.IsZero()) || (ok && st.LastLocalHash.Equal(h)) {
			continue
		}
		patches[p] = StatePatch{Local: HashPtr(h)}
	}
	return s.states.UpsertMany(patches)
}

// observeRemote sets lastRemoteHash from the latest pulled event per path.
// Events already in the local log are our own pushes coming back and are
// not counted as pulled.
func (s *Service) observeRemote(batch []history.ChangeEvent, sum *Summary) (map[string]history.ChangeEvent, error) {
	for _, e := range batch {
		echo, err := s.recorder.HasID(e.ID)
		if err != nil {
			return nil, err
		}
		if !echo {
			sum.Pulled++
		}
	}

	latest := history.LatestByPath(batch)
	patches := make(map[string]StatePatch)
	for p, e := range latest {
		if s.ignore.ShouldIgnore(p) {
			delete(latest, p)
			continue
		}
		patches[p] = StatePatch{Remote: HashPtr(e.ResultHash())}
	}
	return latest, s.states.UpsertMany(patches)
}

func (s *Service) resolveConflicts(ctx context.Context, ps *pass, strategy Strategy) (map[string]bool, error) {
	states, err := s.states.LoadAll()
	if err != nil {
		return nil, err
	}
	_, conflicts := CompareAllStates(states)
	ps.summary.ConflictsBefore = len(conflicts)

	resolved := make(map[string]bool)
	for _, c := range conflicts {
		strat := strategy
		dec, ok, err := s.decisions.Get(c.Path)
		if err != nil {
			return nil, err
		}
		if ok {
			strat = dec.Strategy
		}
		if strat == "" {
			ps.summary.Unresolved = append(ps.summary.Unresolved, c.Path)
			continue
		}
		if _, err := s.decisions.Set(c.Path, strat); err != nil {
			return nil, err
		}

		switch strat {
		case StrategyLocal:
			err = s.resolveKeepLocal(ctx, ps, c)
		case StrategyRemote:
			err = s.resolveKeepRemote(ctx, ps, c)
		case StrategyManualMerge:
			err = errAwaitingMerge
		default:
			err = fmt.Errorf("%w: %q", ErrUnknownStrategy, strat)
		}
		if err != nil {
			if isPassFatal(ctx, err) {
				return nil, err
			}
			slog.Info("conflict unresolved", "path", c.Path, "type", c.Type, "strategy", strat, "reason", err)
			ps.summary.Unresolved = append(ps.summary.Unresolved, c.Path)
			continue
		}
		slog.Info("conflict resolved", "path", c.Path, "type", c.Type, "strategy", strat)
		resolved[c.Path] = true
		ps.summary.Resolved = append(ps.summary.Resolved, c.Path)
	}
	return resolved, nil
}

// applyRemote writes remote changes for paths that are not conflicted. The
// event is taken from this pass's batch, or from the full history when the
// batch no longer holds it, for example after content was unavailable last time.
func (s *Service) applyRemote(ctx context.Context, ps *pass, batchLatest map[string]history.ChangeEvent, resolved map[string]bool) error {
	states, err := s.states.LoadAll()
	if err != nil {
		return err
	}
	comparisons, _ := CompareAllStates(states)

	var events []history.ChangeEvent
	for _, cmp := range comparisons {
		if cmp.Status != StatusRemoteChanged && cmp.Status != StatusRemoteOnly {
			continue
		}
		if resolved[cmp.Path] || s.ignore.ShouldIgnore(cmp.Path) {
			continue
		}

		want := cmp.State.LastRemoteHash
		src, ok := batchLatest[cmp.Path]
		if !ok || !src.ResultHash().Equal(want) {
			full, err := s.fullLatest(ctx, ps)
			if err != nil {
				return err
			}
			src, ok = full[cmp.Path]
		}
		if !ok || !src.ResultHash().Equal(want) {
			slog.Warn("apply skipped", "path", cmp.Path, "reason", "no remote event for state")
			ps.summary.Skipped++
			continue
		}
		events = append(events, src)
	}
	if len(events) == 0 {
		return nil
	}

	results, err := s.applier.Apply(ctx, events)
	if err != nil {
		return err
	}

	patches := make(map[string]StatePatch)
	for _, r := range results {
		path := r.Event.Change.Path
		if r.Err != nil {
			if isPassFatal(ctx, r.Err) {
				return r.Err
			}
			slog.Warn("apply skipped", "path", path, "error", r.Err)
			ps.summary.Skipped++
			continue
		}
		ps.summary.Applied++
		patch, err := s.appliedPatch(ctx, ps, r)
		if err != nil {
			return err
		}
		patches[path] = patch
	}
	return s.states.UpsertMany(patches)
}

// appliedPatch converges all three hashes to what was written. When the bytes
// on disk differ from the declared hash, the local event recorded for them is
// pushed first; if that push fails the path stays local_changed so the regular
// push retries it.
func (s *Service) appliedPatch(ctx context.Context, ps *pass, r ApplyResult) (StatePatch, error) {
	switch {
	case r.Event.IsDelete():
		return Converged(hasher.Hash{}), nil
	case !r.Mismatch():
		return Converged(r.Written), nil
	}

	declared := r.Event.Change.Hash
	pending := StatePatch{Synced: HashPtr(declared), Remote: HashPtr(declared), Local: HashPtr(r.Written)}
	pushed, skipped, err := s.pushEvents(ctx, []history.ChangeEvent{*r.Local})
	ps.summary.Skipped += skipped
	if err != nil {
		if isPassFatal(ctx, err) {
			return StatePatch{}, err
		}
		slog.Warn("push corrected content", "path", r.Event.Change.Path, "error", err)
		return pending, nil
	}
	if len(pushed) == 0 {
		return pending, nil
	}
	ps.summary.Pushed += len(pushed)
	return Converged(r.Written), nil
}

// push sends local events the remote has not seen, for paths that changed
// locally and are not blocked by a conflict.
func (s *Service) push(ctx context.Context, sum *Summary) error {
	states, err := s.states.LoadAll()
	if err != nil {
		return err
	}
	comparisons, _ := CompareAllStates(states)
	status := make(map[string]Status, len(comparisons))
	blocked := mapset.NewThreadUnsafeSet[string]()
	for _, cmp := range comparisons {
		status[cmp.Path] = cmp.Status
		if cmp.Status == StatusConflict {
			blocked.Add(cmp.Path)
		}
	}

	full, _, err := s.pullAll(ctx, nil)
	if err != nil {
		return err
	}
	remoteIDs := mapset.NewThreadUnsafeSetWithSize[string](len(full))
	remoteSigs := mapset.NewThreadUnsafeSetWithSize[string](len(full))
	for _, e := range full {
		remoteIDs.Add(e.ID)
		remoteSigs.Add(e.Signature())
	}

	events, err := s.log.Replay()
	if err != nil {
		return err
	}
	pending := PendingLocalEvents(events, remoteIDs, remoteSigs)

	var out []history.ChangeEvent
	for _, e := range pending {
		p := e.Change.Path
		if blocked.Contains(p) || s.ignore.ShouldIgnore(p) {
			continue
		}
		if st := status[p]; st != StatusLocalChanged && st != StatusLocalOnly {
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil
	}

	out, skipped, err := s.pushEvents(ctx, out)
	sum.Skipped += skipped
	if err != nil {
		return err
	}
	sum.Pushed += len(out)

	patches := make(map[string]StatePatch)
	for p, e := range history.LatestByPath(out) {
		h := e.ResultHash()
		patches[p] = StatePatch{Synced: HashPtr(h), Remote: HashPtr(h)}
	}
	return s.states.UpsertMany(patches)
}

// PendingLocalEvents returns, in log order, the local events that come after
// the last event per path the remote already knows: a remote-origin record, an
// id the remote has, or a change with the same signature.
func PendingLocalEvents(events []history.ChangeEvent, remoteIDs, remoteSigs mapset.Set[string]) []history.ChangeEvent {
	pendingIDs := make(map[string][]string)
	for _, e := range events {
		p := e.Change.Path
		if e.Origin != history.OriginLocal || remoteIDs.Contains(e.ID) || remoteSigs.Contains(e.Signature()) {
			delete(pendingIDs, p)
			continue
		}
		pendingIDs[p] = append(pendingIDs[p], e.ID)
	}

	keep := make(map[string]struct{})
	for _, ids := range pendingIDs {
		for _, id := range ids {
			keep[id] = struct{}{}
		}
	}
	var out []history.ChangeEvent
	for _, e := range events {
		if _, ok := keep[e.ID]; ok {
			out = append(out, e)
			delete(keep, e.ID)
		}
	}
	return out
}

// pushEvents uploads referenced blobs and then the events. Paths whose blob is
// missing locally are held back and counted as skipped.
func (s *Service) pushEvents(ctx context.Context, events []history.ChangeEvent) ([]history.ChangeEvent, int, error) {
	missing := make(map[string]bool)
	refs := mapset.NewThreadUnsafeSet[string]()
	for _, e := range events {
		if !e.Content.IsBlob() {
			continue
		}
		if !s.blobs.Has(e.Content.BlobRef) {
			slog.Warn("push skipped", "path", e.Change.Path, "reason", "blob missing locally", "blob", e.Content.BlobRef)
			missing[e.Change.Path] = true
			continue
		}
		refs.Add(e.Content.BlobRef)
	}

	skipped := 0
	if len(missing) > 0 {
		kept := events[:0:0]
		for _, e := range events {
			if missing[e.Change.Path] {
				continue
			}
			kept = append(kept, e)
		}
		skipped = len(missing)
		events = kept
	}
	if len(events) == 0 {
		return nil, skipped, nil
	}

	if err := s.uploadBlobs(ctx, refs.ToSlice()); err != nil {
		return nil, skipped, err
	}
	if err := s.provider.PushHistoryEvents(ctx, events); err != nil {
		return nil, skipped, err
	}
	for _, e := range events {
		slog.Debug("pushed", "path", e.Change.Path, "type", e.Change.Type, "id", e.ID)
	}
	return events, skipped, nil
}

func (s *Service) uploadBlobs(ctx context.Context, refs []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferConcurrency)
	for _, ref := range refs {
		g.Go(func() error {
			ok, err := s.provider.HasBlob(gctx, ref)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			data, err := s.blobs.Get(ref)
			if err != nil {
				return err
			}
			return s.provider.PutBlob(gctx, ref, data)
		})
	}
	return g.Wait()
}

func (s *Service) publishSnapshot(ctx context.Context) (string, error) {
	m, err := s.snapshots.Create(ctx)
	if err != nil {
		return "", err
	}
	if err := s.snapshots.Publish(ctx, s.provider, m); err != nil {
		return "", err
	}
	return m.ID, nil
}

// PublishSnapshot creates a manifest of the vault as it is on disk and
// uploads it with its blobs.
func (s *Service) PublishSnapshot(ctx context.Context) (string, error) {
	if err := s.vault.Setup(); err != nil {
		return "", err
	}
	if err := s.vault.Lock(); err != nil {
		return "", err
	}
	defer s.vault.Unlock()
	s.ignore.Load()
	return s.publishSnapshot(ctx)
}

func (s *Service) finish(sum *Summary) error {
	states, err := s.states.LoadAll()
	if err != nil {
		return err
	}
	_, conflicts := CompareAllStates(states)
	sum.ConflictsAfter = len(conflicts)
	sum.Blocked = nil
	for _, c := range conflicts {
		sum.Blocked = append(sum.Blocked, c.Path)
	}
	return nil
}

// pullAll follows a paginated pull to the end of the remote history.
func (s *Service) pullAll(ctx context.Context, cursor *remote.Cursor) ([]history.ChangeEvent, *remote.Cursor, error) {
	var events []history.ChangeEvent
	next := cursor
	for {
		res, err := s.provider.PullHistoryEvents(ctx, next)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, res.Events...)

		advanced := res.Next != nil && (next == nil || res.Next.Value != next.Value)
		if res.Next != nil {
			next = res.Next
		}
		if !res.More || !advanced {
			break
		}
	}
	return events, next, nil
}

func (s *Service) fullLatest(ctx context.Context, ps *pass) (map[string]history.ChangeEvent, error) {
	if ps.fullLatest != nil {
		return ps.fullLatest, nil
	}
	full, _, err := s.pullAll(ctx, nil)
	if err != nil {
		return nil, err
	}
	ps.fullLatest = history.LatestByPath(full)
	return ps.fullLatest, nil
}

// Resolve records how a conflicted path should be resolved on the next pass.
func (s *Service) Resolve(path string, strategy Strategy) (ConflictDecision, error) {
	return s.decisions.Set(vault.NormPath(path), strategy)
}

// Status is the read model: every tracked path with its diff verdict.
func (s *Service) Status() ([]Comparison, []Conflict, error) {
	states, err := s.states.LoadAll()
	if err != nil {
		return nil, nil, err
	}
	comparisons, conflicts := CompareAllStates(states)
	return comparisons, conflicts, nil
}

// SubmitMerge writes caller-merged content for a conflicted path as a new
// local edit based on the remote side, so the next pass pushes it.
func (s *Service) SubmitMerge(ctx context.Context, path string, content []byte) (FileSyncState, error) {
	if err := ctx.Err(); err != nil {
		return FileSyncState{}, err
	}
	if err := s.vault.Setup(); err != nil {
		return FileSyncState{}, err
	}
	if err := s.vault.Lock(); err != nil {
		return FileSyncState{}, err
	}
	defer s.vault.Unlock()

	rel := vault.NormPath(path)
	st, ok, err := s.states.Get(rel)
	if err != nil {
		return FileSyncState{}, err
	}
	if !ok || CompareFileState(st).Status != StatusConflict {
		return FileSyncState{}, fmt.Errorf("%w: %s", ErrNoConflict, rel)
	}

	if err := s.lock.Acquire(); err != nil {
		return FileSyncState{}, err
	}
	e, werr := s.writeLocalLocked(rel, content)
	if err := s.lock.Release(); err != nil {
		slog.Warn("apply lock release", "error", err)
	}
	if werr != nil {
		return FileSyncState{}, werr
	}

	merged, err := s.states.Upsert(rel, StatePatch{
		Synced: HashPtr(st.LastRemoteHash),
		Local:  HashPtr(e.Change.Hash),
	})
	if err != nil {
		return FileSyncState{}, err
	}
	if err := s.decisions.Remove(rel); err != nil {
		return merged, err
	}
	slog.Info("merge submitted", "path", rel, "hash", e.Change.Hash.Short())
	return merged, nil
}

// writeLocalLocked writes content as a local edit. The apply lock must be held.
func (s *Service) writeLocalLocked(rel string, content []byte) (history.ChangeEvent, error) {
	abs := s.vault.AbsPath(rel)
	if err := s.lock.Expect(rel, hasher.HashBytes(content)); err != nil {
		slog.Warn("expect write", "path", rel, "error", err)
	}
	if err := utils.WriteFileAtomic(abs, content, 0o644); err != nil {
		return history.ChangeEvent{}, &hasher.IOError{Path: abs, Err: err}
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return history.ChangeEvent{}, &hasher.IOError{Path: abs, Err: err}
	}
	return s.recorder.Record(rel, history.ChangeModified, data)
}

// isPassFatal separates errors that end the pass from per-path failures that
// are retried next pass.
func isPassFatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, remote.ErrAuth) {
		return true
	}
	if errors.Is(err, ErrContentUnavailable) || errors.Is(err, errAwaitingMerge) {
		return false
	}
	var hashErr *hasher.IOError
	if errors.As(err, &hashErr) {
		return false
	}
	var re *remote.Error
	if errors.As(err, &re) {
		return re.Kind != remote.KindNotFound
	}
	return false
}

func cursorValue(c *remote.Cursor) string {
	if c == nil {
		return ""
	}
	return c.Value
}
