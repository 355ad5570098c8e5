package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/openmined/minisync/internal/hasher"
	"github.com/openmined/minisync/internal/history"
)

// resolveKeepLocal makes the local side win: the local content (or deletion)
// is recorded as a fresh event, pushed, and all three hashes converge to it.
func (s *Service) resolveKeepLocal(ctx context.Context, ps *pass, c Conflict) error {
	var e history.ChangeEvent
	var err error

	switch c.Type {
	case ConflictDeletedModified:
		e, err = s.recorder.Record(c.Path, history.ChangeDeleted, nil)
	default:
		abs := s.vault.AbsPath(c.Path)
		data, rerr := os.ReadFile(abs)
		if errors.Is(rerr, fs.ErrNotExist) {
			return fmt.Errorf("%w: local file %s is gone", ErrContentUnavailable, c.Path)
		} else if rerr != nil {
			return &hasher.IOError{Path: abs, Err: rerr}
		}
		e, err = s.recorder.Record(c.Path, history.ChangeModified, data)
	}
	if err != nil {
		return err
	}

	pushed, _, err := s.pushEvents(ctx, []history.ChangeEvent{e})
	if err != nil {
		return err
	}
	if len(pushed) == 0 {
		return fmt.Errorf("%w: blob for %s missing locally", ErrContentUnavailable, c.Path)
	}
	ps.summary.Pushed += len(pushed)

	_, err = s.states.Upsert(c.Path, Converged(e.ResultHash()))
	return err
}

// resolveKeepRemote makes the remote side win using the latest event for the
// path in the full remote history. The bytes actually written decide the
// converged hash.
func (s *Service) resolveKeepRemote(ctx context.Context, ps *pass, c Conflict) error {
	full, err := s.fullLatest(ctx, ps)
	if err != nil {
		return err
	}
	src, ok := full[c.Path]
	if !ok {
		return fmt.Errorf("%w: no remote event for %s", ErrContentUnavailable, c.Path)
	}

	results, err := s.applier.Apply(ctx, []history.ChangeEvent{src})
	if err != nil {
		return err
	}
	r := results[0]
	if r.Err != nil {
		return r.Err
	}

	patch, err := s.appliedPatch(ctx, ps, r)
	if err != nil {
		return err
	}
	_, err = s.states.Upsert(c.Path, patch)
	return err
}
