package sync

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/openmined/minisync/internal/history"
	"github.com/openmined/minisync/internal/vault"
)

type ScanResult struct {
	Recorded []history.ChangeEvent
	Skipped  int
}

// Scanner finds edits made while no watcher was running by comparing every
// file in the vault with the latest logged event for its path.
type Scanner struct {
	vault    *vault.Vault
	ignore   *IgnoreList
	recorder *Recorder
}

func NewScanner(v *vault.Vault, ignore *IgnoreList, recorder *Recorder) *Scanner {
	return &Scanner{vault: v, ignore: ignore, recorder: recorder}
}

func (s *Scanner) Scan(ctx context.Context) (*ScanResult, error) {
	res := &ScanResult{}
	seen := make(map[string]struct{})

	observe := func(rel string) {
		e, err := s.recorder.Observe(rel)
		if err != nil {
			slog.Warn("scan skipped file", "path", rel, "error", err)
			res.Skipped++
			return
		}
		if e != nil {
			res.Recorded = append(res.Recorded, *e)
		}
	}

	err := filepath.WalkDir(s.vault.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			slog.Warn("scan walk", "path", path, "error", walkErr)
			res.Skipped++
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == s.vault.Root {
			return nil
		}

		rel, err := s.vault.RelPath(path)
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if s.ignore.ShouldIgnoreDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.ignore.ShouldIgnore(rel) {
			return nil
		}

		seen[rel] = struct{}{}
		observe(rel)
		return nil
	})
	if err != nil {
		return res, err
	}

	latest, err := s.recorder.Latest()
	if err != nil {
		return res, err
	}
	var gone []string
	for p, e := range latest {
		if _, ok := seen[p]; ok || e.IsDelete() || s.ignore.ShouldIgnore(p) {
			continue
		}
		gone = append(gone, p)
	}
	sort.Strings(gone)
	for _, p := range gone {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		observe(p)
	}

	if len(res.Recorded) > 0 {
		slog.Info("scan", "recorded", len(res.Recorded), "skipped", res.Skipped)
	}
	return res, nil
}
