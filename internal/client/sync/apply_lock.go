package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/openmined/minisync/internal/hasher"
	"github.com/openmined/minisync/internal/utils"
	"github.com/openmined/minisync/internal/vault"
)

const (
	applyLockFile      = "applying.lock"
	applyReleasedFile  = "applying.released"
	expectedWritesFile = "expected-writes.json"

	DefaultApplyCooldown = 1500 * time.Millisecond
	DefaultExpectTTL     = 10 * time.Second
	// a lock older than this was left behind by a crashed pass
	defaultStaleAfter = 2 * time.Minute
)

type expectedWrite struct {
	Path      string      `json:"path"`
	Hash      hasher.Hash `json:"hash"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// ApplyLock marks the window in which the engine writes remote-derived
// content into the vault, so the watcher does not mistake those writes for
// user edits.
type ApplyLock struct {
	lockPath     string
	releasedPath string
	expectPath   string

	Cooldown   time.Duration
	ExpectTTL  time.Duration
	StaleAfter time.Duration

	mu sync.Mutex
}

func NewApplyLock(v *vault.Vault) *ApplyLock {
	return &ApplyLock{
		lockPath:     v.StatePath(applyLockFile),
		releasedPath: v.StatePath(applyReleasedFile),
		expectPath:   v.StatePath(expectedWritesFile),
		Cooldown:     DefaultApplyCooldown,
		ExpectTTL:    DefaultExpectTTL,
		StaleAfter:   defaultStaleAfter,
	}
}

func (l *ApplyLock) Acquire() error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := utils.WriteFileAtomic(l.lockPath, []byte(now), 0o644); err != nil {
		return fmt.Errorf("acquire apply lock: %w", err)
	}
	return nil
}

func (l *ApplyLock) Release() error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := utils.WriteFileAtomic(l.releasedPath, []byte(now), 0o644); err != nil {
		return fmt.Errorf("record apply release: %w", err)
	}
	if err := os.Remove(l.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release apply lock: %w", err)
	}
	return nil
}

// IsActive reports whether an apply is in progress or finished less than
// Cooldown ago.
func (l *ApplyLock) IsActive(now time.Time) bool {
	if at, ok := readStamp(l.lockPath); ok {
		if now.Sub(at) < l.StaleAfter {
			return true
		}
	} else if utils.FileExists(l.lockPath) {
		// present but unreadable: mid-write
		return true
	}

	if at, ok := readStamp(l.releasedPath); ok {
		return now.Sub(at) < l.Cooldown
	}
	return false
}

// Recover clears a lock left behind by a pass that died mid-apply.
func (l *ApplyLock) Recover() error {
	if !utils.FileExists(l.lockPath) {
		return nil
	}
	at, _ := readStamp(l.lockPath)
	slog.Warn("apply lock recovered", "acquiredAt", at)
	return l.Release()
}

// Expect records that the engine is about to write hash at path.
func (l *ApplyLock) Expect(path string, hash hasher.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	writes := l.liveExpectations(now)
	writes = append(writes, expectedWrite{Path: path, Hash: hash, ExpiresAt: now.Add(l.ExpectTTL)})

	data, err := utils.JSONMarshal(writes)
	if err != nil {
		return fmt.Errorf("encode expected writes: %w", err)
	}
	return utils.WriteFileAtomic(l.expectPath, data, 0o644)
}

// IsExpected reports whether a write of hash at path was announced by Expect
// and has not expired. Expectations are not consumed: editors and the OS may
// report the same write more than once.
func (l *ApplyLock) IsExpected(path string, hash hasher.Hash, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, w := range l.liveExpectations(now) {
		if w.Path == path && w.Hash.Equal(hash) {
			return true
		}
	}
	return false
}

func (l *ApplyLock) liveExpectations(now time.Time) []expectedWrite {
	data, err := os.ReadFile(l.expectPath)
	if err != nil {
		return nil
	}
	var writes []expectedWrite
	if err := utils.JSONUnmarshal(data, &writes); err != nil {
		slog.Debug("expected writes unreadable", "error", err)
		return nil
	}
	live := writes[:0]
	for _, w := range writes {
		if now.Before(w.ExpiresAt) {
			live = append(live, w)
		}
	}
	return live
}

func readStamp(path string) (time.Time, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
