package sync

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/openmined/minisync/internal/utils"
)

const decisionsFileName = "decisions.json"

// Strategy is how a conflicted path should be resolved.
type Strategy string

const (
	StrategyLocal       Strategy = "local"
	StrategyRemote      Strategy = "remote"
	StrategyManualMerge Strategy = "manual_merge"
)

var ErrUnknownStrategy = errors.New("unknown conflict strategy")

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyLocal, StrategyRemote, StrategyManualMerge:
		return Strategy(s), nil
	case "keep-local", "keep_local":
		return StrategyLocal, nil
	case "keep-remote", "keep_remote":
		return StrategyRemote, nil
	case "merge", "manual-merge":
		return StrategyManualMerge, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

type ConflictDecision struct {
	Path      string    `json:"path"`
	Strategy  Strategy  `json:"strategy"`
	DecidedAt time.Time `json:"decidedAt"`
}

type decisionsFile struct {
	Decisions map[string]ConflictDecision `json:"decisions"`
}

// DecisionStore keeps one user decision per conflicted path in
// conflicts/decisions.json. The latest Set wins.
type DecisionStore struct {
	path string
}

func NewDecisionStore(path string) *DecisionStore {
	return &DecisionStore{path: path}
}

func (d *DecisionStore) Get(path string) (ConflictDecision, bool, error) {
	all, err := d.load()
	if err != nil {
		return ConflictDecision{}, false, err
	}
	dec, ok := all[path]
	return dec, ok, nil
}

func (d *DecisionStore) Set(path string, strategy Strategy) (ConflictDecision, error) {
	all, err := d.load()
	if err != nil {
		return ConflictDecision{}, err
	}
	dec := ConflictDecision{Path: path, Strategy: strategy, DecidedAt: time.Now().UTC()}
	all[path] = dec
	return dec, d.save(all)
}

func (d *DecisionStore) Remove(path string) error {
	all, err := d.load()
	if err != nil {
		return err
	}
	if _, ok := all[path]; !ok {
		return nil
	}
	delete(all, path)
	return d.save(all)
}

// List returns all decisions sorted by path.
func (d *DecisionStore) List() ([]ConflictDecision, error) {
	all, err := d.load()
	if err != nil {
		return nil, err
	}
	out := make([]ConflictDecision, 0, len(all))
	for _, dec := range all {
		out = append(out, dec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (d *DecisionStore) load() (map[string]ConflictDecision, error) {
	data, err := os.ReadFile(d.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]ConflictDecision), nil
	} else if err != nil {
		return nil, fmt.Errorf("read decisions: %w", err)
	}

	var f decisionsFile
	if err := utils.JSONUnmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode decisions: %w", err)
	}
	if f.Decisions == nil {
		f.Decisions = make(map[string]ConflictDecision)
	}
	return f.Decisions, nil
}

func (d *DecisionStore) save(all map[string]ConflictDecision) error {
	data, err := utils.JSONMarshalIndent(decisionsFile{Decisions: all}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode decisions: %w", err)
	}
	return utils.WriteFileAtomic(d.path, data, 0o644)
}
