package history

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openmined/minisync/internal/utils"
)

const (
	DateLayout      = "2006-01-02"
	partitionSuffix = ".jsonl"
	maxLineSize     = 16 << 20
)

// Log is the append-only, day-partitioned local change log.
type Log struct {
	dir string
	mu  sync.Mutex
}

func NewLog(dir string) *Log {
	return &Log{dir: dir}
}

func (l *Log) Dir() string {
	return l.dir
}

func (l *Log) EnsureStructure() error {
	return utils.EnsureDir(l.dir)
}

// Append writes one event as a JSON line to the partition of its UTC day.
func (l *Log) Append(event ChangeEvent) error {
	return l.AppendAll([]ChangeEvent{event})
}

func (l *Log) AppendAll(events []ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.EnsureStructure(); err != nil {
		return fmt.Errorf("history dir: %w", err)
	}

	byDate := make(map[string]*bytes.Buffer)
	var order []string
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
		line, err := utils.JSONMarshal(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID, err)
		}
		d := e.PartitionDate()
		buf, ok := byDate[d]
		if !ok {
			buf = &bytes.Buffer{}
			byDate[d] = buf
			order = append(order, d)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	for _, d := range order {
		if err := appendFile(filepath.Join(l.dir, PartitionName(d)), byDate[d].Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// Replay returns every event in partition order. Malformed lines are skipped.
func (l *Log) Replay() ([]ChangeEvent, error) {
	partitions, err := l.Partitions()
	if err != nil {
		return nil, err
	}

	var events []ChangeEvent
	skipped := 0
	for _, p := range partitions {
		f, err := os.Open(filepath.Join(l.dir, p))
		if err != nil {
			return nil, fmt.Errorf("open partition %s: %w", p, err)
		}
		evs, n, err := DecodeEvents(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read partition %s: %w", p, err)
		}
		events = append(events, evs...)
		skipped += n
	}

	if skipped > 0 {
		slog.Debug("history replay skipped malformed lines", "count", skipped, "dir", l.dir)
	}
	return events, nil
}

// Partitions lists partition file names in chronological order.
func (l *Log) Partitions() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !IsPartitionName(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// PartitionName returns "YYYY-MM-DD.jsonl" for a date string.
func PartitionName(date string) string {
	return date + partitionSuffix
}

func PartitionNameFor(t time.Time) string {
	return PartitionName(t.UTC().Format(DateLayout))
}

// AppendPartitionName names the partition a writer appends to at t: the day of
// t, or the newest of the sorted existing partitions when that sorts later. A
// writer with a lagging clock must not append behind readers' cursors.
func AppendPartitionName(t time.Time, existing []string) string {
	name := PartitionNameFor(t)
	if n := len(existing); n > 0 && existing[n-1] > name {
		return existing[n-1]
	}
	return name
}

func IsPartitionName(name string) bool {
	if !strings.HasSuffix(name, partitionSuffix) {
		return false
	}
	_, err := time.Parse(DateLayout, strings.TrimSuffix(name, partitionSuffix))
	return err == nil
}

// DecodeEvents reads JSON lines, skipping blank lines and records that fail to
// parse or validate. It returns the events and the number of skipped records.
func DecodeEvents(r io.Reader) ([]ChangeEvent, int, error) {
	var events []ChangeEvent
	skipped := 0
	err := ScanLines(r, func(_ int, line []byte) {
		e, err := DecodeEvent(line)
		if err != nil {
			skipped++
			return
		}
		events = append(events, e)
	})
	return events, skipped, err
}

func DecodeEvent(line []byte) (ChangeEvent, error) {
	var e ChangeEvent
	if err := utils.JSONUnmarshal(line, &e); err != nil {
		return ChangeEvent{}, err
	}
	if err := e.Validate(); err != nil {
		return ChangeEvent{}, err
	}
	return e, nil
}

// ScanLines calls fn for every non-blank line with its zero-based index among
// non-blank lines. Providers use the index for cursors.
func ScanLines(r io.Reader, fn func(idx int, line []byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	idx := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		fn(idx, line)
		idx++
	}
	return sc.Err()
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	// a crash may have left a torn last line; start ours on a fresh one
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err == nil && last[0] != '\n' {
			data = append([]byte{'\n'}, data...)
		}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return f.Close()
}
