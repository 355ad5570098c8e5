package remote

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/openmined/minisync/internal/history"
)

// Cursor is an opaque position in the remote history. Providers in this
// module encode it as "YYYY-MM-DD:<line>", the last consumed line of a day
// partition.
type Cursor struct {
	Value string `json:"value"`
}

func NewCursor(date string, line int) *Cursor {
	return &Cursor{Value: fmt.Sprintf("%s:%d", date, line)}
}

// ParseCursor splits a cursor into its partition date and line. ok is false
// for a nil or malformed cursor, which callers treat as "from the beginning".
func ParseCursor(c *Cursor) (date string, line int, ok bool) {
	if c == nil || c.Value == "" {
		return "", 0, false
	}
	d, l, found := strings.Cut(c.Value, ":")
	if !found {
		return "", 0, false
	}
	if _, err := time.Parse(history.DateLayout, d); err != nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(l)
	if err != nil || n < -1 {
		return "", 0, false
	}
	return d, n, true
}

// OpenPartition opens a day partition by file name.
type OpenPartition func(ctx context.Context, name string) (io.ReadCloser, error)

// ReadPartitions reads events after cursor from the given partition names
// (sorted ascending). A limit > 0 stops after that many lines and sets More.
// Malformed lines are skipped but still advance the cursor.
func ReadPartitions(ctx context.Context, names []string, cursor *Cursor, limit int, open OpenPartition) (*PullResult, error) {
	curDate, curLine, hasCursor := ParseCursor(cursor)

	res := &PullResult{Next: cursor}
	consumed := 0

	for _, name := range names {
		if !history.IsPartitionName(name) {
			continue
		}
		date := strings.TrimSuffix(name, ".jsonl")
		if hasCursor && date < curDate {
			continue
		}
		start := 0
		if hasCursor && date == curDate {
			start = curLine + 1
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rc, err := open(ctx, name)
		if err != nil {
			return nil, err
		}

		stop := false
		err = history.ScanLines(rc, func(idx int, line []byte) {
			if stop || idx < start {
				return
			}
			if limit > 0 && consumed >= limit {
				stop = true
				res.More = true
				return
			}
			if e, err := history.DecodeEvent(line); err == nil {
				res.Events = append(res.Events, e)
			}
			res.Next = NewCursor(date, idx)
			consumed++
		})
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read partition %s: %w", name, err)
		}
		if stop {
			break
		}
	}

	return res, nil
}
