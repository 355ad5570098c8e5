package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/minisync/internal/client/sync"
	"github.com/openmined/minisync/internal/utils"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func validFormat(f string) error {
	switch f {
	case formatText, formatJSON, formatYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q", f)
}

// writeStructured prints v as indented JSON or as YAML keyed by its JSON names.
func writeStructured(w io.Writer, format string, v any) error {
	data, err := utils.JSONMarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if format == formatJSON {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	var generic any
	if err := utils.JSONUnmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func printSummary(w io.Writer, sum *sync.Summary) {
	if !sum.HasChanges() && len(sum.Blocked) == 0 {
		fmt.Fprintf(w, "%s %s\n", green.Render("up to date"), gray.Render("("+sum.Duration.Round(time.Millisecond).String()+")"))
		return
	}

	counts := []struct {
		label string
		n     int
	}{
		{"bootstrapped", sum.Bootstrapped},
		{"recorded", sum.Recorded},
		{"pulled", sum.Pulled},
		{"applied", sum.Applied},
		{"pushed", sum.Pushed},
		{"skipped", sum.Skipped},
	}
	var parts []string
	for _, c := range counts {
		if c.n > 0 {
			parts = append(parts, fmt.Sprintf("%s %s", humanize.Comma(int64(c.n)), c.label))
		}
	}
	if len(parts) > 0 {
		fmt.Fprintf(w, "%s %s\n", strings.Join(parts, ", "), gray.Render("("+sum.Duration.Round(time.Millisecond).String()+")"))
	}
	for _, p := range sum.Resolved {
		fmt.Fprintf(w, "%s %s\n", green.Render("resolved"), p)
	}
	for _, p := range sum.Blocked {
		fmt.Fprintf(w, "%s %s\n", red.Render("conflict"), p)
	}
	if sum.SnapshotID != "" {
		fmt.Fprintf(w, "%s %s\n", gray.Render("snapshot"), sum.SnapshotID)
	}
}

// statusRow is one line of `minisync status`.
type statusRow struct {
	Path      string    `json:"path"`
	Status    string    `json:"status"`
	Conflict  string    `json:"conflict,omitempty"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func statusStyle(s sync.Status) string {
	switch s {
	case sync.StatusConflict:
		return red.Render(string(s))
	case sync.StatusSynced:
		return gray.Render(string(s))
	case sync.StatusLocalOnly, sync.StatusLocalChanged:
		return yellow.Render(string(s))
	default:
		return cyan.Render(string(s))
	}
}

func printStatus(w io.Writer, rows []statusRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, gray.Render("nothing tracked"))
		return
	}

	width := 0
	for _, r := range rows {
		width = max(width, len(r.Path))
	}

	conflicts := 0
	for _, r := range rows {
		status := statusStyle(sync.Status(r.Status))
		if r.Conflict != "" {
			status += gray.Render(" (" + r.Conflict + ")")
			conflicts++
		}
		size := "-"
		if r.Size > 0 {
			size = humanize.IBytes(uint64(r.Size))
		}
		fmt.Fprintf(w, "%-*s  %-9s  %-14s  %s\n", width, r.Path, size, humanize.Time(r.UpdatedAt), status)
	}
	fmt.Fprintf(w, "\n%s tracked, %s\n", bold.Render(humanize.Comma(int64(len(rows)))), conflictCount(conflicts))
}

func conflictCount(n int) string {
	if n == 0 {
		return green.Render("no conflicts")
	}
	if n == 1 {
		return red.Render("1 conflict")
	}
	return red.Render(humanize.Comma(int64(n)) + " conflicts")
}
