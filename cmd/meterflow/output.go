package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"text/tabwriter"
	"time"

	"meterflow/internal/pipeline"
)

// printer handles table or JSON output.
type printer struct {
	format string
	w      io.Writer
}

func newPrinter(format string, w io.Writer) *printer {
	return &printer{format: format, w: w}
}

// json marshals v as indented JSON.
func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table writes rows using tabwriter. header is the first row.
func (p *printer) table(header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	for _, row := range append([][]string{header}, rows...) {
		for i, col := range row {
			if i > 0 {
				_, _ = fmt.Fprint(tw, "\t")
			}
			_, _ = fmt.Fprint(tw, col)
		}
		_, _ = fmt.Fprintln(tw)
	}
	return tw.Flush()
}

type streamStats struct {
	Source        string         `json:"source"`
	Lines         int            `json:"lines"`
	Readings      int            `json:"readings"`
	Batches       int            `json:"batches"`
	SkippedLines  int            `json:"skippedLines"`
	DroppedValues int            `json:"droppedValues"`
	Skips         map[string]int `json:"skips,omitempty"`
	DurationMS    int64          `json:"durationMs"`
}

// results prints one row per stream. Streams that never started (Name
// unset) are left out.
func (p *printer) results(results []pipeline.Result) error {
	var stats []streamStats
	for _, r := range results {
		if r.Name == "" {
			continue
		}
		s := streamStats{
			Source:        r.Name,
			Lines:         r.Stats.Lines,
			Readings:      r.Stats.Readings,
			Batches:       r.Stats.Batches,
			SkippedLines:  r.Stats.SkippedLines,
			DroppedValues: r.Stats.DroppedValues,
			DurationMS:    r.Duration.Milliseconds(),
		}
		if len(r.Stats.Skips) > 0 {
			s.Skips = make(map[string]int, len(r.Stats.Skips))
			for reason, n := range r.Stats.Skips {
				s.Skips[string(reason)] = n
			}
		}
		stats = append(stats, s)
	}

	if p.format == "json" {
		return p.json(stats)
	}

	rows := make([][]string, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, []string{
			s.Source,
			strconv.Itoa(s.Lines),
			strconv.Itoa(s.Readings),
			strconv.Itoa(s.Batches),
			strconv.Itoa(s.SkippedLines),
			strconv.Itoa(s.DroppedValues),
			formatSkips(s.Skips),
			(time.Duration(s.DurationMS) * time.Millisecond).String(),
		})
	}
	return p.table([]string{"SOURCE", "LINES", "READINGS", "BATCHES", "SKIPPED", "DROPPED", "REASONS", "DURATION"}, rows)
}

// formatSkips renders skip counts as "reason=n" pairs in reason order.
func formatSkips(skips map[string]int) string {
	if len(skips) == 0 {
		return "-"
	}
	var out string
	for i, reason := range slices.Sorted(maps.Keys(skips)) {
		if i > 0 {
			out += ","
		}
		out += reason + "=" + strconv.Itoa(skips[reason])
	}
	return out
}
