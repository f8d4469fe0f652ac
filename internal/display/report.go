// Package display renders batch summaries and sequence repair reports for
// people (aligned, optionally coloured tables) and for scripts (JSON, YAML).
package display

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/batmantechnologies/databasetool/internal/orchestrator"
	"github.com/batmantechnologies/databasetool/internal/sequence"
)

// Format is an output format.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON, FormatYAML:
		return f, nil
	}
	return "", fmt.Errorf("invalid output format %q, must be one of: table, json, yaml", s)
}

// Renderer writes reports to one writer in one format.
type Renderer struct {
	w       io.Writer
	format  Format
	palette *Palette
}

func NewRenderer(w io.Writer, format Format, palette *Palette) *Renderer {
	if palette == nil {
		palette = PlainPalette()
	}
	return &Renderer{w: w, format: format, palette: palette}
}

func (r *Renderer) encode(v interface{}) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(r.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("format %q is not a data format", r.format)
}

// Batch prints the per-job summary, then every failure and warning.
func (r *Renderer) Batch(b *orchestrator.BatchResult) error {
	if r.format != FormatTable {
		return r.encode(b)
	}
	p := r.palette

	t := NewTable(p, "DATABASE", "TARGET", "OUTCOME", "REPAIRED", "SKIPPED", "FAILED", "WARNINGS", "DURATION").
		Align(3, AlignRight).Align(4, AlignRight).Align(5, AlignRight).Align(6, AlignRight).Align(7, AlignRight)
	for _, j := range b.Jobs {
		outcome := Cell{Text: string(j.Outcome), Paint: p.Success}
		if !j.Succeeded() {
			outcome.Paint = p.Failure
		}
		target := j.TargetName
		if target == "" {
			target = "-"
		}
		t.AddRow(
			Cell{Text: j.DatabaseName},
			Cell{Text: target},
			outcome,
			Cell{Text: strconv.Itoa(j.Repair.Repaired())},
			Cell{Text: strconv.Itoa(j.Repair.Skipped())},
			countCell(j.Repair.Failed(), p.Failure),
			countCell(len(j.Warnings), p.Warning),
			Cell{Text: formatDuration(j.Duration)},
		)
	}

	fmt.Fprintf(r.w, "%s %s (batch %s)\n", p.Header(strings.ToUpper(string(b.Mode))), p.Muted(b.Started.Format(time.RFC3339)), b.ID)
	if err := t.RenderTo(r.w); err != nil {
		return err
	}

	for _, j := range b.Jobs {
		if a := j.Artifact; a != nil && j.Phase == orchestrator.ModeBackup && j.Succeeded() {
			fmt.Fprintf(r.w, "  %s -> %s\n", j.DatabaseName, a.Path)
		}
	}
	for _, j := range b.Jobs {
		for _, w := range j.Warnings {
			fmt.Fprintf(r.w, "%s %s: %s\n", p.Warning("warning"), j.DatabaseName, w)
		}
	}
	failures := b.Failures()
	for _, j := range failures {
		fmt.Fprintf(r.w, "%s %s: %s\n", p.Failure("failed"), j.DatabaseName, j.Reason)
	}

	total := len(b.Jobs)
	summary := fmt.Sprintf("%d job(s): %d succeeded, %d failed in %s", total, total-len(failures), len(failures), formatDuration(b.Duration))
	if len(failures) > 0 {
		summary = p.Failure(summary)
	} else {
		summary = p.Success(summary)
	}
	_, err := fmt.Fprintln(r.w, summary)
	return err
}

// Repair prints one row per sequence outcome and a totals line.
func (r *Renderer) Repair(rep *sequence.Report) error {
	if r.format != FormatTable {
		return r.encode(rep)
	}
	if rep == nil {
		_, err := fmt.Fprintln(r.w, "no sequence repair was run")
		return err
	}
	p := r.palette

	t := NewTable(p, "SEQUENCE", "COLUMN", "ORIGIN", "PREVIOUS", "NEW", "STATUS", "REASON").
		Align(3, AlignRight).Align(4, AlignRight)
	for _, o := range rep.Outcomes {
		d := o.Descriptor
		prev, next := "-", "-"
		if o.PreviousNext != nil {
			prev = strconv.FormatInt(*o.PreviousNext, 10)
		}
		if o.Status == sequence.StatusRepaired {
			next = strconv.FormatInt(o.NewValue, 10)
		}
		t.AddRow(
			Cell{Text: d.Schema + "." + d.SequenceName},
			Cell{Text: d.TableName + "." + d.ColumnName},
			Cell{Text: string(d.Origin)},
			Cell{Text: prev},
			Cell{Text: next},
			statusCell(o.Status, p),
			Cell{Text: o.Reason},
		)
	}
	if t.Len() > 0 {
		if err := t.RenderTo(r.w); err != nil {
			return err
		}
	}

	if rep.DiscoveryError != "" {
		fmt.Fprintf(r.w, "%s discovery failed, fallback list used: %s\n", p.Warning("warning"), rep.DiscoveryError)
	}
	if rep.TimedOutEarly {
		fmt.Fprintf(r.w, "%s time budget exhausted after %d of %d sequences\n", p.Warning("warning"), len(rep.Outcomes), rep.Discovered)
	}
	if rep.Canceled {
		fmt.Fprintf(r.w, "%s repair canceled\n", p.Warning("warning"))
	}
	_, err := fmt.Fprintf(r.w, "schema %s: %d repaired, %d skipped, %d failed in %s\n",
		rep.Schema, rep.Repaired(), rep.Skipped(), rep.Failed(), formatDuration(rep.Elapsed))
	return err
}

// Value encodes any value in a data format; tables fall back to YAML.
func (r *Renderer) Value(v interface{}) error {
	if r.format == FormatTable {
		return NewRenderer(r.w, FormatYAML, r.palette).encode(v)
	}
	return r.encode(v)
}

func statusCell(s sequence.Status, p *Palette) Cell {
	c := Cell{Text: string(s)}
	switch {
	case s == sequence.StatusRepaired:
		c.Paint = p.Success
	case s.Skipped():
		c.Paint = p.Muted
	case s == sequence.StatusFailed:
		c.Paint = p.Failure
	}
	return c
}

func countCell(n int, paint func(string) string) Cell {
	c := Cell{Text: strconv.Itoa(n)}
	if n > 0 {
		c.Paint = paint
	}
	return c
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(100 * time.Millisecond).String()
	}
}
