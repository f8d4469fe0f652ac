package display

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Palette colours report text by meaning. A disabled palette returns text
// unchanged.
type Palette struct {
	enabled bool
	success *color.Color
	warning *color.Color
	failure *color.Color
	header  *color.Color
	muted   *color.Color
}

// NewPalette builds a palette. Colour state is set per colour so it never
// depends on the package-level color.NoColor switch.
func NewPalette(enabled bool) *Palette {
	p := &Palette{
		enabled: enabled,
		success: color.New(color.FgHiGreen),
		warning: color.New(color.FgHiYellow),
		failure: color.New(color.FgHiRed, color.Bold),
		header:  color.New(color.FgHiBlue, color.Bold),
		muted:   color.New(color.FgWhite),
	}
	for _, c := range []*color.Color{p.success, p.warning, p.failure, p.header, p.muted} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// PlainPalette never colours.
func PlainPalette() *Palette {
	return NewPalette(false)
}

func (p *Palette) Enabled() bool {
	return p != nil && p.enabled
}

func (p *Palette) paint(c *color.Color, s string) string {
	if !p.Enabled() {
		return s
	}
	return c.Sprint(s)
}

func (p *Palette) Success(s string) string { return p.paint(p.success, s) }
func (p *Palette) Warning(s string) string { return p.paint(p.warning, s) }
func (p *Palette) Failure(s string) string { return p.paint(p.failure, s) }
func (p *Palette) Header(s string) string  { return p.paint(p.header, s) }
func (p *Palette) Muted(s string) string   { return p.paint(p.muted, s) }

func (p *Palette) Successf(format string, args ...interface{}) string {
	return p.Success(fmt.Sprintf(format, args...))
}

func (p *Palette) Failuref(format string, args ...interface{}) string {
	return p.Failure(fmt.Sprintf(format, args...))
}

// ColorEnabled decides whether w gets colour. It must be a terminal, and
// neither --no-color, NO_COLOR nor TERM=dumb may be set. FORCE_COLOR
// overrides the terminal check.
func ColorEnabled(w io.Writer, noColor bool) bool {
	return colorEnabled(w, noColor, os.LookupEnv)
}

func colorEnabled(w io.Writer, noColor bool, lookup func(string) (string, bool)) bool {
	if noColor {
		return false
	}
	if v, ok := lookup("NO_COLOR"); ok && v != "" {
		return false
	}
	if v, _ := lookup("TERM"); v == "dumb" {
		return false
	}
	if v, ok := lookup("FORCE_COLOR"); ok && v != "" {
		return true
	}

	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	return termenv.NewOutput(f).EnvColorProfile() != termenv.Ascii
}
