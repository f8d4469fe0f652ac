package display

import (
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// BorderStyle holds the characters a table is drawn with.
type BorderStyle struct {
	Horizontal string
	Vertical   string
	Cross      string
	Corner     string
}

var (
	ASCIIBorder = BorderStyle{Horizontal: "-", Vertical: "|", Cross: "+", Corner: "+"}
	NoBorder    = BorderStyle{}
)

// Cell is one table cell. Paint, when set, colours the cell after padding
// so escape codes never affect column widths.
type Cell struct {
	Text  string
	Paint func(string) string
}

// Table is a column-aligned text table.
type Table struct {
	headers    []string
	rows       [][]Cell
	alignments map[int]Alignment
	border     BorderStyle
	padding    int
	maxWidth   int
	palette    *Palette
}

func NewTable(palette *Palette, headers ...string) *Table {
	if palette == nil {
		palette = PlainPalette()
	}
	return &Table{
		headers:    headers,
		alignments: make(map[int]Alignment),
		border:     ASCIIBorder,
		padding:    1,
		palette:    palette,
	}
}

func (t *Table) SetBorder(b BorderStyle) *Table {
	t.border = b
	return t
}

func (t *Table) Align(column int, a Alignment) *Table {
	t.alignments[column] = a
	return t
}

// SetMaxWidth caps the rendered width; 0 uses the terminal width when
// writing to a terminal and no cap otherwise.
func (t *Table) SetMaxWidth(n int) *Table {
	t.maxWidth = n
	return t
}

func (t *Table) AddRow(cells ...Cell) {
	t.rows = append(t.rows, cells)
}

// AddTextRow adds a row of uncoloured cells.
func (t *Table) AddTextRow(values ...string) {
	cells := make([]Cell, len(values))
	for i, v := range values {
		cells[i] = Cell{Text: v}
	}
	t.AddRow(cells...)
}

func (t *Table) Len() int {
	return len(t.rows)
}

// Render draws the table. An empty table renders as "".
func (t *Table) Render() string {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return ""
	}
	widths := t.fit(t.columnWidths(), t.maxWidth)

	var b strings.Builder
	rule := t.rule(widths)
	if rule != "" {
		b.WriteString(rule + "\n")
	}
	if len(t.headers) > 0 {
		cells := make([]Cell, len(t.headers))
		for i, h := range t.headers {
			cells[i] = Cell{Text: h, Paint: t.palette.Header}
		}
		b.WriteString(t.row(cells, widths) + "\n")
		if rule != "" {
			b.WriteString(rule + "\n")
		}
	}
	for _, r := range t.rows {
		b.WriteString(t.row(r, widths) + "\n")
	}
	if rule != "" {
		b.WriteString(rule + "\n")
	}
	return b.String()
}

// RenderTo writes the table to w, fitting it to the terminal when w is one.
func (t *Table) RenderTo(w io.Writer) error {
	if t.maxWidth == 0 {
		if f, ok := w.(*os.File); ok {
			if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
				t.maxWidth = width
			}
		}
	}
	_, err := io.WriteString(w, t.Render())
	return err
}

func (t *Table) columnCount() int {
	n := len(t.headers)
	for _, r := range t.rows {
		if len(r) > n {
			n = len(r)
		}
	}
	return n
}

func (t *Table) columnWidths() []int {
	widths := make([]int, t.columnCount())
	for i, h := range t.headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, r := range t.rows {
		for i, c := range r {
			if n := utf8.RuneCountInString(c.Text); n > widths[i] {
				widths[i] = n
			}
		}
	}
	return widths
}

// fit shrinks the widest columns until the table fits in max.
func (t *Table) fit(widths []int, max int) []int {
	if max <= 0 {
		return widths
	}
	const minWidth = 4
	for t.totalWidth(widths) > max {
		widest := 0
		for i, w := range widths {
			if w > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= minWidth {
			break
		}
		widths[widest]--
	}
	return widths
}

func (t *Table) totalWidth(widths []int) int {
	total := 0
	for _, w := range widths {
		total += w + 2*t.padding
	}
	if t.border.Vertical != "" {
		total += len(widths) + 1
	} else if len(widths) > 1 {
		total += len(widths) - 1
	}
	return total
}

func (t *Table) rule(widths []int) string {
	if t.border.Horizontal == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString(t.border.Corner)
	for i, w := range widths {
		b.WriteString(strings.Repeat(t.border.Horizontal, w+2*t.padding))
		if i < len(widths)-1 {
			b.WriteString(t.border.Cross)
		} else {
			b.WriteString(t.border.Corner)
		}
	}
	return b.String()
}

func (t *Table) row(cells []Cell, widths []int) string {
	sep := t.border.Vertical
	if sep == "" {
		sep = " "
	}
	pad := strings.Repeat(" ", t.padding)

	var b strings.Builder
	if t.border.Vertical != "" {
		b.WriteString(t.border.Vertical)
	}
	for i, w := range widths {
		var c Cell
		if i < len(cells) {
			c = cells[i]
		}
		text := pad + t.cell(c.Text, w, t.alignments[i]) + pad
		if c.Paint != nil {
			text = c.Paint(text)
		}
		b.WriteString(text)
		if i < len(widths)-1 || t.border.Vertical != "" {
			b.WriteString(sep)
		}
	}
	return strings.TrimRight(b.String(), " ")
}

func (t *Table) cell(s string, width int, a Alignment) string {
	if utf8.RuneCountInString(s) > width {
		r := []rune(s)
		if width > 3 {
			s = string(r[:width-3]) + "..."
		} else {
			s = string(r[:width])
		}
	}
	gap := strings.Repeat(" ", width-utf8.RuneCountInString(s))
	if a == AlignRight {
		return gap + s
	}
	return s + gap
}
