package pgtools

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

const (
	replicaOn  = "SET session_replication_role = 'replica';\n"
	replicaOff = "SET session_replication_role = 'origin';\n"
)

// StreamOptions control how a dump file is rewritten on its way to psql.
type StreamOptions struct {
	// SourceName and TargetName enable database reference rewriting when
	// they differ.
	SourceName string
	TargetName string
	// ReplicaRole wraps the stream in session_replication_role so triggers
	// and foreign keys do not fire during a data load.
	ReplicaRole bool
}

// StreamStats is what was observed while streaming.
type StreamStats struct {
	Lines int64
	// Inserts counts INSERT statements per table, keyed as written in the
	// dump with quotes removed, e.g. "public.orders".
	Inserts map[string]int64
	// Tables lists CREATE TABLE targets in dump order.
	Tables []string
}

// Renamer rewrites references to one database name into another.
type Renamer struct {
	pairs [][2]string
}

// NewRenamer returns nil when no rewriting is needed.
func NewRenamer(source, target string) *Renamer {
	if source == "" || target == "" || source == target {
		return nil
	}
	patterns := []string{
		" %s ",
		`"%s" `,
		" %s.",
		`"%s".`,
		" %s;",
		`"%s";`,
		`\c %s`,
		`\c "%s"`,
	}
	r := &Renamer{}
	for _, p := range patterns {
		r.pairs = append(r.pairs, [2]string{
			strings.Replace(p, "%s", source, 1),
			strings.Replace(p, "%s", target, 1),
		})
	}
	return r
}

// Rewrite applies every pattern in order.
func (r *Renamer) Rewrite(line string) string {
	if r == nil {
		return line
	}
	for _, p := range r.pairs {
		if strings.Contains(line, p[0]) {
			line = strings.ReplaceAll(line, p[0], p[1])
		}
	}
	return line
}

// Stream copies src to dst line by line, applying opts. Lines are never
// joined, so memory use is bounded by the longest line.
func Stream(dst io.Writer, src io.Reader, opts StreamOptions) (StreamStats, error) {
	stats := StreamStats{Inserts: make(map[string]int64)}
	renamer := NewRenamer(opts.SourceName, opts.TargetName)
	w := bufio.NewWriterSize(dst, 64*1024)
	r := bufio.NewReaderSize(src, 64*1024)

	if opts.ReplicaRole {
		if _, err := w.WriteString(replicaOn); err != nil {
			return stats, err
		}
	}

	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			stats.Lines++
			observe(&stats, line)
			if _, werr := w.WriteString(renamer.Rewrite(line)); werr != nil {
				return stats, werr
			}
		}
		if errors.Is(err, io.EOF) {
			// A final line without a newline still needs one before the
			// trailer.
			if len(line) > 0 && !strings.HasSuffix(line, "\n") && opts.ReplicaRole {
				if err := w.WriteByte('\n'); err != nil {
					return stats, err
				}
			}
			break
		}
		if err != nil {
			return stats, err
		}
	}

	if opts.ReplicaRole {
		if _, err := w.WriteString(replicaOff); err != nil {
			return stats, err
		}
	}
	return stats, w.Flush()
}

func observe(stats *StreamStats, line string) {
	switch {
	case strings.HasPrefix(line, "INSERT INTO "):
		if name := leadingName(line[len("INSERT INTO "):]); name != "" {
			stats.Inserts[name]++
		}
	case strings.HasPrefix(line, "CREATE TABLE "), strings.HasPrefix(line, "CREATE UNLOGGED TABLE "):
		rest := line[strings.Index(line, "TABLE ")+len("TABLE "):]
		rest = strings.TrimPrefix(rest, "IF NOT EXISTS ")
		if name := leadingName(rest); name != "" {
			stats.Tables = append(stats.Tables, name)
		}
	}
}

// leadingName reads a possibly schema-qualified, possibly quoted identifier
// and returns it without quotes.
func leadingName(s string) string {
	var b strings.Builder
	quoted := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			if quoted && i+1 < len(s) && s[i+1] == '"' {
				b.WriteByte('"')
				i++
				continue
			}
			quoted = !quoted
		case !quoted && (c == ' ' || c == '(' || c == '\n' || c == '\r' || c == '\t'):
			return b.String()
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// SplitName separates "schema.table" into its parts. An unqualified name
// returns an empty schema.
func SplitName(name string) (schema, table string) {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}
