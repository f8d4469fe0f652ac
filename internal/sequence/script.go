package sequence

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/lib/pq"
)

// ScriptFormat selects one of the standalone repair scripts.
type ScriptFormat string

const (
	// ScriptSQL is a PL/pgSQL DO block for psql or any SQL console.
	ScriptSQL ScriptFormat = "sql"
	// ScriptShell is a bash loop driving psql one sequence at a time.
	ScriptShell ScriptFormat = "shell"
)

//go:generate sh -c "go run ../.. sequences script --format sql > ../../scripts/reset_sequences.sql"
//go:generate sh -c "go run ../.. sequences script --format shell > ../../scripts/reset_sequences.sh"

//go:embed templates/*.tmpl
var scriptTemplates embed.FS

var templates = template.Must(template.New("scripts").
	Funcs(template.FuncMap{"indent": indent}).
	ParseFS(scriptTemplates, "templates/*.tmpl"))

type scriptData struct {
	Schema         string
	SchemaLiteral  string
	DiscoveryQuery string
	RepairBody     string
	Known          []KnownColumn
}

// RenderScript renders the standalone form of the repair for schema. Both
// forms are built from DiscoveryQuery, KnownColumns and the setval(..., false)
// semantics used by Repairer, so they cannot drift from it.
func RenderScript(format ScriptFormat, schema string) (string, error) {
	if schema == "" {
		schema = DefaultSchema
	}

	data := scriptData{
		Schema:        schema,
		SchemaLiteral: pq.QuoteLiteral(schema),
		Known:         KnownColumns,
	}

	var name string
	switch format {
	case ScriptSQL:
		name = "reset_sequences.sql.tmpl"
		data.DiscoveryQuery = strings.ReplaceAll(DiscoveryQuery, "$1", data.SchemaLiteral)
		var body bytes.Buffer
		if err := templates.ExecuteTemplate(&body, "repair_body", data); err != nil {
			return "", fmt.Errorf("failed to render repair body: %w", err)
		}
		data.RepairBody = body.String()
	case ScriptShell:
		name = "reset_sequences.sh.tmpl"
		data.DiscoveryQuery = strings.ReplaceAll(DiscoveryQuery, "$1", ":'schema'")
	default:
		return "", fmt.Errorf("unknown script format %q (want sql or shell)", format)
	}

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to render %s script: %w", format, err)
	}
	return buf.String(), nil
}

// indent prefixes every line after the first with n spaces.
func indent(n int, s string) string {
	pad := strings.Repeat(" ", n)
	return strings.ReplaceAll(s, "\n", "\n"+pad)
}
