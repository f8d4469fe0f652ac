// Package verify checks a freshly loaded database against what its dump
// promised, then repairs its sequences a second time. Verification never
// fails a job; everything it finds is reported as a warning.
package verify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/batmantechnologies/databasetool/internal/logging"
	"github.com/batmantechnologies/databasetool/internal/pgtools"
	"github.com/batmantechnologies/databasetool/internal/sequence"
)

// ListTablesQuery lists the ordinary tables of schema $1.
const ListTablesQuery = "SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = $1 ORDER BY tablename"

// Repairer is the sequence repair pass run after the checks.
type Repairer interface {
	Repair(ctx context.Context, conn sequence.Conn, schema string, budget time.Duration) *sequence.Report
}

// Expectations is what the restored database should contain.
type Expectations struct {
	Schema string
	// Tables are expected table names, optionally schema qualified.
	Tables []string
	// RowCounts maps optionally qualified table names to row counts.
	RowCounts    map[string]int64
	RepairBudget time.Duration
}

// RowCountMismatch is one table whose count differs from expectations.
type RowCountMismatch struct {
	Table    string `json:"table" yaml:"table"`
	Expected int64  `json:"expected" yaml:"expected"`
	Actual   int64  `json:"actual" yaml:"actual"`
}

// Report is the outcome of one verification.
type Report struct {
	Schema        string             `json:"schema" yaml:"schema"`
	Tables        []string           `json:"tables" yaml:"tables"`
	MissingTables []string           `json:"missing_tables,omitempty" yaml:"missing_tables,omitempty"`
	Mismatches    []RowCountMismatch `json:"row_count_mismatches,omitempty" yaml:"row_count_mismatches,omitempty"`
	Warnings      []string           `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Repair        *sequence.Report   `json:"repair,omitempty" yaml:"repair,omitempty"`
}

// Passed is true when nothing worth a warning was found.
func (r *Report) Passed() bool {
	return r != nil && len(r.Warnings) == 0
}

func (r *Report) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Verifier runs the checks.
type Verifier struct {
	repairer Repairer
	logger   *logging.Logger
}

// NewVerifier runs its second repair pass through repairer.
func NewVerifier(repairer Repairer, logger *logging.Logger) *Verifier {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Verifier{repairer: repairer, logger: logger}
}

// Verify checks table presence and row counts, then runs sequence repair
// again regardless of what the checks found.
func (v *Verifier) Verify(ctx context.Context, conn sequence.Conn, exp Expectations) *Report {
	schema := exp.Schema
	if schema == "" {
		schema = sequence.DefaultSchema
	}
	report := &Report{Schema: schema}
	log := v.logger.WithField("schema", schema)

	tables, err := listTables(ctx, conn, schema)
	switch {
	case err != nil:
		report.warn("could not list tables: %v", err)
	case len(tables) == 0:
		report.warn("no tables found in schema %q", schema)
	}
	report.Tables = tables

	present := make(map[string]bool, len(tables))
	for _, t := range tables {
		present[t] = true
	}
	if err == nil {
		for _, name := range exp.Tables {
			s, t := pgtools.SplitName(name)
			if s != "" && s != schema {
				continue
			}
			if !present[t] {
				report.MissingTables = append(report.MissingTables, t)
				report.warn("expected table %q is missing", t)
			}
		}
	}

	for _, name := range sortedKeys(exp.RowCounts) {
		s, t := pgtools.SplitName(name)
		if s == "" {
			s = schema
		}
		if s != schema {
			continue
		}
		want := exp.RowCounts[name]
		got, err := countRows(ctx, conn, s, t)
		if err != nil {
			report.warn("could not count rows in %q: %v", t, err)
			continue
		}
		if got != want {
			report.Mismatches = append(report.Mismatches, RowCountMismatch{Table: t, Expected: want, Actual: got})
			report.warn("table %q has %d rows, expected %d", t, got, want)
		}
	}

	for _, w := range report.Warnings {
		log.Warn("Verification: " + w)
	}

	if v.repairer != nil {
		report.Repair = v.repairer.Repair(ctx, conn, schema, exp.RepairBudget)
	}
	return report
}

func listTables(ctx context.Context, conn sequence.Conn, schema string) ([]string, error) {
	rows, err := conn.QueryContext(ctx, ListTablesQuery, schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return out, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// CountQuery returns the row count statement for schema.table.
func CountQuery(schema, table string) string {
	return fmt.Sprintf("SELECT count(*) FROM %s.%s", pq.QuoteIdentifier(schema), pq.QuoteIdentifier(table))
}

func countRows(ctx context.Context, conn sequence.Conn, schema, table string) (int64, error) {
	var n int64
	err := conn.QueryRowContext(ctx, CountQuery(schema, table)).Scan(&n)
	return n, err
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
