// Package sequence re-synchronizes auto-increment sequences with the data
// already present in their tables.
//
// Two independent paths feed the same repair routine: a catalog query for
// sequences owned by a column (pg_depend deptype 'a'), and a fixed list of
// well-known tables whose sequence follows the {table}_{column}_seq naming
// convention. The paths are kept separate on purpose; a failure in catalog
// discovery still leaves the fallback list to run.
package sequence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/batmantechnologies/databasetool/internal/errors"
	"github.com/batmantechnologies/databasetool/internal/logging"
)

const (
	// DefaultSchema is used when the caller passes an empty schema.
	DefaultSchema = "public"
	// DefaultBudget bounds one repair pass.
	DefaultBudget = 5 * time.Minute
)

// DiscoveryQuery lists every sequence in schema $1 owned by a column of an
// ordinary table in the same schema, ordered by table then column. The
// reference scripts embed the same text.
const DiscoveryQuery = `SELECT seq.relname AS sequence_name,
       tab.relname AS table_name,
       attr.attname AS column_name
FROM pg_class seq
JOIN pg_depend dep ON dep.objid = seq.oid AND dep.deptype = 'a'
JOIN pg_class tab ON dep.refobjid = tab.oid
JOIN pg_attribute attr ON dep.refobjid = attr.attrelid AND dep.refobjsubid = attr.attnum
JOIN pg_namespace nsp ON seq.relnamespace = nsp.oid
WHERE seq.relkind = 'S'
  AND tab.relkind = 'r'
  AND tab.relnamespace = seq.relnamespace
  AND nsp.nspname = $1
ORDER BY tab.relname, attr.attname`

// KnownColumn is a (table, column) pair repaired even without an ownership
// link.
type KnownColumn struct {
	Table  string
	Column string
}

// SequenceName follows the serial naming convention {table}_{column}_seq.
func (k KnownColumn) SequenceName() string {
	return k.Table + "_" + k.Column + "_seq"
}

// KnownColumns is the fallback list: migration tracking and auth tables that
// frequently end up with unowned sequences after hand-written migrations.
var KnownColumns = []KnownColumn{
	{Table: "migrations", Column: "id"},
	{Table: "schema_migrations", Column: "id"},
	{Table: "users", Column: "id"},
	{Table: "permissions", Column: "id"},
	{Table: "groups", Column: "id"},
	{Table: "otp", Column: "id"},
}

// Repairer runs repair passes. The zero value is not usable; use NewRepairer.
type Repairer struct {
	logger   *logging.Logger
	fallback []KnownColumn
	now      func() time.Time
}

// NewRepairer returns a Repairer that logs through logger.
func NewRepairer(logger *logging.Logger) *Repairer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Repairer{
		logger:   logger,
		fallback: KnownColumns,
		now:      time.Now,
	}
}

// Repair discovers and resets every sequence in schema so that its next draw
// equals MAX(column)+1, or 1 for an empty table.
//
// Per-sequence errors never abort the pass: missing tables and columns are
// recorded as skips, anything else as StatusFailed. The budget is checked
// between sequences; once it is spent the pass stops and TimedOutEarly is set.
func (r *Repairer) Repair(ctx context.Context, conn Conn, schema string, budget time.Duration) *Report {
	if schema == "" {
		schema = DefaultSchema
	}
	if budget <= 0 {
		budget = DefaultBudget
	}

	start := r.now()
	report := &Report{Schema: schema}
	log := r.logger.With(map[string]interface{}{"schema": schema})

	defer func() {
		report.Elapsed = r.now().Sub(start)
		log.WithFields(map[string]interface{}{
			"repaired":        report.Repaired(),
			"skipped":         report.Skipped(),
			"failed":          report.Failed(),
			"timed_out_early": report.TimedOutEarly,
			"elapsed":         report.Elapsed.String(),
		}).Info("Sequence repair finished")
	}()

	// stop is consulted before every unit of work.
	stop := func() bool {
		if ctx.Err() != nil {
			report.Canceled = true
			return true
		}
		if r.now().Sub(start) >= budget {
			report.TimedOutEarly = true
			return true
		}
		return false
	}

	if stop() {
		return report
	}

	discovered, err := r.discover(ctx, conn, schema)
	if err != nil {
		report.DiscoveryError = err.Error()
		log.Warnf("Sequence discovery failed, continuing with known tables: %v", err)
	}
	report.Discovered = len(discovered)

	for _, d := range discovered {
		if stop() {
			return report
		}
		report.Outcomes = append(report.Outcomes, r.repairOne(ctx, conn, d, log))
	}

	for _, k := range r.fallback {
		if stop() {
			return report
		}
		d := Descriptor{
			Schema:       schema,
			SequenceName: k.SequenceName(),
			TableName:    k.Table,
			ColumnName:   k.Column,
			Origin:       OriginFallback,
		}
		report.Outcomes = append(report.Outcomes, r.repairOne(ctx, conn, d, log))
	}

	return report
}

func (r *Repairer) discover(ctx context.Context, conn Conn, schema string) ([]Descriptor, error) {
	start := r.now()
	rows, err := conn.QueryContext(ctx, DiscoveryQuery, schema)
	r.logger.LogSQLExecution(DiscoveryQuery, r.now().Sub(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query sequence ownership: %w", err)
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		d := Descriptor{Schema: schema, Origin: OriginDiscovered}
		if err := rows.Scan(&d.SequenceName, &d.TableName, &d.ColumnName); err != nil {
			return out, fmt.Errorf("failed to scan sequence row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *Repairer) repairOne(ctx context.Context, conn Conn, d Descriptor, log *logging.Logger) (o Outcome) {
	o = Outcome{Descriptor: d}
	defer func() {
		log.LogSequenceOutcome(d.SequenceName, d.TableName, d.ColumnName, string(o.Status), o.NewValue, o.Reason)
	}()

	maxValue, err := r.maxValue(ctx, conn, d)
	switch {
	case errors.IsUndefinedTable(err):
		o.Status = StatusSkippedMissingTable
		return o
	case errors.IsUndefinedColumn(err):
		o.Status = StatusSkippedMissingColumn
		return o
	case err != nil:
		o.Status, o.Reason = StatusFailed, err.Error()
		return o
	}

	previous, err := r.peekNext(ctx, conn, d)
	switch {
	case errors.IsUndefinedTable(err):
		o.Status, o.Reason = StatusSkippedMissingSequence, fmt.Sprintf("sequence %s does not exist", d.SequenceName)
		return o
	case err != nil:
		o.Status, o.Reason = StatusFailed, err.Error()
		return o
	}
	o.PreviousNext = &previous

	next := maxValue + 1
	if err := r.setNext(ctx, conn, d, next); err != nil {
		o.Status, o.Reason = StatusFailed, err.Error()
		return o
	}
	o.Status, o.NewValue = StatusRepaired, next
	return o
}

// MaxValueQuery returns the statement computing COALESCE(MAX(column), 0).
func MaxValueQuery(schema, table, column string) string {
	return fmt.Sprintf("SELECT COALESCE(MAX(%s), 0)::bigint FROM %s",
		pq.QuoteIdentifier(column), qualify(schema, table))
}

func (r *Repairer) maxValue(ctx context.Context, conn Conn, d Descriptor) (int64, error) {
	query := MaxValueQuery(d.Schema, d.TableName, d.ColumnName)
	var v int64
	start := r.now()
	err := conn.QueryRowContext(ctx, query).Scan(&v)
	r.logger.LogSQLExecution(query, r.now().Sub(start), err)
	if err != nil {
		return 0, fmt.Errorf("failed to read max %s.%s: %w", d.TableName, d.ColumnName, err)
	}
	return v, nil
}

// peekNext returns the value nextval() would hand out right now, assuming an
// increment of 1.
func (r *Repairer) peekNext(ctx context.Context, conn Conn, d Descriptor) (int64, error) {
	query := fmt.Sprintf("SELECT last_value, is_called FROM %s", qualify(d.Schema, d.SequenceName))
	var (
		last   int64
		called bool
	)
	err := conn.QueryRowContext(ctx, query).Scan(&last, &called)
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence %s: %w", d.SequenceName, err)
	}
	if called {
		return last + 1, nil
	}
	return last, nil
}

// SetvalQuery stores value with is_called=false so the next draw returns
// value itself.
const SetvalQuery = "SELECT setval($1::regclass, $2, false)"

func (r *Repairer) setNext(ctx context.Context, conn Conn, d Descriptor, next int64) error {
	var stored sql.NullInt64
	start := r.now()
	err := conn.QueryRowContext(ctx, SetvalQuery, qualify(d.Schema, d.SequenceName), next).Scan(&stored)
	r.logger.LogSQLExecution(SetvalQuery, r.now().Sub(start), err)
	if err != nil {
		return fmt.Errorf("failed to reset sequence %s: %w", d.SequenceName, err)
	}
	return nil
}

func qualify(schema, name string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(name)
}
