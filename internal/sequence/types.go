package sequence

import (
	"context"
	"database/sql"
	"time"
)

// Conn is the slice of *sql.DB / *sql.Conn the repair needs. The caller owns
// the connection; Repair never opens or closes one.
type Conn interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Origin records which discovery path produced a descriptor.
type Origin string

const (
	OriginDiscovered Origin = "discovered"
	OriginFallback   Origin = "fallback"
)

// Descriptor identifies one sequence and the column it feeds.
type Descriptor struct {
	Schema       string `json:"schema" yaml:"schema"`
	SequenceName string `json:"sequence" yaml:"sequence"`
	TableName    string `json:"table" yaml:"table"`
	ColumnName   string `json:"column" yaml:"column"`
	Origin       Origin `json:"origin" yaml:"origin"`
}

// Status is the tagged result of repairing one descriptor.
type Status string

const (
	StatusRepaired               Status = "repaired"
	StatusSkippedMissingTable    Status = "skipped_missing_table"
	StatusSkippedMissingColumn   Status = "skipped_missing_column"
	StatusSkippedMissingSequence Status = "skipped_missing_sequence"
	StatusFailed                 Status = "failed"
)

// Skipped reports whether s is one of the expected-absent statuses.
func (s Status) Skipped() bool {
	switch s {
	case StatusSkippedMissingTable, StatusSkippedMissingColumn, StatusSkippedMissingSequence:
		return true
	}
	return false
}

// Outcome is the per-sequence entry of a Report.
type Outcome struct {
	Descriptor Descriptor `json:"descriptor" yaml:"descriptor"`
	// PreviousNext is the value the sequence would have returned before the
	// repair. Nil when it could not be read.
	PreviousNext *int64 `json:"previous_next,omitempty" yaml:"previous_next,omitempty"`
	// NewValue is the next value the sequence returns after the repair.
	NewValue int64  `json:"new_value,omitempty" yaml:"new_value,omitempty"`
	Status   Status `json:"status" yaml:"status"`
	Reason   string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Report collects the outcomes of one repair pass. Descriptors that were not
// attempted because the budget ran out are absent from Outcomes.
type Report struct {
	Schema         string        `json:"schema" yaml:"schema"`
	Outcomes       []Outcome     `json:"outcomes" yaml:"outcomes"`
	Discovered     int           `json:"discovered" yaml:"discovered"`
	DiscoveryError string        `json:"discovery_error,omitempty" yaml:"discovery_error,omitempty"`
	Elapsed        time.Duration `json:"elapsed" yaml:"elapsed"`
	TimedOutEarly  bool          `json:"timed_out_early" yaml:"timed_out_early"`
	Canceled       bool          `json:"canceled,omitempty" yaml:"canceled,omitempty"`
}

func (r *Report) count(match func(Status) bool) int {
	if r == nil {
		return 0
	}
	n := 0
	for _, o := range r.Outcomes {
		if match(o.Status) {
			n++
		}
	}
	return n
}

// Repaired returns the number of sequences that were reset.
func (r *Report) Repaired() int {
	return r.count(func(s Status) bool { return s == StatusRepaired })
}

// Skipped returns the number of expected-absent outcomes.
func (r *Report) Skipped() int {
	return r.count(Status.Skipped)
}

// Failed returns the number of sequences whose repair errored.
func (r *Report) Failed() int {
	return r.count(func(s Status) bool { return s == StatusFailed })
}

// Complete reports whether every descriptor was attempted and none failed.
func (r *Report) Complete() bool {
	return r != nil && !r.TimedOutEarly && !r.Canceled && r.Failed() == 0
}

// Merge returns the union of r and other: outcomes in order r then other,
// elapsed summed, flags or-ed. Either side may be nil.
func Merge(r, other *Report) *Report {
	switch {
	case r == nil && other == nil:
		return nil
	case r == nil:
		return other
	case other == nil:
		return r
	}

	merged := &Report{
		Schema:         r.Schema,
		Outcomes:       make([]Outcome, 0, len(r.Outcomes)+len(other.Outcomes)),
		Discovered:     r.Discovered + other.Discovered,
		DiscoveryError: r.DiscoveryError,
		Elapsed:        r.Elapsed + other.Elapsed,
		TimedOutEarly:  r.TimedOutEarly || other.TimedOutEarly,
		Canceled:       r.Canceled || other.Canceled,
	}
	if merged.DiscoveryError == "" {
		merged.DiscoveryError = other.DiscoveryError
	}
	merged.Outcomes = append(merged.Outcomes, r.Outcomes...)
	merged.Outcomes = append(merged.Outcomes, other.Outcomes...)
	return merged
}
