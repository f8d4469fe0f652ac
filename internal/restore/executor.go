// Package restore loads one mapped database from a backup artifact into its
// target, then repairs and verifies the result.
package restore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/batmantechnologies/databasetool/internal/archive"
	"github.com/batmantechnologies/databasetool/internal/config"
	"github.com/batmantechnologies/databasetool/internal/database"
	"github.com/batmantechnologies/databasetool/internal/logging"
	"github.com/batmantechnologies/databasetool/internal/pgtools"
	"github.com/batmantechnologies/databasetool/internal/sequence"
	"github.com/batmantechnologies/databasetool/internal/verify"
)

// Result is what one job produced. The backup and sync executors return the
// same shape so the orchestrator can treat every mode alike.
type Result struct {
	Artifact     *ArtifactRef
	Repair       *sequence.Report
	Verification *verify.Report
	Warnings     []string
}

// Applier replays SQL files with psql.
type Applier interface {
	ApplyFile(ctx context.Context, dbURL, path string, opts pgtools.StreamOptions) (pgtools.StreamStats, error)
}

// Provisioner prepares a target database on a server.
type Provisioner interface {
	PrepareTarget(ctx context.Context, serverURL, name string, opts database.TargetOptions) error
}

// Repairer runs sequence repair.
type Repairer interface {
	Repair(ctx context.Context, conn sequence.Conn, schema string, budget time.Duration) *sequence.Report
}

// Verifier runs the post-restore checks.
type Verifier interface {
	Verify(ctx context.Context, conn sequence.Conn, exp verify.Expectations) *verify.Report
}

// Options are fixed for a whole batch.
type Options struct {
	// TargetURL names the target server; its database path is replaced per
	// job.
	TargetURL string
	// ArtifactPath is a local path or storage URI, optionally containing
	// {database}.
	ArtifactPath string
	Schema       string
	RepairBudget time.Duration
	Target       database.TargetOptions
	// RowCounts are configured expectations per source database. When a
	// database has none, counts are derived from the data dump.
	RowCounts map[string]map[string]int64
}

// Executor restores one mapping entry per Run call. It is safe for
// concurrent use.
type Executor struct {
	opts        Options
	cache       *Cache
	applier     Applier
	provisioner Provisioner
	connector   database.Connector
	repairer    Repairer
	verifier    Verifier
	logger      *logging.Logger
}

// Deps are the collaborators an Executor drives.
type Deps struct {
	Cache       *Cache
	Applier     Applier
	Provisioner Provisioner
	Connector   database.Connector
	Repairer    Repairer
	Verifier    Verifier
	Logger      *logging.Logger
}

// NewExecutor wires an executor; a nil Logger discards output.
func NewExecutor(opts Options, deps Deps) *Executor {
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	return &Executor{
		opts:        opts,
		cache:       deps.Cache,
		applier:     deps.Applier,
		provisioner: deps.Provisioner,
		connector:   deps.Connector,
		repairer:    deps.Repairer,
		verifier:    deps.Verifier,
		logger:      deps.Logger,
	}
}

// Run restores entry.Source's dump into entry.Target. Any returned error
// fails this job only; the Result carries whatever was produced before it.
func (e *Executor) Run(ctx context.Context, entry config.MappingEntry) (Result, error) {
	var res Result
	log := e.logger.With(map[string]interface{}{"source": entry.Source, "target": entry.Target})

	ref, err := NewArtifactRef(ExpandPath(e.opts.ArtifactPath, entry.Source), entry.Source)
	if err != nil {
		return res, err
	}
	res.Artifact = &ref

	dir, err := e.cache.Dir(ctx, ref)
	if err != nil {
		return res, err
	}

	schemaFile, err := archive.FindFile(dir, entry.Source+schemaSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, fmt.Errorf("%w: no %s_schema.sql in %s", ErrArtifactNotFound, entry.Source, ref.Path)
		}
		return res, err
	}
	dataFile, err := archive.FindFile(dir, entry.Source+dataSuffix)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("no %s_data.sql in artifact; only the schema was restored", entry.Source))
		dataFile = ""
	}

	if err := e.provisioner.PrepareTarget(ctx, e.opts.TargetURL, entry.Target, e.opts.Target); err != nil {
		return res, err
	}

	targetURL, err := database.WithDatabase(e.opts.TargetURL, entry.Target)
	if err != nil {
		return res, err
	}

	log.Info("Restoring schema")
	schemaStats, err := e.applier.ApplyFile(ctx, targetURL, schemaFile, pgtools.StreamOptions{
		SourceName: entry.Source,
		TargetName: entry.Target,
	})
	if err != nil {
		return res, fmt.Errorf("schema restore failed: %w", err)
	}

	var dataStats pgtools.StreamStats
	if dataFile != "" {
		log.Info("Restoring data")
		dataStats, err = e.applier.ApplyFile(ctx, targetURL, dataFile, pgtools.StreamOptions{
			SourceName:  entry.Source,
			TargetName:  entry.Target,
			ReplicaRole: true,
		})
		if err != nil {
			return res, fmt.Errorf("data restore failed: %w", err)
		}
	}

	expected := e.opts.RowCounts[entry.Source]
	if expected == nil {
		expected = dataStats.Inserts
	}
	rep, vr, err := RepairAndVerify(ctx, e.connector, e.repairer, e.verifier, targetURL, verify.Expectations{
		Schema:       e.opts.Schema,
		Tables:       schemaStats.Tables,
		RowCounts:    expected,
		RepairBudget: e.opts.RepairBudget,
	})
	res.Repair, res.Verification = rep, vr
	if vr != nil {
		res.Warnings = append(res.Warnings, vr.Warnings...)
	}
	res.Warnings = append(res.Warnings, RepairWarnings(rep)...)
	return res, err
}

// RepairAndVerify opens a fresh connection to dbURL, repairs sequences,
// verifies, and returns the union of both repair passes. The connection is
// closed on every path.
func RepairAndVerify(ctx context.Context, connector database.Connector, repairer Repairer, verifier Verifier, dbURL string, exp verify.Expectations) (*sequence.Report, *verify.Report, error) {
	db, err := connector.Connect(ctx, dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to restored database: %w", err)
	}
	defer closeQuietly(db)

	first := repairer.Repair(ctx, db, exp.Schema, exp.RepairBudget)
	vr := verifier.Verify(ctx, db, exp)

	var second *sequence.Report
	if vr != nil {
		second = vr.Repair
	}
	return sequence.Merge(first, second), vr, nil
}

// RepairWarnings summarizes repair problems that do not fail a job.
func RepairWarnings(r *sequence.Report) []string {
	if r == nil {
		return nil
	}
	var out []string
	if r.TimedOutEarly {
		out = append(out, "sequence repair stopped early: time budget exhausted")
	}
	if r.DiscoveryError != "" {
		out = append(out, "sequence discovery failed: "+r.DiscoveryError)
	}
	if n := r.Failed(); n > 0 {
		out = append(out, fmt.Sprintf("%d sequence(s) could not be repaired", n))
	}
	return out
}

func closeQuietly(db *sql.DB) {
	_ = db.Close()
}
