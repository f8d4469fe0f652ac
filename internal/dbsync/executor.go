// Package dbsync copies a database directly from one server to another:
// schema through psql, data through pg_restore, then the same sequence
// repair and verification a restore gets.
package dbsync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/batmantechnologies/databasetool/internal/config"
	"github.com/batmantechnologies/databasetool/internal/database"
	"github.com/batmantechnologies/databasetool/internal/logging"
	"github.com/batmantechnologies/databasetool/internal/pgtools"
	"github.com/batmantechnologies/databasetool/internal/restore"
	"github.com/batmantechnologies/databasetool/internal/verify"
)

// ErrSameDatabase is returned when source and target resolve to the same
// database; the target is dropped first, so this would destroy the source.
var ErrSameDatabase = errors.New("source and target are the same database")

// Tools are the client programs a sync drives.
type Tools interface {
	DumpSchema(ctx context.Context, dbURL, path string) error
	DumpDataCustom(ctx context.Context, dbURL, path string) error
	ApplyFile(ctx context.Context, dbURL, path string, opts pgtools.StreamOptions) (pgtools.StreamStats, error)
	RestoreData(ctx context.Context, dbURL, path string) error
}

// Options locates both servers and tunes the post-load checks.
type Options struct {
	SourceURL    string
	TargetURL    string
	TempRoot     string
	Schema       string
	RepairBudget time.Duration
	RowCounts    map[string]map[string]int64
}

// Deps are the collaborators an Executor calls.
type Deps struct {
	Tools       Tools
	Provisioner restore.Provisioner
	Connector   database.Connector
	Repairer    restore.Repairer
	Verifier    restore.Verifier
	Logger      *logging.Logger
}

// Executor syncs one mapping entry per Run call.
type Executor struct {
	opts Options
	deps Deps
}

// NewExecutor wires an executor; a nil Logger discards output.
func NewExecutor(opts Options, deps Deps) *Executor {
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	return &Executor{opts: opts, deps: deps}
}

// Entry derives the single pair a sync runs from the database names in the
// two URLs. A target URL without a database name reuses the source name.
func Entry(sourceURL, targetURL string) (config.MappingEntry, error) {
	src := database.DatabaseName(sourceURL)
	if src == "" || src == database.AdminDatabase {
		return config.MappingEntry{}, fmt.Errorf("source_database_url must name the database to sync")
	}
	tgt := database.DatabaseName(targetURL)
	if tgt == "" || tgt == database.AdminDatabase {
		tgt = src
	}
	return config.MappingEntry{Source: src, Target: tgt}, nil
}

// Run replaces entry.Target with a copy of entry.Source.
func (e *Executor) Run(ctx context.Context, entry config.MappingEntry) (restore.Result, error) {
	var res restore.Result
	log := e.deps.Logger.With(map[string]interface{}{"source": entry.Source, "target": entry.Target})

	for _, name := range []string{entry.Source, entry.Target} {
		if err := database.ValidateName(name); err != nil {
			return res, err
		}
	}
	srcURL, err := database.WithDatabase(e.opts.SourceURL, entry.Source)
	if err != nil {
		return res, err
	}
	tgtURL, err := database.WithDatabase(e.opts.TargetURL, entry.Target)
	if err != nil {
		return res, err
	}
	if sameDatabase(srcURL, tgtURL) {
		return res, fmt.Errorf("%w: %s", ErrSameDatabase, logging.RedactURL(tgtURL))
	}

	work, err := os.MkdirTemp(e.opts.TempRoot, "databasetool-sync-"+entry.Source+"-")
	if err != nil {
		return res, fmt.Errorf("failed to create dump directory: %w", err)
	}
	defer os.RemoveAll(work)

	schemaFile := filepath.Join(work, entry.Source+"_schema.sql")
	dataFile := filepath.Join(work, entry.Source+"_data.dump")

	log.Info("Dumping source schema")
	if err := e.deps.Tools.DumpSchema(ctx, srcURL, schemaFile); err != nil {
		return res, err
	}
	log.Info("Dumping source data")
	if err := e.deps.Tools.DumpDataCustom(ctx, srcURL, dataFile); err != nil {
		return res, err
	}

	err = e.deps.Provisioner.PrepareTarget(ctx, e.opts.TargetURL, entry.Target, database.TargetOptions{
		DropIfExists:      true,
		CreateIfNotExists: true,
	})
	if err != nil {
		return res, err
	}

	log.Info("Restoring schema")
	stats, err := e.deps.Tools.ApplyFile(ctx, tgtURL, schemaFile, pgtools.StreamOptions{
		SourceName: entry.Source,
		TargetName: entry.Target,
	})
	if err != nil {
		return res, fmt.Errorf("schema restore failed: %w", err)
	}
	log.Info("Restoring data")
	if err := e.deps.Tools.RestoreData(ctx, tgtURL, dataFile); err != nil {
		return res, fmt.Errorf("data restore failed: %w", err)
	}

	rep, vr, err := restore.RepairAndVerify(ctx, e.deps.Connector, e.deps.Repairer, e.deps.Verifier, tgtURL, verify.Expectations{
		Schema:       e.opts.Schema,
		Tables:       stats.Tables,
		RowCounts:    e.opts.RowCounts[entry.Source],
		RepairBudget: e.opts.RepairBudget,
	})
	res.Repair, res.Verification = rep, vr
	if vr != nil {
		res.Warnings = append(res.Warnings, vr.Warnings...)
	}
	res.Warnings = append(res.Warnings, restore.RepairWarnings(rep)...)
	return res, err
}

func sameDatabase(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return strings.EqualFold(hostPort(ua), hostPort(ub)) && ua.Path == ub.Path
}

func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "5432"
	}
	return u.Hostname() + ":" + port
}
