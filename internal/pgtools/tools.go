// Package pgtools drives the PostgreSQL client programs: pg_dump for schema
// and data dumps, psql for replaying plain SQL, and pg_restore for custom
// format data archives.
package pgtools

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/batmantechnologies/databasetool/internal/logging"
	"github.com/batmantechnologies/databasetool/internal/process"
)

// Program names looked up on PATH.
const (
	PgDump    = "pg_dump"
	Psql      = "psql"
	PgRestore = "pg_restore"
)

// Paths holds resolved executables.
type Paths struct {
	PgDump    string
	Psql      string
	PgRestore string
}

// Resolve finds every client program on PATH. The error names all of the
// missing ones at once.
func Resolve() (Paths, error) {
	found, err := process.LookPath(PgDump, Psql, PgRestore)
	if err != nil {
		return Paths{}, err
	}
	return Paths{PgDump: found[0], Psql: found[1], PgRestore: found[2]}, nil
}

// SchemaDumpArgs dumps DDL only, as plain SQL on stdout.
func SchemaDumpArgs(dbURL string) []string {
	return []string{"--schema-only", dbURL}
}

// DataDumpArgs dumps rows as one INSERT per row with explicit column lists.
func DataDumpArgs(dbURL string) []string {
	return []string{"--data-only", "--column-inserts", dbURL}
}

// CustomDataDumpArgs dumps rows in pg_dump's custom format for pg_restore.
func CustomDataDumpArgs(dbURL string) []string {
	return []string{"--data-only", "--format=custom", dbURL}
}

// PsqlArgs replays file ("-" for stdin) with psqlrc ignored and the first
// error fatal.
func PsqlArgs(dbURL, file string) []string {
	return []string{"-X", "-q", "-v", "ON_ERROR_STOP=1", "-d", dbURL, "-f", file}
}

// RestoreDataArgs loads a custom format data archive with triggers
// disabled.
func RestoreDataArgs(dbURL, file string) []string {
	return []string{
		"--data-only",
		"--disable-triggers",
		"--no-owner",
		"--no-acl",
		"--exit-on-error",
		"--dbname", dbURL,
		file,
	}
}

// Client runs the tools through a process.Runner.
type Client struct {
	paths  Paths
	runner process.Runner
	logger *logging.Logger
}

func NewClient(paths Paths, runner process.Runner, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Client{paths: paths, runner: runner, logger: logger}
}

// DumpSchema writes a plain schema dump of dbURL to path.
func (c *Client) DumpSchema(ctx context.Context, dbURL, path string) error {
	return c.dumpTo(ctx, "schema", SchemaDumpArgs(dbURL), path)
}

// DumpData writes a plain INSERT data dump of dbURL to path.
func (c *Client) DumpData(ctx context.Context, dbURL, path string) error {
	return c.dumpTo(ctx, "data", DataDumpArgs(dbURL), path)
}

// DumpDataCustom writes a custom format data dump of dbURL to path.
func (c *Client) DumpDataCustom(ctx context.Context, dbURL, path string) error {
	return c.dumpTo(ctx, "data", CustomDataDumpArgs(dbURL), path)
}

func (c *Client) dumpTo(ctx context.Context, what string, args []string, path string) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s dump file: %w", what, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to write %s dump file: %w", what, cerr)
		}
	}()

	c.logger.Debugf("Dumping %s to %s", what, path)
	if _, err := c.runner.Invoke(ctx, process.Command{Path: c.paths.PgDump, Args: args, Stdout: f}); err != nil {
		return fmt.Errorf("pg_dump (%s) failed: %w", what, err)
	}
	return nil
}

// ApplyFile streams the SQL file at path into psql against dbURL, rewriting
// it according to opts on the way.
func (c *Client) ApplyFile(ctx context.Context, dbURL, path string, opts StreamOptions) (StreamStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return StreamStats{}, fmt.Errorf("failed to open SQL file: %w", err)
	}
	defer f.Close()
	return c.Apply(ctx, dbURL, f, opts)
}

// Apply streams src into psql's standard input.
func (c *Client) Apply(ctx context.Context, dbURL string, src io.Reader, opts StreamOptions) (StreamStats, error) {
	pr, pw := io.Pipe()

	type streamed struct {
		stats StreamStats
		err   error
	}
	done := make(chan streamed, 1)
	go func() {
		stats, err := Stream(pw, src, opts)
		pw.CloseWithError(err)
		done <- streamed{stats, err}
	}()

	_, runErr := c.runner.Invoke(ctx, process.Command{Path: c.paths.Psql, Args: PsqlArgs(dbURL, "-"), Stdin: pr})
	// psql may exit before draining stdin; unblock the writer.
	pr.CloseWithError(io.ErrClosedPipe)
	res := <-done

	if runErr != nil {
		return res.stats, fmt.Errorf("psql failed: %w", runErr)
	}
	if res.err != nil {
		return res.stats, fmt.Errorf("failed to stream SQL: %w", res.err)
	}
	return res.stats, nil
}

// RestoreData loads a custom format archive at path into dbURL.
func (c *Client) RestoreData(ctx context.Context, dbURL, path string) error {
	if _, err := c.runner.Invoke(ctx, process.Command{Path: c.paths.PgRestore, Args: RestoreDataArgs(dbURL, path)}); err != nil {
		return fmt.Errorf("pg_restore failed: %w", err)
	}
	return nil
}
