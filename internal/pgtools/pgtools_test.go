package pgtools

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batmantechnologies/databasetool/internal/process"
)

type fakeRunner struct {
	calls  []process.Command
	stdin  bytes.Buffer
	stdout string
	err    error
	// drain controls whether the fake reads its stdin before returning.
	drain bool
}

func (f *fakeRunner) Invoke(ctx context.Context, cmd process.Command) (process.Result, error) {
	f.calls = append(f.calls, cmd)
	if cmd.Stdin != nil && f.drain {
		if _, err := io.Copy(&f.stdin, cmd.Stdin); err != nil {
			return process.Result{ExitCode: 1}, err
		}
	}
	if cmd.Stdout != nil && f.stdout != "" {
		io.WriteString(cmd.Stdout, f.stdout)
	}
	if f.err != nil {
		return process.Result{ExitCode: 3}, f.err
	}
	return process.Result{}, nil
}

var paths = Paths{PgDump: "/usr/bin/pg_dump", Psql: "/usr/bin/psql", PgRestore: "/usr/bin/pg_restore"}

func TestStreamRenamesDatabaseReferences(t *testing.T) {
	src := strings.Join([]string{
		`\connect shop`,
		`\c shop`,
		`\c "shop"`,
		`ALTER DATABASE shop SET search_path = public;`,
		`COMMENT ON DATABASE "shop" IS 'x';`,
		`GRANT ALL ON DATABASE shop;`,
		`SELECT shop.id FROM t;`,
		`INSERT INTO public.shops (name) VALUES ('shopping');`,
	}, "\n") + "\n"

	var out bytes.Buffer
	_, err := Stream(&out, strings.NewReader(src), StreamOptions{SourceName: "shop", TargetName: "shop_copy"})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	assert.Equal(t, []string{
		`\connect shop`,
		`\c shop_copy`,
		`\c "shop_copy"`,
		`ALTER DATABASE shop_copy SET search_path = public;`,
		`COMMENT ON DATABASE "shop_copy" IS 'x';`,
		`GRANT ALL ON DATABASE shop_copy;`,
		`SELECT shop_copy.id FROM t;`,
		`INSERT INTO public.shops (name) VALUES ('shopping');`,
	}, lines)
}

func TestStreamSameNameIsPassthrough(t *testing.T) {
	src := "ALTER DATABASE shop OWNER TO app;\n"
	var out bytes.Buffer
	_, err := Stream(&out, strings.NewReader(src), StreamOptions{SourceName: "shop", TargetName: "shop"})
	require.NoError(t, err)
	assert.Equal(t, src, out.String())
}

func TestStreamReplicaRoleWrapping(t *testing.T) {
	var out bytes.Buffer
	stats, err := Stream(&out, strings.NewReader("INSERT INTO t VALUES (1);"), StreamOptions{ReplicaRole: true})
	require.NoError(t, err)

	assert.Equal(t,
		"SET session_replication_role = 'replica';\n"+
			"INSERT INTO t VALUES (1);\n"+
			"SET session_replication_role = 'origin';\n",
		out.String())
	assert.Equal(t, int64(1), stats.Lines)
}

func TestStreamCollectsStatistics(t *testing.T) {
	src := `CREATE TABLE public.orders (
    id integer NOT NULL
);
CREATE TABLE IF NOT EXISTS "public"."Line Items" (id int);
CREATE UNLOGGED TABLE public.cache (k text);
INSERT INTO public.orders (id) VALUES (1);
INSERT INTO public.orders (id) VALUES (2);
INSERT INTO "public"."Line Items" (id) VALUES (1);
INSERT INTO otp(id) VALUES (9);
`
	var out bytes.Buffer
	stats, err := Stream(&out, strings.NewReader(src), StreamOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"public.orders", "public.Line Items", "public.cache"}, stats.Tables)
	assert.Equal(t, map[string]int64{
		"public.orders":     2,
		"public.Line Items": 1,
		"otp":               1,
	}, stats.Inserts)
	assert.Equal(t, int64(9), stats.Lines)
	assert.Equal(t, src, out.String())
}

func TestStreamLongLines(t *testing.T) {
	long := "INSERT INTO t (v) VALUES ('" + strings.Repeat("x", 300*1024) + "');\n"
	var out bytes.Buffer
	stats, err := Stream(&out, strings.NewReader(long), StreamOptions{})
	require.NoError(t, err)
	assert.Equal(t, long, out.String())
	assert.Equal(t, int64(1), stats.Inserts["t"])
}

func TestSplitName(t *testing.T) {
	s, n := SplitName("public.orders")
	assert.Equal(t, "public", s)
	assert.Equal(t, "orders", n)

	s, n = SplitName("otp")
	assert.Empty(t, s)
	assert.Equal(t, "otp", n)
}

func TestArgs(t *testing.T) {
	url := "postgres://u:p@h/shop"
	assert.Equal(t, []string{"--schema-only", url}, SchemaDumpArgs(url))
	assert.Equal(t, []string{"--data-only", "--column-inserts", url}, DataDumpArgs(url))
	assert.Equal(t, []string{"--data-only", "--format=custom", url}, CustomDataDumpArgs(url))
	assert.Equal(t, []string{"-X", "-q", "-v", "ON_ERROR_STOP=1", "-d", url, "-f", "-"}, PsqlArgs(url, "-"))
	assert.Equal(t, []string{
		"--data-only", "--disable-triggers", "--no-owner", "--no-acl", "--exit-on-error",
		"--dbname", url, "/tmp/d.dump",
	}, RestoreDataArgs(url, "/tmp/d.dump"))
}

func TestClientDumpSchemaWritesStdoutToFile(t *testing.T) {
	runner := &fakeRunner{stdout: "CREATE TABLE t (id int);\n"}
	c := NewClient(paths, runner, nil)

	path := filepath.Join(t.TempDir(), "shop_schema.sql")
	require.NoError(t, c.DumpSchema(context.Background(), "postgres://h/shop", path))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE t (id int);\n", string(got))
	require.Len(t, runner.calls, 1)
	assert.Equal(t, paths.PgDump, runner.calls[0].Path)
	assert.Equal(t, SchemaDumpArgs("postgres://h/shop"), runner.calls[0].Args)
}

func TestClientDumpFailure(t *testing.T) {
	runner := &fakeRunner{err: &process.ExitError{Command: "pg_dump", ExitCode: 1, Stderr: "database does not exist"}}
	c := NewClient(paths, runner, nil)

	err := c.DumpData(context.Background(), "postgres://h/missing", filepath.Join(t.TempDir(), "d.sql"))
	require.Error(t, err)
	var exitErr *process.ExitError
	assert.True(t, errors.As(err, &exitErr))
	assert.Contains(t, err.Error(), "pg_dump (data)")
}

func TestClientApplyStreamsIntoPsql(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shop_data.sql")
	require.NoError(t, os.WriteFile(path, []byte("INSERT INTO public.t (id) VALUES (1);\n\\c shop\n"), 0o600))

	runner := &fakeRunner{drain: true}
	c := NewClient(paths, runner, nil)

	stats, err := c.ApplyFile(context.Background(), "postgres://h/shop_copy", path,
		StreamOptions{SourceName: "shop", TargetName: "shop_copy", ReplicaRole: true})
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.Inserts["public.t"])
	assert.Equal(t,
		"SET session_replication_role = 'replica';\n"+
			"INSERT INTO public.t (id) VALUES (1);\n"+
			"\\c shop_copy\n"+
			"SET session_replication_role = 'origin';\n",
		runner.stdin.String())
	require.Len(t, runner.calls, 1)
	assert.Equal(t, PsqlArgs("postgres://h/shop_copy", "-"), runner.calls[0].Args)
}

func TestClientApplyPsqlExitsEarly(t *testing.T) {
	big := strings.NewReader(strings.Repeat("INSERT INTO t VALUES (1);\n", 100000))
	runner := &fakeRunner{err: &process.ExitError{Command: "psql", ExitCode: 3, Stderr: "ERROR: relation \"t\" does not exist"}}
	c := NewClient(paths, runner, nil)

	_, err := c.Apply(context.Background(), "postgres://h/db", big, StreamOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "psql failed")
}

func TestClientApplyMissingFile(t *testing.T) {
	c := NewClient(paths, &fakeRunner{}, nil)
	_, err := c.ApplyFile(context.Background(), "postgres://h/db", "/nonexistent/x.sql", StreamOptions{})
	assert.Error(t, err)
}

func TestClientRestoreData(t *testing.T) {
	runner := &fakeRunner{}
	c := NewClient(paths, runner, nil)

	require.NoError(t, c.RestoreData(context.Background(), "postgres://h/db", "/tmp/db_data.dump"))
	require.Len(t, runner.calls, 1)
	assert.Equal(t, paths.PgRestore, runner.calls[0].Path)
}
