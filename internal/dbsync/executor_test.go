package dbsync

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batmantechnologies/databasetool/internal/config"
	"github.com/batmantechnologies/databasetool/internal/database"
	"github.com/batmantechnologies/databasetool/internal/pgtools"
	"github.com/batmantechnologies/databasetool/internal/sequence"
	"github.com/batmantechnologies/databasetool/internal/verify"
)

type fakeTools struct {
	steps      []string
	applyOpts  pgtools.StreamOptions
	restoreErr error
}

func (f *fakeTools) DumpSchema(ctx context.Context, dbURL, path string) error {
	f.steps = append(f.steps, "dump-schema "+dbURL)
	return os.WriteFile(path, []byte("CREATE TABLE public.orders (id int);\n"), 0o600)
}

func (f *fakeTools) DumpDataCustom(ctx context.Context, dbURL, path string) error {
	f.steps = append(f.steps, "dump-data "+filepath.Ext(path))
	return os.WriteFile(path, []byte("PGDMP"), 0o600)
}

func (f *fakeTools) ApplyFile(ctx context.Context, dbURL, path string, opts pgtools.StreamOptions) (pgtools.StreamStats, error) {
	f.steps = append(f.steps, "psql "+dbURL)
	f.applyOpts = opts
	return pgtools.StreamStats{Tables: []string{"public.orders"}}, nil
}

func (f *fakeTools) RestoreData(ctx context.Context, dbURL, path string) error {
	f.steps = append(f.steps, "pg_restore "+dbURL)
	return f.restoreErr
}

type fakeProvisioner struct {
	opts database.TargetOptions
	name string
}

func (f *fakeProvisioner) PrepareTarget(ctx context.Context, serverURL, name string, opts database.TargetOptions) error {
	f.name, f.opts = name, opts
	return nil
}

type mockConnector struct {
	t    *testing.T
	mock sqlmock.Sqlmock
}

func (c *mockConnector) Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, mock, err := sqlmock.New()
	require.NoError(c.t, err)
	mock.ExpectClose()
	c.mock = mock
	return db, nil
}

type countingRepairer struct{ calls int }

func (r *countingRepairer) Repair(ctx context.Context, conn sequence.Conn, schema string, budget time.Duration) *sequence.Report {
	r.calls++
	return &sequence.Report{Schema: schema}
}

type passVerifier struct {
	exp verify.Expectations
	r   *countingRepairer
}

func (v *passVerifier) Verify(ctx context.Context, conn sequence.Conn, exp verify.Expectations) *verify.Report {
	v.exp = exp
	return &verify.Report{Schema: exp.Schema, Repair: v.r.Repair(ctx, conn, exp.Schema, exp.RepairBudget)}
}

func newSync(t *testing.T, tools *fakeTools) (*Executor, *fakeProvisioner, *countingRepairer, *passVerifier, *mockConnector) {
	prov := &fakeProvisioner{}
	rep := &countingRepairer{}
	ver := &passVerifier{r: rep}
	conn := &mockConnector{t: t}
	e := NewExecutor(Options{
		SourceURL: "postgres://app:pw@prod.local:5432/shop",
		TargetURL: "postgres://app:pw@staging.local:5432/postgres",
		TempRoot:  t.TempDir(),
		Schema:    "public",
		RowCounts: map[string]map[string]int64{"shop": {"orders": 4}},
	}, Deps{Tools: tools, Provisioner: prov, Connector: conn, Repairer: rep, Verifier: ver})
	return e, prov, rep, ver, conn
}

func TestRunSyncsInOrder(t *testing.T) {
	tools := &fakeTools{}
	e, prov, rep, ver, conn := newSync(t, tools)

	res, err := e.Run(context.Background(), config.MappingEntry{Source: "shop", Target: "shop_staging"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"dump-schema postgres://app:pw@prod.local:5432/shop",
		"dump-data .dump",
		"psql postgres://app:pw@staging.local:5432/shop_staging",
		"pg_restore postgres://app:pw@staging.local:5432/shop_staging",
	}, tools.steps)
	assert.Equal(t, pgtools.StreamOptions{SourceName: "shop", TargetName: "shop_staging"}, tools.applyOpts)

	assert.Equal(t, "shop_staging", prov.name)
	assert.True(t, prov.opts.DropIfExists)
	assert.True(t, prov.opts.CreateIfNotExists)

	assert.Equal(t, 2, rep.calls)
	assert.Equal(t, []string{"public.orders"}, ver.exp.Tables)
	assert.Equal(t, map[string]int64{"orders": 4}, ver.exp.RowCounts)
	assert.NotNil(t, res.Repair)
	assert.NoError(t, conn.mock.ExpectationsWereMet())
}

func TestRunRestoreFailure(t *testing.T) {
	tools := &fakeTools{restoreErr: errors.New("pg_restore failed: exit status 1")}
	e, _, rep, _, _ := newSync(t, tools)

	_, err := e.Run(context.Background(), config.MappingEntry{Source: "shop", Target: "shop_staging"})
	assert.ErrorContains(t, err, "data restore failed")
	assert.Equal(t, 0, rep.calls)
}

func TestRunRefusesSameDatabase(t *testing.T) {
	tools := &fakeTools{}
	e, prov, _, _, _ := newSync(t, tools)
	e.opts.TargetURL = "postgres://other:pw@PROD.local/postgres"

	_, err := e.Run(context.Background(), config.MappingEntry{Source: "shop", Target: "shop"})
	assert.ErrorIs(t, err, ErrSameDatabase)
	assert.Empty(t, tools.steps)
	assert.Empty(t, prov.name)
}

func TestEntry(t *testing.T) {
	e, err := Entry("postgres://h/shop", "postgres://g/shop_copy")
	require.NoError(t, err)
	assert.Equal(t, config.MappingEntry{Source: "shop", Target: "shop_copy"}, e)

	e, err = Entry("postgres://h/shop", "postgres://g/")
	require.NoError(t, err)
	assert.Equal(t, "shop", e.Target)

	_, err = Entry("postgres://h/postgres", "postgres://g/x")
	assert.Error(t, err)
}
