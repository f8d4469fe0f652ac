package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batmantechnologies/databasetool/internal/archive"
	"github.com/batmantechnologies/databasetool/internal/config"
	"github.com/batmantechnologies/databasetool/internal/process"
	"github.com/batmantechnologies/databasetool/internal/restore"
	"github.com/batmantechnologies/databasetool/internal/storage"
)

type fakeDumper struct {
	urls    []string
	dataErr error
}

func (f *fakeDumper) DumpSchema(ctx context.Context, dbURL, path string) error {
	f.urls = append(f.urls, dbURL)
	return os.WriteFile(path, []byte("CREATE TABLE orders (id serial);\n"), 0o600)
}

func (f *fakeDumper) DumpData(ctx context.Context, dbURL, path string) error {
	if f.dataErr != nil {
		return f.dataErr
	}
	return os.WriteFile(path, []byte("INSERT INTO orders (id) VALUES (1);\n"), 0o600)
}

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func newExecutor(t *testing.T, dumper Dumper, remote storage.ObjectStore, format archive.Format) (*Executor, string) {
	t.Helper()
	dir := t.TempDir()
	e := NewExecutor(Options{
		SourceURL:  "postgres://app:pw@src.local:5432/postgres",
		BackupDir:  dir,
		TempRoot:   t.TempDir(),
		Format:     format,
		Passphrase: "correct horse",
	}, dumper, remote, nil)
	e.now = func() time.Time { return fixedNow }
	return e, dir
}

func TestArchiveName(t *testing.T) {
	assert.Equal(t, "shop_2026-03-14_09-26-53.tar.gz", ArchiveName("shop", fixedNow, archive.Format{Codec: archive.CodecGzip}))
	assert.Equal(t, "shop_2026-03-14_09-26-53.tar.zst.enc", ArchiveName("shop", fixedNow, archive.Format{Codec: archive.CodecZstd, Encrypted: true}))
	assert.Equal(t, "database_backups/x.tar.gz", UploadKey("x.tar.gz"))
}

func TestRunDumpsAndPacks(t *testing.T) {
	dumper := &fakeDumper{}
	e, dir := newExecutor(t, dumper, nil, archive.Format{Codec: archive.CodecGzip})

	res, err := e.Run(context.Background(), config.MappingEntry{Source: "shop", Target: "ignored"})
	require.NoError(t, err)

	assert.Equal(t, []string{"postgres://app:pw@src.local:5432/shop"}, dumper.urls)
	require.NotNil(t, res.Artifact)
	assert.Equal(t, restore.Local, res.Artifact.Location)
	assert.Equal(t, filepath.Join(dir, "shop_2026-03-14_09-26-53.tar.gz"), res.Artifact.Path)
	assert.True(t, res.Artifact.Compressed)

	names, err := archive.UnpackFile(context.Background(), res.Artifact.Path, t.TempDir(), "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"shop_schema.sql", "shop_data.sql"}, names)
}

func TestRunUploadsToRemote(t *testing.T) {
	store := storage.NewMemoryStore()
	e, dir := newExecutor(t, &fakeDumper{}, store, archive.Format{Codec: archive.CodecLZ4, Encrypted: true})

	res, err := e.Run(context.Background(), config.MappingEntry{Source: "crm", Target: "crm"})
	require.NoError(t, err)

	key := "database_backups/crm_2026-03-14_09-26-53.tar.lz4.enc"
	ok, err := store.Exists(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, restore.Remote, res.Artifact.Location)
	assert.Equal(t, "mem://"+key, res.Artifact.Path)
	assert.True(t, res.Artifact.Encrypted)
	assert.FileExists(t, filepath.Join(dir, "crm_2026-03-14_09-26-53.tar.lz4.enc"))
}

func TestRunDumpFailureLeavesNoArchive(t *testing.T) {
	dumper := &fakeDumper{dataErr: &process.ExitError{Command: "pg_dump", ExitCode: 1, Stderr: "permission denied for table orders"}}
	e, dir := newExecutor(t, dumper, nil, archive.Format{Codec: archive.CodecGzip})

	res, err := e.Run(context.Background(), config.MappingEntry{Source: "shop", Target: "shop"})
	var exitErr *process.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Nil(t, res.Artifact)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunRejectsInvalidName(t *testing.T) {
	e, _ := newExecutor(t, &fakeDumper{}, nil, archive.Format{})
	_, err := e.Run(context.Background(), config.MappingEntry{Source: "shop; drop", Target: "x"})
	assert.Error(t, err)
}

func TestRunEncryptedNeedsPassphrase(t *testing.T) {
	e, _ := newExecutor(t, &fakeDumper{}, nil, archive.Format{Codec: archive.CodecGzip, Encrypted: true})
	e.opts.Passphrase = ""
	_, err := e.Run(context.Background(), config.MappingEntry{Source: "shop", Target: "shop"})
	assert.Error(t, err)
}

type fakeLister struct {
	names []string
	err   error
}

func (f fakeLister) ListDatabases(ctx context.Context, serverURL string) ([]string, error) {
	return f.names, f.err
}

func TestPlanDatabasesDiscovers(t *testing.T) {
	lister := fakeLister{names: []string{"postgres", "shop", "template0", "template1", "crm"}}
	plan, err := PlanDatabases(context.Background(), lister, "postgres://h/postgres", config.DatabaseMapping{})
	require.NoError(t, err)

	assert.Equal(t, []string{"shop", "crm"}, plan.Mapping.Sources())
	assert.Len(t, plan.Skipped, 3)
}

func TestPlanDatabasesExplicitKeepsPostgres(t *testing.T) {
	m, err := config.IdentityMapping("postgres", "template1", "shop")
	require.NoError(t, err)

	plan, err := PlanDatabases(context.Background(), fakeLister{err: errors.New("not called")}, "postgres://h/postgres", m)
	require.NoError(t, err)
	assert.Equal(t, []string{"postgres", "shop"}, plan.Mapping.Sources())
	assert.Equal(t, []string{"template1: template database"}, plan.Skipped)
}

func TestPlanDatabasesListFailure(t *testing.T) {
	_, err := PlanDatabases(context.Background(), fakeLister{err: errors.New("connection refused")}, "postgres://h/postgres", config.DatabaseMapping{})
	assert.ErrorContains(t, err, "failed to list databases")
}
