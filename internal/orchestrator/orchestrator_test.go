package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batmantechnologies/databasetool/internal/config"
	"github.com/batmantechnologies/databasetool/internal/database"
	"github.com/batmantechnologies/databasetool/internal/pgtools"
	"github.com/batmantechnologies/databasetool/internal/restore"
	"github.com/batmantechnologies/databasetool/internal/sequence"
	"github.com/batmantechnologies/databasetool/internal/storage"
	"github.com/batmantechnologies/databasetool/internal/verify"
)

type nopApplier struct{}

func (nopApplier) ApplyFile(ctx context.Context, dbURL, path string, opts pgtools.StreamOptions) (pgtools.StreamStats, error) {
	return pgtools.StreamStats{}, nil
}

type nopProvisioner struct{}

func (nopProvisioner) PrepareTarget(ctx context.Context, serverURL, name string, opts database.TargetOptions) error {
	return nil
}

type mockConnector struct{ t *testing.T }

func (c mockConnector) Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, mock, err := sqlmock.New()
	require.NoError(c.t, err)
	mock.ExpectClose()
	return db, nil
}

type otpRepairer struct{}

func (otpRepairer) Repair(ctx context.Context, conn sequence.Conn, schema string, budget time.Duration) *sequence.Report {
	prev := int64(1)
	return &sequence.Report{
		Schema: schema,
		Outcomes: []sequence.Outcome{{
			Descriptor:   sequence.Descriptor{Schema: schema, SequenceName: "otp_id_seq", TableName: "otp", ColumnName: "id", Origin: sequence.OriginFallback},
			PreviousNext: &prev,
			NewValue:     4,
			Status:       sequence.StatusRepaired,
		}},
	}
}

func TestRestoreBatchWithOneMissingArtifact(t *testing.T) {
	root := t.TempDir()
	for _, db := range []string{"shop", "crm"} {
		dir := filepath.Join(root, db)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, db+"_schema.sql"), []byte("--\n"), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, db+"_data.sql"), []byte("--\n"), 0o600))
	}

	repairer := otpRepairer{}
	exec := restore.NewExecutor(restore.Options{
		TargetURL:    "postgres://app:pw@db.local:5432/postgres",
		ArtifactPath: filepath.Join(root, "{database}"),
	}, restore.Deps{
		Cache: restore.NewCache(t.TempDir(), func(ctx context.Context, u storage.URI) (storage.ObjectStore, string, error) {
			return nil, "", errors.New("no remote storage")
		}, "", nil),
		Applier:     nopApplier{},
		Provisioner: nopProvisioner{},
		Connector:   mockConnector{t: t},
		Repairer:    repairer,
		Verifier:    verify.NewVerifier(repairer, nil),
	})

	mapping, err := config.NewMapping(
		config.MappingEntry{Source: "shop", Target: "shop_dev"},
		config.MappingEntry{Source: "billing", Target: "billing_dev"},
		config.MappingEntry{Source: "crm"},
	)
	require.NoError(t, err)

	o := New(nil)
	o.Register(ModeRestore, exec)
	batch := o.Run(context.Background(), mapping, ModeRestore, Options{})

	require.Len(t, batch.Jobs, 3)
	assert.Equal(t, []string{"shop", "billing", "crm"}, []string{batch.Jobs[0].DatabaseName, batch.Jobs[1].DatabaseName, batch.Jobs[2].DatabaseName})
	assert.False(t, batch.Succeeded())

	failures := batch.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "billing", failures[0].DatabaseName)
	assert.ErrorIs(t, failures[0].Err, restore.ErrArtifactNotFound)
	assert.Contains(t, failures[0].Reason, "artifact not found")

	for _, i := range []int{0, 2} {
		job := batch.Jobs[i]
		assert.True(t, job.Succeeded(), job.DatabaseName)
		require.NotNil(t, job.Repair, job.DatabaseName)
		assert.Equal(t, 2, job.Repair.Repaired())
		assert.Equal(t, int64(4), job.Repair.Outcomes[0].NewValue)
		require.NotNil(t, job.Verification)
		assert.Equal(t, ModeRestore, job.Phase)
	}
	assert.Equal(t, "crm", batch.Jobs[2].TargetName)

	err = batch.Err()
	assert.ErrorIs(t, err, ErrBatchFailed)
	assert.Contains(t, err.Error(), "1 of 3")
}

func identity(t *testing.T, names ...string) config.DatabaseMapping {
	t.Helper()
	m, err := config.IdentityMapping(names...)
	require.NoError(t, err)
	return m
}

func TestPanicIsRecoveredIntoFailure(t *testing.T) {
	o := New(nil)
	o.Register(ModeBackup, JobRunnerFunc(func(ctx context.Context, e config.MappingEntry) (restore.Result, error) {
		if e.Source == "b" {
			panic("nil map write")
		}
		return restore.Result{}, nil
	}))

	batch := o.Run(context.Background(), identity(t, "a", "b", "c"), ModeBackup, Options{})
	require.Len(t, batch.Failures(), 1)
	assert.Equal(t, "panic: nil map write", batch.Failures()[0].Reason)
	assert.True(t, batch.Jobs[2].Succeeded())
	assert.Empty(t, batch.Jobs[0].TargetName)
}

func TestParallelKeepsMappingOrderAndBound(t *testing.T) {
	var running, peak int32
	var mu sync.Mutex
	started := map[string]bool{}

	o := New(nil)
	o.Register(ModeSync, JobRunnerFunc(func(ctx context.Context, e config.MappingEntry) (restore.Result, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		mu.Lock()
		started[e.Source] = true
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		if e.Source == "d" {
			return restore.Result{Warnings: []string{"w"}}, errors.New("boom")
		}
		return restore.Result{Warnings: []string{"w"}}, nil
	}))

	names := []string{"a", "b", "c", "d", "e", "f"}
	batch := o.Run(context.Background(), identity(t, names...), ModeSync, Options{Parallelism: 2})

	require.Len(t, batch.Jobs, len(names))
	for i, n := range names {
		assert.Equal(t, n, batch.Jobs[i].DatabaseName)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Len(t, started, len(names))
	assert.Len(t, batch.Failures(), 1)
	assert.Equal(t, len(names), batch.Warnings())
}

func TestMissingRunnerFailsEveryJob(t *testing.T) {
	batch := New(nil).Run(context.Background(), identity(t, "a", "b"), ModeRestore, Options{})
	assert.Len(t, batch.Failures(), 2)
	assert.Contains(t, batch.Jobs[0].Reason, "no runner")
}

func TestCanceledContextSkipsJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int32
	o := New(nil)
	o.Register(ModeRestore, JobRunnerFunc(func(ctx context.Context, e config.MappingEntry) (restore.Result, error) {
		atomic.AddInt32(&calls, 1)
		return restore.Result{}, nil
	}))
	batch := o.Run(ctx, identity(t, "a"), ModeRestore, Options{})

	assert.Equal(t, int32(0), calls)
	assert.ErrorIs(t, batch.Failures()[0].Err, context.Canceled)
}

func TestBatchMetadata(t *testing.T) {
	id := uuid.MustParse("6f1c2b9e-8f7a-4c1e-9d2b-3a4e5f607182")
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	o := New(nil)
	o.newID = func() uuid.UUID { return id }
	o.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	o.Register(ModeBackup, JobRunnerFunc(func(ctx context.Context, e config.MappingEntry) (restore.Result, error) {
		return restore.Result{}, nil
	}))

	batch := o.Run(context.Background(), identity(t, "a"), ModeBackup, Options{})
	assert.Equal(t, id, batch.ID)
	assert.Equal(t, ModeBackup, batch.Mode)
	assert.True(t, batch.Succeeded())
	assert.NoError(t, batch.Err())
	assert.Equal(t, time.Second, batch.Jobs[0].Duration)
	assert.Equal(t, 3*time.Second, batch.Duration)
}

func TestEmptyBatchSucceeds(t *testing.T) {
	batch := New(nil).Run(context.Background(), config.DatabaseMapping{}, ModeRestore, Options{Parallelism: 4})
	assert.True(t, batch.Succeeded())
	assert.Empty(t, batch.Jobs)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("sync")
	require.NoError(t, err)
	assert.Equal(t, ModeSync, m)
	_, err = ParseMode("rollback")
	assert.Error(t, err)
}
