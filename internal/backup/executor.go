package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/batmantechnologies/databasetool/internal/archive"
	"github.com/batmantechnologies/databasetool/internal/config"
	"github.com/batmantechnologies/databasetool/internal/database"
	"github.com/batmantechnologies/databasetool/internal/logging"
	"github.com/batmantechnologies/databasetool/internal/restore"
	"github.com/batmantechnologies/databasetool/internal/storage"
)

// TimestampLayout is the suffix format of archive names.
const TimestampLayout = "2006-01-02_15-04-05"

// Dumper runs pg_dump into files.
type Dumper interface {
	DumpSchema(ctx context.Context, dbURL, path string) error
	DumpData(ctx context.Context, dbURL, path string) error
}

// Options are fixed for a whole batch.
type Options struct {
	// SourceURL names the source server; its database path is replaced per
	// job.
	SourceURL  string
	BackupDir  string
	TempRoot   string
	Format     archive.Format
	Passphrase string
}

// Executor dumps and packs one source database per Run call.
type Executor struct {
	opts   Options
	dumper Dumper
	// remote is nil when no object store is configured.
	remote storage.ObjectStore
	now    func() time.Time
	logger *logging.Logger
}

func NewExecutor(opts Options, dumper Dumper, remote storage.ObjectStore, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Executor{opts: opts, dumper: dumper, remote: remote, now: time.Now, logger: logger}
}

// ArchiveName is <db>_<timestamp><extension>.
func ArchiveName(db string, at time.Time, f archive.Format) string {
	return f.Name(db + "_" + at.Format(TimestampLayout))
}

// UploadKey is the object key an archive is uploaded under, relative to the
// store's folder prefix.
func UploadKey(name string) string {
	return config.BackupFolder + "/" + name
}

// Run backs up entry.Source. The target name is ignored.
func (e *Executor) Run(ctx context.Context, entry config.MappingEntry) (restore.Result, error) {
	var res restore.Result
	db := entry.Source
	log := e.logger.WithField("database", db)

	if err := database.ValidateName(db); err != nil {
		return res, err
	}
	dbURL, err := database.WithDatabase(e.opts.SourceURL, db)
	if err != nil {
		return res, err
	}

	work, err := os.MkdirTemp(e.opts.TempRoot, "databasetool-backup-"+db+"-")
	if err != nil {
		return res, fmt.Errorf("failed to create dump directory: %w", err)
	}
	defer os.RemoveAll(work)

	schemaFile, dataFile := db+"_schema.sql", db+"_data.sql"
	log.Info("Dumping schema")
	if err := e.dumper.DumpSchema(ctx, dbURL, filepath.Join(work, schemaFile)); err != nil {
		return res, err
	}
	log.Info("Dumping data")
	if err := e.dumper.DumpData(ctx, dbURL, filepath.Join(work, dataFile)); err != nil {
		return res, err
	}

	name := ArchiveName(db, e.now(), e.opts.Format)
	local := filepath.Join(e.opts.BackupDir, name)
	err = archive.PackFile(ctx, local, work, []string{schemaFile, dataFile}, archive.Options{
		Format:     e.opts.Format,
		Passphrase: e.opts.Passphrase,
	})
	if err != nil {
		return res, fmt.Errorf("failed to create archive: %w", err)
	}
	ref := restore.ArtifactRef{
		Location:     restore.Local,
		Path:         local,
		DatabaseName: db,
		Compressed:   e.opts.Format.Codec.Compressed(),
		Encrypted:    e.opts.Format.Encrypted,
	}
	res.Artifact = &ref
	log.WithField("archive", local).Info("Archive created")

	if e.remote == nil {
		return res, nil
	}

	key := UploadKey(name)
	if err := e.upload(ctx, local, key); err != nil {
		return res, err
	}
	remote := ref
	remote.Location = restore.Remote
	remote.Path = e.remote.Location(key)
	res.Artifact = &remote
	log.WithField("location", remote.Path).Info("Archive uploaded")
	return res, nil
}

func (e *Executor) upload(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := e.remote.Put(ctx, key, f); err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}
	return nil
}
