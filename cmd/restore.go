package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/batmantechnologies/databasetool/internal/config"
	"github.com/batmantechnologies/databasetool/internal/database"
	"github.com/batmantechnologies/databasetool/internal/orchestrator"
	"github.com/batmantechnologies/databasetool/internal/restore"
	"github.com/batmantechnologies/databasetool/internal/storage"
	"github.com/batmantechnologies/databasetool/internal/verify"
)

// restoreCmd represents the restore command
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Load dumps into target databases, then repair and verify sequences",
	Long: `Restore every source -> target pair of database_list from the artifact at
archive_file_path_for_restore. With an empty database_list, every database
that has a <db>_schema.sql in the artifact is restored under its own name. The artifact may be a directory of
<db>_schema.sql / <db>_data.sql files, a single archive holding all of them,
or a per-database archive named with {database}. Remote artifacts are given
as s3://, gs:// or azure:// URIs and fetched once per run.

After loading, each target's sequences are reset to MAX(column)+1, tables and
row counts are checked, and sequences are repaired a second time. Check
results are reported as warnings; only load failures fail a database.

Examples:
  databasetool restore --archive ./dumps
  databasetool restore --archive 's3://backups/database_backups/{database}.tar.gz' --drop-target --create-target`,
	Args: cobra.NoArgs,
	RunE: runRestore,
}

func init() {
	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, config.OpRestore)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := cmd.Context()

	passphrase, err := s.passphrase(strings.Contains(strings.ToLower(s.cfg.ArchiveFilePathForRestore), ".enc"))
	if err != nil {
		return err
	}
	tools, err := s.tools()
	if err != nil {
		return err
	}

	cacheDir, err := os.MkdirTemp(s.cfg.TempDumpRoot, "databasetool-restore-")
	if err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(cacheDir)

	creds := s.cfg.StorageCredentials()
	cache := restore.NewCache(cacheDir, func(ctx context.Context, u storage.URI) (storage.ObjectStore, string, error) {
		return storage.OpenURI(ctx, creds, u)
	}, passphrase, s.logger)

	mapping := s.cfg.DatabaseList
	if mapping.Empty() {
		if mapping, err = discoverMapping(ctx, cache, s.cfg.ArchiveFilePathForRestore); err != nil {
			return err
		}
		s.logger.WithField("databases", strings.Join(mapping.Sources(), ",")).Info("No database_list configured; restoring every database in the artifact")
	}

	connector := s.connector()
	repairer := s.repairer()
	exec := restore.NewExecutor(restore.Options{
		TargetURL:    s.cfg.TargetDatabaseURL,
		ArtifactPath: s.cfg.ArchiveFilePathForRestore,
		Schema:       s.cfg.Schema,
		RepairBudget: s.cfg.RepairBudget,
		Target:       s.cfg.TargetOptions(),
		RowCounts:    s.cfg.RowCounts(),
	}, restore.Deps{
		Cache:       cache,
		Applier:     tools,
		Provisioner: database.NewProvisioner(connector, s.logger),
		Connector:   connector,
		Repairer:    repairer,
		Verifier:    verify.NewVerifier(repairer, s.logger),
		Logger:      s.logger,
	})
	return s.runBatch(ctx, mapping, orchestrator.ModeRestore, exec)
}

// discoverMapping restores every <db>_schema.sql found in a shared artifact
// onto a database of the same name.
func discoverMapping(ctx context.Context, cache *restore.Cache, path string) (config.DatabaseMapping, error) {
	if strings.Contains(path, restore.DatabasePlaceholder) {
		return config.DatabaseMapping{}, usageError("database_list is empty and %s names one archive per database; list the databases to restore", path)
	}
	ref, err := restore.NewArtifactRef(path, "")
	if err != nil {
		return config.DatabaseMapping{}, err
	}
	dir, err := cache.Dir(ctx, ref)
	if err != nil {
		return config.DatabaseMapping{}, err
	}
	names, err := restore.DiscoverSources(dir)
	if err != nil {
		return config.DatabaseMapping{}, err
	}
	if len(names) == 0 {
		return config.DatabaseMapping{}, usageError("database_list is empty and %s holds no <database>_schema.sql dumps", path)
	}
	for _, name := range names {
		if err := database.ValidateName(name); err != nil {
			return config.DatabaseMapping{}, usageError("artifact holds a dump for %q: %v", name, err)
		}
	}
	return config.IdentityMapping(names...)
}
