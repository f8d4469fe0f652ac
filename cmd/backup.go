package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/batmantechnologies/databasetool/internal/backup"
	"github.com/batmantechnologies/databasetool/internal/config"
	"github.com/batmantechnologies/databasetool/internal/database"
	"github.com/batmantechnologies/databasetool/internal/display"
	"github.com/batmantechnologies/databasetool/internal/orchestrator"
	"github.com/batmantechnologies/databasetool/internal/storage"
)

var listDatabase string

// backupCmd represents the backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Dump each listed database into a timestamped archive",
	Long: `Dump the schema and data of every database in database_list with pg_dump
and pack them into <local_backup_dir>/<db>_<YYYY-MM-DD_HH-MM-SS>.tar.<codec>.

When remote storage is configured the archive is also uploaded under
database_backups/. With an empty database_list every database on the source
server is backed up except templates and postgres.

Examples:
  databasetool backup --config databasetool.yaml
  databasetool backup --compression zstd --encrypt
  databasetool backup list --database shop`,
	RunE: runBackup,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup archives, newest first",
	Long: `List archives in the configured remote storage, or in local_backup_dir
when no remote storage is configured.`,
	Args: cobra.NoArgs,
	RunE: runBackupList,
}

func init() {
	backupListCmd.Flags().StringVar(&listDatabase, "database", "", "only list archives of this database")
	backupCmd.AddCommand(backupListCmd)
	rootCmd.AddCommand(backupCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, config.OpBackup)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := cmd.Context()

	format, err := s.cfg.ArchiveFormat()
	if err != nil {
		return err
	}
	passphrase, err := s.passphrase(format.Encrypted)
	if err != nil {
		return err
	}
	tools, err := s.tools()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.cfg.LocalBackupDir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	var remote storage.ObjectStore
	if rc, ok := s.cfg.RemoteStorage(); ok {
		remote, err = storage.Open(ctx, rc)
		if err != nil {
			return fmt.Errorf("failed to open %s storage: %w", rc.Provider, err)
		}
		if err := remote.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s storage is not reachable: %w", rc.Provider, err)
		}
	}

	plan, err := backup.PlanDatabases(ctx, database.NewProvisioner(s.connector(), s.logger), s.cfg.SourceDatabaseURL, s.cfg.DatabaseList)
	if err != nil {
		return err
	}
	for _, skipped := range plan.Skipped {
		s.logger.WithField("reason", skipped).Info("Skipping database")
	}

	exec := backup.NewExecutor(backup.Options{
		SourceURL:  s.cfg.SourceDatabaseURL,
		BackupDir:  s.cfg.LocalBackupDir,
		TempRoot:   s.cfg.TempDumpRoot,
		Format:     format,
		Passphrase: passphrase,
	}, tools, remote, s.logger)
	return s.runBatch(ctx, plan.Mapping, orchestrator.ModeBackup, exec)
}

func runBackupList(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, "")
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := cmd.Context()

	rc, remote := s.cfg.RemoteStorage()
	prefix := config.BackupFolder + "/"
	if !remote {
		if s.cfg.LocalBackupDir == "" {
			return usageError("no remote storage is configured and local_backup_dir is empty")
		}
		rc = storage.Config{Provider: storage.ProviderLocal, Local: storage.LocalConfig{BasePath: s.cfg.LocalBackupDir}}
		prefix = ""
	}
	store, err := storage.Open(ctx, rc)
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", rc.Provider, err)
	}

	archives, err := backup.ListArchives(ctx, store, prefix, listDatabase)
	if err != nil {
		return err
	}
	if s.format != display.FormatTable {
		return s.renderer.Value(archives)
	}

	t := display.NewTable(s.palette, "DATABASE", "TAKEN", "SIZE", "LOCATION").Align(2, display.AlignRight)
	for _, a := range archives {
		t.AddTextRow(a.Database, a.TakenAt.Format(time.DateTime), formatBytes(a.Size), a.Location)
	}
	if t.Len() == 0 {
		fmt.Fprintln(s.out, "No backups found.")
		return nil
	}
	return t.RenderTo(s.out)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
