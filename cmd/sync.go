package cmd

import (
	"github.com/spf13/cobra"

	"github.com/batmantechnologies/databasetool/internal/config"
	"github.com/batmantechnologies/databasetool/internal/database"
	"github.com/batmantechnologies/databasetool/internal/dbsync"
	"github.com/batmantechnologies/databasetool/internal/orchestrator"
	"github.com/batmantechnologies/databasetool/internal/verify"
)

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Copy databases directly from the source server to the target server",
	Long: `Copy a database from source_database_url to target_database_url without
keeping an archive: the schema is dumped as SQL and applied with psql, the
data is dumped in custom format and loaded with pg_restore. The target is
always dropped and recreated first. Sequences are then repaired and the copy
verified exactly as after a restore.

With a database_list every pair is synced between the two servers. Without
one, the database names are taken from the two URLs; a target URL without a
database reuses the source name. Syncing a database onto itself is refused.

Examples:
  databasetool sync --source-url postgres://prod/shop --target-url postgres://staging/shop_copy`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, config.OpSync)
	if err != nil {
		return err
	}
	defer s.Close()

	mapping := s.cfg.DatabaseList
	if mapping.Empty() {
		entry, err := dbsync.Entry(s.cfg.SourceDatabaseURL, s.cfg.TargetDatabaseURL)
		if err != nil {
			return usageError("%v", err)
		}
		if mapping, err = config.NewMapping(entry); err != nil {
			return err
		}
	}

	tools, err := s.tools()
	if err != nil {
		return err
	}
	connector := s.connector()
	repairer := s.repairer()
	exec := dbsync.NewExecutor(dbsync.Options{
		SourceURL:    s.cfg.SourceDatabaseURL,
		TargetURL:    s.cfg.TargetDatabaseURL,
		TempRoot:     s.cfg.TempDumpRoot,
		Schema:       s.cfg.Schema,
		RepairBudget: s.cfg.RepairBudget,
		RowCounts:    s.cfg.RowCounts(),
	}, dbsync.Deps{
		Tools:       tools,
		Provisioner: database.NewProvisioner(connector, s.logger),
		Connector:   connector,
		Repairer:    repairer,
		Verifier:    verify.NewVerifier(repairer, s.logger),
		Logger:      s.logger,
	})
	return s.runBatch(cmd.Context(), mapping, orchestrator.ModeSync, exec)
}
