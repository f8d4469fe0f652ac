// Package backup dumps source databases with pg_dump and packs each one into
// a timestamped archive:
//
//	<local_backup_dir>/<db>_<YYYY-MM-DD_HH-MM-SS>.tar.gz
//
// The archive holds <db>_schema.sql and <db>_data.sql, the layout restore
// expects. When remote storage is configured the archive is also uploaded
// to database_backups/<name> under the store's folder prefix.
//
// Example usage:
//
//	plan, err := backup.PlanDatabases(ctx, provisioner, cfg.SourceDatabaseURL, cfg.DatabaseList)
//	if err != nil {
//		return err
//	}
//	exec := backup.NewExecutor(backup.Options{
//		SourceURL: cfg.SourceDatabaseURL,
//		BackupDir: cfg.LocalBackupDir,
//		TempRoot:  cfg.TempDumpRoot,
//		Format:    format,
//	}, pgClient, store, logger)
//	for _, entry := range plan.Mapping.Entries() {
//		res, err := exec.Run(ctx, entry)
//		...
//	}
package backup
