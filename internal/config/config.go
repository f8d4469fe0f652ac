// Package config loads the tool's settings and the database mapping that
// drives a batch.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/batmantechnologies/databasetool/internal/archive"
	"github.com/batmantechnologies/databasetool/internal/database"
	"github.com/batmantechnologies/databasetool/internal/logging"
	"github.com/batmantechnologies/databasetool/internal/sequence"
	"github.com/batmantechnologies/databasetool/internal/storage"
)

// Operation is the command a configuration is validated for.
type Operation string

const (
	OpBackup  Operation = "backup"
	OpRestore Operation = "restore"
	OpSync    Operation = "sync"
)

const (
	DefaultRepairBudget  = sequence.DefaultBudget
	DefaultPassphraseEnv = "DATABASETOOL_PASSPHRASE"

	// BackupFolder is the key prefix uploads are placed under.
	BackupFolder = "database_backups"
)

// Config is the whole configuration file.
type Config struct {
	SourceDatabaseURL         string `mapstructure:"source_database_url" yaml:"source_database_url"`
	TargetDatabaseURL         string `mapstructure:"target_database_url" yaml:"target_database_url"`
	LocalBackupDir            string `mapstructure:"local_backup_dir" yaml:"local_backup_dir"`
	TempDumpRoot              string `mapstructure:"temp_dump_root" yaml:"temp_dump_root"`
	ArchiveFilePathForRestore string `mapstructure:"archive_file_path_for_restore" yaml:"archive_file_path_for_restore"`

	// DatabaseList is decoded by ParseMapping, not viper, so that entry
	// order and key case survive.
	DatabaseList DatabaseMapping `mapstructure:"-" yaml:"-"`

	RestoreOptions RestoreOptions `mapstructure:"restore_options" yaml:"restore_options"`
	S3Storage      S3Storage      `mapstructure:"s3_storage" yaml:"s3_storage"`

	Schema       string        `mapstructure:"schema" yaml:"schema"`
	RepairBudget time.Duration `mapstructure:"repair_budget" yaml:"repair_budget"`
	Parallelism  int           `mapstructure:"parallelism" yaml:"parallelism"`

	Storage      StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Archive      ArchiveConfig      `mapstructure:"archive" yaml:"archive"`
	Verification VerificationConfig `mapstructure:"verification" yaml:"verification"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
}

// RestoreOptions control target preparation.
type RestoreOptions struct {
	DropTargetDatabaseIfExists       bool `mapstructure:"drop_target_database_if_exists" yaml:"drop_target_database_if_exists"`
	CreateTargetDatabaseIfNotExists bool `mapstructure:"create_target_database_if_not_exists" yaml:"create_target_database_if_not_exists"`
}

// S3Storage is the S3 or Spaces section.
type S3Storage struct {
	BucketName      string `mapstructure:"bucket_name" yaml:"bucket_name"`
	Region          string `mapstructure:"region" yaml:"region"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	EndpointURL     string `mapstructure:"endpoint_url" yaml:"endpoint_url"`
	FolderPrefix    string `mapstructure:"folder_prefix" yaml:"folder_prefix"`
	ForcePathStyle  bool   `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`
}

// Enabled is true only when every required field is set. The endpoint is
// optional for AWS itself.
func (s S3Storage) Enabled() bool {
	return s.toStore().Enabled()
}

// Partial is true when some but not all required fields are set.
func (s S3Storage) Partial() bool {
	return !s.Enabled() && (s.BucketName != "" || s.Region != "" || s.AccessKeyID != "" || s.SecretAccessKey != "")
}

func (s S3Storage) toStore() storage.S3Config {
	return storage.S3Config{
		Bucket:          s.BucketName,
		Region:          s.Region,
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
		Endpoint:        s.EndpointURL,
		ForcePathStyle:  s.ForcePathStyle,
		Prefix:          s.FolderPrefix,
	}
}

// StorageConfig selects the remote provider. When Provider is empty, S3 is
// used if s3_storage is complete.
type StorageConfig struct {
	Provider string      `mapstructure:"provider" yaml:"provider"`
	Local    LocalConfig `mapstructure:"local" yaml:"local,omitempty"`
	GCS      GCSConfig   `mapstructure:"gcs" yaml:"gcs,omitempty"`
	Azure    AzureConfig `mapstructure:"azure" yaml:"azure,omitempty"`
}

type LocalConfig struct {
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
}

type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
	FolderPrefix    string `mapstructure:"folder_prefix" yaml:"folder_prefix"`
}

type AzureConfig struct {
	AccountName  string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey   string `mapstructure:"account_key" yaml:"account_key"`
	Container    string `mapstructure:"container" yaml:"container"`
	FolderPrefix string `mapstructure:"folder_prefix" yaml:"folder_prefix"`
}

// ArchiveConfig sets the artifact format for backups.
type ArchiveConfig struct {
	Compression string           `mapstructure:"compression" yaml:"compression"`
	Encryption  EncryptionConfig `mapstructure:"encryption" yaml:"encryption"`
}

type EncryptionConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// PassphraseEnv names the variable holding the passphrase.
	PassphraseEnv string `mapstructure:"passphrase_env" yaml:"passphrase_env"`
}

// VerificationConfig holds expected row counts per source database and
// table. Keys are matched lowercased.
type VerificationConfig struct {
	RowCounts map[string]map[string]int64 `mapstructure:"row_counts" yaml:"row_counts,omitempty"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// SetDefaults fills every unset optional field.
func (c *Config) SetDefaults() {
	if c.Schema == "" {
		c.Schema = sequence.DefaultSchema
	}
	if c.RepairBudget <= 0 {
		c.RepairBudget = DefaultRepairBudget
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	if c.TempDumpRoot == "" {
		c.TempDumpRoot = os.TempDir()
	}
	if c.Archive.Compression == "" {
		c.Archive.Compression = string(archive.CodecGzip)
	}
	if c.Archive.Encryption.PassphraseEnv == "" {
		c.Archive.Encryption.PassphraseEnv = DefaultPassphraseEnv
	}
	if c.Log.Level == "" {
		c.Log.Level = string(logging.LogLevelNormal)
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks the settings every operation shares.
func (c *Config) Validate() error {
	var errs ValidationErrors
	c.validateCommon(&errs)
	return errs.Err()
}

// ValidateFor checks the shared settings plus what op needs.
func (c *Config) ValidateFor(op Operation) error {
	var errs ValidationErrors
	c.validateCommon(&errs)

	switch op {
	case OpBackup:
		requireURL(&errs, "source_database_url", c.SourceDatabaseURL)
		if c.LocalBackupDir == "" {
			errs.Add("local_backup_dir", "is required for backup", nil)
		}
	case OpRestore:
		requireURL(&errs, "target_database_url", c.TargetDatabaseURL)
		c.validateArchivePath(&errs)
	case OpSync:
		requireURL(&errs, "source_database_url", c.SourceDatabaseURL)
		requireURL(&errs, "target_database_url", c.TargetDatabaseURL)
	default:
		errs.Add("operation", "unknown operation", string(op))
	}
	return errs.Err()
}

func (c *Config) validateCommon(errs *ValidationErrors) {
	if c.Parallelism < 0 {
		errs.Add("parallelism", "must not be negative", c.Parallelism)
	}
	if c.RepairBudget < 0 {
		errs.Add("repair_budget", "must not be negative", c.RepairBudget.String())
	}
	if _, err := archive.ParseCodec(c.Archive.Compression); err != nil {
		errs.Add("archive.compression", err.Error(), c.Archive.Compression)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs.Add("log.level", err.Error(), c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs.Add("log.format", "must be text or json", c.Log.Format)
	}
	for _, e := range c.DatabaseList.Entries() {
		if err := database.ValidateName(e.Source); err != nil {
			errs.Add("database_list", err.Error(), e.Source)
		}
		if err := database.ValidateName(e.Target); err != nil {
			errs.Add("database_list", err.Error(), e.Target)
		}
	}

	switch storage.Provider(c.Storage.Provider) {
	case "":
	case storage.ProviderLocal:
		if c.Storage.Local.BasePath == "" {
			errs.Add("storage.local.base_path", "is required for the local provider", nil)
		}
	case storage.ProviderS3:
		if !c.S3Storage.Enabled() {
			errs.Add("s3_storage", "bucket_name, region, access_key_id and secret_access_key are required", nil)
		}
	case storage.ProviderGCS:
		if c.Storage.GCS.Bucket == "" {
			errs.Add("storage.gcs.bucket", "is required for the gcs provider", nil)
		}
	case storage.ProviderAzure:
		if !c.storageConfig().Azure.Enabled() {
			errs.Add("storage.azure", "account_name, account_key and container are required", nil)
		}
	default:
		errs.Add("storage.provider", "must be local, s3, gcs or azure", c.Storage.Provider)
	}
}

func (c *Config) validateArchivePath(errs *ValidationErrors) {
	path := strings.TrimSpace(c.ArchiveFilePathForRestore)
	if path == "" {
		errs.Add("archive_file_path_for_restore", "is required for restore", nil)
		return
	}
	u, err := storage.ParseURI(strings.ReplaceAll(path, "{database}", "db"))
	if err != nil {
		errs.Add("archive_file_path_for_restore", err.Error(), path)
		return
	}
	switch u.Scheme {
	case storage.SchemeS3:
		if !c.S3Storage.Enabled() {
			errs.Add("archive_file_path_for_restore", "is an S3 URI but s3_storage is not fully configured", path)
		}
	case storage.SchemeAzure:
		a := c.Storage.Azure
		if a.AccountName == "" || a.AccountKey == "" {
			errs.Add("archive_file_path_for_restore", "is an Azure URI but storage.azure credentials are missing", path)
		}
	}
}

func requireURL(errs *ValidationErrors, field, value string) {
	if value == "" {
		errs.Add(field, "is required", nil)
		return
	}
	if err := database.ValidateURL(value); err != nil {
		errs.Add(field, err.Error(), logging.RedactURL(value))
	}
}

// Warnings lists settings that are accepted but probably not intended.
func (c *Config) Warnings() []string {
	var out []string
	if c.S3Storage.Partial() {
		out = append(out, "s3_storage is incomplete; bucket_name, region, access_key_id and secret_access_key are all required, so S3 is disabled")
	}
	return out
}

// TargetOptions converts restore_options for database preparation.
func (c *Config) TargetOptions() database.TargetOptions {
	return database.TargetOptions{
		DropIfExists:      c.RestoreOptions.DropTargetDatabaseIfExists,
		CreateIfNotExists: c.RestoreOptions.CreateTargetDatabaseIfNotExists,
	}
}

// RemoteStorage returns the store backups are uploaded to, and false when
// none is configured.
func (c *Config) RemoteStorage() (storage.Config, bool) {
	cfg := c.storageConfig()
	if cfg.Provider == "" {
		return cfg, false
	}
	return cfg, true
}

// StorageCredentials returns every configured credential, for opening the
// bucket an artifact URI names.
func (c *Config) StorageCredentials() storage.Config {
	return c.storageConfig()
}

func (c *Config) storageConfig() storage.Config {
	cfg := storage.Config{
		Provider: storage.Provider(c.Storage.Provider),
		Local:    storage.LocalConfig{BasePath: c.Storage.Local.BasePath},
		S3:       c.S3Storage.toStore(),
		GCS: storage.GCSConfig{
			Bucket:          c.Storage.GCS.Bucket,
			CredentialsFile: c.Storage.GCS.CredentialsFile,
			Prefix:          c.Storage.GCS.FolderPrefix,
		},
		Azure: storage.AzureConfig{
			AccountName: c.Storage.Azure.AccountName,
			AccountKey:  c.Storage.Azure.AccountKey,
			Container:   c.Storage.Azure.Container,
			Prefix:      c.Storage.Azure.FolderPrefix,
		},
	}
	if cfg.Provider == "" && cfg.S3.Enabled() {
		cfg.Provider = storage.ProviderS3
	}
	return cfg
}

// ArchiveFormat is the artifact format backups are written in.
func (c *Config) ArchiveFormat() (archive.Format, error) {
	codec, err := archive.ParseCodec(c.Archive.Compression)
	if err != nil {
		return archive.Format{}, err
	}
	return archive.Format{Codec: codec, Encrypted: c.Archive.Encryption.Enabled}, nil
}

// Passphrase reads the encryption passphrase from its environment variable.
func (c *Config) Passphrase(lookup func(string) (string, bool)) string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	name := c.Archive.Encryption.PassphraseEnv
	if name == "" {
		name = DefaultPassphraseEnv
	}
	v, _ := lookup(name)
	return v
}

// RowCounts returns configured expectations keyed by source database.
func (c *Config) RowCounts() map[string]map[string]int64 {
	if len(c.Verification.RowCounts) == 0 {
		return nil
	}
	out := make(map[string]map[string]int64, len(c.Verification.RowCounts))
	for db, tables := range c.Verification.RowCounts {
		copied := make(map[string]int64, len(tables))
		for t, n := range tables {
			copied[t] = n
		}
		out[db] = copied
	}
	return out
}

// LoggingConfig converts the log section.
func (c *Config) LoggingConfig() (logging.Config, error) {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		Format:  strings.ToLower(c.Log.Format),
		LogFile: c.Log.File,
	}, nil
}

// Summary renders the effective settings with secrets masked.
func (c *Config) Summary() map[string]string {
	remote := "none"
	if cfg, ok := c.RemoteStorage(); ok {
		remote = string(cfg.Provider)
	}
	return map[string]string{
		"source":      logging.RedactURL(c.SourceDatabaseURL),
		"target":      logging.RedactURL(c.TargetDatabaseURL),
		"backup_dir":  c.LocalBackupDir,
		"archive":     c.ArchiveFilePathForRestore,
		"schema":      c.Schema,
		"budget":      c.RepairBudget.String(),
		"parallelism": fmt.Sprint(c.Parallelism),
		"storage":     remote,
		"databases":   fmt.Sprint(c.DatabaseList.Len()),
	}
}
