package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// DATABASETOOL_TARGET_DATABASE_URL or DATABASETOOL_S3_STORAGE_BUCKET_NAME.
const EnvPrefix = "DATABASETOOL"

// LegacyListEnv holds a database_list when the file has none.
const LegacyListEnv = "DATABASE_LIST"

// configName is searched for in the working directory as
// databasetool.{json,yaml,yml,toml} and in $HOME as .databasetool.*.
const configName = "databasetool"

var configExts = []string{"json", "yaml", "yml", "toml"}

// keys lists every scalar setting so that environment overrides apply even
// when the file does not mention the key.
var keys = []string{
	"source_database_url",
	"target_database_url",
	"local_backup_dir",
	"temp_dump_root",
	"archive_file_path_for_restore",
	"restore_options.drop_target_database_if_exists",
	"restore_options.create_target_database_if_not_exists",
	"s3_storage.bucket_name",
	"s3_storage.region",
	"s3_storage.access_key_id",
	"s3_storage.secret_access_key",
	"s3_storage.endpoint_url",
	"s3_storage.folder_prefix",
	"s3_storage.force_path_style",
	"schema",
	"repair_budget",
	"parallelism",
	"storage.provider",
	"storage.local.base_path",
	"storage.gcs.bucket",
	"storage.gcs.credentials_file",
	"storage.gcs.folder_prefix",
	"storage.azure.account_name",
	"storage.azure.account_key",
	"storage.azure.container",
	"storage.azure.folder_prefix",
	"archive.compression",
	"archive.encryption.enabled",
	"archive.encryption.passphrase_env",
	"log.level",
	"log.format",
	"log.file",
}

// Loader reads configuration from a file, the environment and flags, in
// increasing order of precedence.
type Loader struct {
	v      *viper.Viper
	lookup func(string) (string, bool)
	home   func() (string, error)
	wd     func() (string, error)
}

func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
	return &Loader{v: v, lookup: os.LookupEnv, home: os.UserHomeDir, wd: os.Getwd}
}

// Viper exposes the underlying instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// AddFlags registers the override flags on cmd and binds them.
func (l *Loader) AddFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("source-url", "", "Source server or database URL")
	f.String("target-url", "", "Target server URL")
	f.String("backup-dir", "", "Directory backups are written to")
	f.String("archive", "", "Artifact path or URI to restore from; may contain {database}")
	f.String("schema", "", "Schema to repair and verify (default public)")
	f.Duration("repair-budget", 0, "Time budget for one sequence repair pass (default 5m)")
	f.Int("parallel", 0, "Number of databases processed at once (default 1)")
	f.String("compression", "", "Backup codec: gzip, zstd, lz4 or none")
	f.Bool("encrypt", false, "Encrypt backup artifacts")
	f.Bool("drop-target", false, "Drop each target database before restoring")
	f.Bool("create-target", false, "Create missing target databases")
	f.String("log-level", "", "quiet, normal, verbose or debug")
	f.String("log-format", "", "text or json")
	f.String("log-file", "", "Also write logs to this file")

	for _, b := range [][2]string{
		{"source_database_url", "source-url"},
		{"target_database_url", "target-url"},
		{"local_backup_dir", "backup-dir"},
		{"archive_file_path_for_restore", "archive"},
		{"schema", "schema"},
		{"repair_budget", "repair-budget"},
		{"parallelism", "parallel"},
		{"archive.compression", "compression"},
		{"archive.encryption.enabled", "encrypt"},
		{"restore_options.drop_target_database_if_exists", "drop-target"},
		{"restore_options.create_target_database_if_not_exists", "create-target"},
		{"log.level", "log-level"},
		{"log.format", "log-format"},
		{"log.file", "log-file"},
	} {
		_ = l.v.BindPFlag(b[0], f.Lookup(b[1]))
	}
}

// Load reads configFile, or the first discovered file when it is empty,
// and returns the defaulted configuration. Operation specific validation is
// left to ValidateFor.
func (l *Loader) Load(configFile string) (*Config, error) {
	if configFile == "" {
		configFile = l.discover()
	}
	if configFile != "" {
		l.v.SetConfigFile(configFile)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	mapping, err := l.loadMapping(configFile)
	if err != nil {
		return nil, err
	}
	cfg.DatabaseList = mapping

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed is empty when only the environment and flags were used.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) loadMapping(configFile string) (DatabaseMapping, error) {
	if configFile != "" {
		format, err := FormatFromPath(configFile)
		if err != nil {
			return DatabaseMapping{}, err
		}
		data, err := os.ReadFile(configFile)
		if err != nil {
			return DatabaseMapping{}, fmt.Errorf("error reading config file: %w", err)
		}
		m, err := ParseMapping(data, format)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrNoMapping) {
			return DatabaseMapping{}, err
		}
	}

	for _, name := range []string{EnvPrefix + "_" + strings.ToUpper(MappingKey), LegacyListEnv} {
		if v, ok := l.lookup(name); ok && strings.TrimSpace(v) != "" {
			m, err := ParseMappingValue(v)
			if err != nil {
				return DatabaseMapping{}, fmt.Errorf("%s: %w", name, err)
			}
			return m, nil
		}
	}
	return DatabaseMapping{}, nil
}

func (l *Loader) discover() string {
	var candidates []string
	if wd, err := l.wd(); err == nil {
		for _, ext := range configExts {
			candidates = append(candidates, filepath.Join(wd, configName+"."+ext))
		}
	}
	if home, err := l.home(); err == nil && home != "" {
		for _, ext := range configExts {
			candidates = append(candidates, filepath.Join(home, "."+configName+"."+ext))
		}
	}
	if wd, err := l.wd(); err == nil {
		candidates = append(candidates, filepath.Join(wd, "config.json"))
	}

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}
