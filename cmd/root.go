package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/batmantechnologies/databasetool/internal/config"
	apperrors "github.com/batmantechnologies/databasetool/internal/errors"
	"github.com/batmantechnologies/databasetool/internal/orchestrator"
)

// Exit codes.
const (
	exitOK       = 0
	exitFailed   = 1
	exitUsage    = 2
	exitCanceled = 130
)

var (
	cfgFile      string
	outputFormat string
	noColor      bool

	loader = config.NewLoader()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "databasetool",
	Short: "Back up, restore and sync PostgreSQL databases, then repair their sequences",
	Long: `databasetool copies PostgreSQL databases between servers using pg_dump,
psql and pg_restore. Every restored or synced database gets its sequences
reset to MAX(column)+1 and is verified against what its dump contained.

Databases are taken from database_list in the configuration file, either as a
list of names or as an ordered source -> target object.

Examples:
  # Back up every listed database and upload to the configured bucket
  databasetool backup --config databasetool.yaml

  # Restore per-database archives into renamed targets
  databasetool restore --archive 's3://backups/database_backups/{database}.tar.gz'

  # Copy one database straight from production to staging
  databasetool sync --source-url postgres://prod/shop --target-url postgres://staging/shop

  # Fix sequences by hand after a manual load
  databasetool sequences repair --database-url postgres://localhost/shop

Running without a command on a terminal opens a guided menu.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runGuided,
}

// Execute runs the CLI and returns the process exit code. SIGINT and SIGTERM
// cancel the running batch.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return exitCode(rootCmd.ExecuteContext(ctx), os.Stderr)
}

// errUsage marks errors in how the tool was invoked or configured.
var errUsage = errors.New("usage error")

func usageError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func exitCode(err error, stderr io.Writer) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, orchestrator.ErrBatchFailed), errors.Is(err, errRepairIncomplete):
		fmt.Fprintln(stderr, "Error:", err)
		return exitFailed
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(stderr, "Canceled")
		return exitCanceled
	case errors.Is(err, errUsage), isValidationError(err):
		fmt.Fprintln(stderr, "Error:", err)
		return exitUsage
	}
	if app := apperrors.NewErrorClassifier().ClassifyError(err); app.Type != apperrors.ErrorTypeUnknown {
		fmt.Fprintf(stderr, "Error: %s\n  %v\n", app.GetUserMessage(), err)
		return exitFailed
	}
	fmt.Fprintln(stderr, "Error:", err)
	return exitFailed
}

func isValidationError(err error) bool {
	var verrs config.ValidationErrors
	var verr *config.ValidationError
	return errors.As(err, &verrs) || errors.As(err, &verr)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./databasetool.{json,yaml,toml}, then $HOME/.databasetool.*, then ./config.json)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "report format: table, json or yaml")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colour output (NO_COLOR is honoured too)")
	loader.AddFlags(rootCmd)

	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createConfigCommand())
}
