package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/batmantechnologies/databasetool/internal/database"
	"github.com/batmantechnologies/databasetool/internal/sequence"
)

// errRepairIncomplete fails the manual repair when any sequence failed.
var errRepairIncomplete = errors.New("sequence repair incomplete")

var (
	repairDatabaseURL string
	repairBudget      time.Duration
	scriptFormat      string
)

var sequencesCmd = &cobra.Command{
	Use:   "sequences",
	Short: "Repair sequences or print the standalone repair scripts",
}

var sequencesRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Reset every sequence in a schema to MAX(column)+1",
	Long: `Discover the sequences of one schema and reset each so that its next value
is MAX(column)+1, or 1 for an empty table. Missing tables and columns are
reported as skipped. The command fails when any sequence could not be reset.

Examples:
  databasetool sequences repair --database-url postgres://app@localhost/shop
  databasetool sequences repair --database-url postgres://app@localhost/shop --schema billing --budget 30s`,
	Args: cobra.NoArgs,
	RunE: runSequencesRepair,
}

var sequencesScriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Print the repair as a standalone SQL or shell script",
	Long: `Print the same repair as a PL/pgSQL DO block (--format sql) or as a bash
loop driving psql (--format shell), for running where this tool is not
installed.`,
	Args: cobra.NoArgs,
	RunE: runSequencesScript,
}

func init() {
	sequencesRepairCmd.Flags().StringVar(&repairDatabaseURL, "database-url", "", "database to repair (default target_database_url)")
	sequencesRepairCmd.Flags().DurationVar(&repairBudget, "budget", 0, "time budget for the pass (default repair_budget)")
	sequencesScriptCmd.Flags().StringVar(&scriptFormat, "format", string(sequence.ScriptSQL), "script format: sql or shell")

	sequencesCmd.AddCommand(sequencesRepairCmd, sequencesScriptCmd)
	rootCmd.AddCommand(sequencesCmd)
}

func runSequencesRepair(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, "")
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := cmd.Context()

	dbURL := repairDatabaseURL
	if dbURL == "" {
		dbURL = s.cfg.TargetDatabaseURL
	}
	if dbURL == "" {
		return usageError("--database-url is required")
	}
	if err := database.ValidateURL(dbURL); err != nil {
		return usageError("--database-url: %v", err)
	}
	if name := database.DatabaseName(dbURL); name == "" {
		return usageError("--database-url must name a database")
	}
	budget := repairBudget
	if budget <= 0 {
		budget = s.cfg.RepairBudget
	}

	db, err := s.connector().Connect(ctx, dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	report := s.repairer().Repair(ctx, db, s.cfg.Schema, budget)
	if err := s.renderer.Repair(report); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return repairResult(report)
}

// repairResult is nil only when every sequence was attempted, none failed
// and discovery succeeded.
func repairResult(report *sequence.Report) error {
	if report == nil {
		return fmt.Errorf("%w: no repair was run", errRepairIncomplete)
	}
	var problems []string
	if n := report.Failed(); n > 0 {
		problems = append(problems, fmt.Sprintf("%d sequence(s) failed", n))
	}
	if report.TimedOutEarly {
		problems = append(problems, fmt.Sprintf("time budget exhausted after %d sequence(s)", len(report.Outcomes)))
	}
	if report.Canceled {
		problems = append(problems, "canceled")
	}
	if report.DiscoveryError != "" {
		problems = append(problems, "discovery failed: "+report.DiscoveryError)
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", errRepairIncomplete, strings.Join(problems, "; "))
}

func runSequencesScript(cmd *cobra.Command, args []string) error {
	return writeScript(cmd.OutOrStdout(), sequence.ScriptFormat(scriptFormat), loader.Viper().GetString("schema"))
}

func writeScript(w io.Writer, format sequence.ScriptFormat, schema string) error {
	script, err := sequence.RenderScript(format, schema)
	if err != nil {
		return usageError("%v", err)
	}
	_, err = io.WriteString(w, script)
	return err
}
