package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/batmantechnologies/databasetool/internal/config"
	"github.com/batmantechnologies/databasetool/internal/database"
	"github.com/batmantechnologies/databasetool/internal/display"
	"github.com/batmantechnologies/databasetool/internal/logging"
	"github.com/batmantechnologies/databasetool/internal/orchestrator"
	"github.com/batmantechnologies/databasetool/internal/pgtools"
	"github.com/batmantechnologies/databasetool/internal/process"
	"github.com/batmantechnologies/databasetool/internal/sequence"
)

// session holds what a command needs once configuration is loaded.
type session struct {
	cfg      *config.Config
	logger   *logging.Logger
	renderer *display.Renderer
	format   display.Format
	palette  *display.Palette
	out      io.Writer
	errOut   io.Writer
}

// newSession loads configuration and validates it for op. An empty op
// skips the operation checks.
func newSession(cmd *cobra.Command, op config.Operation) (*session, error) {
	format, err := display.ParseFormat(outputFormat)
	if err != nil {
		return nil, usageError("%v", err)
	}

	cfg, err := loader.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if op != "" {
		if err := cfg.ValidateFor(op); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	logCfg, err := cfg.LoggingConfig()
	if err != nil {
		return nil, err
	}
	logCfg.Output = cmd.ErrOrStderr()
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if used := loader.ConfigFileUsed(); used != "" {
		logger.WithField("file", used).Debug("Using config file")
	}
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	out := cmd.OutOrStdout()
	palette := display.NewPalette(display.ColorEnabled(out, noColor))
	return &session{
		cfg:      cfg,
		logger:   logger,
		renderer: display.NewRenderer(out, format, palette),
		format:   format,
		palette:  palette,
		out:      out,
		errOut:   cmd.ErrOrStderr(),
	}, nil
}

func (s *session) Close() {
	_ = s.logger.Close()
}

// tools resolves pg_dump, psql and pg_restore once per command.
func (s *session) tools() (*pgtools.Client, error) {
	paths, err := pgtools.Resolve()
	if err != nil {
		return nil, err
	}
	return pgtools.NewClient(paths, process.NewExecRunner(s.logger), s.logger), nil
}

func (s *session) connector() *database.Service {
	return database.NewService(s.logger)
}

func (s *session) repairer() *sequence.Repairer {
	return sequence.NewRepairer(s.logger)
}

// runBatch runs runner over mapping, prints the summary and returns
// ErrBatchFailed when any job failed.
func (s *session) runBatch(ctx context.Context, mapping config.DatabaseMapping, mode orchestrator.Mode, runner orchestrator.JobRunner) error {
	o := orchestrator.New(s.logger)
	o.Register(mode, runner)

	batch := o.Run(ctx, mapping, mode, orchestrator.Options{Parallelism: s.cfg.Parallelism})
	if err := s.renderer.Batch(batch); err != nil {
		return fmt.Errorf("failed to print summary: %w", err)
	}
	if err := batch.Err(); err != nil {
		return err
	}
	return ctx.Err()
}
