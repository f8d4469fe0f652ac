// Package orchestrator runs one job per mapping entry and collects the
// results of a batch. Jobs are isolated: a failure or panic in one never
// stops the others.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/batmantechnologies/databasetool/internal/config"
	"github.com/batmantechnologies/databasetool/internal/logging"
	"github.com/batmantechnologies/databasetool/internal/restore"
	"github.com/batmantechnologies/databasetool/internal/sequence"
	"github.com/batmantechnologies/databasetool/internal/verify"
)

// ErrBatchFailed is returned by BatchResult.Err when any job failed.
var ErrBatchFailed = errors.New("batch failed")

// Mode selects the job kind of a batch.
type Mode string

const (
	ModeBackup  Mode = "backup"
	ModeRestore Mode = "restore"
	ModeSync    Mode = "sync"
)

// ParseMode accepts backup, restore or sync.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeBackup, ModeRestore, ModeSync:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Outcome is the verdict on one job.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// JobRunner executes one mapping entry.
type JobRunner interface {
	Run(ctx context.Context, entry config.MappingEntry) (restore.Result, error)
}

// JobRunnerFunc adapts a function to JobRunner.
type JobRunnerFunc func(ctx context.Context, entry config.MappingEntry) (restore.Result, error)

// Run calls f.
func (f JobRunnerFunc) Run(ctx context.Context, entry config.MappingEntry) (restore.Result, error) {
	return f(ctx, entry)
}

// JobResult records one job.
type JobResult struct {
	DatabaseName string               `json:"database" yaml:"database"`
	TargetName   string               `json:"target" yaml:"target"`
	Phase        Mode                 `json:"phase" yaml:"phase"`
	Outcome      Outcome              `json:"outcome" yaml:"outcome"`
	Reason       string               `json:"reason,omitempty" yaml:"reason,omitempty"`
	Repair       *sequence.Report     `json:"repair,omitempty" yaml:"repair,omitempty"`
	Verification *verify.Report       `json:"verification,omitempty" yaml:"verification,omitempty"`
	Artifact     *restore.ArtifactRef `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	Warnings     []string             `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Started      time.Time            `json:"started" yaml:"started"`
	Duration     time.Duration        `json:"duration" yaml:"duration"`

	// Err is the failure cause; Reason is its rendering.
	Err error `json:"-" yaml:"-"`
}

func (j JobResult) Succeeded() bool {
	return j.Outcome == OutcomeSuccess
}

// BatchResult records one invocation.
type BatchResult struct {
	ID       uuid.UUID     `json:"id" yaml:"id"`
	Mode     Mode          `json:"mode" yaml:"mode"`
	Jobs     []JobResult   `json:"jobs" yaml:"jobs"`
	Started  time.Time     `json:"started" yaml:"started"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Succeeded is true only when every job succeeded. An empty batch
// succeeds.
func (b *BatchResult) Succeeded() bool {
	return len(b.Failures()) == 0
}

// Failures returns the failed jobs in mapping order.
func (b *BatchResult) Failures() []JobResult {
	var out []JobResult
	for _, j := range b.Jobs {
		if !j.Succeeded() {
			out = append(out, j)
		}
	}
	return out
}

// Warnings counts warnings across all jobs.
func (b *BatchResult) Warnings() int {
	n := 0
	for _, j := range b.Jobs {
		n += len(j.Warnings)
	}
	return n
}

// Err wraps ErrBatchFailed when any job failed.
func (b *BatchResult) Err() error {
	failed := b.Failures()
	if len(failed) == 0 {
		return nil
	}
	names := make([]string, len(failed))
	for i, f := range failed {
		names[i] = f.DatabaseName
	}
	return fmt.Errorf("%w: %d of %d jobs failed %v", ErrBatchFailed, len(failed), len(b.Jobs), names)
}

// Options tunes a batch run.
type Options struct {
	// Parallelism bounds concurrent jobs. Values below 2 run sequentially.
	Parallelism int
}

// Orchestrator dispatches entries to the runner registered for a mode.
type Orchestrator struct {
	mu      sync.RWMutex
	runners map[Mode]JobRunner
	logger  *logging.Logger
	newID   func() uuid.UUID
	now     func() time.Time
}

// New returns an orchestrator with no runners registered.
func New(logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Orchestrator{
		runners: make(map[Mode]JobRunner),
		logger:  logger,
		newID:   uuid.New,
		now:     time.Now,
	}
}

// Register sets the runner for mode, replacing any earlier one.
func (o *Orchestrator) Register(mode Mode, runner JobRunner) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runners[mode] = runner
}

func (o *Orchestrator) runner(mode Mode) JobRunner {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.runners[mode]
}

// Run executes every entry of mapping and returns results in mapping order.
func (o *Orchestrator) Run(ctx context.Context, mapping config.DatabaseMapping, mode Mode, opts Options) *BatchResult {
	batch := &BatchResult{
		ID:      o.newID(),
		Mode:    mode,
		Started: o.now(),
	}
	log := o.logger.With(map[string]interface{}{"batch_id": batch.ID.String(), "mode": string(mode)})
	done := log.LogOperationStart("batch", map[string]interface{}{"jobs": mapping.Len(), "parallelism": opts.Parallelism})

	entries := mapping.Entries()
	batch.Jobs = make([]JobResult, len(entries))
	runner := o.runner(mode)

	if opts.Parallelism < 2 || len(entries) < 2 {
		for i, e := range entries {
			batch.Jobs[i] = o.runJob(ctx, log, runner, mode, e)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(opts.Parallelism)
		for i, e := range entries {
			g.Go(func() error {
				batch.Jobs[i] = o.runJob(ctx, log, runner, mode, e)
				return nil
			})
		}
		_ = g.Wait()
	}

	batch.Duration = o.now().Sub(batch.Started)
	done(batch.Err())
	return batch
}

func (o *Orchestrator) runJob(ctx context.Context, log *logging.Logger, runner JobRunner, mode Mode, entry config.MappingEntry) (job JobResult) {
	job = JobResult{
		DatabaseName: entry.Source,
		TargetName:   entry.Target,
		Phase:        mode,
		Started:      o.now(),
	}
	if mode == ModeBackup {
		job.TargetName = ""
	}

	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Debug("Recovered job panic")
			job.fail(fmt.Errorf("panic: %v", r))
		}
		job.Duration = o.now().Sub(job.Started)
		log.LogJobResult(string(mode), entry.Source, entry.Target, job.Succeeded(), job.Duration, job.Reason)
	}()

	if runner == nil {
		job.fail(fmt.Errorf("no runner registered for %s", mode))
		return job
	}
	if err := ctx.Err(); err != nil {
		job.fail(fmt.Errorf("not started: %w", err))
		return job
	}

	res, err := runner.Run(ctx, entry)
	job.Repair = res.Repair
	job.Verification = res.Verification
	job.Artifact = res.Artifact
	job.Warnings = res.Warnings
	if err != nil {
		job.fail(err)
		return job
	}
	job.Outcome = OutcomeSuccess
	return job
}

func (j *JobResult) fail(err error) {
	j.Outcome = OutcomeFailure
	j.Err = err
	j.Reason = err.Error()
}
