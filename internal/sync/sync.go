// Package sync runs the pull, deploy, validate and notify pipeline and drives
// the polling loop.
package sync

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	gosync "sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/schaermu/confsyncd/internal/changeset"
	"github.com/schaermu/confsyncd/internal/metrics"
	"github.com/schaermu/confsyncd/internal/notify"
	"github.com/schaermu/confsyncd/internal/repo"
	"github.com/schaermu/confsyncd/internal/status"
)

// Well-known trigger reasons
const (
	ReasonStartup   = "startup"
	ReasonScheduled = "scheduled"
	ReasonManual    = "manual"
	ReasonWebhook   = "webhook"
	ReasonCLI       = "cli"
)

// ConfigValidationError reports deployed configuration rejected by the remote check
type ConfigValidationError struct {
	Details string
}

func (e *ConfigValidationError) Error() string {
	return "configuration invalid: " + e.Details
}

// PanicError is a panic recovered during a run
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic during sync: %v", e.Value)
}

// Repository brings the working copy up to date
type Repository interface {
	Sync(ctx context.Context) (*repo.SyncResult, error)
}

// Deployer applies changes to the target directory
type Deployer interface {
	Deploy(ctx context.Context, changes []changeset.FileChange) error
}

// StateStore persists completed runs
type StateStore interface {
	Save(st status.Status) error
}

// Options tune the pipeline and the polling loop
type Options struct {
	PollInterval    time.Duration
	RunOnStartup    bool
	NotifyOnStartup bool
	ValidateConfig  bool
}

// Deps are the collaborators of an Orchestrator. Store and Metrics are optional.
type Deps struct {
	Repo     Repository
	Deployer Deployer
	Sink     notify.Sink
	Tracker  *status.Tracker
	Store    StateStore
	Metrics  *metrics.Metrics
}

// Orchestrator serializes pipeline runs and publishes their status
type Orchestrator struct {
	mu gosync.Mutex

	opts   Options
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(opts Options, deps Deps, logger *slog.Logger) *Orchestrator {
	if deps.Tracker == nil {
		deps.Tracker = status.NewTracker(nil)
	}
	return &Orchestrator{
		opts:   opts,
		deps:   deps,
		logger: logger,
		now:    time.Now,
		newID: func() string {
			return ulid.MustNew(ulid.Now(), rand.Reader).String()
		},
	}
}

// Status returns the current snapshot without waiting for a running pipeline
func (o *Orchestrator) Status() status.Status {
	return o.deps.Tracker.Get()
}

// Trigger runs one full pipeline for reason. Concurrent callers wait for the
// running pipeline and then run their own. Cancelling ctx does not interrupt
// a run once it has started. The returned status is the snapshot published
// when this run completed; err is the reason the run failed, if it did.
func (o *Orchestrator) Trigger(ctx context.Context, reason string) (status.Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	runID := o.newID()
	logger := o.logger.With("run_id", runID, "reason", reason)

	start := o.now()
	meta, err := o.execute(runCtx, runID, reason, logger)
	elapsed := o.now().Sub(start)

	st := o.deps.Tracker.Get()
	if o.deps.Store != nil {
		if saveErr := o.deps.Store.Save(st); saveErr != nil {
			logger.Warn("failed to persist sync status", "error", saveErr)
		}
	}
	var changes []changeset.FileChange
	if meta != nil {
		changes = meta.Changes
	}
	o.deps.Metrics.RecordRun(err == nil, elapsed, changes)

	if err != nil {
		logger.Error("sync failed", "error", err, "duration", elapsed)
	} else {
		logger.Info("sync completed", "changes", len(changes), "duration", elapsed)
	}
	return st, err
}

// Run executes the optional startup run and then polls until ctx is cancelled.
// A run in progress when ctx is cancelled completes before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.opts.RunOnStartup {
		_, _ = o.Trigger(ctx, ReasonStartup)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, _ = o.Trigger(ctx, ReasonScheduled)

		select {
		case <-ctx.Done():
			o.logger.Info("stopping poll loop")
			return nil
		case <-time.After(o.opts.PollInterval):
		}
	}
}

// execute runs the pipeline, turning panics into a failed run that keeps
// the previous LastSync.
func (o *Orchestrator) execute(ctx context.Context, runID, reason string, logger *slog.Logger) (meta *status.SyncMetadata, err error) {
	prev := o.deps.Tracker.Get()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("recovered panic during sync", "panic", r, "stack", string(debug.Stack()))
			err = &PanicError{Value: r}
			meta = nil
			o.deps.Tracker.Revert(prev, err)
		}
	}()
	return o.pipeline(ctx, runID, reason, logger)
}

func (o *Orchestrator) pipeline(ctx context.Context, runID, reason string, logger *slog.Logger) (*status.SyncMetadata, error) {
	tracker := o.deps.Tracker
	tracker.Begin(reason)
	logger.Info("starting sync")

	result, err := o.deps.Repo.Sync(ctx)
	if err != nil {
		tracker.Fail(nil, err)
		return nil, fmt.Errorf("repository sync failed: %w", err)
	}

	meta := &status.SyncMetadata{
		RunID:        runID,
		CommitBefore: result.Before,
		CommitAfter:  result.After,
		Branch:       result.Branch,
		Changes:      result.Changes,
		SyncedAt:     o.now().UTC(),
		Reason:       reason,
		InitialSync:  result.InitialSync,
	}
	logger.Info("repository synced",
		"branch", result.Branch,
		"before", result.Before,
		"after", result.After,
		"changes", len(result.Changes),
		"initial_sync", result.InitialSync)

	if len(result.Changes) > 0 {
		if err := o.deps.Deployer.Deploy(ctx, result.Changes); err != nil {
			tracker.Fail(meta, err)
			o.notifyFailure(ctx, logger, notify.KindDeploymentError, err, result)
			return meta, err
		}

		if o.opts.ValidateConfig {
			if err := o.checkConfig(ctx, logger); err != nil {
				kind := notify.KindConfigCheckError
				var invalid *ConfigValidationError
				if errors.As(err, &invalid) {
					kind = notify.KindConfigValidationError
				}
				tracker.Fail(meta, err)
				o.notifyFailure(ctx, logger, kind, err, result)
				return meta, err
			}
		}
	}

	tracker.Succeed(meta)

	if len(result.Changes) > 0 || (reason == ReasonStartup && o.opts.NotifyOnStartup) {
		err := o.deps.Sink.NotifySuccess(ctx, notify.Event{
			Changes: result.Changes,
			Branch:  result.Branch,
			Commit:  result.After,
			Reason:  reason,
			RunID:   runID,
		})
		if err != nil {
			logger.Warn("failed to send success notification", "error", err)
		}
	}
	return meta, nil
}

// checkConfig returns a ConfigValidationError when the remote check rejects
// the configuration. A skipped check is not an error.
func (o *Orchestrator) checkConfig(ctx context.Context, logger *slog.Logger) error {
	valid, details, err := o.deps.Sink.CheckConfig(ctx)
	switch {
	case err != nil:
		return fmt.Errorf("config check failed: %w", err)
	case valid == nil:
		logger.Debug("config check skipped")
		return nil
	case !*valid:
		return &ConfigValidationError{Details: details}
	}
	logger.Debug("config check passed")
	return nil
}

func (o *Orchestrator) notifyFailure(ctx context.Context, logger *slog.Logger, kind string, cause error, result *repo.SyncResult) {
	err := o.deps.Sink.NotifyFailure(ctx, notify.Failure{
		Kind:    kind,
		Message: cause.Error(),
		Branch:  result.Branch,
		Commit:  result.After,
	})
	if err != nil {
		logger.Warn("failed to send failure notification", "kind", kind, "error", err)
	}
}
