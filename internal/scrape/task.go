// Package scrape drives an authenticated agent over a target dataset, one
// target at a time, collecting whatever each portal module produces.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/harvestbot/api/schemas"
	"github.com/xkilldash9x/harvestbot/internal/agent"
	"github.com/xkilldash9x/harvestbot/internal/config"
	"github.com/xkilldash9x/harvestbot/internal/retry"
)

// ArtifactWaiter blocks until a download matching fragment lands in dir.
type ArtifactWaiter interface {
	Await(ctx context.Context, dir, fragment string, timeout time.Duration) (string, error)
}

// Env is everything a module needs while processing one job.
type Env struct {
	Agent    agent.Agent
	Dir      string
	Params   schemas.JobParameters
	Timing   config.ModuleConfig
	Watcher  ArtifactWaiter
	Logger   *zap.Logger
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
	Workbook *Workbook
}

// settle waits the module's settle delay so ASP.NET postbacks can finish.
func (e *Env) settle(ctx context.Context) error {
	return e.Sleep(ctx, e.Timing.SettleDelay)
}

// Module is the per-portal-page behaviour plugged into the shared driver.
type Module interface {
	// Name identifies the module.
	Name() schemas.Module
	// Navigate brings a freshly logged-in agent to the module's report page.
	Navigate(ctx context.Context, env *Env) error
	// Submit requests the report for one target. It is retried.
	Submit(ctx context.Context, env *Env, t schemas.Target) error
	// Collect stores what Submit produced. It is not retried.
	Collect(ctx context.Context, env *Env, t schemas.Target) error
}

// Task runs a Module over a dataset.
type Task struct {
	module  Module
	timing  config.ModuleConfig
	watcher ArtifactWaiter
	logger  *zap.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithClock overrides time.Now for timestamps and renamed files.
func WithClock(now func() time.Time) TaskOption {
	return func(t *Task) { t.now = now }
}

// WithSleep overrides the settle pauses between portal steps.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) TaskOption {
	return func(t *Task) { t.sleep = sleep }
}

// NewTask builds a Task for module m.
func NewTask(m Module, timing config.ModuleConfig, watcher ArtifactWaiter, logger *zap.Logger, opts ...TaskOption) (*Task, error) {
	if m == nil {
		return nil, errors.New("module cannot be nil")
	}
	if watcher == nil {
		return nil, errors.New("artifact waiter cannot be nil")
	}
	t := &Task{
		module:  m,
		timing:  timing,
		watcher: watcher,
		logger:  logger.Named("scrape").With(zap.String("module", m.Name().String())),
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Module returns the module this task drives.
func (t *Task) Module() schemas.Module { return t.module.Name() }

// Progress is called after each target with the running report.
type Progress func(report schemas.JobReport)

// Run processes targets in order with ag, writing into dir. Per-target
// failures are appended to the failure log in dir and do not stop the run.
// An error is returned only when navigation fails, the agent becomes
// unusable or ctx ends.
func (t *Task) Run(ctx context.Context, ag agent.Agent, dir string, targets []schemas.Target, params schemas.JobParameters, progress Progress) (schemas.JobReport, error) {
	var report schemas.JobReport
	env := &Env{
		Agent:    ag,
		Dir:      dir,
		Params:   params,
		Timing:   t.timing,
		Watcher:  t.watcher,
		Logger:   t.logger,
		Now:      t.now,
		Sleep:    t.sleep,
		Workbook: NewWorkbook(dir, StockWorkbookName),
	}
	failures := NewFailureLog(dir, t.now)

	policy := retry.Policy{
		MaxAttempts: t.timing.Retry.MaxAttempts,
		Backoff:     t.timing.Retry.Backoff,
	}

	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		err := t.module.Navigate(ctx, env)
		if errors.Is(err, schemas.ErrAgentUnusable) {
			return retry.Permanent(err)
		}
		if err != nil {
			t.logger.Warn("Navigation failed.", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
	if err != nil {
		return report, fmt.Errorf("navigating to the %s page: %w", t.module.Name(), err)
	}

	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++
		log := t.logger.With(zap.String("target", target.Label()))

		err := t.process(ctx, env, policy, target, log)
		switch {
		case err == nil:
			report.Succeeded++
			log.Info("Target collected.")
		case errors.Is(err, schemas.ErrAgentUnusable), ctx.Err() != nil:
			report.Failed++
			if logErr := failures.Append(target.Label(), err.Error()); logErr != nil {
				log.Warn("Could not write failure log.", zap.Error(logErr))
			}
			return report, err
		default:
			report.Failed++
			log.Warn("Target failed.", zap.Error(err))
			if logErr := failures.Append(target.Label(), reason(err)); logErr != nil {
				log.Warn("Could not write failure log.", zap.Error(logErr))
			}
		}
		if progress != nil {
			progress(report)
		}
	}
	return report, nil
}

func (t *Task) process(ctx context.Context, env *Env, policy retry.Policy, target schemas.Target, log *zap.Logger) error {
	policy.OnRetry = func(attempt int, err error) {
		log.Debug("Submission failed, retrying.", zap.Int("attempt", attempt), zap.Error(err))
	}
	err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		err := t.module.Submit(ctx, env, target)
		if errors.Is(err, schemas.ErrAgentUnusable) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, schemas.ErrAgentUnusable) || ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", schemas.ErrSubmissionFailed, err)
	}
	return t.module.Collect(ctx, env, target)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// reason turns an error into the short text written to the failure log.
func reason(err error) string {
	switch {
	case errors.Is(err, schemas.ErrDownloadTimeout):
		return "download timed out"
	case errors.Is(err, ErrNoData):
		return "no data"
	}
	return err.Error()
}
