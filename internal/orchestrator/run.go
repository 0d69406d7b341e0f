package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/xkilldash9x/harvestbot/api/schemas"
	"github.com/xkilldash9x/harvestbot/internal/session"
)

// startJob attaches a fresh job lease to s and launches the PREPARING step.
func (o *Orchestrator) startJob(ctx context.Context, s *session.Session, params schemas.JobParameters, log *zap.Logger) {
	jctx, cancel := context.WithTimeout(o.ctx, o.cfg.Jobs.MaxDuration)
	j := &job{
		ctx:       jctx,
		cancel:    cancel,
		startedAt: o.now(),
		params:    params,
		remover:   o.remover,
		logger:    log,
		stopWait:  o.stopWait,
	}
	if !o.sessions.Attach(s, j, cancel) {
		cancel()
		return
	}
	o.deps.Metrics.JobStarted(s.Module)
	o.reply(ctx, s.ChatID, msgPreparing)
	if !o.spawn(func() { o.runStep(s, j, func() *ending { return o.prepare(j, s) }) }) {
		o.conclude(s, j, schemas.OutcomeCancelled, errShuttingDown)
	}
}

// paths lays out {tempRoot}/{userId}_downloads/{module}/{date}_{run}/. The
// run suffix keeps a superseded job's delayed cleanup away from its successor.
func (o *Orchestrator) paths(s *session.Session, params schemas.JobParameters) jobPaths {
	date := params.Date
	if date.IsZero() {
		date = o.now()
	}
	run := s.JobID
	if len(run) > 8 {
		run = run[:8]
	}
	userRoot := filepath.Join(o.cfg.Jobs.TempRoot, strconv.FormatInt(s.UserID, 10)+"_downloads")
	moduleDir := filepath.Join(userRoot, s.Module.String())
	return jobPaths{
		userRoot:  userRoot,
		moduleDir: moduleDir,
		dir:       filepath.Join(moduleDir, date.Format(schemas.DateLayout)+"_"+run),
		archive:   filepath.Join(userRoot, s.Module.String()+"_"+run+".zip"),
	}
}

// ending is how a step finished the job. A nil ending leaves the job open
// for the next step.
type ending struct {
	outcome schemas.Outcome
	err     error
}

// runStep runs one step of j on the calling goroutine and concludes the job
// once the step has returned, so teardown never races the step's own writes.
func (o *Orchestrator) runStep(s *session.Session, j *job, step func() *ending) {
	leave, ok := j.enter()
	if !ok {
		return
	}
	end := func() (end *ending) {
		defer leave()
		defer func() {
			if r := recover(); r != nil {
				j.logger.Error("Job panicked.", zap.Any("panic", r), zap.Stack("stack"))
				end = &ending{outcome: schemas.OutcomeFailed, err: fmt.Errorf("internal error: %v", r)}
			}
		}()
		return step()
	}()
	if end != nil {
		o.conclude(s, j, end.outcome, end.err)
	}
}

// prepare waits for a job slot, creates the job directory, starts a browser
// and sends the CAPTCHA.
func (o *Orchestrator) prepare(j *job, s *session.Session) *ending {
	ctx := j.ctx

	if err := o.slots.Acquire(ctx, 1); err != nil {
		return failed(j, fmt.Errorf("waiting for a job slot: %w", err))
	}
	if !j.setSlot(func() { o.slots.Release(1) }) {
		return nil
	}

	p := o.paths(s, j.params)
	if !j.setPaths(p) {
		return nil
	}
	err := os.MkdirAll(p.dir, 0o755)
	if err != nil {
		// A predecessor's cleanup may have pruned a shared parent mid-creation.
		err = os.MkdirAll(p.dir, 0o755)
	}
	if err != nil {
		return failed(j, fmt.Errorf("creating job directory: %w", err))
	}

	ag, err := o.deps.Acquirer.Acquire(ctx, p.dir)
	if err != nil {
		return failed(j, classify(schemas.ErrAgentAcquisitionFailed, err))
	}
	if !j.setAgent(ag) {
		return nil
	}

	png, err := ag.NavigateToLogin(ctx)
	if err != nil {
		return failed(j, classify(schemas.ErrCaptchaCaptureFailed, err))
	}
	if !o.sessions.Advance(s, session.PhasePreparing, session.PhaseAwaitingCaptcha) {
		return nil
	}
	if err := o.deps.Notifier.SendPhoto(ctx, s.ChatID, png, msgCaptchaPrompt); err != nil {
		return failed(j, fmt.Errorf("sending the CAPTCHA: %w", err))
	}
	j.logger.Info("CAPTCHA sent, awaiting reply.")
	return nil
}

// execute logs in with the user's CAPTCHA answer, runs the module and
// delivers the archive.
func (o *Orchestrator) execute(j *job, s *session.Session, captcha string) *ending {
	ctx := j.ctx

	p, ag := j.workspace()
	if ag == nil {
		return failed(j, schemas.ErrAgentUnusable)
	}
	if err := ag.SubmitLogin(ctx, o.cfg.Portal.Credentials(), captcha); err != nil {
		return failed(j, classify(schemas.ErrAuthenticationFailed, err))
	}
	if !o.sessions.Advance(s, session.PhaseAuthenticating, session.PhaseRunning) {
		return nil
	}
	j.logger.Info("Logged in, collecting targets.")

	targets, err := o.deps.Targets.Load(ctx, s.Module)
	if err != nil {
		return failed(j, classify(schemas.ErrDatasetUnavailable, err))
	}
	task, err := o.deps.Tasks(s.Module)
	if err != nil {
		return failed(j, err)
	}
	report, err := task.Run(ctx, ag, p.dir, targets, j.params, func(r schemas.JobReport) {
		j.setReport(r)
		o.sessions.Touch(s)
	})
	j.setReport(report)
	o.deps.Metrics.TargetsProcessed(s.Module, report)
	if err != nil {
		return failed(j, err)
	}

	if !o.sessions.Advance(s, session.PhaseRunning, session.PhasePackaging) {
		return nil
	}
	if err := o.archive(ctx, p.dir, p.archive); err != nil {
		return failed(j, classify(schemas.ErrPackagingFailed, err))
	}
	data, err := os.ReadFile(p.archive)
	if err != nil {
		return failed(j, fmt.Errorf("%w: %v", schemas.ErrPackagingFailed, err))
	}
	name := s.Module.String() + ".zip"
	if err := o.deps.Notifier.SendDocument(ctx, s.ChatID, data, name, summary(s.Module, report)); err != nil {
		return failed(j, fmt.Errorf("delivering %s: %w", name, err))
	}
	o.sessions.Complete(s)
	return &ending{outcome: schemas.OutcomeDone}
}

// classify tags err with the job-level failure kind unless it already carries
// one that says more.
func classify(kind, err error) error {
	switch {
	case errors.Is(err, kind),
		errors.Is(err, schemas.ErrAgentUnusable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %v", kind, err)
}

// failed ends the job as FAILED, or as cancelled when its context was
// cancelled from outside.
func failed(j *job, err error) *ending {
	switch cause := j.ctx.Err(); {
	case errors.Is(cause, context.Canceled):
		return &ending{outcome: schemas.OutcomeCancelled, err: err}
	case errors.Is(cause, context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded):
		err = fmt.Errorf("%w (last error: %v)", context.DeadlineExceeded, err)
	}
	return &ending{outcome: schemas.OutcomeFailed, err: err}
}

// conclude is the single terminal transition. It runs once per job: the
// session leaves the store, the lease is released, the user is told and the
// outcome is recorded.
func (o *Orchestrator) conclude(s *session.Session, j *job, outcome schemas.Outcome, err error) {
	if !j.concluded.CompareAndSwap(false, true) {
		return
	}
	o.sessions.RemoveIf(s)
	if outcome != schemas.OutcomeDone {
		o.sessions.Fail(s)
	}
	j.Close()

	finished := o.now()
	report := j.lastReport()
	log := j.logger.With(
		zap.String("outcome", string(outcome)),
		zap.Int("attempted", report.Attempted),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", finished.Sub(j.startedAt)),
	)
	switch outcome {
	case schemas.OutcomeDone:
		log.Info("Job completed.")
		o.notify(s.ChatID, msgCompleted)
	case schemas.OutcomeFailed:
		log.Error("Job failed.", zap.Error(err))
		o.notify(s.ChatID, failureMessage(err))
	default:
		log.Info("Job ended early.", zap.Error(err))
	}

	o.deps.Metrics.JobFinished(s.Module, outcome, finished.Sub(j.startedAt))
	if o.deps.History != nil {
		rec := schemas.JobRecord{
			ID:         s.JobID,
			UserID:     s.UserID,
			Module:     s.Module,
			Outcome:    outcome,
			Report:     report,
			StartedAt:  j.startedAt,
			FinishedAt: finished,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		ctx, cancel := context.WithTimeout(context.Background(), o.historyWait)
		defer cancel()
		if herr := o.deps.History.RecordJob(ctx, rec); herr != nil {
			log.Warn("Failed to record job history.", zap.Error(herr))
		}
	}
}
