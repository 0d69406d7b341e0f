// File: internal/orchestrator/orchestrator.go
// Description: Runs the per-user conversation and job state machine between
// the chat frontend and the browser agents. Every blocking step happens on a
// job goroutine; the chat dispatcher only ever waits for short replies.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/harvestbot/api/schemas"
	"github.com/xkilldash9x/harvestbot/internal/agent"
	"github.com/xkilldash9x/harvestbot/internal/config"
	"github.com/xkilldash9x/harvestbot/internal/packaging"
	"github.com/xkilldash9x/harvestbot/internal/scrape"
	"github.com/xkilldash9x/harvestbot/internal/session"
)

// -- Collaborator interfaces --

// Notifier delivers replies to a chat.
type Notifier interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendPhoto(ctx context.Context, chatID int64, png []byte, caption string) error
	SendDocument(ctx context.Context, chatID int64, data []byte, filename, caption string) error
}

// TargetLoader reads a module's target dataset.
type TargetLoader interface {
	Load(ctx context.Context, module schemas.Module) ([]schemas.Target, error)
}

// Runner executes a module over its targets with an authenticated agent.
type Runner interface {
	Run(ctx context.Context, ag agent.Agent, dir string, targets []schemas.Target, params schemas.JobParameters, progress scrape.Progress) (schemas.JobReport, error)
}

// TaskFactory builds the Runner for a module.
type TaskFactory func(module schemas.Module) (Runner, error)

// Recorder persists the outcome of finished jobs.
type Recorder interface {
	RecordJob(ctx context.Context, rec schemas.JobRecord) error
}

// Observer receives job lifecycle measurements.
type Observer interface {
	JobStarted(module schemas.Module)
	JobFinished(module schemas.Module, outcome schemas.Outcome, elapsed time.Duration)
	TargetsProcessed(module schemas.Module, report schemas.JobReport)
}

type noopObserver struct{}

func (noopObserver) JobStarted(schemas.Module) {}

func (noopObserver) JobFinished(schemas.Module, schemas.Outcome, time.Duration) {}

func (noopObserver) TargetsProcessed(schemas.Module, schemas.JobReport) {}

// Deps are the orchestrator's collaborators. History and Metrics are optional.
type Deps struct {
	Acquirer agent.Acquirer
	Targets  TargetLoader
	Tasks    TaskFactory
	Notifier Notifier
	History  Recorder
	Metrics  Observer
}

// ScrapeTasks returns a TaskFactory backed by the scrape package, using the
// per-module timing from cfg.
func ScrapeTasks(cfg config.ModulesConfig, watcher scrape.ArtifactWaiter, logger *zap.Logger) TaskFactory {
	return func(m schemas.Module) (Runner, error) {
		mod, err := scrape.ModuleFor(m)
		if err != nil {
			return nil, err
		}
		timing, err := cfg.For(m)
		if err != nil {
			return nil, err
		}
		return scrape.NewTask(mod, timing, watcher, logger)
	}
}

// Orchestrator owns every Session and the jobs behind them.
type Orchestrator struct {
	cfg      *config.Config
	logger   *zap.Logger
	deps     Deps
	sessions *session.Store
	slots    *semaphore.Weighted
	remover  *packaging.Remover
	archive  Archiver

	now           func() time.Time
	stopWait      time.Duration
	sweepEvery    time.Duration
	notifyTimeout time.Duration
	historyWait   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// Archiver packs a job directory into the zip file at dest.
type Archiver func(ctx context.Context, dir, dest string) error

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock injects the time source used for sessions and job timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSweepInterval sets how often expired sessions are evicted in the background.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.sweepEvery = d }
}

// WithRemover replaces the directory remover used at teardown.
func WithRemover(r *packaging.Remover) Option {
	return func(o *Orchestrator) { o.remover = r }
}

// WithArchiver replaces the archiver used to package finished jobs.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archive = a }
}

// WithStopWait bounds how long teardown waits for a cancelled job's
// goroutine to return before it frees the job's slot and files anyway.
func WithStopWait(d time.Duration) Option {
	return func(o *Orchestrator) { o.stopWait = d }
}

// New creates an Orchestrator and starts its expiry sweeper. Call Shutdown
// to stop it.
func New(cfg *config.Config, logger *zap.Logger, deps Deps, opts ...Option) (*Orchestrator, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("cannot initialize orchestrator with nil dependencies")
	}
	if deps.Acquirer == nil || deps.Targets == nil || deps.Tasks == nil || deps.Notifier == nil {
		return nil, errors.New("orchestrator requires an acquirer, a target loader, a task factory and a notifier")
	}
	if deps.Metrics == nil {
		deps.Metrics = noopObserver{}
	}

	maxJobs := int64(cfg.Jobs.MaxConcurrent)
	if maxJobs <= 0 {
		maxJobs = 1
	}
	o := &Orchestrator{
		cfg:           cfg,
		logger:        logger.Named("orchestrator"),
		deps:          deps,
		slots:         semaphore.NewWeighted(maxJobs),
		archive:       packaging.Archive,
		now:           time.Now,
		stopWait:      30 * time.Second,
		sweepEvery:    time.Minute,
		notifyTimeout: 30 * time.Second,
		historyWait:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.remover == nil {
		o.remover = packaging.NewRemover(cfg.Jobs.CleanupGrace, o.logger)
	}
	o.sessions = session.NewStore(cfg.Jobs.SessionTTL,
		session.WithClock(o.now),
		session.WithEvictHook(o.onEvict),
	)
	o.ctx, o.cancel = context.WithCancel(context.Background())

	o.wg.Add(1)
	go o.sweepLoop()
	return o, nil
}

// Sessions exposes the session store, mainly for inspection in tests and
// the status log line.
func (o *Orchestrator) Sessions() *session.Store { return o.sessions }

// Handle routes one inbound chat event. It never blocks on the browser,
// the portal or the filesystem.
func (o *Orchestrator) Handle(ctx context.Context, ev schemas.ChatEvent) {
	log := o.logger.With(zap.Int64("user_id", ev.UserID))
	if !o.cfg.Auth.IsAuthorized(ev.UserID) {
		log.Warn("Rejected message.", zap.Error(schemas.ErrAuthorizationDenied))
		o.reply(ctx, ev.ChatID, msgUnauthorized)
		return
	}
	if o.isClosing() {
		o.reply(ctx, ev.ChatID, msgShuttingDown)
		return
	}
	if ev.IsCommand() {
		o.handleCommand(ctx, ev, log)
		return
	}
	o.handleText(ctx, ev, log)
}

func (o *Orchestrator) handleCommand(ctx context.Context, ev schemas.ChatEvent, log *zap.Logger) {
	switch strings.ToLower(ev.Command) {
	case "start", "help":
		o.reply(ctx, ev.ChatID, msgWelcome)
	case "cancel":
		o.cancelSession(ctx, ev, log)
	default:
		m, err := schemas.ParseModule(ev.Command)
		if err != nil {
			o.reply(ctx, ev.ChatID, msgUnknownCommand)
			return
		}
		o.startSession(ctx, ev, m, log)
	}
}

// replaceable decides whether a new command may supersede an existing session.
func replaceable(snap session.Snapshot) bool {
	return snap.Phase == session.PhaseIdle || snap.Phase.Pending() || snap.Phase.Terminal()
}

func (o *Orchestrator) startSession(ctx context.Context, ev schemas.ChatEvent, m schemas.Module, log *zap.Logger) {
	s := session.New(ev.UserID, ev.ChatID, uuid.NewString(), m)
	prev, snap, err := o.sessions.Claim(s, replaceable)
	if errors.Is(err, session.ErrBusy) {
		o.reply(ctx, ev.ChatID, msgBusy)
		return
	}
	if prev != nil {
		log.Info("Superseding pending session.", zap.String("previous_job", prev.JobID), zap.Stringer("phase", snap.Phase))
		o.release(prev, snap, schemas.OutcomeCancelled)
	}

	log = log.With(zap.String("job_id", s.JobID), zap.Stringer("module", m))
	if m.NeedsParameters() {
		if o.sessions.Advance(s, session.PhaseIdle, session.PhaseCollectingParams) {
			o.reply(ctx, ev.ChatID, msgAskDate)
		}
		return
	}
	if o.sessions.Advance(s, session.PhaseIdle, session.PhasePreparing) {
		o.startJob(ctx, s, schemas.JobParameters{}, log)
	}
}

func (o *Orchestrator) handleText(ctx context.Context, ev schemas.ChatEvent, log *zap.Logger) {
	s, err := o.sessions.Lookup(ev.UserID)
	switch {
	case errors.Is(err, schemas.ErrSessionExpired):
		// onEvict has already told the user.
		return
	case err != nil:
		o.reply(ctx, ev.ChatID, msgNoSession)
		return
	}
	log = log.With(zap.String("job_id", s.JobID), zap.Stringer("module", s.Module))

	snap := o.sessions.Snapshot(s)
	switch snap.Phase {
	case session.PhaseCollectingParams:
		date, err := schemas.ParseJobDate(ev.Text)
		if err != nil {
			o.sessions.Touch(s)
			o.reply(ctx, ev.ChatID, msgInvalidDate)
			return
		}
		params := schemas.JobParameters{Date: date}
		if o.sessions.SetParams(s, params, session.PhaseCollectingParams, session.PhasePreparing) {
			o.startJob(ctx, s, params, log)
		}

	case session.PhasePreparing:
		o.reply(ctx, ev.ChatID, msgStillPreparing)

	case session.PhaseAwaitingCaptcha:
		j, ok := snap.Resources.(*job)
		if !ok {
			o.reply(ctx, ev.ChatID, msgNoSession)
			return
		}
		captcha := strings.TrimSpace(ev.Text)
		if captcha == "" {
			o.reply(ctx, ev.ChatID, msgCaptchaPrompt)
			return
		}
		// Duplicate replies lose the compare-and-set and are dropped.
		if !o.sessions.Advance(s, session.PhaseAwaitingCaptcha, session.PhaseAuthenticating) {
			return
		}
		o.reply(ctx, ev.ChatID, msgProcessing)
		if !o.spawn(func() { o.runStep(s, j, func() *ending { return o.execute(j, s, captcha) }) }) {
			o.conclude(s, j, schemas.OutcomeCancelled, errShuttingDown)
		}

	case session.PhaseAuthenticating, session.PhaseRunning, session.PhasePackaging:
		o.reply(ctx, ev.ChatID, msgBusy)

	default:
		o.reply(ctx, ev.ChatID, msgNoSession)
	}
}

func (o *Orchestrator) cancelSession(ctx context.Context, ev schemas.ChatEvent, log *zap.Logger) {
	s := o.sessions.Remove(ev.UserID)
	if s == nil {
		o.reply(ctx, ev.ChatID, msgNothingToCancel)
		return
	}
	snap := o.sessions.Snapshot(s)
	log.Info("Session cancelled by user.", zap.String("job_id", s.JobID), zap.Stringer("phase", snap.Phase))
	o.release(s, snap, schemas.OutcomeCancelled)
	o.reply(ctx, ev.ChatID, msgCancelled)
}

// release tears down a session that has already left the store.
func (o *Orchestrator) release(s *session.Session, snap session.Snapshot, outcome schemas.Outcome) {
	j, ok := snap.Resources.(*job)
	if !ok {
		o.sessions.Fail(s)
		if snap.Cancel != nil {
			snap.Cancel()
		}
		return
	}
	if !o.spawn(func() { o.conclude(s, j, outcome, nil) }) {
		o.conclude(s, j, outcome, nil)
	}
}

// onEvict runs when the store drops an expired session, either on the
// user's next message or from the sweeper.
func (o *Orchestrator) onEvict(s *session.Session, snap session.Snapshot) {
	o.logger.Info("Session expired.",
		zap.Int64("user_id", s.UserID),
		zap.String("job_id", s.JobID),
		zap.Stringer("phase", snap.Phase))
	o.release(s, snap, schemas.OutcomeExpired)
	o.notify(s.ChatID, msgSessionExpired)
}

func (o *Orchestrator) sweepLoop() {
	defer o.wg.Done()
	if o.sweepEvery <= 0 {
		return
	}
	ticker := time.NewTicker(o.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if n := o.sessions.Sweep(); n > 0 {
				o.logger.Debug("Swept expired sessions.", zap.Int("count", n))
			}
		}
	}
}

// spawn runs fn on a tracked goroutine. It returns false once shutdown has begun.
func (o *Orchestrator) spawn(fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return false
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
	return true
}

func (o *Orchestrator) isClosing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closing
}

var errShuttingDown = errors.New("orchestrator is shutting down")

// Shutdown cancels every running job, releases pending sessions and waits
// for all job goroutines to finish their cleanup, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return nil
	}
	o.closing = true
	o.mu.Unlock()

	o.logger.Info("Shutting down orchestrator.", zap.Int("sessions", o.sessions.Len()))
	o.cancel()

	var g errgroup.Group
	for _, s := range o.sessions.Drain() {
		s := s
		snap := o.sessions.Snapshot(s)
		g.Go(func() error {
			if j, ok := snap.Resources.(*job); ok {
				o.conclude(s, j, schemas.OutcomeCancelled, errShuttingDown)
			} else {
				o.sessions.Fail(s)
			}
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("Orchestrator stopped.")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs to stop: %w", ctx.Err())
	}
}

// reply sends a short message on the caller's context, logging failures.
func (o *Orchestrator) reply(ctx context.Context, chatID int64, text string) {
	if err := o.deps.Notifier.SendText(ctx, chatID, text); err != nil {
		o.logger.Warn("Failed to send reply.", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// notify sends a message that must not depend on a job context, which may
// already be cancelled when the job ends.
func (o *Orchestrator) notify(chatID int64, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.notifyTimeout)
	defer cancel()
	o.reply(ctx, chatID, text)
}
