package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/harvestbot/api/schemas"
	"github.com/xkilldash9x/harvestbot/internal/agent"
	"github.com/xkilldash9x/harvestbot/internal/config"
	"github.com/xkilldash9x/harvestbot/internal/packaging"
	"github.com/xkilldash9x/harvestbot/internal/scrape"
	"github.com/xkilldash9x/harvestbot/internal/session"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

// -- Fake notifier --

type sentMessage struct {
	kind     string
	chatID   int64
	text     string
	filename string
	data     []byte
}

type fakeNotifier struct {
	mu        sync.Mutex
	msgs      []sentMessage
	failPhoto error
}

func (n *fakeNotifier) add(m sentMessage) {
	n.mu.Lock()
	n.msgs = append(n.msgs, m)
	n.mu.Unlock()
}

func (n *fakeNotifier) SendText(_ context.Context, chatID int64, text string) error {
	n.add(sentMessage{kind: "text", chatID: chatID, text: text})
	return nil
}

func (n *fakeNotifier) SendPhoto(_ context.Context, chatID int64, png []byte, caption string) error {
	n.add(sentMessage{kind: "photo", chatID: chatID, text: caption, data: png})
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failPhoto
}

func (n *fakeNotifier) SendDocument(_ context.Context, chatID int64, data []byte, filename, caption string) error {
	n.add(sentMessage{kind: "document", chatID: chatID, text: caption, filename: filename, data: data})
	return nil
}

func (n *fakeNotifier) all() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.msgs...)
}

// saw reports whether a message of kind with exactly text went to chatID.
func (n *fakeNotifier) saw(chatID int64, kind, text string) bool {
	for _, m := range n.all() {
		if m.chatID == chatID && m.kind == kind && m.text == text {
			return true
		}
	}
	return false
}

func (n *fakeNotifier) count(chatID int64, kind string) int {
	c := 0
	for _, m := range n.all() {
		if m.chatID == chatID && m.kind == kind {
			c++
		}
	}
	return c
}

func (n *fakeNotifier) document(chatID int64) (sentMessage, bool) {
	for _, m := range n.all() {
		if m.chatID == chatID && m.kind == "document" {
			return m, true
		}
	}
	return sentMessage{}, false
}

// -- Fake agent and acquirer --

type fakeAgent struct {
	navErr    error
	loginErr  error
	loginGate chan struct{}

	mu       sync.Mutex
	captchas []string
	released int
}

func (a *fakeAgent) NavigateToLogin(context.Context) ([]byte, error) {
	if a.navErr != nil {
		return nil, a.navErr
	}
	return []byte("captcha-png"), nil
}

func (a *fakeAgent) SubmitLogin(ctx context.Context, _ schemas.Credentials, captcha string) error {
	a.mu.Lock()
	a.captchas = append(a.captchas, captcha)
	a.mu.Unlock()
	if a.loginGate != nil {
		select {
		case <-a.loginGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return a.loginErr
}

func (a *fakeAgent) Click(context.Context, string) error { return nil }

func (a *fakeAgent) Select(context.Context, string, string) error { return nil }

func (a *fakeAgent) WaitUntil(context.Context, agent.Condition, time.Duration) error { return nil }

func (a *fakeAgent) OuterHTML(context.Context, string) (string, error) { return "", nil }

func (a *fakeAgent) Release() error {
	a.mu.Lock()
	a.released++
	a.mu.Unlock()
	return nil
}

func (a *fakeAgent) releases() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

func (a *fakeAgent) logins() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.captchas...)
}

type fakeAcquirer struct {
	mu        sync.Mutex
	err       error
	configure func(*fakeAgent)
	agents    []*fakeAgent
	dirs      []string
}

func (f *fakeAcquirer) Acquire(_ context.Context, dir string) (agent.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs = append(f.dirs, dir)
	if f.err != nil {
		return nil, f.err
	}
	ag := &fakeAgent{}
	if f.configure != nil {
		f.configure(ag)
	}
	f.agents = append(f.agents, ag)
	return ag, nil
}

func (f *fakeAcquirer) agent(i int) *fakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.agents) {
		return nil
	}
	return f.agents[i]
}

func (f *fakeAcquirer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dirs)
}

func (f *fakeAcquirer) dir(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirs[i]
}

// -- Fake dataset, runner, history and metrics --

type fakeLoader struct {
	err     error
	targets []schemas.Target
}

func (l *fakeLoader) Load(context.Context, schemas.Module) ([]schemas.Target, error) {
	return l.targets, l.err
}

type runFunc func(ctx context.Context, dir string, params schemas.JobParameters, progress scrape.Progress) (schemas.JobReport, error)

type fakeRunner struct{ run runFunc }

func (r fakeRunner) Run(ctx context.Context, _ agent.Agent, dir string, _ []schemas.Target, params schemas.JobParameters, progress scrape.Progress) (schemas.JobReport, error) {
	return r.run(ctx, dir, params, progress)
}

// collectOne writes a single artifact, like a one-target invoice run.
func collectOne(_ context.Context, dir string, _ schemas.JobParameters, progress scrape.Progress) (schemas.JobReport, error) {
	if err := os.WriteFile(filepath.Join(dir, "North.pdf"), []byte("%PDF"), 0o644); err != nil {
		return schemas.JobReport{}, err
	}
	r := schemas.JobReport{Attempted: 1, Succeeded: 1}
	progress(r)
	return r, nil
}

// blockUntilDone simulates a long scrape that only ends with its context.
func blockUntilDone(ctx context.Context, _ string, _ schemas.JobParameters, _ scrape.Progress) (schemas.JobReport, error) {
	<-ctx.Done()
	return schemas.JobReport{Attempted: 1, Failed: 1}, ctx.Err()
}

type fakeHistory struct {
	mu   sync.Mutex
	recs []schemas.JobRecord
}

func (h *fakeHistory) RecordJob(_ context.Context, rec schemas.JobRecord) error {
	h.mu.Lock()
	h.recs = append(h.recs, rec)
	h.mu.Unlock()
	return nil
}

func (h *fakeHistory) records() []schemas.JobRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]schemas.JobRecord(nil), h.recs...)
}

type fakeMetrics struct {
	mu        sync.Mutex
	started   int
	finished  map[schemas.Outcome]int
	processed []schemas.JobReport
}

func (m *fakeMetrics) JobStarted(schemas.Module) {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

func (m *fakeMetrics) JobFinished(_ schemas.Module, o schemas.Outcome, _ time.Duration) {
	m.mu.Lock()
	if m.finished == nil {
		m.finished = map[schemas.Outcome]int{}
	}
	m.finished[o]++
	m.mu.Unlock()
}

func (m *fakeMetrics) TargetsProcessed(_ schemas.Module, r schemas.JobReport) {
	m.mu.Lock()
	m.processed = append(m.processed, r)
	m.mu.Unlock()
}

func (m *fakeMetrics) startedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// -- Clock --

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// -- Fixture --

type fixture struct {
	o        *Orchestrator
	cfg      *config.Config
	clock    *fakeClock
	notifier *fakeNotifier
	acq      *fakeAcquirer
	loader   *fakeLoader
	runner   *fakeRunner
	history  *fakeHistory
	metrics  *fakeMetrics
	archive  Archiver
}

// newFixture builds an orchestrator over fakes. tweak may adjust the config
// before construction.
func newFixture(t *testing.T, tweak ...func(*config.Config)) *fixture {
	t.Helper()
	return newFixtureWith(t, nil, tweak...)
}

// newFixtureWith is newFixture with extra orchestrator options.
func newFixtureWith(t *testing.T, opts []Option, tweak ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Auth.AuthorizedUsers = []int64{1, 2, 3}
	cfg.Portal.Username, cfg.Portal.Password = "user", "secret"
	cfg.Jobs.TempRoot = t.TempDir()
	cfg.Jobs.CleanupGrace = 0
	cfg.Jobs.MaxDuration = time.Minute
	cfg.Jobs.SessionTTL = 30 * time.Minute
	cfg.Jobs.MaxConcurrent = 2
	for _, fn := range tweak {
		fn(cfg)
	}

	f := &fixture{
		cfg:      cfg,
		clock:    &fakeClock{now: time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)},
		notifier: &fakeNotifier{},
		acq:      &fakeAcquirer{},
		loader:   &fakeLoader{targets: []schemas.Target{{Name: "North"}}},
		runner:   &fakeRunner{run: collectOne},
		history:  &fakeHistory{},
		metrics:  &fakeMetrics{},
		archive:  packaging.Archive,
	}
	opts = append([]Option{
		WithClock(f.clock.Now),
		WithSweepInterval(0),
		WithArchiver(func(ctx context.Context, dir, dest string) error { return f.archive(ctx, dir, dest) }),
	}, opts...)
	o, err := New(cfg, zaptest.NewLogger(t), Deps{
		Acquirer: f.acq,
		Targets:  f.loader,
		Tasks:    func(schemas.Module) (Runner, error) { return f.runner, nil },
		Notifier: f.notifier,
		History:  f.history,
		Metrics:  f.metrics,
	}, opts...)
	require.NoError(t, err)
	f.o = o
	t.Cleanup(func() { f.shutdown(t) })
	return f
}

func (f *fixture) shutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.o.Shutdown(ctx))
}

// texts counts the text messages to chatID that read exactly text.
func (n *fakeNotifier) texts(chatID int64, text string) int {
	c := 0
	for _, m := range n.all() {
		if m.chatID == chatID && m.kind == "text" && m.text == text {
			c++
		}
	}
	return c
}

func chatOf(user int64) int64 { return user * 100 }

func (f *fixture) command(user int64, name string) {
	f.o.Handle(context.Background(), schemas.ChatEvent{UserID: user, ChatID: chatOf(user), Command: name})
}

func (f *fixture) text(user int64, body string) {
	f.o.Handle(context.Background(), schemas.ChatEvent{UserID: user, ChatID: chatOf(user), Text: body})
}

func (f *fixture) phase(user int64) (session.Phase, bool) {
	s, ok := f.o.Sessions().Get(user)
	if !ok {
		return session.PhaseIdle, false
	}
	return f.o.Sessions().Snapshot(s).Phase, true
}

func (f *fixture) waitPhase(t *testing.T, user int64, want session.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		p, ok := f.phase(user)
		return ok && p == want
	}, waitFor, tick, "user %d never reached %s", user, want)
}

func (f *fixture) waitGone(t *testing.T, user int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := f.o.Sessions().Get(user)
		return !ok
	}, waitFor, tick, "session of user %d was never removed", user)
}

func (f *fixture) waitRecords(t *testing.T, n int) []schemas.JobRecord {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.history.records()) >= n }, waitFor, tick)
	return f.history.records()
}

// toCaptcha drives a stock job to AWAITING_CAPTCHA.
func (f *fixture) toCaptcha(t *testing.T, user int64) {
	t.Helper()
	f.command(user, "stock")
	f.waitPhase(t, user, session.PhaseAwaitingCaptcha)
}

func assertReleased(t *testing.T, ag *fakeAgent) {
	t.Helper()
	require.NotNil(t, ag)
	assert.Eventually(t, func() bool { return ag.releases() == 1 }, waitFor, tick, "agent must be released exactly once")
}
