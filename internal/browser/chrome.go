// internal/browser/chrome.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/harvestbot/api/schemas"
	"github.com/xkilldash9x/harvestbot/internal/agent"
	"github.com/xkilldash9x/harvestbot/internal/config"
)

// Element ids on the portal login page.
const (
	loginReadyID    = "Label1"
	captchaImageID  = "Image1"
	usernameFieldID = "txt_username"
	passwordFieldID = "txt_password"
	captchaFieldID  = "CodeNumberTextBox"
	loginButtonID   = "ImageButton1"
)

const pollInterval = 250 * time.Millisecond

// runFunc executes chromedp actions against a browser context.
type runFunc func(ctx context.Context, actions ...chromedp.Action) error

// evalFunc evaluates a JavaScript expression into res.
type evalFunc func(ctx context.Context, expr string, res interface{}) error

// ChromeAcquirer launches one headless Chrome per job.
type ChromeAcquirer struct {
	cfg      config.BrowserConfig
	loginURL string
	logger   *zap.Logger
}

var _ agent.Acquirer = (*ChromeAcquirer)(nil)

// NewChromeAcquirer creates an acquirer for the portal at loginURL.
func NewChromeAcquirer(cfg config.BrowserConfig, loginURL string, logger *zap.Logger) *ChromeAcquirer {
	return &ChromeAcquirer{cfg: cfg, loginURL: loginURL, logger: logger.Named("browser")}
}

// AllocatorOptions builds the exec allocator flags for cfg.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

// Acquire starts a browser whose downloads are written to workDir. The
// browser outlives ctx; only Release stops it.
func (a *ChromeAcquirer) Acquire(ctx context.Context, workDir string) (agent.Agent, error) {
	id := uuid.NewString()
	logger := a.logger.With(zap.String("agent_id", id))

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), AllocatorOptions(a.cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Debugf),
	)

	ch := &chromeAgent{
		id:            id,
		logger:        logger,
		loginURL:      a.loginURL,
		actionTimeout: a.cfg.ActionTimeout,
		ctx:           browserCtx,
		closeBrowser: func() error {
			err := chromedp.Cancel(browserCtx)
			browserCancel()
			allocCancel()
			return err
		},
	}
	ch.run = ch.runActions
	ch.eval = func(ctx context.Context, expr string, res interface{}) error {
		return ch.run(ctx, chromedp.Evaluate(expr, res))
	}

	// The first Run starts the browser and must use the browser context
	// itself; a derived timeout context would tear the browser down with it.
	launched := make(chan error, 1)
	go func() {
		launched <- chromedp.Run(browserCtx,
			cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllow).
				WithDownloadPath(workDir).
				WithEventsEnabled(true),
		)
	}()

	timeout := a.cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-launched:
	case <-timer.C:
		err = fmt.Errorf("browser did not start within %s", timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		_ = ch.Release()
		return nil, fmt.Errorf("%w: %v", schemas.ErrAgentAcquisitionFailed, err)
	}

	logger.Debug("Browser started.", zap.String("download_dir", workDir))
	return ch, nil
}

// chromeAgent drives a single Chrome tab.
type chromeAgent struct {
	id            string
	logger        *zap.Logger
	loginURL      string
	actionTimeout time.Duration

	ctx          context.Context
	closeBrowser func() error
	run          runFunc
	eval         evalFunc

	mu       sync.Mutex
	released bool
}

var _ agent.Agent = (*chromeAgent)(nil)

// runActions executes actions bounded by both the browser's lifetime and ctx.
func (c *chromeAgent) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := boundTo(c.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// boundTo derives a context from browserCtx that also ends with ctx. Values
// come from browserCtx only, since chromedp finds its target there.
func boundTo(browserCtx, ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(browserCtx)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// do runs one bounded interaction and classifies its failure.
func (c *chromeAgent) do(ctx context.Context, what string, actions ...chromedp.Action) error {
	if err := c.usable(); err != nil {
		return err
	}
	opCtx, cancel := c.withActionTimeout(ctx)
	defer cancel()
	if err := c.run(opCtx, actions...); err != nil {
		return c.classify(what, opCtx, err)
	}
	return nil
}

func (c *chromeAgent) withActionTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.actionTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.actionTimeout)
}

func (c *chromeAgent) usable() error {
	c.mu.Lock()
	released := c.released
	c.mu.Unlock()
	if released {
		return fmt.Errorf("%w: agent %s already released", schemas.ErrAgentUnusable, c.id)
	}
	if c.ctx.Err() != nil {
		return fmt.Errorf("%w: browser context closed", schemas.ErrAgentUnusable)
	}
	return nil
}

func (c *chromeAgent) classify(what string, opCtx context.Context, err error) error {
	if c.ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %v", schemas.ErrAgentUnusable, what, err)
	}
	if opCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s timed out: %w", what, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func byID(id string) string { return "#" + id }

func (c *chromeAgent) NavigateToLogin(ctx context.Context) ([]byte, error) {
	var png []byte
	err := c.do(ctx, "open login page",
		chromedp.Navigate(c.loginURL),
		chromedp.WaitVisible(byID(loginReadyID), chromedp.ByQuery),
		chromedp.Screenshot(byID(captchaImageID), &png, chromedp.NodeVisible, chromedp.ByQuery),
	)
	if err != nil {
		if errors.Is(err, schemas.ErrAgentUnusable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", schemas.ErrCaptchaCaptureFailed, err)
	}
	if len(png) == 0 {
		return nil, fmt.Errorf("%w: empty screenshot", schemas.ErrCaptchaCaptureFailed)
	}
	return png, nil
}

func (c *chromeAgent) SubmitLogin(ctx context.Context, creds schemas.Credentials, captcha string) error {
	err := c.do(ctx, "submit login",
		chromedp.SetValue(byID(usernameFieldID), creds.Username, chromedp.ByQuery),
		chromedp.SetValue(byID(passwordFieldID), creds.Password, chromedp.ByQuery),
		chromedp.SetValue(byID(captchaFieldID), strings.TrimSpace(captcha), chromedp.ByQuery),
		chromedp.Click(byID(loginButtonID), chromedp.ByQuery),
	)
	if err != nil {
		if errors.Is(err, schemas.ErrAgentUnusable) {
			return err
		}
		return fmt.Errorf("%w: %v", schemas.ErrAuthenticationFailed, err)
	}

	// A successful login navigates away from the form; a rejected one
	// re-renders it with a fresh CAPTCHA.
	gone := "document.readyState === 'complete' && document.getElementById(" + jsString(usernameFieldID) + ") === null"
	if err := c.poll(ctx, gone, c.loginWait()); err != nil {
		if errors.Is(err, schemas.ErrAgentUnusable) {
			return err
		}
		return fmt.Errorf("%w: still on the login page", schemas.ErrAuthenticationFailed)
	}
	c.logger.Debug("Logged in.")
	return nil
}

func (c *chromeAgent) loginWait() time.Duration {
	if c.actionTimeout > 0 {
		return c.actionTimeout
	}
	return 30 * time.Second
}

func (c *chromeAgent) Click(ctx context.Context, id string) error {
	return c.do(ctx, "click #"+id, chromedp.Click(byID(id), chromedp.ByQuery, chromedp.NodeVisible))
}

func (c *chromeAgent) Select(ctx context.Context, id, text string) error {
	if err := c.usable(); err != nil {
		return err
	}
	opCtx, cancel := c.withActionTimeout(ctx)
	defer cancel()

	var result string
	if err := c.eval(opCtx, selectOptionScript(id, text), &result); err != nil {
		return c.classify("select #"+id, opCtx, err)
	}
	switch result {
	case selectOK:
		return nil
	case selectMissing:
		return fmt.Errorf("select #%s: element not found", id)
	case selectNoOption:
		return fmt.Errorf("select #%s: no option %q", id, text)
	}
	return fmt.Errorf("select #%s: unexpected result %q", id, result)
}

func (c *chromeAgent) WaitUntil(ctx context.Context, cond agent.Condition, timeout time.Duration) error {
	expr, err := conditionScript(cond)
	if err != nil {
		return err
	}
	if err := c.poll(ctx, expr, timeout); err != nil {
		return fmt.Errorf("waiting for %s: %w", cond, err)
	}
	return nil
}

// poll evaluates expr until it is true or timeout passes.
func (c *chromeAgent) poll(ctx context.Context, expr string, timeout time.Duration) error {
	if err := c.usable(); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()
	var ok bool
	err := c.run(waitCtx, chromedp.Poll(expr, &ok,
		chromedp.WithPollingInterval(pollInterval),
		chromedp.WithPollingTimeout(timeout),
	))
	if err != nil {
		return c.classify("poll", waitCtx, err)
	}
	return nil
}

func (c *chromeAgent) OuterHTML(ctx context.Context, id string) (string, error) {
	var html string
	if err := c.do(ctx, "read #"+id, chromedp.OuterHTML(byID(id), &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Release closes the browser. Calls after the first are no-ops.
func (c *chromeAgent) Release() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	c.mu.Unlock()

	c.logger.Debug("Releasing browser.")
	if c.closeBrowser == nil {
		return nil
	}
	if err := c.closeBrowser(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("closing browser: %w", err)
	}
	return nil
}
