// internal/browser/chrome_test.go
package browser

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/harvestbot/api/schemas"
	"github.com/xkilldash9x/harvestbot/internal/agent"
	"github.com/xkilldash9x/harvestbot/internal/config"
)

// newTestAgent builds a chromeAgent whose actions are captured instead of
// being sent to a browser.
func newTestAgent(t *testing.T, run runFunc, eval evalFunc) (*chromeAgent, *atomic.Int32) {
	t.Helper()
	var closed atomic.Int32
	a := &chromeAgent{
		id:            "test",
		logger:        zaptest.NewLogger(t),
		loginURL:      "https://portal.example/login.aspx",
		actionTimeout: time.Second,
		ctx:           context.Background(),
		closeBrowser: func() error {
			closed.Add(1)
			return nil
		},
		run:  run,
		eval: eval,
	}
	return a, &closed
}

func okRun(captured *[]chromedp.Action) runFunc {
	return func(_ context.Context, actions ...chromedp.Action) error {
		*captured = append(*captured, actions...)
		return nil
	}
}

func TestChromeAgent_Release(t *testing.T) {
	a, closed := newTestAgent(t, okRun(new([]chromedp.Action)), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Release())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), closed.Load(), "the browser is closed exactly once")

	err := a.Click(context.Background(), "btn")
	assert.ErrorIs(t, err, schemas.ErrAgentUnusable)
}

func TestChromeAgent_Click(t *testing.T) {
	var captured []chromedp.Action
	a, _ := newTestAgent(t, okRun(&captured), nil)
	require.NoError(t, a.Click(context.Background(), "ctl00_ImageButton11"))
	assert.Len(t, captured, 1)

	failing := errors.New("node not visible")
	a.run = func(context.Context, ...chromedp.Action) error { return failing }
	err := a.Click(context.Background(), "x")
	assert.ErrorIs(t, err, failing)
	assert.NotErrorIs(t, err, schemas.ErrAgentUnusable)
}

func TestChromeAgent_ClosedBrowserIsUnusable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a, _ := newTestAgent(t, func(context.Context, ...chromedp.Action) error { return context.Canceled }, nil)
	a.ctx = ctx
	cancel()

	err := a.Click(context.Background(), "x")
	assert.ErrorIs(t, err, schemas.ErrAgentUnusable)
	_, err = a.NavigateToLogin(context.Background())
	assert.ErrorIs(t, err, schemas.ErrAgentUnusable)
}

func TestChromeAgent_ActionTimeout(t *testing.T) {
	a, _ := newTestAgent(t, func(ctx context.Context, _ ...chromedp.Action) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	a.actionTimeout = 20 * time.Millisecond

	err := a.Click(context.Background(), "slow")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChromeAgent_NavigateToLogin(t *testing.T) {
	t.Run("CaptureFailure", func(t *testing.T) {
		a, _ := newTestAgent(t, func(context.Context, ...chromedp.Action) error {
			return errors.New("could not find node")
		}, nil)
		_, err := a.NavigateToLogin(context.Background())
		assert.ErrorIs(t, err, schemas.ErrCaptchaCaptureFailed)
	})

	t.Run("EmptyScreenshot", func(t *testing.T) {
		var captured []chromedp.Action
		a, _ := newTestAgent(t, okRun(&captured), nil)
		_, err := a.NavigateToLogin(context.Background())
		assert.ErrorIs(t, err, schemas.ErrCaptchaCaptureFailed)
		assert.Len(t, captured, 3, "navigate, wait, screenshot")
	})
}

func TestChromeAgent_SubmitLogin(t *testing.T) {
	creds := schemas.Credentials{Username: "u", Password: "p"}

	t.Run("Accepted", func(t *testing.T) {
		var captured []chromedp.Action
		a, _ := newTestAgent(t, okRun(&captured), nil)
		require.NoError(t, a.SubmitLogin(context.Background(), creds, " AB12 "))
		assert.Len(t, captured, 5, "three fields, the button, then the poll")
	})

	t.Run("StillOnLoginPage", func(t *testing.T) {
		calls := 0
		a, _ := newTestAgent(t, func(context.Context, ...chromedp.Action) error {
			calls++
			if calls == 2 {
				return chromedp.ErrPollingTimeout
			}
			return nil
		}, nil)
		err := a.SubmitLogin(context.Background(), creds, "wrong")
		assert.ErrorIs(t, err, schemas.ErrAuthenticationFailed)
	})

	t.Run("FormMissing", func(t *testing.T) {
		a, _ := newTestAgent(t, func(context.Context, ...chromedp.Action) error {
			return errors.New("could not find node")
		}, nil)
		err := a.SubmitLogin(context.Background(), creds, "x")
		assert.ErrorIs(t, err, schemas.ErrAuthenticationFailed)
	})
}

func TestChromeAgent_Select(t *testing.T) {
	evalReturning := func(result string, seen *string) evalFunc {
		return func(_ context.Context, expr string, res interface{}) error {
			*seen = expr
			*(res.(*string)) = result
			return nil
		}
	}

	var expr string
	a, _ := newTestAgent(t, okRun(new([]chromedp.Action)), evalReturning(selectOK, &expr))
	require.NoError(t, a.Select(context.Background(), "ctl00_ContentPlaceHolder1_ddl_Warehouse", "North Depot"))
	assert.Contains(t, expr, `"ctl00_ContentPlaceHolder1_ddl_Warehouse"`)
	assert.Contains(t, expr, `"North Depot"`)

	a.eval = evalReturning(selectNoOption, &expr)
	err := a.Select(context.Background(), "ddl", "Nowhere")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no option "Nowhere"`)

	a.eval = evalReturning(selectMissing, &expr)
	err = a.Select(context.Background(), "ddl", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "element not found")
}

func TestChromeAgent_WaitUntil(t *testing.T) {
	var captured []chromedp.Action
	a, _ := newTestAgent(t, okRun(&captured), nil)
	require.NoError(t, a.WaitUntil(context.Background(), agent.OptionsMoreThan("ddl_warehouse", 1), time.Second))
	assert.Len(t, captured, 1)

	a.run = func(context.Context, ...chromedp.Action) error { return chromedp.ErrPollingTimeout }
	err := a.WaitUntil(context.Background(), agent.VisibleByID("Grid_req"), 10*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "#Grid_req visible")

	err = a.WaitUntil(context.Background(), agent.Condition{Kind: agent.Visible}, time.Second)
	assert.Error(t, err, "conditions on elements need an id")
}

func TestConditionScript(t *testing.T) {
	expr, err := conditionScript(agent.Ready())
	require.NoError(t, err)
	assert.Equal(t, `document.readyState === 'complete'`, expr)

	expr, err = conditionScript(agent.OptionsMoreThan("ddl", 1))
	require.NoError(t, err)
	assert.Contains(t, expr, "el.options.length > 1")

	expr, err = conditionScript(agent.ClickableByID("btn_Show"))
	require.NoError(t, err)
	assert.Contains(t, expr, "!el.disabled")
	assert.Contains(t, expr, `document.getElementById("btn_Show")`)

	_, err = conditionScript(agent.Condition{Kind: agent.ConditionKind(99), ID: "x"})
	assert.Error(t, err)
}

func TestSelectOptionScriptEscapes(t *testing.T) {
	script := selectOptionScript("ddl", `O'Brien "Depot"`)
	assert.True(t, strings.Contains(script, `"O'Brien \"Depot\""`))
}

func TestAllocatorOptions(t *testing.T) {
	base := len(AllocatorOptions(config.BrowserConfig{Headless: true}))
	assert.Greater(t, base, len(chromedp.DefaultExecAllocatorOptions))

	full := AllocatorOptions(config.BrowserConfig{
		Headless:     false,
		ExecPath:     "/usr/bin/chromium",
		WindowWidth:  1280,
		WindowHeight: 720,
		Args:         []string{"--lang=en-US", "--disable-extensions"},
	})
	assert.Equal(t, base+5, len(full))
}

func TestBoundTo(t *testing.T) {
	defer goleak.VerifyNone(t)

	type ctxKey string
	const key ctxKey = "target"

	t.Run("KeepsBrowserValues", func(t *testing.T) {
		browserCtx := context.WithValue(context.Background(), key, "tab-1")
		runCtx, cancel := boundTo(browserCtx, context.WithValue(context.Background(), key, "caller"))
		defer cancel()
		assert.Equal(t, "tab-1", runCtx.Value(key))
		assert.NoError(t, runCtx.Err())
	})

	t.Run("EndsWithBrowser", func(t *testing.T) {
		browserCtx, closeBrowser := context.WithCancel(context.Background())
		runCtx, cancel := boundTo(browserCtx, context.Background())
		defer cancel()
		closeBrowser()
		assert.ErrorIs(t, runCtx.Err(), context.Canceled)
	})

	t.Run("EndsWithCaller", func(t *testing.T) {
		caller, cancelCaller := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancelCaller()
		runCtx, cancel := boundTo(context.Background(), caller)
		defer cancel()
		select {
		case <-runCtx.Done():
		case <-time.After(time.Second):
			t.Fatal("action context outlived the caller's deadline")
		}
	})

	t.Run("CancelLeavesCallerAlone", func(t *testing.T) {
		caller, cancelCaller := context.WithCancel(context.Background())
		defer cancelCaller()
		_, cancel := boundTo(context.Background(), caller)
		cancel()
		assert.NoError(t, caller.Err())
	})
}
