package scrape

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/harvestbot/api/schemas"
	"github.com/xkilldash9x/harvestbot/internal/agent"
	"github.com/xkilldash9x/harvestbot/internal/config"
)

// fakeAgent records every interaction and lets tests script failures.
type fakeAgent struct {
	mu    sync.Mutex
	calls []string

	// failSelect makes Select fail for these option texts, as many times as the value says (-1 = always).
	failSelect map[string]int
	// onClick runs when the given id is clicked.
	onClick map[string]func() error
	// html is returned by OuterHTML keyed by the last selected option.
	html     map[string]string
	selected string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{failSelect: map[string]int{}, onClick: map[string]func() error{}, html: map[string]string{}}
}

func (f *fakeAgent) record(format string, args ...interface{}) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

func (f *fakeAgent) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAgent) NavigateToLogin(context.Context) ([]byte, error) { return []byte("png"), nil }

func (f *fakeAgent) SubmitLogin(context.Context, schemas.Credentials, string) error { return nil }

func (f *fakeAgent) Click(_ context.Context, id string) error {
	f.record("click %s", id)
	f.mu.Lock()
	hook := f.onClick[id]
	f.mu.Unlock()
	if hook != nil {
		return hook()
	}
	return nil
}

func (f *fakeAgent) Select(_ context.Context, id, text string) error {
	f.record("select %s=%s", id, text)
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.failSelect[text]; ok && n != 0 {
		if n > 0 {
			f.failSelect[text] = n - 1
		}
		return fmt.Errorf("no option %q", text)
	}
	f.selected = text
	return nil
}

func (f *fakeAgent) WaitUntil(_ context.Context, c agent.Condition, _ time.Duration) error {
	f.record("wait %s", c)
	return nil
}

func (f *fakeAgent) OuterHTML(_ context.Context, id string) (string, error) {
	f.record("html %s", id)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.html[f.selected], nil
}

func (f *fakeAgent) Release() error { return nil }

// noSleep skips settle delays.
func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testTiming() config.ModuleConfig {
	return config.ModuleConfig{
		StepTimeout:     time.Second,
		SettleDelay:     time.Second,
		DownloadTimeout: 300 * time.Millisecond,
		Retry:           config.RetryConfig{MaxAttempts: 3, Backoff: time.Millisecond},
	}
}

func fixedClock() time.Time { return time.Date(2024, 3, 5, 14, 30, 15, 0, time.UTC) }

// downloadOnClick makes clicking id drop a file named name into dir.
func downloadOnClick(t *testing.T, f *fakeAgent, id, dir, name string) {
	t.Helper()
	f.onClick[id] = func() error {
		return os.WriteFile(filepath.Join(dir, name), []byte("%PDF"), 0o644)
	}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
