// Package agent defines the browser capability a job drives. The Chrome
// implementation lives in internal/browser; tests use in-memory fakes.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/xkilldash9x/harvestbot/api/schemas"
)

// Agent is one browser instance bound to one job. It is not safe for
// concurrent use; a job drives its agent from a single goroutine.
type Agent interface {
	// NavigateToLogin opens the portal login page and returns a PNG
	// screenshot of the CAPTCHA image.
	NavigateToLogin(ctx context.Context) ([]byte, error)
	// SubmitLogin fills the login form and submits it. It returns an error
	// wrapping schemas.ErrAuthenticationFailed if the portal rejects it.
	SubmitLogin(ctx context.Context, creds schemas.Credentials, captcha string) error
	// Click clicks the element with the given id.
	Click(ctx context.Context, id string) error
	// Select picks the option whose visible text is text in the dropdown id.
	Select(ctx context.Context, id, text string) error
	// WaitUntil blocks until cond holds or timeout elapses.
	WaitUntil(ctx context.Context, cond Condition, timeout time.Duration) error
	// OuterHTML returns the rendered markup of the element with the given id.
	OuterHTML(ctx context.Context, id string) (string, error)
	// Release shuts the browser down. It is idempotent.
	Release() error
}

// Acquirer starts agents whose downloads land in workDir.
type Acquirer interface {
	Acquire(ctx context.Context, workDir string) (Agent, error)
}

// ConditionKind enumerates the page states a job can wait for.
type ConditionKind int

const (
	// DocumentReady waits for document.readyState == "complete".
	DocumentReady ConditionKind = iota
	// Visible waits for an element to be rendered and visible.
	Visible
	// Present waits for an element to exist in the DOM.
	Present
	// Clickable waits for an element to be visible and enabled.
	Clickable
	// OptionsLoaded waits for a dropdown to hold more than MinOptions options.
	OptionsLoaded
)

// Condition is a page state to wait for.
type Condition struct {
	Kind       ConditionKind
	ID         string
	MinOptions int
}

// Ready is the DocumentReady condition.
func Ready() Condition { return Condition{Kind: DocumentReady} }

// VisibleByID waits for element id to be visible.
func VisibleByID(id string) Condition { return Condition{Kind: Visible, ID: id} }

// PresentByID waits for element id to exist.
func PresentByID(id string) Condition { return Condition{Kind: Present, ID: id} }

// ClickableByID waits for element id to be visible and enabled.
func ClickableByID(id string) Condition { return Condition{Kind: Clickable, ID: id} }

// OptionsMoreThan waits for dropdown id to have more than n options.
func OptionsMoreThan(id string, n int) Condition {
	return Condition{Kind: OptionsLoaded, ID: id, MinOptions: n}
}

func (c Condition) String() string {
	switch c.Kind {
	case DocumentReady:
		return "document ready"
	case Visible:
		return fmt.Sprintf("#%s visible", c.ID)
	case Present:
		return fmt.Sprintf("#%s present", c.ID)
	case Clickable:
		return fmt.Sprintf("#%s clickable", c.ID)
	case OptionsLoaded:
		return fmt.Sprintf("#%s has more than %d options", c.ID, c.MinOptions)
	}
	return "unknown condition"
}
