// internal/browser/scripts.go
package browser

import (
	"encoding/json"
	"fmt"

	"github.com/xkilldash9x/harvestbot/internal/agent"
)

// Results returned by selectOptionScript.
const (
	selectOK       = "ok"
	selectMissing  = "missing"
	selectNoOption = "no-option"
)

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// selectOptionScript picks the option with the given visible text and fires a
// change event. ASP.NET dropdowns post back on change, so the event matters.
func selectOptionScript(id, text string) string {
	return fmt.Sprintf(`(function(id, text) {
	const el = document.getElementById(id);
	if (!el || !el.options) { return %q; }
	const opt = Array.from(el.options).find(o => o.text.trim() === text);
	if (!opt) { return %q; }
	el.value = opt.value;
	el.dispatchEvent(new Event('change', { bubbles: true }));
	return %q;
})(%s, %s)`, selectMissing, selectNoOption, selectOK, jsString(id), jsString(text))
}

const visibleFn = `function(el) {
	if (!el) { return false; }
	const s = window.getComputedStyle(el);
	return s.display !== 'none' && s.visibility !== 'hidden' && el.getClientRects().length > 0;
}`

// conditionScript translates a wait condition into a boolean expression.
func conditionScript(c agent.Condition) (string, error) {
	if c.Kind != agent.DocumentReady && c.ID == "" {
		return "", fmt.Errorf("condition %q needs an element id", c)
	}
	el := "document.getElementById(" + jsString(c.ID) + ")"

	switch c.Kind {
	case agent.DocumentReady:
		return `document.readyState === 'complete'`, nil
	case agent.Present:
		return el + ` !== null`, nil
	case agent.Visible:
		return fmt.Sprintf(`(%s)(%s)`, visibleFn, el), nil
	case agent.Clickable:
		return fmt.Sprintf(`(function(el) { return (%s)(el) && !el.disabled; })(%s)`, visibleFn, el), nil
	case agent.OptionsLoaded:
		return fmt.Sprintf(`(function(el) { return !!el && !!el.options && el.options.length > %d; })(%s)`, c.MinOptions, el), nil
	}
	return "", fmt.Errorf("unsupported condition kind %d", c.Kind)
}
