package schemas

import (
	"fmt"
	"strings"
	"time"
)

// -- Module Schemas --

// Module identifies one of the portal report families a user can request.
type Module string

const (
	ModuleInvoice   Module = "invoice"
	ModuleStock     Module = "stock"
	ModuleInventory Module = "inventory"
)

// Modules lists every supported module in menu order.
var Modules = []Module{ModuleInvoice, ModuleStock, ModuleInventory}

// ParseModule maps a chat command name (with or without the leading slash)
// onto a Module.
func ParseModule(name string) (Module, error) {
	m := Module(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "/")))
	switch m {
	case ModuleInvoice, ModuleStock, ModuleInventory:
		return m, nil
	}
	return "", fmt.Errorf("unknown module %q", name)
}

func (m Module) String() string { return string(m) }

// NeedsParameters reports whether the module asks the user for input before
// the CAPTCHA challenge. Only invoices need a target date.
func (m Module) NeedsParameters() bool { return m == ModuleInvoice }

// -- Target Schemas --

// Target is one row of a module's target dataset.
type Target struct {
	// Name is the destination the portal is queried for (warehouse or depot).
	Name string `json:"name"`
	// District is only populated for inventory targets.
	District string `json:"district,omitempty"`
	// Date is an optional per-row date override.
	Date *time.Time `json:"date,omitempty"`
}

// Label is the identifier written to the failure log for this target.
func (t Target) Label() string {
	if t.District != "" {
		return t.District + "/" + t.Name
	}
	return t.Name
}

// JobParameters holds the values collected from the user before a job starts.
type JobParameters struct {
	Date time.Time `json:"date"`
}

// DateLayout is the DD-MM-YYYY format users reply with and directories are named by.
const DateLayout = "02-01-2006"

// ParseJobDate parses a user supplied DD-MM-YYYY date.
func ParseJobDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, strings.TrimSpace(s))
}

// -- Job Outcome Schemas --

// JobReport summarizes one scrape run over a target dataset.
type JobReport struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Outcome is the terminal result of a job.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeExpired   Outcome = "expired"
)
