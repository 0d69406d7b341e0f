package session

import (
	"context"
	"time"

	"github.com/xkilldash9x/harvestbot/api/schemas"
)

// Phase is the lifecycle position of a Session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCollectingParams
	PhasePreparing
	PhaseAwaitingCaptcha
	PhaseAuthenticating
	PhaseRunning
	PhasePackaging
	PhaseDone
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseIdle:             "IDLE",
	PhaseCollectingParams: "COLLECTING_PARAMS",
	PhasePreparing:        "PREPARING",
	PhaseAwaitingCaptcha:  "AWAITING_CAPTCHA",
	PhaseAuthenticating:   "AUTHENTICATING",
	PhaseRunning:          "RUNNING",
	PhasePackaging:        "PACKAGING",
	PhaseDone:             "DONE",
	PhaseFailed:           "FAILED",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool { return p == PhaseDone || p == PhaseFailed }

// Pending reports whether the session is waiting on the user. Pending
// sessions may be superseded by a new command; in-flight ones may not.
func (p Phase) Pending() bool {
	return p == PhaseCollectingParams || p == PhaseAwaitingCaptcha
}

// Resources is whatever a session holds that must be released when it ends.
type Resources interface {
	Close()
}

// Session is the per-user conversational and job state. Fields other than
// the ones documented as immutable are only read or written through Store
// methods.
type Session struct {
	// Immutable after creation.
	UserID int64
	ChatID int64
	JobID  string
	Module schemas.Module

	createdAt time.Time
	lastSeen  time.Time
	phase     Phase
	params    *schemas.JobParameters
	resources Resources
	cancel    context.CancelFunc
}

// New builds a session in the IDLE phase.
func New(userID, chatID int64, jobID string, module schemas.Module) *Session {
	return &Session{UserID: userID, ChatID: chatID, JobID: jobID, Module: module, phase: PhaseIdle}
}

// Snapshot is a copy of a session's mutable state taken under the store lock.
type Snapshot struct {
	Phase     Phase
	CreatedAt time.Time
	LastSeen  time.Time
	Params    *schemas.JobParameters
	Resources Resources
	Cancel    context.CancelFunc
}
