package schemas

import "time"

// -- Chat Event Schemas --

// ChatEvent is one inbound message from the chat frontend. Exactly one of
// Command and Text is set. Command carries the command name without the
// leading slash.
type ChatEvent struct {
	UserID  int64  `json:"user_id"`
	ChatID  int64  `json:"chat_id"`
	Command string `json:"command,omitempty"`
	Text    string `json:"text,omitempty"`
}

// IsCommand reports whether the event is a bot command.
func (e ChatEvent) IsCommand() bool { return e.Command != "" }

// -- Job History Schemas --

// JobRecord is the audit row written for every job that reached PREPARING.
type JobRecord struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"user_id"`
	Module     Module    `json:"module"`
	Outcome    Outcome   `json:"outcome"`
	Report     JobReport `json:"report"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// Duration is how long the job ran.
func (r JobRecord) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }
