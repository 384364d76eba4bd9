package model

import "time"

// RunStatus represents the lifecycle state of a conversion run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFatal     RunStatus = "fatal"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusCancelled, RunStatusFatal:
		return true
	default:
		return false
	}
}

// Credentials authenticate against the event-submission service.
type Credentials struct {
	AccessToken string `json:"access_token" mapstructure:"access_token"`
	PixelID     string `json:"pixel_id" mapstructure:"pixel_id"`
}

// Complete reports whether both the token and destination are set.
func (c Credentials) Complete() bool {
	return c.AccessToken != "" && c.PixelID != ""
}

// Summary is the final tally of a run that reached Running.
type Summary struct {
	RunID      string    `json:"run_id"`
	Source     string    `json:"source"`
	Status     RunStatus `json:"status"`
	Total      int       `json:"total"`
	Visited    int       `json:"visited"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	ExportPath string    `json:"export_path,omitempty"`
	ExportErr  string    `json:"export_error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Run is a persisted run history entry.
type Run struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	PixelID   string    `json:"pixel_id"`
	Status    RunStatus `json:"status"`
	Summary   *Summary  `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StoredFailure is a failed row as persisted in run history.
type StoredFailure struct {
	ID        string      `json:"id"`
	RunID     string      `json:"run_id"`
	Row       int         `json:"row"`
	Kind      FailureKind `json:"kind"`
	Reason    string      `json:"reason"`
	Columns   []string    `json:"columns"`
	Values    []string    `json:"values"`
	CreatedAt time.Time   `json:"created_at"`
}

// Record rebuilds the raw row of a stored failure.
func (f StoredFailure) Record() RawRecord {
	return NewRawRecord(f.Row, f.Columns, f.Values)
}
