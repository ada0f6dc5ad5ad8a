package jobs

import (
	"time"
	"unicode/utf8"
)

// Status is the lifecycle state of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the status is terminal
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether s may move to next
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next.IsTerminal()
	case StatusRunning:
		return next.IsTerminal()
	}
	return false
}

// Error codes recorded on failed, timed out and cancelled jobs
const (
	CodeExitStatus  = "exit_status"
	CodeSpawnFailed = "spawn_failed"
	CodeTimeout     = "timeout"
	CodeCancelled   = "cancelled"
	CodeOrphaned    = "orphaned"
)

// JobError describes why a job did not complete
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the captured output of a finished process
type Result struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Job is one detached background command
type Job struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id,omitempty"`
	ConnectorName string         `json:"connector_name"`
	Command       string         `json:"command"`
	Input         map[string]any `json:"input,omitempty"`
	Status        Status         `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	TimeoutMs     int64          `json:"timeout_ms"`
	Result        *Result        `json:"result,omitempty"`
	Error         *JobError      `json:"error,omitempty"`
}

// Clone returns a deep-enough copy for handing out of the manager
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.Input != nil {
		c.Input = make(map[string]any, len(j.Input))
		for k, v := range j.Input {
			c.Input[k] = v
		}
	}
	return &c
}

// Duration returns how long the job ran, or zero if it never started
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// StartRequest describes a job to start
type StartRequest struct {
	SessionID string
	Connector string
	Command   string
	Input     map[string]any
	// Timeout overrides the connector and global timeouts when positive
	Timeout time.Duration
	// Dir is the working directory for the process
	Dir string
}

// Connector names a command prefix jobs can run through
type Connector struct {
	Name    string        `json:"name"`
	Command []string      `json:"command"`
	Timeout time.Duration `json:"timeout"`
}

// DefaultConnectorName is the connector used when a request names none
const DefaultConnectorName = "shell"

// DefaultConnector runs commands through sh -c
func DefaultConnector() Connector {
	return Connector{Name: DefaultConnectorName, Command: []string{"sh", "-c"}}
}

const summaryLimit = 500

// Summary is the compact record handed to completion listeners
type Summary struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	Connector string `json:"connector"`
	Status    Status `json:"status"`
	Text      string `json:"text,omitempty"`
}

// Summarize builds a listener summary from a terminal job
func Summarize(j *Job) Summary {
	s := Summary{
		ID:        j.ID,
		SessionID: j.SessionID,
		Connector: j.ConnectorName,
		Status:    j.Status,
	}

	switch {
	case j.Status == StatusCompleted && j.Result != nil:
		s.Text = j.Result.Stdout
	case j.Error != nil:
		s.Text = j.Error.Message
		if j.Result != nil && j.Result.Stderr != "" {
			s.Text += ": " + j.Result.Stderr
		}
	}
	s.Text = truncate(s.Text, summaryLimit)

	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
