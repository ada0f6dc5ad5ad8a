package session

import (
	"time"
)

// Status is the persisted lifecycle state of a session
type Status string

const (
	StatusActive     Status = "active"
	StatusBackground Status = "background"
	StatusClosed     Status = "closed"
)

// Record is the recovery record persisted as sessions/<id>.json. It never
// carries conversation content.
type Record struct {
	ID          string    `json:"id"`
	CWD         string    `json:"cwd"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	AssistantID string    `json:"assistant_id,omitempty"`
	Label       string    `json:"label,omitempty"`
	Status      Status    `json:"status"`
}

// CreateOptions configures a new session
type CreateOptions struct {
	// ID reuses a known id, e.g. when recovering. Empty generates one.
	ID          string
	CWD         string
	AssistantID string
	Label       string
	// StartedAt overrides the start time. Zero means now.
	StartedAt time.Time
}

// Session is a point-in-time view of a live session
type Session struct {
	ID           string    `json:"id"`
	CWD          string    `json:"cwd"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	IsProcessing bool      `json:"is_processing"`
	AssistantID  string    `json:"assistant_id,omitempty"`
	Label        string    `json:"label,omitempty"`
	Active       bool      `json:"active"`
	Buffered     int       `json:"buffered"`
	Pending      int       `json:"pending"`
}

// DisplayName returns the label, or a short form of the id
func (s Session) DisplayName() string {
	if s.Label != "" {
		return s.Label
	}
	if len(s.ID) > 8 {
		return s.ID[:8]
	}
	return s.ID
}
