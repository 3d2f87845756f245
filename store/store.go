// Package store holds the session records a coordinator keeps and the
// persistence backends for them.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested session does not exist.
var ErrNotFound = errors.New("not found")

// Work is one unit of work handed to the coordinator, typically a diagnosed
// error event.
type Work struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id,omitempty"`
	Subject    string         `json:"subject,omitempty"`  // project or path the work belongs to
	Category   string         `json:"category"`           // e.g. "name_error", "import_error"
	Message    string         `json:"message"`
	FilePath   string         `json:"file_path,omitempty"`
	Line       int            `json:"line,omitempty"`
	StackTrace string         `json:"stack_trace,omitempty"`
	Severity   string         `json:"severity,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Result is one candidate answer contributed by a peer.
type Result struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Payload     string  `json:"payload,omitempty"`
	Confidence  float64 `json:"confidence"`
	Source      string  `json:"source"` // peer that produced it
	Explanation string  `json:"explanation,omitempty"`
	Score       float64 `json:"score"`
}

// Session is a running record of related work and the results chosen for it.
type Session struct {
	ID         string     `json:"session_id"`
	Subject    string     `json:"subject"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Operations []Work     `json:"operations"`
	Outcomes   []Result   `json:"outcomes"`
}

// Active reports whether the session has not been ended.
func (s *Session) Active() bool { return s.EndTime == nil }

// Clone returns a copy whose slices can be read or modified without touching s.
// Work.Context maps are shared.
func (s *Session) Clone() *Session {
	c := *s
	c.Operations = make([]Work, len(s.Operations))
	copy(c.Operations, s.Operations)
	c.Outcomes = make([]Result, len(s.Outcomes))
	copy(c.Outcomes, s.Outcomes)
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	return &c
}

// Store persists sessions. Implementations must be safe for concurrent use.
type Store interface {
	// SaveSession inserts or replaces the session with s.ID.
	SaveSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// ListSessions returns all sessions ordered by start time.
	ListSessions(ctx context.Context) ([]*Session, error)
	Close() error
}
