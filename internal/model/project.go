package model

import (
	"sync"
	"time"
)

// State is a Project's execution state.
type State string

const (
	StateIdle      State = "IDLE"
	StateExecuting State = "EXECUTING"
	StateError     State = "ERROR"
)

// Project is the server-side record binding an identifier to an absolute
// directory and its execution/log state. All mutation goes through the
// methods below, which hold mu for the duration of the change — the lock is
// never held across I/O or channel sends.
type Project struct {
	mu sync.Mutex

	ID         string
	Path       string
	State      State
	LastError  string
	SessionID  string
	CreatedAt  time.Time
	LastActive time.Time
}

// Snapshot is an immutable copy of a Project's fields, safe to serialize or
// hand across goroutines without holding the Project's lock.
type Snapshot struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	State      State     `json:"state"`
	LastError  string    `json:"last_error,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// Snapshot returns a copy of the project's current fields.
func (p *Project) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		ID:         p.ID,
		Path:       p.Path,
		State:      p.State,
		LastError:  p.LastError,
		SessionID:  p.SessionID,
		CreatedAt:  p.CreatedAt,
		LastActive: p.LastActive,
	}
}

// TryBeginExecution transitions IDLE -> EXECUTING if, and only if, the
// project is currently IDLE. It reports whether the transition happened —
// this is the sole enforcement point for "at most one execution per project".
func (p *Project) TryBeginExecution() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State != StateIdle {
		return false
	}
	p.State = StateExecuting
	p.LastActive = time.Now()
	return true
}

// FinishExecution transitions EXECUTING -> IDLE, recording an optional
// session identifier from the completed run.
func (p *Project) FinishExecution(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.State = StateIdle
	p.LastError = ""
	if sessionID != "" {
		p.SessionID = sessionID
	}
	p.LastActive = time.Now()
}

// FailExecution transitions EXECUTING -> ERROR with a recorded reason. The
// caller is responsible for the subsequent auto-transition back to IDLE via
// ResetAfterError.
func (p *Project) FailExecution(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.State = StateError
	p.LastError = reason
	p.LastActive = time.Now()
}

// ResetAfterError transitions ERROR -> IDLE automatically once the failure
// has been recorded, keeping LastError for display.
func (p *Project) ResetAfterError() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State == StateError {
		p.State = StateIdle
	}
}

// ClearSession clears the continuation session identifier.
func (p *Project) ClearSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SessionID = ""
}

// IsExecuting reports whether the project is currently running an execution.
func (p *Project) IsExecuting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.State == StateExecuting
}

// Metadata is the on-disk, atomically-written representation of a Project
// under `<data-root>/<project-id>/metadata.json`.
type Metadata struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	State      State     `json:"state"`
	SessionID  string    `json:"session_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// ToMetadata converts a Project's current fields to its persisted form.
// EXECUTING is never persisted as a restartable state — a project
// recovered from disk always starts IDLE.
func (p *Project) ToMetadata() Metadata {
	s := p.Snapshot()
	state := s.State
	if state == StateExecuting {
		state = StateIdle
	}
	return Metadata{
		ID:         s.ID,
		Path:       s.Path,
		State:      state,
		SessionID:  s.SessionID,
		CreatedAt:  s.CreatedAt,
		LastActive: s.LastActive,
	}
}

// FromMetadata constructs a Project from persisted metadata, always
// starting IDLE regardless of what was recorded (defense in depth alongside
// ToMetadata's own normalization).
func FromMetadata(m Metadata) *Project {
	return &Project{
		ID:         m.ID,
		Path:       m.Path,
		State:      StateIdle,
		SessionID:  m.SessionID,
		CreatedAt:  m.CreatedAt,
		LastActive: m.LastActive,
	}
}
