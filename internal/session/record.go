// Package session owns the durable thread→session mapping and every
// lifecycle transition on it. The manager here is the only component that
// writes session records; providers stay stateless.
package session

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a session record.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusDestroyed Status = "destroyed"
	StatusError     Status = "error"
)

// Record is the durable row tracking which provider session backs a thread.
// At most one non-destroyed record exists per thread id.
type Record struct {
	ThreadID   string    `gorm:"column:thread_id;primaryKey"`
	Provider   string    `gorm:"column:provider"`
	SessionID  string    `gorm:"column:session_id"`
	ContextID  string    `gorm:"column:context_id"`
	Status     Status    `gorm:"column:status"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	LastActive time.Time `gorm:"column:last_active"`
}

// TableName keeps the table decoupled from conversation storage — sandbox
// lifecycle survives chat-history schema migrations.
func (Record) TableName() string { return "sandbox_sessions" }

// Live reports whether the record claims a usable provider session.
func (r *Record) Live() bool {
	return r.Status == StatusRunning || r.Status == StatusPaused
}

// validTransitions is the lifecycle state machine:
// creating → running ⇄ paused, both → destroyed (terminal), any → error on
// provider inconsistency, error → creating on the next resolve attempt.
var validTransitions = map[Status]map[Status]bool{
	StatusCreating: {StatusRunning: true, StatusDestroyed: true, StatusError: true},
	StatusRunning:  {StatusPaused: true, StatusDestroyed: true, StatusError: true},
	StatusPaused:   {StatusRunning: true, StatusDestroyed: true, StatusError: true},
	StatusError:    {StatusCreating: true, StatusDestroyed: true},
	// destroyed is terminal.
	StatusDestroyed: {},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// TransitionError is returned for illegal lifecycle steps (e.g. pausing a
// destroyed record). Callers must not assume idempotence across terminal
// boundaries, so this fails fast instead of no-op'ing.
type TransitionError struct {
	ThreadID string
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("thread %s: invalid transition %s → %s", e.ThreadID, e.From, e.To)
}

// transition applies a lifecycle step to the record, validating it and
// touching LastActive.
func (r *Record) transition(to Status) error {
	if !CanTransition(r.Status, to) {
		return &TransitionError{ThreadID: r.ThreadID, From: r.Status, To: to}
	}
	r.Status = to
	r.LastActive = time.Now().UTC()
	return nil
}
