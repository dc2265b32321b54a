package sandbox

import (
	"context"
	"time"
)

// SessionState is the provider-side view of a session.
type SessionState string

const (
	StateRunning SessionState = "running"
	StatePaused  SessionState = "paused"
	StateStopped SessionState = "stopped"
	StateUnknown SessionState = "unknown"
)

// SessionDescriptor describes a provider-side session.
type SessionDescriptor struct {
	ID        string
	Provider  string
	State     SessionState
	CreatedAt time.Time
	Labels    map[string]string
}

// CreateOptions carries the per-session inputs to CreateSession.
type CreateOptions struct {
	// ThreadID is attached as a label/metadata entry so sessions can be
	// traced back to their owning thread from the provider side.
	ThreadID string

	// ContextID, when set, requests provider-level persistent storage
	// (named volume for docker, context sync for agentbay) so files survive
	// session destruction.
	ContextID string
}

// ExecResult is the raw outcome of a command execution on a provider.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Metrics is a resource snapshot of a session.
type Metrics struct {
	CPUPct    float64
	MemUsed   int64
	MemLimit  int64
	DiskUsed  int64
	DiskLimit int64
	NetRx     int64
	NetTx     int64
}

// Provider talks to one concrete backend (local, docker, e2b, daytona,
// agentbay). Implementations are stateless beyond their own API client;
// durable session tracking belongs to the session manager.
//
// Methods return ErrNotFound / ErrUnsupported (via errors.Is) for the
// capability-result cases and *ProviderError for backend failures.
type Provider interface {
	// Name returns the provider discriminator.
	Name() string

	// CreateSession provisions a new isolated environment and returns its
	// provider-assigned id. Safe to retry as a whole on transient failure —
	// implementations must not leave half-provisioned resources behind.
	CreateSession(ctx context.Context, opts CreateOptions) (string, error)

	// GetSession returns the descriptor for a session, or ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (*SessionDescriptor, error)

	// PauseSession releases the session's compute while preserving its
	// identity. ErrUnsupported when the backend has no pause.
	PauseSession(ctx context.Context, sessionID string) error

	// ResumeSession brings a paused session back. ErrNotFound when the
	// session was reaped while paused, ErrUnsupported when the backend has
	// no resume.
	ResumeSession(ctx context.Context, sessionID string) error

	// DestroySession permanently removes a session. A session that is
	// already gone is treated as success.
	DestroySession(ctx context.Context, sessionID string) error

	// Exec runs a shell command inside the session.
	Exec(ctx context.Context, sessionID, command string, timeout time.Duration) (*ExecResult, error)

	// Metrics returns a resource snapshot, or ErrUnsupported.
	Metrics(ctx context.Context, sessionID string) (*Metrics, error)

	// ListSessions enumerates the sessions this provider currently knows.
	ListSessions(ctx context.Context) ([]SessionDescriptor, error)
}
