package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kizimba/internal/config"
)

const asyncTaskTimeout = 10 * time.Minute

// Sandbox bundles a Provider with a live session id. It is cheap to
// reconstruct from a session record and lives for one request/tool-call;
// callers own it exclusively and re-resolve through the manager rather than
// sharing it across threads.
type Sandbox struct {
	provider  Provider
	sessionID string
	logger    *slog.Logger

	// onNotFound fires when the provider reports the session gone
	// mid-operation, so the owner can invalidate whatever maps to it.
	onNotFound func()

	mu    sync.Mutex
	tasks map[string]*TaskStatus
}

// New creates a handle over a resolved (provider, session id) pair.
func New(provider Provider, sessionID string, logger *slog.Logger) *Sandbox {
	return &Sandbox{
		provider:  provider,
		sessionID: sessionID,
		logger:    logger,
		tasks:     make(map[string]*TaskStatus),
	}
}

// OnNotFound registers a callback invoked (synchronously, before the error
// returns) whenever an operation fails with ErrNotFound. The session manager
// uses it to mark the backing record for recreation.
func (s *Sandbox) OnNotFound(fn func()) { s.onNotFound = fn }

// SessionID returns the provider-assigned session id.
func (s *Sandbox) SessionID() string { return s.sessionID }

// ProviderName returns the backing provider discriminator.
func (s *Sandbox) ProviderName() string { return s.provider.Name() }

// IsRemote reports whether operations leave the host. Only the local
// passthrough is non-remote.
func (s *Sandbox) IsRemote() bool { return s.provider.Name() != config.ProviderLocal }

// FS returns the file capability: direct host I/O for the local
// passthrough, exec-bridged I/O for everything else.
func (s *Sandbox) FS() FileSystemBackend {
	if !s.IsRemote() {
		return &hostFS{}
	}
	return &remoteFS{sandbox: s}
}

// Shell returns the command capability.
func (s *Sandbox) Shell() Executor { return s }

// Execute runs a command synchronously, translating the provider result into
// the stable ExecuteResult shape.
func (s *Sandbox) Execute(ctx context.Context, command string, timeout time.Duration) (*ExecuteResult, error) {
	res, err := s.provider.Exec(ctx, s.sessionID, command, timeout)
	if err != nil {
		if errors.Is(err, ErrNotFound) && s.onNotFound != nil {
			s.onNotFound()
		}
		return nil, err
	}
	return &ExecuteResult{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
	}, nil
}

// ExecuteAsync starts a command in the background and returns a task id for
// polling. Tasks are tracked in memory only — they do not survive the handle.
func (s *Sandbox) ExecuteAsync(ctx context.Context, command string) (string, error) {
	taskID := uuid.NewString()
	status := &TaskStatus{ID: taskID, State: TaskRunning}

	s.mu.Lock()
	s.tasks[taskID] = status
	s.mu.Unlock()

	// Detach from the caller's context: the whole point of async execution
	// is outliving the request that started it.
	go func() {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), asyncTaskTimeout)
		defer cancel()

		result, err := s.Execute(runCtx, command, asyncTaskTimeout)

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			status.State = TaskFailed
			status.Error = err.Error()
			s.logger.Warn("async task failed",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
			return
		}
		status.State = TaskDone
		status.Result = result
	}()

	return taskID, nil
}

// Status reports on a task started by ExecuteAsync.
func (s *Sandbox) Status(taskID string) (*TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("unknown task: %s", taskID)
	}
	cp := *status
	return &cp, nil
}
