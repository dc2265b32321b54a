// Package sandbox provides isolated execution environments backing an AI
// coding agent's file and shell operations. A sandbox may be a local
// passthrough, a Docker container, or a remote cloud micro-VM; the Provider
// interface hides which one. The two capabilities a sandbox exposes upward
// are file I/O (FileSystemBackend) and command execution (Executor).
package sandbox

import (
	"context"
	"time"
)

// ExecuteResult is the stable execution outcome shape handed to callers,
// independent of provider quirks: stdout/stderr are always present as
// strings, the exit code is normalized.
type ExecuteResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// FileInfo describes one entry of a directory listing.
type FileInfo struct {
	Name    string
	Path    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// FileSystemBackend is the file capability a sandbox exposes. When IsRemote
// reports true, callers must skip host-filesystem assumptions (absolute path
// resolution, directory auto-creation) and trust the backend to apply its own
// semantics.
type FileSystemBackend interface {
	IsRemote() bool
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	List(ctx context.Context, path string) ([]FileInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
}

// TaskState is the lifecycle of an asynchronous execution.
type TaskState string

const (
	TaskRunning TaskState = "running"
	TaskDone    TaskState = "done"
	TaskFailed  TaskState = "failed"
)

// TaskStatus reports on an asynchronous execution started by ExecuteAsync.
type TaskStatus struct {
	ID     string
	State  TaskState
	Result *ExecuteResult // Set once State is done.
	Error  string         // Set once State is failed.
}

// Executor is the shell capability a sandbox exposes.
type Executor interface {
	IsRemote() bool
	Execute(ctx context.Context, command string, timeout time.Duration) (*ExecuteResult, error)
	ExecuteAsync(ctx context.Context, command string) (string, error)
	Status(taskID string) (*TaskStatus, error)
}
