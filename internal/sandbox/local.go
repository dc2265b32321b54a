package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// localSessionID is the sentinel id returned by the local provider. There is
// no remote resource behind it — "no sandbox configured" is modeled as a
// provider so the manager never has to branch on it.
const localSessionID = "local"

const defaultExecTimeout = 30 * time.Second

// LocalProvider is the null implementation: CreateSession is a no-op
// returning a sentinel id, Exec shells out on the host directly, and
// pause/resume/metrics report ErrUnsupported.
type LocalProvider struct {
	logger *slog.Logger
}

// NewLocalProvider creates the host-passthrough provider.
func NewLocalProvider(logger *slog.Logger) *LocalProvider {
	return &LocalProvider{logger: logger}
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) CreateSession(_ context.Context, _ CreateOptions) (string, error) {
	return localSessionID, nil
}

func (p *LocalProvider) GetSession(_ context.Context, sessionID string) (*SessionDescriptor, error) {
	if sessionID != localSessionID {
		return nil, ErrNotFound
	}
	return &SessionDescriptor{ID: localSessionID, Provider: "local", State: StateRunning}, nil
}

func (p *LocalProvider) PauseSession(_ context.Context, _ string) error  { return ErrUnsupported }
func (p *LocalProvider) ResumeSession(_ context.Context, _ string) error { return ErrUnsupported }

func (p *LocalProvider) DestroySession(_ context.Context, _ string) error { return nil }

func (p *LocalProvider) Metrics(_ context.Context, _ string) (*Metrics, error) {
	return nil, ErrUnsupported
}

// ListSessions returns nothing: local sessions have no provider-side
// existence worth aggregating.
func (p *LocalProvider) ListSessions(_ context.Context) ([]SessionDescriptor, error) {
	return nil, nil
}

// Exec runs the command directly on the host in its own process group, with
// output caps. No resource isolation is applied — local mode is a
// passthrough by definition.
func (p *LocalProvider) Exec(ctx context.Context, _ string, command string, timeout time.Duration) (*ExecResult, error) {
	if command == "" {
		return nil, permanentErr("local", "exec", errors.New("empty command"))
	}
	if timeout == 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Negative PID = kill the entire process group, so children spawned by
	// the command are terminated with it.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			p.logger.Warn("local exec timed out",
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return nil, transientErr("local", "exec", fmt.Errorf("execution timed out after %s", timeout))
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, permanentErr("local", "exec", runErr)
		}
	}

	return &ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}
