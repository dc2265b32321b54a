package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestLocalProvider() *LocalProvider {
	return NewLocalProvider(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLocalProvider_CreateIsSentinel(t *testing.T) {
	p := newTestLocalProvider()
	id, err := p.CreateSession(context.Background(), CreateOptions{ThreadID: "t"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if id != "local" {
		t.Errorf("session id = %q, want %q", id, "local")
	}
}

func TestLocalProvider_BasicExecution(t *testing.T) {
	p := newTestLocalProvider()

	result, err := p.Exec(context.Background(), "local", "echo hello", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if got := strings.TrimSpace(result.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
}

func TestLocalProvider_NonZeroExit(t *testing.T) {
	p := newTestLocalProvider()

	result, err := p.Exec(context.Background(), "local", "exit 42", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 42 {
		t.Errorf("exit code = %d, want 42", result.ExitCode)
	}
}

func TestLocalProvider_Timeout(t *testing.T) {
	p := newTestLocalProvider()

	_, err := p.Exec(context.Background(), "local", "sleep 60", 500*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %q, want timeout error", err.Error())
	}
	if !IsTransient(err) {
		t.Error("timeout should be transient")
	}
}

func TestLocalProvider_StderrCaptured(t *testing.T) {
	p := newTestLocalProvider()

	result, err := p.Exec(context.Background(), "local", "echo oops >&2", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(result.Stderr); got != "oops" {
		t.Errorf("stderr = %q, want %q", got, "oops")
	}
}

func TestLocalProvider_LifecycleUnsupported(t *testing.T) {
	p := newTestLocalProvider()
	ctx := context.Background()

	if err := p.PauseSession(ctx, "local"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("PauseSession = %v, want ErrUnsupported", err)
	}
	if err := p.ResumeSession(ctx, "local"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("ResumeSession = %v, want ErrUnsupported", err)
	}
	if _, err := p.Metrics(ctx, "local"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Metrics = %v, want ErrUnsupported", err)
	}
	// Destroy is a clean no-op, not a capability gap.
	if err := p.DestroySession(ctx, "local"); err != nil {
		t.Errorf("DestroySession = %v, want nil", err)
	}
}
