package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/kizimba/internal/config"
)

// testImage is the Docker image used for integration tests. Any small image
// with a shell works.
const testImage = "alpine:latest"

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

// skipIfNoImage skips the test if the image isn't pulled.
func skipIfNoImage(t *testing.T) {
	t.Helper()
	out, err := exec.Command("docker", "images", "-q", testImage).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("docker image %s not found, skipping (pull with: docker pull %s)", testImage, testImage)
	}
}

func newTestDockerProvider(t *testing.T) *DockerProvider {
	t.Helper()
	skipIfNoDocker(t)
	skipIfNoImage(t)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewDockerProvider(config.DockerProfile{
		Image:     testImage,
		MemoryMB:  64,
		CPUCores:  0.5,
		PIDsLimit: 32,
	}, logger)
}

// newTestSession creates a session and registers cleanup.
func newTestSession(t *testing.T, p *DockerProvider) string {
	t.Helper()
	ctx := context.Background()
	sessionID, err := p.CreateSession(ctx, CreateOptions{ThreadID: "test-thread"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	t.Cleanup(func() {
		_ = p.DestroySession(context.Background(), sessionID)
	})
	return sessionID
}

func TestDockerProvider_SessionSurvivesExecs(t *testing.T) {
	p := newTestDockerProvider(t)
	ctx := context.Background()
	sessionID := newTestSession(t, p)

	// State written by one exec is visible to the next — the session is one
	// long-lived container, not per-command.
	if _, err := p.Exec(ctx, sessionID, "echo persisted > /tmp/marker", 0); err != nil {
		t.Fatalf("Exec (write): %v", err)
	}
	result, err := p.Exec(ctx, sessionID, "cat /tmp/marker", 0)
	if err != nil {
		t.Fatalf("Exec (read): %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "persisted" {
		t.Errorf("stdout = %q, want %q", got, "persisted")
	}
}

func TestDockerProvider_NonZeroExit(t *testing.T) {
	p := newTestDockerProvider(t)
	sessionID := newTestSession(t, p)

	result, err := p.Exec(context.Background(), sessionID, "exit 42", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 42 {
		t.Errorf("exit code = %d, want 42", result.ExitCode)
	}
}

func TestDockerProvider_ExecTimeout(t *testing.T) {
	p := newTestDockerProvider(t)
	sessionID := newTestSession(t, p)

	_, err := p.Exec(context.Background(), sessionID, "sleep 60", 2*time.Second)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %q, want timeout error", err.Error())
	}
}

func TestDockerProvider_PauseResumeRoundTrip(t *testing.T) {
	p := newTestDockerProvider(t)
	ctx := context.Background()
	sessionID := newTestSession(t, p)

	if err := p.PauseSession(ctx, sessionID); err != nil {
		t.Fatalf("PauseSession: %v", err)
	}
	desc, err := p.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if desc.State != StatePaused {
		t.Errorf("state = %s, want %s", desc.State, StatePaused)
	}

	if err := p.ResumeSession(ctx, sessionID); err != nil {
		t.Fatalf("ResumeSession: %v", err)
	}
	result, err := p.Exec(ctx, sessionID, "echo back", 0)
	if err != nil {
		t.Fatalf("Exec after resume: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "back" {
		t.Errorf("stdout = %q, want %q", got, "back")
	}

	// Resuming a running session is idempotent.
	if err := p.ResumeSession(ctx, sessionID); err != nil {
		t.Errorf("ResumeSession (already running) = %v, want nil", err)
	}
}

func TestDockerProvider_NotFound(t *testing.T) {
	p := newTestDockerProvider(t)
	ctx := context.Background()

	if _, err := p.GetSession(ctx, "kizimba-sbx-doesnotexist"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession = %v, want ErrNotFound", err)
	}
	// Destroying a missing session is success.
	if err := p.DestroySession(ctx, "kizimba-sbx-doesnotexist"); err != nil {
		t.Errorf("DestroySession = %v, want nil", err)
	}
}

func TestDockerProvider_ListSessions(t *testing.T) {
	p := newTestDockerProvider(t)
	ctx := context.Background()
	sessionID := newTestSession(t, p)

	sessions, err := p.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	var found bool
	for _, s := range sessions {
		if s.ID == sessionID {
			found = true
			if s.Labels[threadLabel] != "test-thread" {
				t.Errorf("thread label = %q, want %q", s.Labels[threadLabel], "test-thread")
			}
		}
	}
	if !found {
		t.Errorf("session %s not in listing", sessionID)
	}
}

func TestDockerProvider_NoNetwork(t *testing.T) {
	p := newTestDockerProvider(t)
	sessionID := newTestSession(t, p)

	result, err := p.Exec(context.Background(), sessionID,
		"wget -q -T 3 -O- http://1.1.1.1 2>&1 || echo NETWORK_BLOCKED", 10*time.Second)
	if err != nil {
		t.Logf("got error (acceptable for no network): %v", err)
		return
	}
	output := result.Stdout + result.Stderr
	if !strings.Contains(output, "NETWORK_BLOCKED") && !strings.Contains(output, "Network is unreachable") && !strings.Contains(output, "bad address") {
		t.Errorf("expected network failure, got: %s", output)
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0B", 0},
		{"512B", 512},
		{"1KiB", 1024},
		{"1.5MiB", 1572864},
		{"2GiB", 2147483648},
		{"456kB", 456000},
		{"1.2GB", 1200000000},
	}
	for _, tt := range tests {
		if got := parseByteSize(tt.in); got != tt.want {
			t.Errorf("parseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseBytePair(t *testing.T) {
	used, limit := parseBytePair("12MiB / 64MiB")
	if used != 12<<20 || limit != 64<<20 {
		t.Errorf("parseBytePair = %d/%d, want %d/%d", used, limit, int64(12<<20), int64(64<<20))
	}
}

func TestParsePercent(t *testing.T) {
	if got := parsePercent("12.34%"); got != 12.34 {
		t.Errorf("parsePercent = %v, want 12.34", got)
	}
	if got := parsePercent(""); got != 0 {
		t.Errorf("parsePercent(empty) = %v, want 0", got)
	}
}

func TestDockerDaemonExit(t *testing.T) {
	if err, ok := dockerDaemonExit(1, ""); ok || err != nil {
		t.Error("ordinary exit codes are not daemon failures")
	}
	if err, ok := dockerDaemonExit(126, "some command"); ok || err != nil {
		t.Error("126 without daemon stderr is the command's own exit code")
	}
	err, ok := dockerDaemonExit(125, "Error response from daemon: No such container: x")
	if !ok || !errors.Is(err, ErrNotFound) {
		t.Errorf("daemon not-found = %v/%v, want ErrNotFound/true", err, ok)
	}
}
