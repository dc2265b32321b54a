package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/kizimba/internal/config"
)

const (
	defaultDockerImage     = "kizimba-runtime:latest"
	defaultDockerMountPath = "/workspace"
	defaultDockerMemoryMB  = 512
	defaultDockerCPUCores  = 1.0
	defaultDockerPIDsLimit = 128

	// managedLabel marks containers owned by kizimba so ListSessions never
	// touches unrelated containers.
	managedLabel = "kizimba.managed"
	threadLabel  = "kizimba.thread"

	dockerOpTimeout = 30 * time.Second
)

// DockerProvider runs sessions as long-lived Docker containers driven
// through the docker CLI.
//
// Security posture per container:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit prevents fork bombs, CPU rate limited
//   - Network disabled by default (--network=none)
//   - stdout/stderr capped on every exec
//
// A session is a container running an idle keeper process; commands run via
// docker exec. Pause/resume map to docker pause/unpause (cgroup freezer), so
// the container keeps its filesystem and memory across the round trip.
type DockerProvider struct {
	cfg    config.DockerProfile
	logger *slog.Logger
}

// NewDockerProvider creates a Docker-backed provider.
func NewDockerProvider(cfg config.DockerProfile, logger *slog.Logger) *DockerProvider {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.MountPath == "" {
		cfg.MountPath = defaultDockerMountPath
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultDockerMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerProvider{cfg: cfg, logger: logger}
}

func (p *DockerProvider) Name() string { return "docker" }

// CreateSession starts a new container and returns its name as the session
// id. On partial failure the container is force-removed so a retry of the
// whole call never leaks a second container.
func (p *DockerProvider) CreateSession(ctx context.Context, opts CreateOptions) (string, error) {
	name, err := generateSessionName()
	if err != nil {
		return "", permanentErr("docker", "create", err)
	}

	args := p.buildRunArgs(name, opts)
	p.logger.Info("docker session creating",
		slog.String("container", name),
		slog.String("image", p.cfg.Image),
		slog.String("thread_id", opts.ThreadID),
	)

	if _, _, err := p.docker(ctx, args...); err != nil {
		p.forceRemove(name)
		return "", err
	}
	return name, nil
}

// buildRunArgs constructs the docker run argument list: detached idle keeper
// process plus the hardening and resource flags.
func (p *DockerProvider) buildRunArgs(name string, opts CreateOptions) []string {
	memoryFlag := strconv.Itoa(p.cfg.MemoryMB) + "m"

	args := []string{
		"run", "-d",
		"--name", name,
		"--label", managedLabel + "=true",
		"--label", threadLabel + "=" + opts.ThreadID,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + strconv.FormatFloat(p.cfg.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(p.cfg.PIDsLimit),

		"--workdir", p.cfg.MountPath,
	}

	// Persistent storage: a named volume survives container destruction and
	// is re-attached when a session is recreated with the same context id.
	if opts.ContextID != "" {
		args = append(args, "-v", "kizimba-ctx-"+opts.ContextID+":"+p.cfg.MountPath)
	}

	if p.cfg.Network {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	// Idle keeper: the container stays up until destroyed.
	args = append(args, p.cfg.Image, "sleep", "infinity")
	return args
}

func (p *DockerProvider) GetSession(ctx context.Context, sessionID string) (*SessionDescriptor, error) {
	out, _, err := p.docker(ctx, "inspect", "-f", "{{.State.Status}}|{{.Created}}", sessionID)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(strings.TrimSpace(out), "|", 2)
	desc := &SessionDescriptor{
		ID:       sessionID,
		Provider: "docker",
		State:    dockerState(parts[0]),
	}
	if len(parts) == 2 {
		if t, err := time.Parse(time.RFC3339Nano, parts[1]); err == nil {
			desc.CreatedAt = t
		}
	}
	return desc, nil
}

func (p *DockerProvider) PauseSession(ctx context.Context, sessionID string) error {
	_, _, err := p.docker(ctx, "pause", sessionID)
	return err
}

func (p *DockerProvider) ResumeSession(ctx context.Context, sessionID string) error {
	_, stderr, err := p.docker(ctx, "unpause", sessionID)
	if err != nil && strings.Contains(stderr, "is not paused") {
		// Already running — resume is satisfied.
		return nil
	}
	return err
}

// DestroySession force-removes the container. Already-gone is success.
func (p *DockerProvider) DestroySession(ctx context.Context, sessionID string) error {
	_, _, err := p.docker(ctx, "rm", "-f", sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Exec runs a shell command inside the session container.
func (p *DockerProvider) Exec(ctx context.Context, sessionID, command string, timeout time.Duration) (*ExecResult, error) {
	if command == "" {
		return nil, permanentErr("docker", "exec", errors.New("empty command"))
	}
	if timeout == 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "exec", sessionID, "/bin/sh", "-lc", command)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			p.logger.Warn("docker exec timed out",
				slog.String("container", sessionID),
				slog.Duration("timeout", timeout),
			)
			return nil, transientErr("docker", "exec", fmt.Errorf("execution timed out after %s", timeout))
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
			if code, ok := dockerDaemonExit(exitCode, stderrBuf.String()); ok {
				return nil, code
			}
		} else {
			return nil, transientErr("docker", "exec", runErr)
		}
	}

	return &ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// dockerStatsRow is the subset of `docker stats --format json` we read.
type dockerStatsRow struct {
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	NetIO    string `json:"NetIO"`
}

// Metrics combines docker stats (cpu/mem/net) with docker inspect --size
// (writable-layer disk usage).
func (p *DockerProvider) Metrics(ctx context.Context, sessionID string) (*Metrics, error) {
	out, _, err := p.docker(ctx, "stats", "--no-stream", "--format", "{{json .}}", sessionID)
	if err != nil {
		return nil, err
	}
	var row dockerStatsRow
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &row); err != nil {
		return nil, permanentErr("docker", "metrics", fmt.Errorf("parsing docker stats: %w", err))
	}

	m := &Metrics{CPUPct: parsePercent(row.CPUPerc)}
	m.MemUsed, m.MemLimit = parseBytePair(row.MemUsage)
	m.NetRx, m.NetTx = parseBytePair(row.NetIO)

	sizes, _, err := p.docker(ctx, "inspect", "-s", "-f", "{{.SizeRw}}|{{.SizeRootFs}}", sessionID)
	if err == nil {
		parts := strings.SplitN(strings.TrimSpace(sizes), "|", 2)
		if len(parts) == 2 {
			m.DiskUsed, _ = strconv.ParseInt(parts[0], 10, 64)
			m.DiskLimit, _ = strconv.ParseInt(parts[1], 10, 64)
		}
	}
	return m, nil
}

func (p *DockerProvider) ListSessions(ctx context.Context) ([]SessionDescriptor, error) {
	out, _, err := p.docker(ctx, "ps", "-a",
		"--filter", "label="+managedLabel+"=true",
		"--format", `{{.Names}}|{{.State}}|{{.Label "`+threadLabel+`"}}|{{.CreatedAt}}`)
	if err != nil {
		return nil, err
	}

	var sessions []SessionDescriptor
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) < 2 {
			continue
		}
		desc := SessionDescriptor{
			ID:       parts[0],
			Provider: "docker",
			State:    dockerState(parts[1]),
		}
		if len(parts) >= 3 && parts[2] != "" {
			desc.Labels = map[string]string{threadLabel: parts[2]}
		}
		if len(parts) == 4 {
			if t, err := time.Parse("2006-01-02 15:04:05 -0700 MST", parts[3]); err == nil {
				desc.CreatedAt = t
			}
		}
		sessions = append(sessions, desc)
	}
	return sessions, nil
}

// docker runs one docker CLI invocation and classifies its failure mode:
// missing container → ErrNotFound, unreachable daemon → transient, anything
// else → permanent with the stderr tail attached.
func (p *DockerProvider) docker(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	ctx, cancel := context.WithTimeout(ctx, dockerOpTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	stdout, stderr = stdoutBuf.String(), stderrBuf.String()
	if runErr == nil {
		return stdout, stderr, nil
	}

	op := args[0]
	switch {
	case ctx.Err() != nil:
		return stdout, stderr, transientErr("docker", op, fmt.Errorf("docker %s timed out", op))
	case strings.Contains(stderr, "No such container") || strings.Contains(stderr, "No such object"):
		return stdout, stderr, ErrNotFound
	case strings.Contains(stderr, "Cannot connect to the Docker daemon"):
		return stdout, stderr, transientErr("docker", op, errors.New(strings.TrimSpace(stderr)))
	default:
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = runErr.Error()
		}
		return stdout, stderr, permanentErr("docker", op, errors.New(msg))
	}
}

// dockerDaemonExit distinguishes "the command exited non-zero" from "docker
// exec itself failed" (125/126/127 with a daemon message on stderr).
func dockerDaemonExit(code int, stderr string) (error, bool) {
	if code < 125 {
		return nil, false
	}
	switch {
	case strings.Contains(stderr, "No such container"):
		return ErrNotFound, true
	case strings.Contains(stderr, "is paused"):
		return permanentErr("docker", "exec", errors.New("container is paused")), true
	case strings.Contains(stderr, "Cannot connect to the Docker daemon"):
		return transientErr("docker", "exec", errors.New(strings.TrimSpace(stderr))), true
	}
	// 126/127 inside the container (command not found) are real exit codes.
	return nil, false
}

// forceRemove is the cleanup safety net after a failed create. Best-effort.
func (p *DockerProvider) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		p.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("output", string(out)),
		)
	}
}

func dockerState(s string) SessionState {
	switch s {
	case "running":
		return StateRunning
	case "paused":
		return StatePaused
	case "exited", "created", "dead":
		return StateStopped
	default:
		return StateUnknown
	}
}

// parsePercent turns "12.34%" into 12.34.
func parsePercent(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "%"), 64)
	return v
}

// parseBytePair turns "12.5MiB / 1GiB" into two byte counts.
func parseBytePair(s string) (int64, int64) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	return parseByteSize(parts[0]), parseByteSize(parts[1])
}

var byteUnits = []struct {
	suffix string
	factor float64
}{
	{"TiB", 1 << 40}, {"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10},
	{"TB", 1e12}, {"GB", 1e9}, {"MB", 1e6}, {"kB", 1e3}, {"B", 1},
}

// parseByteSize parses docker's human-readable sizes ("1.23MiB", "456kB").
func parseByteSize(s string) int64 {
	s = strings.TrimSpace(s)
	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), 64)
			if err != nil {
				return 0
			}
			return int64(v * u.factor)
		}
	}
	v, _ := strconv.ParseFloat(s, 64)
	return int64(v)
}

// generateSessionName returns a unique container name: kizimba-sbx-<16 hex chars>.
func generateSessionName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "kizimba-sbx-" + hex.EncodeToString(b), nil
}
