package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/kizimba/internal/config"
)

const (
	e2bDefaultDomain     = "e2b.app"
	e2bDefaultTemplate   = "base"
	e2bDefaultTimeoutSec = 300
	e2bMaxTimeoutSec     = 86400

	// e2bEnvdPort is the in-sandbox control daemon port; command execution
	// goes to the sandbox's own host, not the control plane.
	e2bEnvdPort = 49983
)

// E2BProvider drives E2B managed micro-VM sandboxes over their REST API.
// Pause/resume are supported (beta); there is no metrics endpoint, so
// Metrics reports ErrUnsupported.
type E2BProvider struct {
	cfg    config.E2BProfile
	api    *apiClient
	logger *slog.Logger
}

// NewE2BProvider creates an E2B-backed provider.
func NewE2BProvider(cfg config.E2BProfile, logger *slog.Logger) (*E2BProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("e2b: api key is required")
	}
	if cfg.Domain == "" {
		cfg.Domain = e2bDefaultDomain
	}
	if cfg.Template == "" {
		cfg.Template = e2bDefaultTemplate
	}
	if cfg.TimeoutSec <= 0 {
		cfg.TimeoutSec = e2bDefaultTimeoutSec
	}
	if cfg.TimeoutSec > e2bMaxTimeoutSec {
		cfg.TimeoutSec = e2bMaxTimeoutSec
	}
	return &E2BProvider{
		cfg:    cfg,
		api:    newAPIClient("e2b", "https://api."+cfg.Domain, map[string]string{"X-API-Key": cfg.APIKey}),
		logger: logger,
	}, nil
}

func (p *E2BProvider) Name() string { return "e2b" }

type e2bCreateRequest struct {
	TemplateID string            `json:"templateID"`
	Timeout    int               `json:"timeout"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type e2bSandboxInfo struct {
	SandboxID  string            `json:"sandboxID"`
	TemplateID string            `json:"templateID"`
	State      string            `json:"state"`
	StartedAt  time.Time         `json:"startedAt"`
	Metadata   map[string]string `json:"metadata"`
}

func (p *E2BProvider) CreateSession(ctx context.Context, opts CreateOptions) (string, error) {
	req := e2bCreateRequest{
		TemplateID: p.cfg.Template,
		Timeout:    p.cfg.TimeoutSec,
		Metadata:   map[string]string{"thread_id": opts.ThreadID},
	}
	var resp e2bSandboxInfo
	if err := p.api.doJSON(ctx, "create", http.MethodPost, "/sandboxes", req, &resp); err != nil {
		return "", err
	}
	p.logger.Info("e2b sandbox created",
		slog.String("sandbox_id", resp.SandboxID),
		slog.String("template", p.cfg.Template),
	)
	return resp.SandboxID, nil
}

func (p *E2BProvider) GetSession(ctx context.Context, sessionID string) (*SessionDescriptor, error) {
	var info e2bSandboxInfo
	if err := p.api.doJSON(ctx, "get", http.MethodGet, "/sandboxes/"+sessionID, nil, &info); err != nil {
		return nil, err
	}
	return e2bDescriptor(info), nil
}

func (p *E2BProvider) PauseSession(ctx context.Context, sessionID string) error {
	err := p.api.doJSON(ctx, "pause", http.MethodPost, "/sandboxes/"+sessionID+"/pause", nil, nil)
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Status == http.StatusForbidden {
		// Pause is gated on the account tier; a 403 here is a capability
		// gap, not a failure.
		return ErrUnsupported
	}
	return err
}

func (p *E2BProvider) ResumeSession(ctx context.Context, sessionID string) error {
	body := map[string]int{"timeout": p.cfg.TimeoutSec}
	return p.api.doJSON(ctx, "resume", http.MethodPost, "/sandboxes/"+sessionID+"/resume", body, nil)
}

func (p *E2BProvider) DestroySession(ctx context.Context, sessionID string) error {
	err := p.api.doJSON(ctx, "destroy", http.MethodDelete, "/sandboxes/"+sessionID, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

type e2bCommandRequest struct {
	Cmd       string `json:"cmd"`
	Cwd       string `json:"cwd,omitempty"`
	TimeoutMs int64  `json:"timeoutMs"`
}

type e2bCommandResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
}

// Exec runs a shell command through the sandbox's envd daemon.
func (p *E2BProvider) Exec(ctx context.Context, sessionID, command string, timeout time.Duration) (*ExecResult, error) {
	if timeout == 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("https://%d-%s.%s/commands", e2bEnvdPort, sessionID, p.cfg.Domain)
	req := e2bCommandRequest{Cmd: command, Cwd: p.cfg.Cwd, TimeoutMs: timeout.Milliseconds()}

	start := time.Now()
	var resp e2bCommandResponse
	if err := p.api.call(ctx, "exec", http.MethodPost, url, req, &resp); err != nil {
		return nil, err
	}

	duration := time.Duration(resp.DurationMs) * time.Millisecond
	if duration == 0 {
		duration = time.Since(start)
	}
	return &ExecResult{
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		ExitCode: resp.ExitCode,
		Duration: duration,
	}, nil
}

// Metrics is not available: E2B has no metrics endpoint.
func (p *E2BProvider) Metrics(_ context.Context, _ string) (*Metrics, error) {
	return nil, ErrUnsupported
}

func (p *E2BProvider) ListSessions(ctx context.Context) ([]SessionDescriptor, error) {
	var infos []e2bSandboxInfo
	if err := p.api.doJSON(ctx, "list", http.MethodGet, "/sandboxes", nil, &infos); err != nil {
		return nil, err
	}
	sessions := make([]SessionDescriptor, 0, len(infos))
	for _, info := range infos {
		sessions = append(sessions, *e2bDescriptor(info))
	}
	return sessions, nil
}

func e2bDescriptor(info e2bSandboxInfo) *SessionDescriptor {
	state := StateUnknown
	switch info.State {
	case "running":
		state = StateRunning
	case "paused":
		state = StatePaused
	}
	return &SessionDescriptor{
		ID:        info.SandboxID,
		Provider:  "e2b",
		State:     state,
		CreatedAt: info.StartedAt,
		Labels:    info.Metadata,
	}
}
