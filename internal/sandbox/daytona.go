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

const daytonaDefaultAPIURL = "https://app.daytona.io/api"

// DaytonaProvider drives Daytona cloud sandboxes over their REST API.
// Pause/resume map to the stop/start endpoints; Daytona exposes no usage
// metrics endpoint, so Metrics reports ErrUnsupported.
type DaytonaProvider struct {
	cfg    config.DaytonaProfile
	api    *apiClient
	logger *slog.Logger
}

// NewDaytonaProvider creates a Daytona-backed provider.
func NewDaytonaProvider(cfg config.DaytonaProfile, logger *slog.Logger) (*DaytonaProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("daytona: api key is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = daytonaDefaultAPIURL
	}
	return &DaytonaProvider{
		cfg:    cfg,
		api:    newAPIClient("daytona", cfg.APIURL, map[string]string{"Authorization": "Bearer " + cfg.APIKey}),
		logger: logger,
	}, nil
}

func (p *DaytonaProvider) Name() string { return "daytona" }

type daytonaSandbox struct {
	ID        string            `json:"id"`
	State     string            `json:"state"`
	Snapshot  string            `json:"snapshot"`
	Labels    map[string]string `json:"labels"`
	CreatedAt time.Time         `json:"createdAt"`
}

func (p *DaytonaProvider) CreateSession(ctx context.Context, opts CreateOptions) (string, error) {
	body := map[string]any{
		"labels": map[string]string{"thread_id": opts.ThreadID},
	}
	if p.cfg.Snapshot != "" {
		body["snapshot"] = p.cfg.Snapshot
	}
	var resp daytonaSandbox
	if err := p.api.doJSON(ctx, "create", http.MethodPost, "/sandbox", body, &resp); err != nil {
		return "", err
	}
	p.logger.Info("daytona sandbox created", slog.String("sandbox_id", resp.ID))
	return resp.ID, nil
}

func (p *DaytonaProvider) GetSession(ctx context.Context, sessionID string) (*SessionDescriptor, error) {
	var sb daytonaSandbox
	if err := p.api.doJSON(ctx, "get", http.MethodGet, "/sandbox/"+sessionID, nil, &sb); err != nil {
		return nil, err
	}
	return daytonaDescriptor(sb), nil
}

func (p *DaytonaProvider) PauseSession(ctx context.Context, sessionID string) error {
	return p.api.doJSON(ctx, "pause", http.MethodPost, "/sandbox/"+sessionID+"/stop", nil, nil)
}

func (p *DaytonaProvider) ResumeSession(ctx context.Context, sessionID string) error {
	return p.api.doJSON(ctx, "resume", http.MethodPost, "/sandbox/"+sessionID+"/start", nil, nil)
}

func (p *DaytonaProvider) DestroySession(ctx context.Context, sessionID string) error {
	err := p.api.doJSON(ctx, "destroy", http.MethodDelete, "/sandbox/"+sessionID, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

type daytonaExecRequest struct {
	Command string `json:"command"`
	Timeout int64  `json:"timeout"` // seconds
}

type daytonaExecResponse struct {
	Result   string `json:"result"`
	ExitCode int    `json:"exitCode"`
}

// Exec runs a shell command via the sandbox toolbox API. Daytona folds
// stderr into the combined result stream.
func (p *DaytonaProvider) Exec(ctx context.Context, sessionID, command string, timeout time.Duration) (*ExecResult, error) {
	if timeout == 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := daytonaExecRequest{Command: command, Timeout: int64(timeout.Seconds())}
	start := time.Now()
	var resp daytonaExecResponse
	if err := p.api.doJSON(ctx, "exec", http.MethodPost, "/toolbox/"+sessionID+"/process/execute", req, &resp); err != nil {
		return nil, err
	}
	return &ExecResult{
		Stdout:   resp.Result,
		ExitCode: resp.ExitCode,
		Duration: time.Since(start),
	}, nil
}

func (p *DaytonaProvider) Metrics(_ context.Context, _ string) (*Metrics, error) {
	return nil, ErrUnsupported
}

func (p *DaytonaProvider) ListSessions(ctx context.Context) ([]SessionDescriptor, error) {
	var sandboxes []daytonaSandbox
	if err := p.api.doJSON(ctx, "list", http.MethodGet, "/sandbox", nil, &sandboxes); err != nil {
		return nil, err
	}
	sessions := make([]SessionDescriptor, 0, len(sandboxes))
	for _, sb := range sandboxes {
		sessions = append(sessions, *daytonaDescriptor(sb))
	}
	return sessions, nil
}

func daytonaDescriptor(sb daytonaSandbox) *SessionDescriptor {
	state := StateUnknown
	switch sb.State {
	case "started":
		state = StateRunning
	case "stopped":
		state = StatePaused
	case "destroyed", "archived":
		state = StateStopped
	}
	return &SessionDescriptor{
		ID:        sb.ID,
		Provider:  "daytona",
		State:     state,
		CreatedAt: sb.CreatedAt,
		Labels:    sb.Labels,
	}
}
