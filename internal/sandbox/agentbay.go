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
	agentBayDefaultRegion      = "cn-shanghai"
	agentBayDefaultContextPath = "/workspace"
)

// AgentBayProvider drives Alibaba AgentBay cloud sessions over their HTTP
// API. AgentBay has no pause: persistence across sessions is done through
// context sync (a named storage context mounted into each new session), so
// PauseSession/ResumeSession report ErrUnsupported and the on-exit policy
// falls back to destroy.
type AgentBayProvider struct {
	cfg    config.AgentBayProfile
	api    *apiClient
	logger *slog.Logger
}

// NewAgentBayProvider creates an AgentBay-backed provider.
func NewAgentBayProvider(cfg config.AgentBayProfile, logger *slog.Logger) (*AgentBayProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("agentbay: api key is required")
	}
	if cfg.Region == "" {
		cfg.Region = agentBayDefaultRegion
	}
	if cfg.ContextPath == "" {
		cfg.ContextPath = agentBayDefaultContextPath
	}
	base := fmt.Sprintf("https://wuyingai.%s.aliyuncs.com/api/v1", cfg.Region)
	return &AgentBayProvider{
		cfg:    cfg,
		api:    newAPIClient("agentbay", base, map[string]string{"Authorization": "Bearer " + cfg.APIKey}),
		logger: logger,
	}, nil
}

func (p *AgentBayProvider) Name() string { return "agentbay" }

type agentBayContextSync struct {
	ContextID string `json:"contextId"`
	Path      string `json:"path"`
}

type agentBayCreateRequest struct {
	ImageID     string                `json:"imageId,omitempty"`
	Labels      map[string]string     `json:"labels,omitempty"`
	ContextSync []agentBayContextSync `json:"contextSync,omitempty"`
}

type agentBaySession struct {
	SessionID string            `json:"sessionId"`
	Status    string            `json:"status"`
	Labels    map[string]string `json:"labels"`
	CreatedAt time.Time         `json:"createdAt"`
}

func (p *AgentBayProvider) CreateSession(ctx context.Context, opts CreateOptions) (string, error) {
	req := agentBayCreateRequest{
		ImageID: p.cfg.ImageID,
		Labels:  map[string]string{"thread_id": opts.ThreadID},
	}
	if opts.ContextID != "" {
		req.ContextSync = []agentBayContextSync{{ContextID: opts.ContextID, Path: p.cfg.ContextPath}}
	}
	var resp agentBaySession
	if err := p.api.doJSON(ctx, "create", http.MethodPost, "/sessions", req, &resp); err != nil {
		return "", err
	}
	p.logger.Info("agentbay session created",
		slog.String("session_id", resp.SessionID),
		slog.String("region", p.cfg.Region),
	)
	return resp.SessionID, nil
}

func (p *AgentBayProvider) GetSession(ctx context.Context, sessionID string) (*SessionDescriptor, error) {
	var s agentBaySession
	if err := p.api.doJSON(ctx, "get", http.MethodGet, "/sessions/"+sessionID, nil, &s); err != nil {
		return nil, err
	}
	return agentBayDescriptor(s), nil
}

func (p *AgentBayProvider) PauseSession(_ context.Context, _ string) error  { return ErrUnsupported }
func (p *AgentBayProvider) ResumeSession(_ context.Context, _ string) error { return ErrUnsupported }

// DestroySession releases the session. Context-synced files survive in the
// storage context and are re-mounted on the next create.
func (p *AgentBayProvider) DestroySession(ctx context.Context, sessionID string) error {
	err := p.api.doJSON(ctx, "destroy", http.MethodDelete, "/sessions/"+sessionID, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

type agentBayExecRequest struct {
	Command   string `json:"command"`
	TimeoutMs int64  `json:"timeoutMs"`
}

type agentBayExecResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

func (p *AgentBayProvider) Exec(ctx context.Context, sessionID, command string, timeout time.Duration) (*ExecResult, error) {
	if timeout == 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := agentBayExecRequest{Command: command, TimeoutMs: timeout.Milliseconds()}
	start := time.Now()
	var resp agentBayExecResponse
	if err := p.api.doJSON(ctx, "exec", http.MethodPost, "/sessions/"+sessionID+"/commands", req, &resp); err != nil {
		return nil, err
	}
	return &ExecResult{
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		ExitCode: resp.ExitCode,
		Duration: time.Since(start),
	}, nil
}

type agentBayMetricsResponse struct {
	CPUPct    float64 `json:"cpuPct"`
	MemUsed   int64   `json:"memUsed"`
	MemLimit  int64   `json:"memLimit"`
	DiskUsed  int64   `json:"diskUsed"`
	DiskLimit int64   `json:"diskLimit"`
	NetRx     int64   `json:"netRx"`
	NetTx     int64   `json:"netTx"`
}

func (p *AgentBayProvider) Metrics(ctx context.Context, sessionID string) (*Metrics, error) {
	var resp agentBayMetricsResponse
	if err := p.api.doJSON(ctx, "metrics", http.MethodGet, "/sessions/"+sessionID+"/metrics", nil, &resp); err != nil {
		return nil, err
	}
	return &Metrics{
		CPUPct:    resp.CPUPct,
		MemUsed:   resp.MemUsed,
		MemLimit:  resp.MemLimit,
		DiskUsed:  resp.DiskUsed,
		DiskLimit: resp.DiskLimit,
		NetRx:     resp.NetRx,
		NetTx:     resp.NetTx,
	}, nil
}

func (p *AgentBayProvider) ListSessions(ctx context.Context) ([]SessionDescriptor, error) {
	var resp struct {
		Sessions []agentBaySession `json:"sessions"`
	}
	if err := p.api.doJSON(ctx, "list", http.MethodGet, "/sessions", nil, &resp); err != nil {
		return nil, err
	}
	sessions := make([]SessionDescriptor, 0, len(resp.Sessions))
	for _, s := range resp.Sessions {
		sessions = append(sessions, *agentBayDescriptor(s))
	}
	return sessions, nil
}

func agentBayDescriptor(s agentBaySession) *SessionDescriptor {
	state := StateUnknown
	switch s.Status {
	case "RUNNING", "running":
		state = StateRunning
	case "RELEASED", "released":
		state = StateStopped
	}
	return &SessionDescriptor{
		ID:        s.SessionID,
		Provider:  "agentbay",
		State:     state,
		CreatedAt: s.CreatedAt,
		Labels:    s.Labels,
	}
}
