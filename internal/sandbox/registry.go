package sandbox

import (
	"fmt"
	"log/slog"

	"github.com/jkaninda/kizimba/internal/config"
)

// Constructor builds a Provider from a validated profile.
type Constructor func(profile *config.Profile, logger *slog.Logger) (Provider, error)

// constructors maps the provider discriminator to its constructor. The set is
// closed: adding a backend means adding one entry here, call sites never
// switch on the discriminator themselves.
var constructors = map[string]Constructor{
	config.ProviderLocal: func(_ *config.Profile, logger *slog.Logger) (Provider, error) {
		return NewLocalProvider(logger), nil
	},
	config.ProviderDocker: func(p *config.Profile, logger *slog.Logger) (Provider, error) {
		var dc config.DockerProfile
		if p.Docker != nil {
			dc = *p.Docker
		}
		return NewDockerProvider(dc, logger), nil
	},
	config.ProviderE2B: func(p *config.Profile, logger *slog.Logger) (Provider, error) {
		if p.E2B == nil {
			return nil, fmt.Errorf("profile %q: e2b block is required", p.Name)
		}
		return NewE2BProvider(*p.E2B, logger)
	},
	config.ProviderDaytona: func(p *config.Profile, logger *slog.Logger) (Provider, error) {
		if p.Daytona == nil {
			return nil, fmt.Errorf("profile %q: daytona block is required", p.Name)
		}
		return NewDaytonaProvider(*p.Daytona, logger)
	},
	config.ProviderAgentBay: func(p *config.Profile, logger *slog.Logger) (Provider, error) {
		if p.AgentBay == nil {
			return nil, fmt.Errorf("profile %q: agentbay block is required", p.Name)
		}
		return NewAgentBayProvider(*p.AgentBay, logger)
	},
}

// NewProvider builds the Provider for a profile.
func NewProvider(profile *config.Profile, logger *slog.Logger) (Provider, error) {
	ctor, ok := constructors[profile.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %q", profile.Provider)
	}
	return ctor(profile, logger)
}
