// Package config handles loading and validating Kizimba configuration.
//
// Configuration is split in two:
//   - one root config file (storage, reaper, observability) — optional,
//     everything has a default
//   - one file per named sandbox profile under the sandboxes directory,
//     holding the provider discriminator, the provider-specific block and
//     the on_exit policy
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Provider discriminators. Closed set — adding a backend means adding a
// constant here and a constructor in the sandbox registry.
const (
	ProviderLocal    = "local"
	ProviderDocker   = "docker"
	ProviderE2B      = "e2b"
	ProviderDaytona  = "daytona"
	ProviderAgentBay = "agentbay"
)

// OnExitPolicy decides what happens to a thread's session when the owning
// agent process exits: pause preserves it for a cheap resume, destroy kills it.
type OnExitPolicy string

const (
	OnExitPause   OnExitPolicy = "pause"
	OnExitDestroy OnExitPolicy = "destroy"
)

// Config is the root configuration for Kizimba.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`           // Persistent data directory. Default: ~/.kizimba. Override: KIZIMBA_DATA_DIR.
	SandboxDir    string               `json:"sandbox_dir,omitempty" yaml:"sandbox_dir,omitempty"`     // Directory of sandbox profiles. Default: <data_dir>/sandboxes.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir).
	Reaper        *ReaperConfig        `json:"reaper,omitempty" yaml:"reaper,omitempty"`               // nil = idle-session reaper disabled.
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics/tracing disabled.
}

// StorageConfig configures the session table backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string          `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/sessions.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: KIZIMBA_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 10
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 2
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ReaperConfig configures the idle-session reaper.
type ReaperConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Schedule    string `json:"schedule" yaml:"schedule"`         // Cron spec. Default: "*/10 * * * *".
	IdleMinutes int    `json:"idle_minutes" yaml:"idle_minutes"` // Sessions idle longer than this get the on_exit policy applied. Default: 60.
}

// CronSchedule returns the cron spec, defaulting to every 10 minutes.
func (r *ReaperConfig) CronSchedule() string {
	if r != nil && r.Schedule != "" {
		return r.Schedule
	}
	return "*/10 * * * *"
}

// IdleThreshold returns the idle cutoff as a duration.
func (r *ReaperConfig) IdleThreshold() time.Duration {
	if r != nil && r.IdleMinutes > 0 {
		return time.Duration(r.IdleMinutes) * time.Minute
	}
	return time.Hour
}

// ObservabilityConfig configures Prometheus metrics and OTel tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"` // Default: ":9464".
	Path       string `json:"path" yaml:"path"`               // Default: "/metrics".
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kizimba".
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint host:port.
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" (default) or "http".
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"` // 0 < rate <= 1. Default: 1.0.
}

// Profile is the immutable configuration of one named sandbox profile.
// Exactly one provider-specific block should be set, matching Provider.
type Profile struct {
	Name      string       `json:"-" yaml:"-"` // Derived from the file name.
	Provider  string       `json:"provider" yaml:"provider"`
	OnExit    OnExitPolicy `json:"on_exit" yaml:"on_exit"`                           // Default: pause.
	ContextID string       `json:"context_id,omitempty" yaml:"context_id,omitempty"` // Requests provider-level persistent storage.

	Docker   *DockerProfile   `json:"docker,omitempty" yaml:"docker,omitempty"`
	E2B      *E2BProfile      `json:"e2b,omitempty" yaml:"e2b,omitempty"`
	Daytona  *DaytonaProfile  `json:"daytona,omitempty" yaml:"daytona,omitempty"`
	AgentBay *AgentBayProfile `json:"agentbay,omitempty" yaml:"agentbay,omitempty"`
}

// DockerProfile configures the Docker provider.
type DockerProfile struct {
	Image     string  `json:"image" yaml:"image"`                               // Container image. Default: "kizimba-runtime:latest".
	MountPath string  `json:"mount_path,omitempty" yaml:"mount_path,omitempty"` // Container-side workspace path. Default: "/workspace".
	MemoryMB  int     `json:"memory_mb" yaml:"memory_mb"`                       // --memory hard limit. Default: 512.
	CPUCores  float64 `json:"cpu_cores" yaml:"cpu_cores"`                       // --cpus rate limit. Default: 1.0.
	PIDsLimit int     `json:"pids_limit" yaml:"pids_limit"`                     // --pids-limit. Default: 128.
	Network   bool    `json:"network" yaml:"network"`                           // false = --network=none.
}

// E2BProfile configures the E2B provider.
type E2BProfile struct {
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: E2B_API_KEY.
	Template   string `json:"template" yaml:"template"`                   // Sandbox template ID. Default: "base".
	Cwd        string `json:"cwd,omitempty" yaml:"cwd,omitempty"`         // Working directory inside the sandbox.
	TimeoutSec int    `json:"timeout_s" yaml:"timeout_s"`                 // Sandbox TTL in seconds. Default: 300.
	Domain     string `json:"domain,omitempty" yaml:"domain,omitempty"`   // Default: "e2b.app".
}

// DaytonaProfile configures the Daytona provider.
type DaytonaProfile struct {
	APIKey    string `json:"api_key,omitempty" yaml:"api_key,omitempty"`     // Override: DAYTONA_API_KEY.
	APIURL    string `json:"api_url,omitempty" yaml:"api_url,omitempty"`     // Default: "https://app.daytona.io/api".
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"` // Only "http" is supported.
	Snapshot  string `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`   // Snapshot/image to create sandboxes from.
}

// AgentBayProfile configures the AgentBay provider.
type AgentBayProfile struct {
	APIKey      string `json:"api_key,omitempty" yaml:"api_key,omitempty"`           // Override: AGENTBAY_API_KEY.
	Region      string `json:"region" yaml:"region"`                                 // Default: "cn-shanghai".
	ContextPath string `json:"context_path,omitempty" yaml:"context_path,omitempty"` // Mount point for context sync. Default: "/workspace".
	ImageID     string `json:"image_id,omitempty" yaml:"image_id,omitempty"`
}

// Policy returns the on-exit policy, defaulting to pause.
func (p *Profile) Policy() OnExitPolicy {
	if p.OnExit == "" {
		return OnExitPause
	}
	return p.OnExit
}

// Configured reports whether the profile's provider has the credentials it
// needs. Unconfigured profiles are silently excluded from bulk aggregation —
// partial availability is expected.
func (p *Profile) Configured() bool {
	switch p.Provider {
	case ProviderLocal, ProviderDocker:
		return true
	case ProviderE2B:
		return p.E2B != nil && p.E2B.APIKey != ""
	case ProviderDaytona:
		return p.Daytona != nil && p.Daytona.APIKey != ""
	case ProviderAgentBay:
		return p.AgentBay != nil && p.AgentBay.APIKey != ""
	default:
		return false
	}
}

// Validate checks the provider discriminator and policy. Called at load time
// so a malformed profile fails at manager construction, not at first use.
func (p *Profile) Validate() error {
	switch p.Provider {
	case ProviderLocal, ProviderDocker, ProviderE2B, ProviderDaytona, ProviderAgentBay:
	case "":
		return fmt.Errorf("profile %q: provider is required", p.Name)
	default:
		return fmt.Errorf("profile %q: unknown provider %q (supported: local, docker, e2b, daytona, agentbay)", p.Name, p.Provider)
	}
	switch p.OnExit {
	case "", OnExitPause, OnExitDestroy:
	default:
		return fmt.Errorf("profile %q: unknown on_exit policy %q (supported: pause, destroy)", p.Name, p.OnExit)
	}
	if p.Provider == ProviderDaytona && p.Daytona != nil &&
		p.Daytona.Transport != "" && p.Daytona.Transport != "http" {
		return fmt.Errorf("profile %q: unsupported daytona transport %q", p.Name, p.Daytona.Transport)
	}
	return nil
}

// applyEnv resolves credentials from the environment. Env vars win over file
// values so keys never have to live on disk.
func (p *Profile) applyEnv() {
	switch p.Provider {
	case ProviderE2B:
		if p.E2B == nil {
			p.E2B = &E2BProfile{}
		}
		p.E2B.APIKey = goutils.Env("E2B_API_KEY", p.E2B.APIKey)
	case ProviderDaytona:
		if p.Daytona == nil {
			p.Daytona = &DaytonaProfile{}
		}
		p.Daytona.APIKey = goutils.Env("DAYTONA_API_KEY", p.Daytona.APIKey)
	case ProviderAgentBay:
		if p.AgentBay == nil {
			p.AgentBay = &AgentBayProfile{}
		}
		p.AgentBay.APIKey = goutils.Env("AGENTBAY_API_KEY", p.AgentBay.APIKey)
	}
}

// LocalProfile returns the built-in passthrough profile used when no sandbox
// is configured for a thread.
func LocalProfile() *Profile {
	return &Profile{Name: "local", Provider: ProviderLocal, OnExit: OnExitDestroy}
}

// Load reads the root config file. A missing file is not an error — all
// defaults apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.DataDir = goutils.Env("KIZIMBA_DATA_DIR", c.DataDir)
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.DataDir = filepath.Join(home, ".kizimba")
	}
	if c.SandboxDir == "" {
		c.SandboxDir = filepath.Join(c.DataDir, "sandboxes")
	}
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "sessions.db")
}

// DefaultConfigPath returns the default root config location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".kizimba", "config.yaml")
}

// LoadProfile reads and validates a single sandbox profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}
	p := &Profile{}
	if err := decode(path, data, p); err != nil {
		return nil, err
	}
	p.Name = profileName(path)
	p.applyEnv()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadProfiles reads every profile in dir. A missing directory yields an
// empty set (local-only operation). A malformed profile is a fatal
// configuration error.
func LoadProfiles(dir string) (map[string]*Profile, error) {
	profiles := make(map[string]*Profile)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return profiles, nil
		}
		return nil, fmt.Errorf("reading sandbox dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !isProfileFile(e.Name()) {
			continue
		}
		p, err := LoadProfile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}

func isProfileFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func profileName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// decode unmarshals YAML or JSON based on the file extension.
func decode(path string, data []byte, v any) error {
	var err error
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, v)
	} else {
		err = yaml.Unmarshal(data, v)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
