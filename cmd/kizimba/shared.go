package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/kizimba/internal/config"
	"github.com/jkaninda/kizimba/internal/observability"
	"github.com/jkaninda/kizimba/internal/sandbox"
	"github.com/jkaninda/kizimba/internal/session"
	"github.com/jkaninda/kizimba/internal/storage"
)

var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

// SharedComponents holds the initialized subsystems every command needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Profiles map[string]*config.Profile
	Obs      *observability.Observability
	Manager  *session.Manager

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared loads configuration, opens the session store and builds the
// manager. Callers must call sc.Cleanup() when done.
func initShared() (*SharedComponents, error) {
	logger := newLogger()

	cfg, err := config.Load(goutils.Env("KIZIMBA_CONFIG", configPath))
	if err != nil {
		return nil, err
	}

	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	profiles, err := config.LoadProfiles(cfg.SandboxDir)
	if err != nil {
		return nil, fmt.Errorf("loading sandbox profiles: %w", err)
	}
	sc.Profiles = profiles
	logger.Debug("sandbox profiles loaded",
		slog.Int("count", len(profiles)),
		slog.String("dir", cfg.SandboxDir),
	)

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	store, err := storage.Open(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	// Every provider the manager builds goes through the instrumentation
	// wrapper; a no-op when observability is disabled.
	factory := func(profile *config.Profile, l *slog.Logger) (sandbox.Provider, error) {
		p, err := sandbox.NewProvider(profile, l)
		if err != nil {
			return nil, err
		}
		return observability.NewInstrumentedProvider(p, obs.MetricsOrNil(), obs.TracerOrNil()), nil
	}

	manager, err := session.NewManager(session.Options{
		Store:    store,
		Profiles: profiles,
		Logger:   logger,
		Factory:  factory,
		Metrics:  obs.MetricsOrNil(),
	})
	if err != nil {
		_ = store.Close()
		sc.Cleanup()
		return nil, fmt.Errorf("initializing session manager: %w", err)
	}
	sc.Manager = manager
	sc.addCleanup(func() {
		if err := manager.Close(); err != nil {
			logger.Error("closing session store", slog.String("error", err.Error()))
		}
	})

	return sc, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// profileOrDefault resolves --profile, falling back to the built-in local
// passthrough when the flag is empty.
func profileOrDefault(sc *SharedComponents, name string) (*config.Profile, error) {
	if name == "" {
		return config.LocalProfile(), nil
	}
	p, ok := sc.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown sandbox profile %q (looked in %s)", name, sc.Config.SandboxDir)
	}
	return p, nil
}
