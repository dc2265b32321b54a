package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/kizimba/internal/config"
	"github.com/jkaninda/kizimba/internal/sandbox"
)

// Reaper periodically applies each profile's on-exit policy to sessions that
// have been idle past the configured threshold. It works off the durable
// table, so it also catches sessions left behind by a crashed agent process.
type Reaper struct {
	manager  *Manager
	config   *config.ReaperConfig
	logger   *slog.Logger
	cron     *cron.Cron
	profiles map[string]*config.Profile
}

// NewReaper builds a reaper over the manager's session table.
func NewReaper(manager *Manager, cfg *config.ReaperConfig, profiles map[string]*config.Profile, logger *slog.Logger) *Reaper {
	return &Reaper{
		manager:  manager,
		config:   cfg,
		logger:   logger,
		profiles: profiles,
		cron: cron.New(cron.WithParser(
			cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		)),
	}
}

// Start schedules the sweep and returns a stop function.
func (r *Reaper) Start(ctx context.Context) (func(), error) {
	if _, err := r.cron.AddFunc(r.config.CronSchedule(), func() { r.Sweep(ctx) }); err != nil {
		return nil, err
	}
	r.cron.Start()
	r.logger.InfoContext(ctx, "idle-session reaper started",
		slog.String("schedule", r.config.CronSchedule()),
		slog.String("idle_threshold", r.config.IdleThreshold().String()),
	)
	return func() {
		stopCtx := r.cron.Stop()
		<-stopCtx.Done()
		r.logger.Info("idle-session reaper stopped")
	}, nil
}

// Sweep runs one pass: every running record idle past the threshold gets its
// profile's on-exit policy, pause falling back to destroy when the provider
// can't pause. Per-record failures are logged and never abort the sweep.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.config.IdleThreshold())

	records, err := r.manager.ListRecords(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "reaper sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}

	var reaped int
	for _, record := range records {
		if record.Status != StatusRunning || record.LastActive.After(cutoff) {
			continue
		}
		if record.Provider == config.ProviderLocal {
			continue
		}
		r.logger.InfoContext(ctx, "reaping idle session",
			slog.String("thread_id", record.ThreadID),
			slog.String("session_id", record.SessionID),
			slog.Time("last_active", record.LastActive),
		)
		if r.reap(ctx, record) {
			reaped++
		}
	}
	if reaped > 0 {
		r.logger.InfoContext(ctx, "reaper sweep done", slog.Int("reaped", reaped))
	}
}

// reap applies the on-exit policy to one record. Reports whether the session
// actually left the running state.
func (r *Reaper) reap(ctx context.Context, record *Record) bool {
	if r.policyFor(record.Provider) == config.OnExitPause {
		err := r.manager.Pause(ctx, record.ThreadID)
		if err == nil {
			return true
		}
		if !errors.Is(err, sandbox.ErrUnsupported) {
			r.logger.WarnContext(ctx, "reaper pause failed",
				slog.String("thread_id", record.ThreadID),
				slog.String("error", err.Error()),
			)
			return false
		}
		r.logger.WarnContext(ctx, "pause unsupported, destroying idle session",
			slog.String("thread_id", record.ThreadID),
		)
	}
	if err := r.manager.Destroy(ctx, record.ThreadID); err != nil {
		r.logger.WarnContext(ctx, "reaper destroy failed",
			slog.String("thread_id", record.ThreadID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// policyFor finds the on-exit policy of the first configured profile naming
// the provider, defaulting to pause.
func (r *Reaper) policyFor(provider string) config.OnExitPolicy {
	for _, p := range r.profiles {
		if p.Provider == provider {
			return p.Policy()
		}
	}
	return config.OnExitPause
}
