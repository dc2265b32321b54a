package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kizimba/internal/config"
	"github.com/jkaninda/kizimba/internal/session"
)

var reapWatch bool

func init() {
	reapCmd.Flags().BoolVar(&reapWatch, "watch", false, "keep running and sweep on the configured schedule")
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Apply the on-exit policy to idle sessions",
	Long: `Sweeps the session table and pauses (or destroys, per profile policy)
every remote session idle past the configured threshold. With --watch it
keeps running on the reaper's cron schedule and, when enabled, serves
Prometheus metrics.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sc, err := initShared()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		reaperCfg := sc.Config.Reaper
		if reaperCfg == nil {
			if !reapWatch {
				reaperCfg = &config.ReaperConfig{}
			} else {
				return fmt.Errorf("reaper is not configured; add a reaper block to %s", configPath)
			}
		}

		reaper := session.NewReaper(sc.Manager, reaperCfg, sc.Profiles, sc.Logger)

		if !reapWatch {
			reaper.Sweep(cmd.Context())
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		stopReaper, err := reaper.Start(ctx)
		if err != nil {
			return err
		}
		defer stopReaper()

		if m := sc.Obs.MetricsOrNil(); m != nil {
			mc := sc.Config.Observability.Metrics
			go func() {
				if err := m.Serve(ctx, mc.ListenAddr, mc.Path, sc.Logger); err != nil {
					sc.Logger.Error("metrics server failed", slog.String("error", err.Error()))
				}
			}()
		}

		<-ctx.Done()
		return nil
	},
}
