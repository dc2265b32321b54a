package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kizimba/internal/observability"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Show resource usage of the agent host",
	RunE: func(cmd *cobra.Command, _ []string) error {
		sc, err := initShared()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		snap, err := observability.Snapshot(cmd.Context(), sc.Config.DataDir)
		if err != nil {
			return err
		}

		fmt.Printf("host %s (up %s)\n", snap.Hostname, snap.Uptime.Round(time.Second))
		if snap.LoadSampled {
			fmt.Printf("  cpu:    %.1f%% of %d cores\n", snap.CPUPct, snap.NumCPU)
		}
		fmt.Printf("  memory: %s / %s\n", formatBytes(int64(snap.MemUsed)), formatBytes(int64(snap.MemTotal)))
		fmt.Printf("  disk:   %s / %s (%s)\n", formatBytes(int64(snap.DiskUsed)), formatBytes(int64(snap.DiskTotal)), sc.Config.DataDir)
		return nil
	},
}
