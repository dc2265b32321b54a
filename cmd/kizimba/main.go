// Kizimba — sandbox session manager for AI coding agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kizimba",
	Short: "Kizimba — sandbox session manager for AI coding agents.",
	Long: `Kizimba gives every agent conversation thread its own isolated execution
environment (local, Docker, or a cloud sandbox provider) and keeps the
thread→session mapping durable, so a resumed conversation lands back in the
same sandbox with its files intact.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(
		listCmd, createCmd, execCmd,
		pauseCmd, resumeCmd, destroyCmd, destroyAllCmd,
		metricsCmd, reapCmd, hostCmd, versionCmd,
	)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
