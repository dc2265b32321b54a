package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kizimba/internal/sandbox"
	"github.com/jkaninda/kizimba/internal/session"
)

var (
	createThreadID string
	createProfile  string
	execThreadID   string
	execProfile    string
	execTimeout    time.Duration
	destroyAllYes  bool
)

func init() {
	createCmd.Flags().StringVar(&createThreadID, "thread", "", "thread id to bind the session to (required)")
	createCmd.Flags().StringVar(&createProfile, "profile", "", "sandbox profile name")
	_ = createCmd.MarkFlagRequired("thread")

	execCmd.Flags().StringVar(&execThreadID, "thread", "", "thread id whose sandbox runs the command (required)")
	execCmd.Flags().StringVar(&execProfile, "profile", "", "sandbox profile name")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 2*time.Minute, "command timeout")
	_ = execCmd.MarkFlagRequired("thread")

	destroyAllCmd.Flags().BoolVar(&destroyAllYes, "yes", false, "confirm destroying every session")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sandbox sessions across all configured providers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		sc, err := initShared()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		out, err := sc.Manager.ListAll(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tSESSION\tSTATE\tTHREAD\tCREATED")
		for _, s := range out.Sessions {
			created := ""
			if !s.CreatedAt.IsZero() {
				created = s.CreatedAt.Local().Format(time.DateTime)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Provider, s.ID, s.State, s.ThreadID, created)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		for provider, perr := range out.ProviderErrors {
			fmt.Fprintf(os.Stderr, "warning: %s unavailable: %v\n", provider, perr)
		}
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create (or reconnect) the sandbox session for a thread",
	RunE: func(cmd *cobra.Command, _ []string) error {
		sc, err := initShared()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		profile, err := profileOrDefault(sc, createProfile)
		if err != nil {
			return err
		}
		sbx, err := sc.Manager.Resolve(cmd.Context(), createThreadID, profile)
		if err != nil {
			return err
		}
		fmt.Printf("thread %s → %s session %s\n", createThreadID, sbx.ProviderName(), sbx.SessionID())
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec -- <command>",
	Short: "Run a shell command in a thread's sandbox",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := initShared()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		profile, err := profileOrDefault(sc, execProfile)
		if err != nil {
			return err
		}
		sbx, err := sc.Manager.Resolve(cmd.Context(), execThreadID, profile)
		if err != nil {
			return err
		}

		command := args[0]
		for _, a := range args[1:] {
			command += " " + a
		}
		res, err := sbx.Execute(cmd.Context(), command, execTimeout)
		if err != nil {
			return err
		}
		fmt.Print(res.Stdout)
		if res.Stderr != "" {
			fmt.Fprint(os.Stderr, res.Stderr)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("command exited with code %d", res.ExitCode)
		}
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <session-prefix>",
	Short: "Pause a session, releasing compute while keeping its files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionOp(cmd.Context(), args[0], "paused",
			func(ctx context.Context, m *session.Manager, match *session.Match) error {
				if match.ThreadID != "" {
					return m.Pause(ctx, match.ThreadID)
				}
				return m.PauseDetached(ctx, match.Provider, match.SessionID)
			})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <session-prefix>",
	Short: "Resume a paused session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionOp(cmd.Context(), args[0], "resumed",
			func(ctx context.Context, m *session.Manager, match *session.Match) error {
				if match.ThreadID != "" {
					return m.Resume(ctx, match.ThreadID)
				}
				return m.ResumeDetached(ctx, match.Provider, match.SessionID)
			})
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <session-prefix>",
	Short: "Permanently destroy a session and its files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionOp(cmd.Context(), args[0], "destroyed",
			func(ctx context.Context, m *session.Manager, match *session.Match) error {
				if match.ThreadID != "" {
					return m.Destroy(ctx, match.ThreadID)
				}
				return m.DestroyDetached(ctx, match.Provider, match.SessionID)
			})
	},
}

var destroyAllCmd = &cobra.Command{
	Use:   "destroy-all",
	Short: "Destroy every session of every configured provider",
	RunE: func(cmd *cobra.Command, _ []string) error {
		sc, err := initShared()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		result, err := sc.Manager.DestroyAll(cmd.Context(), destroyAllYes)
		if errors.Is(err, session.ErrConfirmationRequired) {
			return fmt.Errorf("%w (re-run with --yes)", err)
		}
		if err != nil {
			return err
		}

		fmt.Printf("destroyed %d/%d sessions\n", result.Succeeded, result.Attempted)
		for _, f := range result.Failures {
			if f.SessionID == "" {
				fmt.Fprintf(os.Stderr, "failed: %s: %v\n", f.Provider, f.Err)
				continue
			}
			fmt.Fprintf(os.Stderr, "failed: %s/%s: %v\n", f.Provider, f.SessionID, f.Err)
		}
		for _, p := range result.Skipped {
			fmt.Fprintf(os.Stderr, "skipped unconfigured provider: %s\n", p)
		}
		if len(result.Failures) > 0 {
			return fmt.Errorf("%d sessions could not be destroyed", len(result.Failures))
		}
		return nil
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics <session-prefix>",
	Short: "Show a session's resource usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := initShared()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		match, err := sc.Manager.FindByPrefix(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		m, err := sc.Manager.SessionMetrics(cmd.Context(), match.Provider, match.SessionID)
		if errors.Is(err, sandbox.ErrUnsupported) {
			fmt.Printf("%s does not expose session metrics\n", match.Provider)
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Printf("session %s (%s)\n", match.SessionID, match.Provider)
		fmt.Printf("  cpu:    %.1f%%\n", m.CPUPct)
		fmt.Printf("  memory: %s / %s\n", formatBytes(m.MemUsed), formatBytes(m.MemLimit))
		if m.DiskUsed > 0 || m.DiskLimit > 0 {
			fmt.Printf("  disk:   %s / %s\n", formatBytes(m.DiskUsed), formatBytes(m.DiskLimit))
		}
		if m.NetRx > 0 || m.NetTx > 0 {
			fmt.Printf("  net:    rx %s, tx %s\n", formatBytes(m.NetRx), formatBytes(m.NetTx))
		}
		return nil
	},
}

// sessionOp resolves a prefix and applies one lifecycle operation, routing
// through the durable record when the session belongs to a known thread.
func sessionOp(ctx context.Context, prefix, verb string, op func(context.Context, *session.Manager, *session.Match) error) error {
	sc, err := initShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	match, err := sc.Manager.FindByPrefix(ctx, prefix)
	if err != nil {
		return err
	}
	if err := op(ctx, sc.Manager, match); err != nil {
		if errors.Is(err, sandbox.ErrUnsupported) {
			return fmt.Errorf("%s does not support this operation for session %s", match.Provider, match.SessionID)
		}
		return err
	}
	fmt.Printf("session %s %s\n", match.SessionID, verb)
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
