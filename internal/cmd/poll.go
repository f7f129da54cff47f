package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gobatch/internal/observability"
	"github.com/3leaps/gobatch/pkg/lifecycle"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Sweep non-terminal jobs once, or continuously with --daemon",
	Long: `Poll every non-terminal job whose backoff window has elapsed, fetching
results for jobs that finished. A single sweep is the default; --daemon
repeats on an interval until interrupted.

Example:
  gobatch poll
  gobatch poll --daemon --sleep 1m`,
	RunE: runPoll,
}

var (
	pollDaemon bool
	pollSleep  time.Duration
)

func init() {
	rootCmd.AddCommand(pollCmd)

	pollCmd.Flags().BoolVar(&pollDaemon, "daemon", false, "Keep sweeping until interrupted")
	pollCmd.Flags().DurationVar(&pollSleep, "sleep", 0, "Interval between sweeps (default from config)")
}

func runPoll(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := buildManager(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	interval := cfg.Poll.Interval
	if pollSleep > 0 {
		interval = pollSleep
	}
	loop := lifecycle.NewLoop(mgr, interval, observability.CLILogger)

	if !pollDaemon {
		done, err := loop.RunOnce(cmd.Context())
		if err != nil {
			observability.CLILogger.Error("Sweep failed", zap.Error(err))
			return exitError(classifyExit(err), "Sweep failed", err)
		}
		for _, id := range done {
			fmt.Fprintln(os.Stdout, id)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	observability.CLILogger.Info("Polling started",
		zap.Duration("interval", interval))

	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		observability.CLILogger.Error("Polling stopped on error", zap.Error(err))
		return exitError(classifyExit(err), "Polling stopped on error", err)
	}
	observability.CLILogger.Info("Polling stopped")
	return nil
}
