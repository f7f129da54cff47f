package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gobatch/internal/observability"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Check remote state of a job",
	Long: `Query the backend for the current state of one job. The local record
is not modified; use fetch or poll to advance the lifecycle.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := buildManager(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	st, rec, err := mgr.Status(cmd.Context(), args[0])
	if err != nil {
		observability.CLILogger.Error("Status check failed", zap.Error(err))
		return exitError(classifyExit(err), "Status check failed", err)
	}

	fmt.Fprintf(os.Stdout, "Job:      %s\n", rec.JobID)
	fmt.Fprintf(os.Stdout, "Backend:  %s\n", rec.Backend)
	fmt.Fprintf(os.Stdout, "Local:    %s\n", rec.State)
	fmt.Fprintf(os.Stdout, "Remote:   %s\n", st.State)
	fmt.Fprintf(os.Stdout, "Terminal: %v\n", st.Terminal)
	return nil
}
