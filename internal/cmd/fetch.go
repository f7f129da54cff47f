package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gobatch/internal/observability"
	"github.com/3leaps/gobatch/pkg/backend"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <job-id>",
	Short: "Retrieve and persist a job's result",
	Long: `Download the job's output, extract the result text, and persist the
artifacts. Once a result exists locally it is returned from disk without
a remote call; --force refetches.

Fetching before the remote job is terminal fails without writing any
artifact.`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

var (
	fetchForce bool
	fetchPrint bool
)

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().BoolVar(&fetchForce, "force", false, "Refetch even when a local result exists")
	fetchCmd.Flags().BoolVar(&fetchPrint, "print", false, "Print the result text to stdout")
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := buildManager(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	text, err := mgr.Fetch(cmd.Context(), args[0], fetchForce)
	if err != nil {
		if backend.IsNotReady(err) {
			observability.CLILogger.Warn("Job not finished yet", zap.String("job_id", args[0]))
		} else {
			observability.CLILogger.Error("Fetch failed", zap.Error(err))
		}
		return exitError(classifyExit(err), "Fetch failed", err)
	}

	rec, err := mgr.Get(args[0])
	if err != nil {
		return exitError(classifyExit(err), "Fetch failed", err)
	}

	observability.CLILogger.Info("Result fetched",
		zap.String("job_id", rec.JobID),
		zap.String("state", string(rec.State)),
		zap.String("result_path", rec.ResultPath))

	if fetchPrint {
		fmt.Fprintln(os.Stdout, text)
	} else {
		fmt.Fprintln(os.Stdout, rec.ResultPath)
	}
	return nil
}
