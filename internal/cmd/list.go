package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gobatch/internal/observability"
	"github.com/3leaps/gobatch/pkg/jobstore"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked jobs",
	Long: `List known jobs newest-first, optionally filtered by state or by a
glob pattern matched against the job id and label.

Example:
  gobatch list
  gobatch list --state running
  gobatch list --match 'experiment-*'`,
	RunE: runList,
}

var (
	listState string
	listMatch string
)

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVar(&listState, "state", "all", "Filter by state (all|submitted|running|succeeded|failed)")
	listCmd.Flags().StringVar(&listMatch, "match", "", "Glob pattern matched against job id and label")
}

func runList(cmd *cobra.Command, args []string) error {
	if listMatch != "" {
		if !doublestar.ValidatePattern(listMatch) {
			return exitError(foundry.ExitInvalidArgument, "Invalid match pattern",
				fmt.Errorf("bad pattern %q", listMatch))
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store := jobstore.NewStore(cfg.BaseDir)
	mgr := managerForListing(store)

	recs, err := mgr.List(listState)
	if err != nil {
		observability.CLILogger.Error("Failed to load job table", zap.Error(err))
		return exitError(classifyExit(err), "Failed to load job table", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tBACKEND\tSTATE\tATTEMPT\tLABEL\tCREATED")
	for _, rec := range recs {
		if listMatch != "" && !matchesJob(rec, listMatch) {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.JobID, rec.Backend, rec.State, rec.Attempt, rec.Label,
			rec.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func matchesJob(rec *jobstore.JobRecord, pattern string) bool {
	if ok, _ := doublestar.Match(pattern, rec.JobID); ok {
		return true
	}
	if rec.Label != "" {
		if ok, _ := doublestar.Match(pattern, rec.Label); ok {
			return true
		}
	}
	return false
}
