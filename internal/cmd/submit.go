package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gobatch/internal/observability"
	"github.com/3leaps/gobatch/pkg/backend"
	"github.com/3leaps/gobatch/pkg/lifecycle"
	"github.com/3leaps/gobatch/pkg/request"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a prompt packet as a batch job",
	Long: `Submit one prompt packet as a batch of size one and record it in the
local registry.

The packet comes from --packet-path, --packet-text, or a YAML request
spec via --spec. The backend is chosen automatically from available
credentials unless --backend pins one.

Example:
  gobatch submit --packet-path prompt.md
  gobatch submit --packet-text "Summarize X" --backend direct
  gobatch submit --spec request.yaml --label experiment-7`,
	RunE: runSubmit,
}

var (
	submitPacketPath string
	submitPacketText string
	submitSpecPath   string
	submitBackend    string
	submitLabel      string
	submitModel      string
	submitMaxTokens  int
)

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVar(&submitPacketPath, "packet-path", "", "Path to the prompt packet file")
	submitCmd.Flags().StringVar(&submitPacketText, "packet-text", "", "Inline prompt packet text")
	submitCmd.Flags().StringVar(&submitSpecPath, "spec", "", "Path to a YAML request spec")
	submitCmd.Flags().StringVar(&submitBackend, "backend", "", "Backend to use (auto|direct|staged)")
	submitCmd.Flags().StringVar(&submitLabel, "label", "", "Optional human-assigned job label")
	submitCmd.Flags().StringVar(&submitModel, "model", "", "Override the configured model")
	submitCmd.Flags().IntVar(&submitMaxTokens, "max-tokens", 0, "Override the configured max_tokens")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	packetPath := submitPacketPath
	packetText := submitPacketText
	opts := lifecycle.SubmitOptions{
		Label:     submitLabel,
		Model:     submitModel,
		MaxTokens: submitMaxTokens,
	}
	selector := submitBackend

	if submitSpecPath != "" {
		spec, err := request.LoadSpec(submitSpecPath)
		if err != nil {
			observability.CLILogger.Error("Failed to load request spec", zap.Error(err))
			return exitError(foundry.ExitFileReadError, "Failed to load request spec", err)
		}
		packetPath = spec.PacketPath
		packetText = spec.PacketText
		if spec.Backend != "" && selector == "" {
			selector = spec.Backend
		}
		if spec.Label != "" && opts.Label == "" {
			opts.Label = spec.Label
		}
		if spec.Model != "" && opts.Model == "" {
			opts.Model = spec.Model
		}
		if spec.MaxTokens > 0 && opts.MaxTokens == 0 {
			opts.MaxTokens = spec.MaxTokens
		}
		if spec.Thinking.Enabled {
			opts.Thinking = &backend.Thinking{BudgetTokens: spec.Thinking.BudgetTokens}
		}
	}

	packet, err := request.ReadPacket(packetPath, packetText)
	if err != nil {
		observability.CLILogger.Error("Failed to read packet", zap.Error(err))
		return exitError(foundry.ExitFileNotFound, "Failed to read packet", err)
	}
	if selector == "" {
		selector = cfg.Backend
	}

	mgr, err := buildManager(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	rec, err := mgr.Submit(cmd.Context(), packet, request.HashPacket(packet), selector, opts)
	if err != nil {
		observability.CLILogger.Error("Submission failed", zap.Error(err))
		return exitError(classifyExit(err), "Submission failed", err)
	}

	observability.CLILogger.Info("Job submitted",
		zap.String("job_id", rec.JobID),
		zap.String("backend", rec.Backend.String()),
		zap.String("label", rec.Label))

	fmt.Fprintln(os.Stdout, rec.JobID)
	return nil
}
