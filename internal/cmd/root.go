// Package cmd implements the gobatch CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gobatch/internal/config"
	"github.com/3leaps/gobatch/internal/observability"
	"github.com/3leaps/gobatch/pkg/backend"
	"github.com/3leaps/gobatch/pkg/backend/direct"
	"github.com/3leaps/gobatch/pkg/backend/staged"
	"github.com/3leaps/gobatch/pkg/jobstore"
	"github.com/3leaps/gobatch/pkg/lifecycle"
	"github.com/3leaps/gobatch/pkg/objstore"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo is called from main with values injected at build time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	flagConfig  string
	flagBaseDir string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "gobatch",
	Short: "Submit and track batch inference jobs",
	Long: `gobatch submits single-prompt batch inference jobs, tracks them in a
durable local registry, and retrieves their results.

Two backends are supported: a direct batch REST service and a staged
batch-prediction service that exchanges input and output through an
object store. Credentials come from config or GOBATCH_* environment
variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitCLILogger("gobatch", flagVerbose)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&flagBaseDir, "base-dir", "", "State directory (default: ~/.gobatch)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	defer observability.Sync()
	return rootCmd.Execute()
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

// loadConfig resolves configuration and applies root flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if flagBaseDir != "" {
		cfg.BaseDir = flagBaseDir
	}
	return cfg, nil
}

// buildBackends constructs adapters for every backend whose credentials
// are complete.
func buildBackends(ctx context.Context, cfg *config.Config) (map[jobstore.Backend]backend.Backend, error) {
	backends := make(map[jobstore.Backend]backend.Backend)

	if cfg.HasDirect() {
		c, err := direct.New(direct.Config{
			APIKey:     cfg.Direct.APIKey,
			BaseURL:    cfg.Direct.BaseURL,
			APIVersion: cfg.Direct.APIVersion,
			Timeout:    cfg.Direct.Timeout,
		})
		if err != nil {
			return nil, err
		}
		backends[jobstore.BackendDirect] = c
	}

	if cfg.HasStaged() {
		store, err := objstore.NewS3(ctx, objstore.S3Config{
			Bucket:          cfg.Staged.Bucket,
			Region:          cfg.Staged.Region,
			Endpoint:        cfg.Staged.StoreEndpoint,
			Profile:         cfg.Staged.Profile,
			AccessKeyID:     cfg.Staged.AccessKeyID,
			SecretAccessKey: cfg.Staged.SecretAccessKey,
			ForcePathStyle:  cfg.Staged.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		c, err := staged.New(staged.Config{
			Project:  cfg.Staged.Project,
			Location: cfg.Staged.Location,
			Token:    cfg.Staged.Token,
			Endpoint: cfg.Staged.Endpoint,
			Prefix:   cfg.Staged.Prefix,
			Timeout:  cfg.Staged.Timeout,
		}, store)
		if err != nil {
			return nil, err
		}
		backends[jobstore.BackendStaged] = c
	}

	return backends, nil
}

// buildManager wires the job store, backends, and lifecycle manager from
// resolved configuration.
func buildManager(ctx context.Context, cfg *config.Config) (*lifecycle.Manager, error) {
	backends, err := buildBackends(ctx, cfg)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Backend configuration invalid", err)
	}

	var thinking *backend.Thinking
	if cfg.Thinking.Enabled {
		thinking = &backend.Thinking{BudgetTokens: cfg.Thinking.BudgetTokens}
	}

	backoff := lifecycle.DefaultBackoff()
	if cfg.Poll.BackoffBase > 0 {
		backoff.Base = cfg.Poll.BackoffBase
	}
	if cfg.Poll.BackoffFactor > 1 {
		backoff.Factor = cfg.Poll.BackoffFactor
	}
	if cfg.Poll.BackoffCap > 0 {
		backoff.Cap = cfg.Poll.BackoffCap
	}
	if cfg.Poll.BackoffJitter >= 0 && cfg.Poll.BackoffJitter < 1 {
		backoff.Jitter = cfg.Poll.BackoffJitter
	}

	store := jobstore.NewStore(cfg.BaseDir)
	mgr := lifecycle.New(store, backends,
		lifecycle.Defaults{
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Thinking:  thinking,
		},
		lifecycle.WithBackoff(backoff),
		lifecycle.WithLogger(observability.CLILogger),
		lifecycle.WithRateLimit(cfg.Poll.RateLimit),
	)
	return mgr, nil
}

// managerForListing builds a manager with no backends attached, enough
// for read-only registry operations.
func managerForListing(store *jobstore.Store) *lifecycle.Manager {
	return lifecycle.New(store, nil, lifecycle.Defaults{})
}

// classifyExit maps an adapter or store failure to a process exit code.
func classifyExit(err error) int {
	switch {
	case jobstore.IsCorrupt(err):
		return foundry.ExitFileReadError
	case backend.IsTransport(err), backend.IsNotReady(err):
		return foundry.ExitExternalServiceUnavailable
	case errors.Is(err, lifecycle.ErrNotConfigured), errors.Is(err, lifecycle.ErrUnknownJob):
		return foundry.ExitInvalidArgument
	default:
		return foundry.ExitExternalServiceUnavailable
	}
}
