package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gobatch/internal/observability"
	"github.com/3leaps/gobatch/internal/server"
	"github.com/3leaps/gobatch/pkg/lifecycle"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP control surface",
	Long: `Serve the job registry over HTTP. The poll loop runs alongside the
server so tracked jobs keep advancing while it is up.

Example:
  gobatch serve
  gobatch serve --host 0.0.0.0 --port 9090`,
	RunE: runServe,
}

var (
	serveHost   string
	servePort   int
	serveNoPoll bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoPoll, "no-poll", false, "Disable the background poll loop")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	observability.InitServerLogger("gobatch", flagVerbose)
	log := observability.ServerLogger

	mgr, err := buildManager(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	host := cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Server.Port
	if servePort > 0 {
		port = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !serveNoPoll {
		interval := cfg.Poll.Interval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		loop := lifecycle.NewLoop(mgr, interval, log)
		go func() {
			if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("poll loop stopped", zap.Error(err))
				stop()
			}
		}()
	}

	srv := server.New(host, port, mgr, versionInfo.Version, log)
	if err := srv.Start(ctx); err != nil {
		log.Error("server failed", zap.Error(err))
		return exitError(classifyExit(err), "Server failed", err)
	}
	return nil
}
