// Package observability holds the process-wide loggers.
//
// CLI commands log human-oriented console output to stderr so stdout stays
// reserved for command results. The HTTP server logs structured JSON.
package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by CLI commands. It is a nop until
// InitCLILogger runs so library code can log unconditionally.
var CLILogger = zap.NewNop()

// ServerLogger is the structured logger for the HTTP server.
var ServerLogger = zap.NewNop()

// InitCLILogger configures the CLI logger. Verbose enables debug output.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = !verbose

	logger, err := cfg.Build()
	if err != nil {
		// Construction only fails on bad config paths; fall back to nop
		// rather than aborting the command.
		return
	}
	CLILogger = logger.Named(name)
}

// InitServerLogger configures the server logger with production JSON
// encoding.
func InitServerLogger(name string, verbose bool) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		return
	}
	ServerLogger = logger.Named(name)
}

// Sync flushes any buffered log entries. Called before process exit.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}
