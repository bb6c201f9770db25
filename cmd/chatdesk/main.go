package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"chatdesk/internal/config"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "chatdesk",
	Short: "Chat backend with streaming answers, project generation and a Telegram front door",
	Long: `chatdesk serves the browser chat API, optionally runs the Telegram bot,
and processes project generation jobs from the redis queue.

Configuration is read from the environment (see internal/config).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	serveCmd.Flags().Bool("with-worker", false, "also consume project jobs in this process")
	workerCmd.Flags().String("metrics-addr", "", "address for health and metrics (default HTTP_LISTEN_ADDR)")
	rotateKeysCmd.Flags().Bool("dry-run", false, "report what would change without writing")

	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd, rotateKeysCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("chatdesk failed")
		os.Exit(1)
	}
}

// loadConfig reads the environment and configures the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		setupLogger(logLevel)
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	setupLogger(cfg.Log.Level)
	return cfg, nil
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
