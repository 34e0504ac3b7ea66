// Command ingestd is the process entrypoint: it parses flags with cobra,
// loads configuration with internal/config, builds the Supervisor and runs
// it until a shutdown signal arrives. Exit codes follow spec.md §6/§7:
//
//	0  normal shutdown
//	1  fatal ConfigInvalid
//	2  unrecoverable startup (no exchange client could be built)
//	3  admin port already bound
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shuiali/crossspread-arb/internal/admin"
	"github.com/shuiali/crossspread-arb/internal/config"
	"github.com/shuiali/crossspread-arb/internal/supervisor"
)

const (
	exitOK = iota
	exitConfigInvalid
	exitNoClients
	exitPortBound
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd := rootCommand()
	if err := cmd.Execute(); err != nil {
		return exitConfigInvalid
	}
	return exitCode
}

// exitCode is set by RunE since cobra itself only returns an error, not an
// exit code; this mirrors how the teacher pack's cobra-based CLIs thread a
// distinguishable result back out of RunE.
var exitCode int

func rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingestd",
		Short: "Cross-exchange funding-rate arbitrage detection pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = runSupervisor(cmd)
			return nil
		},
	}

	// Flag names match internal/config's mapstructure keys exactly: viper
	// binds a pflag under its own name, so a dashed flag would not overlay
	// the underscored config key it's meant to override.
	flags := cmd.Flags()
	flags.StringSlice("exchanges", nil, "enabled exchanges (comma-separated)")
	flags.StringSlice("symbols", nil, "tracked symbols (comma-separated)")
	flags.Float64("minimum_spread", 0, "minimum spread fraction to open an opportunity")
	flags.Float64("warning_spread", 0, "warning severity spread fraction")
	flags.Float64("critical_spread", 0, "critical severity spread fraction")
	flags.Int("debounce_ms", 0, "debounce window in milliseconds")
	flags.Int("rest_poll_interval_ms", 0, "REST polling interval in milliseconds")
	flags.Int("ws_recovery_delay_ms", 0, "milliseconds of resumed websocket frames before switching back from REST")
	flags.StringSlice("notification_channels", nil, "enabled notification channels")
	flags.String("notification_verbosity", "", "simple or detailed")
	flags.Int("health_report_interval_ms", 0, "health report interval in milliseconds")
	flags.String("admin_addr", "", "address the admin HTTP server listens on")
	flags.String("redis_addr", "", "redis address for the live egress persistence port")
	flags.String("postgres_dsn", "", "postgres DSN for the durable persistence port")
	flags.String("telegram_token", "", "telegram bot token for the chat-bot channel")
	flags.Int64("telegram_chat_id", 0, "telegram chat ID for the chat-bot channel")
	flags.String("webhook_url", "", "webhook URL for the webhook channel")
	flags.String("log_level", "", "zerolog level: debug, info, warn, error")
	flags.String("log_format", "", "console or json")

	return cmd
}

func runSupervisor(cmd *cobra.Command) int {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		log.Error().Err(err).Msg("config load failed")
		return exitConfigInvalid
	}

	logger := buildLogger(cfg)

	sup, err := supervisor.New(cfg, logger)
	if err != nil {
		return classifyStartupError(logger, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("supervisor exited with error")
		return exitConfigInvalid
	}
	return exitOK
}

// classifyStartupError maps a supervisor.New failure onto one of the
// distinguishable non-zero exit codes from spec.md §6.
func classifyStartupError(logger zerolog.Logger, err error) int {
	var bindErr *admin.BindError
	if errors.As(err, &bindErr) {
		logger.Error().Err(err).Msg("admin port already bound")
		return exitPortBound
	}
	if errors.Is(err, supervisor.ErrNoClients) {
		logger.Error().Err(err).Msg("no exchange client could be initialized")
		return exitNoClients
	}
	logger.Error().Err(err).Msg("supervisor construction failed")
	return exitConfigInvalid
}

// buildLogger configures the process-wide zerolog logger from cfg, the only
// package-level logger this pipeline keeps: everything downstream of main
// receives its own derived *zerolog.Logger* value, never reaches for this
// one directly, per SPEC_FULL §9.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var w = os.Stderr
	var output zerolog.Logger
	if cfg.LogFormat == "console" {
		output = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	} else {
		output = zerolog.New(w).With().Timestamp().Logger()
	}
	log.Logger = output
	return output
}
