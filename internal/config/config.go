// Package config loads the supervisor's configuration, in the same
// viper+godotenv shape used elsewhere in the pack: a .env bootstrap, a
// SetDefault baseline, then environment variables, then a bound cobra flag
// set. Validation failures are wrapped as errkind.ConfigInvalid, which the
// supervisor treats as fatal (exit code 1).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/shuiali/crossspread-arb/internal/errkind"
	"github.com/shuiali/crossspread-arb/internal/model"
)

// Config is the full set of §6 EXTERNAL INTERFACES options.
type Config struct {
	Exchanges []string `mapstructure:"exchanges"`
	Symbols   []string `mapstructure:"symbols"`

	MinimumSpread float64 `mapstructure:"minimum_spread"`
	WarningSpread float64 `mapstructure:"warning_spread"`
	CriticalSpread float64 `mapstructure:"critical_spread"`

	DebounceMs int `mapstructure:"debounce_ms"`

	RestPollIntervalMs int `mapstructure:"rest_poll_interval_ms"`
	WSRecoveryDelayMs  int `mapstructure:"ws_recovery_delay_ms"`

	CacheStaleMs map[string]int `mapstructure:"cache_stale_ms"`

	NotificationChannels  []string `mapstructure:"notification_channels"`
	NotificationVerbosity string   `mapstructure:"notification_verbosity"`

	HealthReportIntervalMs int `mapstructure:"health_report_interval_ms"`

	AdminAddr string `mapstructure:"admin_addr"`

	RedisAddr    string `mapstructure:"redis_addr"`
	PostgresDSN  string `mapstructure:"postgres_dsn"`
	TelegramToken string `mapstructure:"telegram_token"`
	TelegramChatID int64 `mapstructure:"telegram_chat_id"`
	WebhookURL    string `mapstructure:"webhook_url"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DebounceWindow returns DebounceMs as a time.Duration.
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// StaleThreshold returns the configured per-exchange staleness threshold,
// falling back to the per-exchange defaults from §4.4 when unset.
func (c *Config) StaleThreshold(ex model.Exchange) time.Duration {
	if ms, ok := c.CacheStaleMs[string(ex)]; ok {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultStaleMs(ex)
}

func defaultStaleMs(ex model.Exchange) time.Duration {
	switch ex {
	case model.MEXC:
		return 60 * time.Second
	case model.OKX:
		return 90 * time.Second
	default:
		return 30 * time.Second
	}
}

// Load reads .env (if present), applies defaults, overlays environment
// variables under the CROSSSPREAD_ prefix, then overlays any bound flags.
func Load(flags *pflag.FlagSet) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CROSSSPREAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, errkind.New(errkind.ConfigInvalid, "config.Load", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errkind.New(errkind.ConfigInvalid, "config.Load", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, errkind.New(errkind.ConfigInvalid, "config.Load", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchanges", []string{"binance", "okx", "gateio", "mexc", "bingx"})
	v.SetDefault("symbols", []string{"BTCUSDT", "ETHUSDT"})

	v.SetDefault("minimum_spread", 0.0005)
	v.SetDefault("warning_spread", 0.0010)
	v.SetDefault("critical_spread", 0.0020)

	v.SetDefault("debounce_ms", 30_000)

	v.SetDefault("rest_poll_interval_ms", 5_000)
	v.SetDefault("ws_recovery_delay_ms", 10_000)

	v.SetDefault("cache_stale_ms", map[string]int{
		"binance": 30_000,
		"gateio":  30_000,
		"bingx":   30_000,
		"mexc":    60_000,
		"okx":     90_000,
	})

	v.SetDefault("notification_channels", []string{"terminal", "structured-log"})
	v.SetDefault("notification_verbosity", "simple")

	v.SetDefault("health_report_interval_ms", 30_000)

	v.SetDefault("admin_addr", ":9090")

	v.SetDefault("redis_addr", "")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("telegram_token", "")
	v.SetDefault("telegram_chat_id", 0)
	v.SetDefault("webhook_url", "")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
}

func validate(cfg *Config) error {
	if len(cfg.Exchanges) == 0 {
		return fmt.Errorf("exchanges: at least one required")
	}
	for _, name := range cfg.Exchanges {
		if !model.Exchange(name).Valid() {
			return fmt.Errorf("exchanges: unknown exchange %q", name)
		}
	}
	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("symbols: at least one required")
	}
	if cfg.MinimumSpread <= 0 {
		return fmt.Errorf("minimum_spread must be positive")
	}
	if cfg.WarningSpread < cfg.MinimumSpread || cfg.CriticalSpread < cfg.WarningSpread {
		return fmt.Errorf("thresholds must satisfy minimum <= warning <= critical")
	}
	if cfg.DebounceMs <= 0 {
		return fmt.Errorf("debounce_ms must be positive")
	}
	switch cfg.NotificationVerbosity {
	case "simple", "detailed":
	default:
		return fmt.Errorf("notification_verbosity: must be simple or detailed, got %q", cfg.NotificationVerbosity)
	}
	for _, ch := range cfg.NotificationChannels {
		switch ch {
		case "terminal", "structured-log", "webhook", "chat-bot":
		default:
			return fmt.Errorf("notification_channels: unknown channel %q", ch)
		}
	}
	return nil
}
