package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/keilynrp/Trading-Observer/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Training  TrainingConfig  `mapstructure:"training"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ProviderConfig covers the market-data HTTP API.
type ProviderConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
}

// TrainingConfig holds the default hyperparameters of a run.
type TrainingConfig struct {
	Symbol       string        `mapstructure:"symbol"`
	Lookback     int           `mapstructure:"lookback"`
	HiddenDim    int           `mapstructure:"hidden_dim"`
	NumLayers    int           `mapstructure:"num_layers"`
	Epochs       int           `mapstructure:"epochs"`
	BatchSize    int           `mapstructure:"batch_size"`
	LearningRate float64       `mapstructure:"learning_rate"`
	TrainRatio   float64       `mapstructure:"train_ratio"`
	LogEvery     int           `mapstructure:"log_every"`
	Seed         int64         `mapstructure:"seed"`
	Workers      int           `mapstructure:"workers"`
	OutputSize   string        `mapstructure:"output_size"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ArtifactsConfig locates persisted scalers and models.
type ArtifactsConfig struct {
	Dir string `mapstructure:"dir"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables
// the run ledger and cross-process locking.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ServerConfig drives the prediction API.
type ServerConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	SignalThresholdPct float64       `mapstructure:"signal_threshold_pct"`
	OutputSize         string        `mapstructure:"output_size"`
}

// ScheduleConfig governs periodic retraining.
type ScheduleConfig struct {
	Cron     string   `mapstructure:"cron"`
	Timezone string   `mapstructure:"timezone"`
	Symbols  []string `mapstructure:"symbols"`

	// RunOnStart trains every symbol once before waiting for the first tick.
	RunOnStart bool `mapstructure:"run_on_start"`
}

// AlertingConfig defines run notifications.
type AlertingConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	OnSuccess bool           `mapstructure:"on_success"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram bot used for notifications.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	Dir           string `mapstructure:"dir"`
	MaxDataPoints int    `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FORECASTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// the provider's conventional variable is honoured as well
	_ = v.BindEnv("provider.api_key", "FORECASTER_PROVIDER_API_KEY", "ALPHA_VANTAGE_API_KEY")

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "forecaster")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("provider.base_url", "https://www.alphavantage.co")
	v.SetDefault("provider.api_key", "demo")
	v.SetDefault("provider.timeout", "15s")
	v.SetDefault("provider.requests_per_minute", 5.0)
	v.SetDefault("provider.max_attempts", 3)
	v.SetDefault("provider.retry_backoff", "2s")

	v.SetDefault("training.symbol", "AAPL")
	v.SetDefault("training.lookback", 60)
	v.SetDefault("training.hidden_dim", 50)
	v.SetDefault("training.num_layers", 2)
	v.SetDefault("training.epochs", 20)
	v.SetDefault("training.batch_size", 32)
	v.SetDefault("training.learning_rate", 0.001)
	v.SetDefault("training.train_ratio", 0.8)
	v.SetDefault("training.log_every", 5)
	v.SetDefault("training.seed", int64(42))
	v.SetDefault("training.workers", 4)
	v.SetDefault("training.output_size", "full")
	v.SetDefault("training.timeout", "0s")

	v.SetDefault("artifacts.dir", "models")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.signal_threshold_pct", 1.0)
	v.SetDefault("server.output_size", "compact")

	v.SetDefault("schedule.cron", "30 22 * * 1-5")
	v.SetDefault("schedule.timezone", "America/New_York")
	v.SetDefault("schedule.symbols", []string{"AAPL"})
	v.SetDefault("schedule.run_on_start", false)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.on_success", true)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("export.dir", "exports")
	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	t := c.Training
	if t.Lookback <= 0 {
		return fmt.Errorf("training.lookback must be greater than zero")
	}
	if t.HiddenDim <= 0 || t.NumLayers <= 0 {
		return fmt.Errorf("training.hidden_dim and training.num_layers must be greater than zero")
	}
	if t.Epochs <= 0 || t.BatchSize <= 0 {
		return fmt.Errorf("training.epochs and training.batch_size must be greater than zero")
	}
	if t.LearningRate <= 0 {
		return fmt.Errorf("training.learning_rate must be greater than zero")
	}
	if t.TrainRatio <= 0 || t.TrainRatio > 1 {
		return fmt.Errorf("training.train_ratio must be in (0, 1]")
	}
	if t.Workers <= 0 {
		return fmt.Errorf("training.workers must be greater than zero")
	}
	if t.Timeout < 0 {
		return fmt.Errorf("training.timeout cannot be negative")
	}
	if c.Provider.MaxAttempts <= 0 {
		return fmt.Errorf("provider.max_attempts must be greater than zero")
	}
	if c.Provider.RequestsPerMinute < 0 {
		return fmt.Errorf("provider.requests_per_minute cannot be negative")
	}
	if strings.TrimSpace(c.Artifacts.Dir) == "" {
		return fmt.Errorf("artifacts.dir is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port")
	}
	if c.Server.SignalThresholdPct < 0 {
		return fmt.Errorf("server.signal_threshold_pct cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Schedule.Cron != "" {
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			return fmt.Errorf("schedule.cron: %w", err)
		}
	}
	if c.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
