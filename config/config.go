package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	AutoTradeConfig    AutoTradeConfig    `json:"autotrade"`
	ExchangeConfig     ExchangeConfig     `json:"exchange"`
	ResearchConfig     ResearchConfig     `json:"research"`
	NotificationConfig NotificationConfig `json:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	ServerConfig       ServerConfig       `json:"server"`
	AuthConfig         AuthConfig         `json:"auth"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	VaultConfig        VaultConfig        `json:"vault"`
}

// AutoTradeConfig holds engine-wide defaults. Per-user values live in the database
// and are merged over these on first use.
type AutoTradeConfig struct {
	Interval       time.Duration `json:"interval"`
	InitialDelay   time.Duration `json:"initial_delay"`
	CycleTimeout   time.Duration `json:"cycle_timeout"`
	Timezone       string        `json:"timezone"` // IANA name, decides the daily rollover boundary
	QuoteAsset     string        `json:"quote_asset"`
	MinNotional    float64       `json:"min_notional"`
	OrderbookDepth int           `json:"orderbook_depth"`
	SkipBrackets   bool          `json:"skip_brackets"`
	RestoreOnStart bool          `json:"restore_on_start"`

	Defaults        UserDefaults     `json:"defaults"`
	DefaultSettings *SettingsDefault `json:"default_settings,omitempty"`
}

// UserDefaults seeds a user's auto-trade configuration the first time it is loaded.
type UserDefaults struct {
	PerTradeRiskPct     float64 `json:"per_trade_risk_pct"`
	MaxConcurrentTrades int     `json:"max_concurrent_trades"`
	MaxDailyLossPct     float64 `json:"max_daily_loss_pct"`
	StopLossPct         float64 `json:"stop_loss_pct"`
	TakeProfitPct       float64 `json:"take_profit_pct"`
	MaxTradesPerDay     int     `json:"max_trades_per_day"`
	CooldownSeconds     int     `json:"cooldown_seconds"`
}

// SettingsDefault is used for users that never saved trading settings.
// Leave it nil to require explicit settings before any trade.
type SettingsDefault struct {
	AccuracyTrigger     float64       `json:"accuracy_trigger"`
	MaxPositionPerTrade float64       `json:"max_position_per_trade"`
	MaxDailyLoss        float64       `json:"max_daily_loss"`
	MaxTradesPerDay     int           `json:"max_trades_per_day"`
	PositionSizingMap   []BandDefault `json:"position_sizing_map"`
}

type BandDefault struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Percent float64 `json:"percent"`
}

// ExchangeConfig holds connector configuration. API keys are per-user and come from vault.
type ExchangeConfig struct {
	Name           string        `json:"name"` // binance or paper
	BaseURL        string        `json:"base_url"`
	TestNet        bool          `json:"testnet"`
	HTTPTimeout    time.Duration `json:"http_timeout"`
	RequestsPerSec float64       `json:"requests_per_sec"`
	Burst          int           `json:"burst"`
	MaxRetries     int           `json:"max_retries"`
	PaperEquity    float64       `json:"paper_equity"`
}

// ResearchConfig points at the signal service
type ResearchConfig struct {
	BaseURL    string        `json:"base_url"`
	CyclePath  string        `json:"cycle_path"`
	APIKey     string        `json:"api_key"`
	Timeout    time.Duration `json:"timeout"`
	RetryCount int           `json:"retry_count"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`  // CORS allowed origins
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	JWTSecret           string        `json:"jwt_secret"`
	Issuer              string        `json:"issuer"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int    `json:"max_conns"`
}

// RedisConfig holds Redis configuration for request claims and caching
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path prefix for API keys
}

func Load() (*Config, error) {
	return LoadFile("config.json")
}

// LoadFile reads filename if it exists and then applies environment overrides.
func LoadFile(filename string) (*Config, error) {
	cfg, err := loadFromFile(filename)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		// No config file: environment and defaults only
		cfg = &Config{LoggingConfig: LoggingConfig{JSONFormat: true}}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Exchange credentials are never read from the environment.
func applyEnvOverrides(cfg *Config) {
	// Auto-trade engine
	cfg.AutoTradeConfig.Interval = getEnvDurationOrDefault("AUTOTRADE_INTERVAL", cfg.AutoTradeConfig.Interval)
	cfg.AutoTradeConfig.InitialDelay = getEnvDurationOrDefault("AUTOTRADE_INITIAL_DELAY", cfg.AutoTradeConfig.InitialDelay)
	cfg.AutoTradeConfig.CycleTimeout = getEnvDurationOrDefault("AUTOTRADE_CYCLE_TIMEOUT", cfg.AutoTradeConfig.CycleTimeout)
	cfg.AutoTradeConfig.Timezone = getEnvOrDefault("AUTOTRADE_TIMEZONE", cfg.AutoTradeConfig.Timezone)
	cfg.AutoTradeConfig.QuoteAsset = getEnvOrDefault("AUTOTRADE_QUOTE_ASSET", cfg.AutoTradeConfig.QuoteAsset)
	cfg.AutoTradeConfig.MinNotional = getEnvFloatOrDefault("AUTOTRADE_MIN_NOTIONAL", cfg.AutoTradeConfig.MinNotional)
	cfg.AutoTradeConfig.OrderbookDepth = getEnvIntOrDefault("AUTOTRADE_ORDERBOOK_DEPTH", cfg.AutoTradeConfig.OrderbookDepth)
	cfg.AutoTradeConfig.SkipBrackets = getEnvBoolOrDefault("AUTOTRADE_SKIP_BRACKETS", cfg.AutoTradeConfig.SkipBrackets)
	cfg.AutoTradeConfig.RestoreOnStart = getEnvBoolOrDefault("AUTOTRADE_RESTORE_ON_START", cfg.AutoTradeConfig.RestoreOnStart)

	// Exchange config
	cfg.ExchangeConfig.Name = getEnvOrDefault("EXCHANGE_NAME", cfg.ExchangeConfig.Name)
	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.ExchangeConfig.BaseURL)
	cfg.ExchangeConfig.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.ExchangeConfig.TestNet)
	cfg.ExchangeConfig.RequestsPerSec = getEnvFloatOrDefault("EXCHANGE_REQUESTS_PER_SEC", cfg.ExchangeConfig.RequestsPerSec)
	cfg.ExchangeConfig.MaxRetries = getEnvIntOrDefault("EXCHANGE_MAX_RETRIES", cfg.ExchangeConfig.MaxRetries)
	cfg.ExchangeConfig.PaperEquity = getEnvFloatOrDefault("PAPER_EQUITY", cfg.ExchangeConfig.PaperEquity)

	// Research config
	cfg.ResearchConfig.BaseURL = getEnvOrDefault("RESEARCH_BASE_URL", cfg.ResearchConfig.BaseURL)
	cfg.ResearchConfig.APIKey = getEnvOrDefault("RESEARCH_API_KEY", cfg.ResearchConfig.APIKey)
	cfg.ResearchConfig.Timeout = getEnvDurationOrDefault("RESEARCH_TIMEOUT", cfg.ResearchConfig.Timeout)

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.NotificationConfig.Telegram.Enabled)
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.NotificationConfig.Discord.Enabled)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)

	// Auth config
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.Issuer = getEnvOrDefault("AUTH_ISSUER", cfg.AuthConfig.Issuer)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", cfg.AuthConfig.AccessTokenDuration)

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
}

// applyDefaults fills every zero value left after file and environment.
func applyDefaults(cfg *Config) {
	at := &cfg.AutoTradeConfig
	if at.Interval <= 0 {
		at.Interval = 5 * time.Minute
	}
	if at.InitialDelay <= 0 {
		at.InitialDelay = 2 * time.Second
	}
	if at.CycleTimeout <= 0 {
		at.CycleTimeout = 2 * time.Minute
	}
	if at.Timezone == "" {
		at.Timezone = "Local"
	}
	if at.QuoteAsset == "" {
		at.QuoteAsset = "USDT"
	}
	if at.MinNotional <= 0 {
		at.MinNotional = 10
	}
	if at.OrderbookDepth <= 0 {
		at.OrderbookDepth = 5
	}

	d := &at.Defaults
	if d.PerTradeRiskPct <= 0 {
		d.PerTradeRiskPct = 10
	}
	if d.MaxConcurrentTrades <= 0 {
		d.MaxConcurrentTrades = 3
	}
	if d.MaxDailyLossPct <= 0 {
		d.MaxDailyLossPct = 5
	}
	if d.StopLossPct <= 0 {
		d.StopLossPct = 1.5
	}
	if d.TakeProfitPct <= 0 {
		d.TakeProfitPct = 3
	}
	if d.MaxTradesPerDay <= 0 {
		d.MaxTradesPerDay = 10
	}
	if d.CooldownSeconds <= 0 {
		d.CooldownSeconds = 60
	}

	if cfg.ExchangeConfig.Name == "" {
		cfg.ExchangeConfig.Name = "binance"
	}
	if cfg.ExchangeConfig.BaseURL == "" {
		cfg.ExchangeConfig.BaseURL = "https://api.binance.com"
	}
	if cfg.ExchangeConfig.HTTPTimeout <= 0 {
		cfg.ExchangeConfig.HTTPTimeout = 10 * time.Second
	}
	if cfg.ExchangeConfig.RequestsPerSec <= 0 {
		cfg.ExchangeConfig.RequestsPerSec = 10
	}
	if cfg.ExchangeConfig.Burst <= 0 {
		cfg.ExchangeConfig.Burst = 20
	}
	if cfg.ExchangeConfig.MaxRetries <= 0 {
		cfg.ExchangeConfig.MaxRetries = 3
	}
	if cfg.ExchangeConfig.PaperEquity <= 0 {
		cfg.ExchangeConfig.PaperEquity = 10000
	}

	if cfg.ResearchConfig.BaseURL == "" {
		cfg.ResearchConfig.BaseURL = "http://localhost:5001"
	}
	if cfg.ResearchConfig.CyclePath == "" {
		cfg.ResearchConfig.CyclePath = "/research/cycle"
	}
	if cfg.ResearchConfig.Timeout <= 0 {
		cfg.ResearchConfig.Timeout = 30 * time.Second
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "INFO"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}

	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.AllowedOrigins == "" {
		cfg.ServerConfig.AllowedOrigins = "*"
	}
	if cfg.ServerConfig.ReadTimeout == 0 {
		cfg.ServerConfig.ReadTimeout = 30
	}
	if cfg.ServerConfig.WriteTimeout == 0 {
		cfg.ServerConfig.WriteTimeout = 30
	}
	if cfg.ServerConfig.ShutdownTimeout == 0 {
		cfg.ServerConfig.ShutdownTimeout = 10
	}

	if cfg.AuthConfig.Issuer == "" {
		cfg.AuthConfig.Issuer = "autotrade"
	}
	if cfg.AuthConfig.AccessTokenDuration <= 0 {
		cfg.AuthConfig.AccessTokenDuration = 15 * time.Minute
	}

	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.User == "" {
		cfg.DatabaseConfig.User = "trader"
	}
	if cfg.DatabaseConfig.Database == "" {
		cfg.DatabaseConfig.Database = "autotrade"
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize <= 0 {
		cfg.RedisConfig.PoolSize = 10
	}

	if cfg.VaultConfig.Address == "" {
		cfg.VaultConfig.Address = "http://127.0.0.1:8200"
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "autotrade/api-keys"
	}
}

// Location resolves the configured timezone, falling back to the process locale.
func (c AutoTradeConfig) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
