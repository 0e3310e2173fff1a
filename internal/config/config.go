package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Bot        BotConfig        `mapstructure:"bot"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Context    ContextConfig    `mapstructure:"context"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type BotConfig struct {
	Token           string        `mapstructure:"token"`
	APIEndpoint     string        `mapstructure:"api_endpoint"`
	UpdateTimeout   int           `mapstructure:"update_timeout"`
	FetchBackoff    time.Duration `mapstructure:"fetch_backoff"`
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	OutboundRPS     float64       `mapstructure:"outbound_rps"`
	OutboundBurst   int           `mapstructure:"outbound_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type BackendConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ContextConfig struct {
	SystemPrompt      string `mapstructure:"system_prompt"`
	MaxMessages       int    `mapstructure:"max_messages"`
	StreamUpdateEvery int    `mapstructure:"stream_update_every"`
}

type RateLimitConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	PerTenSeconds int  `mapstructure:"per_ten_seconds"`
	PerMinute     int  `mapstructure:"per_minute"`
	PerHour       int  `mapstructure:"per_hour"`
}

type StorageConfig struct {
	Type   string       `mapstructure:"type"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Memory MemoryConfig `mapstructure:"memory"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MemoryConfig struct {
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	// Enable environment variable substitution
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Legacy .env names
	v.BindEnv("bot.token", "BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
	v.BindEnv("backend.url", "AI_API_URL")
	v.BindEnv("backend.api_key", "AI_API_KEY")
	v.BindEnv("backend.model", "AI_MODEL")
	v.BindEnv("context.system_prompt", "SYSTEM_PROMPT")
	v.BindEnv("storage.redis.password", "REDIS_PASSWORD")
	v.BindEnv("storage.redis.db", "REDIS_DB")

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Handle Redis address special case
	if redisHost := v.GetString("REDIS_HOST"); redisHost != "" {
		redisPort := v.GetString("REDIS_PORT")
		if redisPort == "" {
			redisPort = "6379"
		}
		config.Storage.Redis.Addr = fmt.Sprintf("%s:%s", redisHost, redisPort)
	}

	// Validate required fields
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.update_timeout", 30)
	v.SetDefault("bot.fetch_backoff", 5*time.Second)
	v.SetDefault("bot.workers", 10)
	v.SetDefault("bot.queue_size", 100)
	v.SetDefault("bot.outbound_rps", 30)
	v.SetDefault("bot.outbound_burst", 30)
	v.SetDefault("bot.shutdown_timeout", 35*time.Second)

	v.SetDefault("backend.url", "https://chat.breathai.top/v1/chat/completions")
	v.SetDefault("backend.model", "grok-3-mini-beta")
	// Zero leaves streaming requests without a deadline
	v.SetDefault("backend.timeout", time.Duration(0))

	v.SetDefault("context.system_prompt", "你是 BreathAI Bot，一个友善的 AI 助手")
	v.SetDefault("context.max_messages", 0)
	v.SetDefault("context.stream_update_every", 10)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.per_ten_seconds", 5)
	v.SetDefault("rate_limit.per_minute", 30)
	v.SetDefault("rate_limit.per_hour", 100)

	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.memory.cleanup_interval", time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("monitoring.metrics.enabled", false)
	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")

	v.SetDefault("i18n.default_language", "zh")
	v.SetDefault("i18n.languages", []string{"zh", "en"})
}

func validateConfig(cfg *Config) error {
	if cfg.Bot.Token == "" {
		return fmt.Errorf("bot token is required")
	}
	if cfg.Backend.URL == "" {
		return fmt.Errorf("backend url is required")
	}
	if cfg.Backend.Model == "" {
		return fmt.Errorf("backend model is required")
	}
	if cfg.Bot.Workers <= 0 {
		return fmt.Errorf("bot.workers must be positive, got %d", cfg.Bot.Workers)
	}
	if cfg.Bot.QueueSize < 0 {
		return fmt.Errorf("bot.queue_size must not be negative, got %d", cfg.Bot.QueueSize)
	}
	if cfg.Context.StreamUpdateEvery <= 0 {
		return fmt.Errorf("context.stream_update_every must be positive, got %d", cfg.Context.StreamUpdateEvery)
	}
	return nil
}
