package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	OpenAI    OpenAIConfig    `yaml:"openai" mapstructure:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Gateway   GatewayConfig   `yaml:"gateway" mapstructure:"gateway"`
	Quota     QuotaConfig     `yaml:"quota" mapstructure:"quota"`
	Prompt    PromptConfig    `yaml:"prompt" mapstructure:"prompt"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Evaluator EvaluatorConfig `yaml:"evaluator" mapstructure:"evaluator"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the distributed cache and quota counters.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// OpenAIConfig holds settings for the primary completion provider.
type OpenAIConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	Model       string  `yaml:"model" mapstructure:"model"`
	Temperature float32 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// AnthropicConfig holds settings for the fallback completion provider.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// GatewayConfig configures retry and outbound throttling for external calls.
type GatewayConfig struct {
	MaxRetries        int     `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoffMS  int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	CallsPerMinute    float64 `yaml:"calls_per_minute" mapstructure:"calls_per_minute"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
	RequestTimeoutSec int     `yaml:"request_timeout_sec" mapstructure:"request_timeout_sec"`
}

// QuotaConfig configures the per-member daily call budget.
type QuotaConfig struct {
	DailyLimit int    `yaml:"daily_limit" mapstructure:"daily_limit"`
	Timezone   string `yaml:"timezone" mapstructure:"timezone"`
}

// PromptConfig configures template loading and cache TTLs.
type PromptConfig struct {
	Dir                string `yaml:"dir" mapstructure:"dir"`
	TemplateTTLHours   int    `yaml:"template_ttl_hours" mapstructure:"template_ttl_hours"`
	VolatileTTLMinutes int    `yaml:"volatile_ttl_minutes" mapstructure:"volatile_ttl_minutes"`
}

// BatchConfig configures the weekly analysis batch.
type BatchConfig struct {
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
	CronSpec    string `yaml:"cron_spec" mapstructure:"cron_spec"`
}

// EvaluatorConfig holds the quality thresholds for the A/B retry policy.
type EvaluatorConfig struct {
	RelevanceThreshold    float64 `yaml:"relevance_threshold" mapstructure:"relevance_threshold"`
	FaithfulnessThreshold float64 `yaml:"faithfulness_threshold" mapstructure:"faithfulness_threshold"`
	RelevanceWeight       float64 `yaml:"relevance_weight" mapstructure:"relevance_weight"`
	FaithfulnessWeight    float64 `yaml:"faithfulness_weight" mapstructure:"faithfulness_weight"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("EATCEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.temperature", 0.0)
	v.SetDefault("openai.max_tokens", 1024)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("gateway.max_retries", 2)
	v.SetDefault("gateway.initial_backoff_ms", 500)
	v.SetDefault("gateway.calls_per_minute", 500)
	v.SetDefault("gateway.burst", 20)
	v.SetDefault("gateway.request_timeout_sec", 60)
	v.SetDefault("quota.daily_limit", 5)
	v.SetDefault("quota.timezone", "Asia/Seoul")
	v.SetDefault("prompt.dir", "prompts")
	v.SetDefault("prompt.template_ttl_hours", 168)
	v.SetDefault("prompt.volatile_ttl_minutes", 60)
	v.SetDefault("batch.concurrency", 10)
	v.SetDefault("batch.cron_spec", "0 0 * * MON")
	v.SetDefault("evaluator.relevance_threshold", 3.0)
	v.SetDefault("evaluator.faithfulness_threshold", 0.6)
	v.SetDefault("evaluator.relevance_weight", 0.7)
	v.SetDefault("evaluator.faithfulness_weight", 0.3)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
