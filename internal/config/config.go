package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fablepress/revision-cli/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Inference InferenceConfig `yaml:"inference" mapstructure:"inference"`
	Audit     AuditConfig     `yaml:"audit" mapstructure:"audit"`
	Run       RunConfig       `yaml:"run" mapstructure:"run"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	Pool        *store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// InferenceConfig tunes how model calls are issued. Temperature zero
// keeps the model's default sampling temperature.
type InferenceConfig struct {
	CallTimeoutSecs int     `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	RatePerMinute   int     `yaml:"rate_per_minute" mapstructure:"rate_per_minute"`
	MaxRetries      int     `yaml:"max_retries" mapstructure:"max_retries"`
	Temperature     float64 `yaml:"temperature" mapstructure:"temperature"`
}

// AuditConfig configures consistency detection.
type AuditConfig struct {
	BatchSize      int `yaml:"batch_size" mapstructure:"batch_size"`
	ChapterCharCap int `yaml:"chapter_char_cap" mapstructure:"chapter_char_cap"`
	MaxTokens      int `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// RunConfig holds the default run parameters applied when a request
// omits them.
type RunConfig struct {
	MaxCycles         int `yaml:"max_cycles" mapstructure:"max_cycles"`
	TargetScore       int `yaml:"target_score" mapstructure:"target_score"`
	MaxCriticalIssues int `yaml:"max_critical_issues" mapstructure:"max_critical_issues"`
}

// ServerConfig configures the HTTP API server.
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

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REVISION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "revision.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("inference.call_timeout_secs", 120)
	v.SetDefault("inference.rate_per_minute", 0)
	v.SetDefault("inference.max_retries", 3)
	v.SetDefault("inference.temperature", 0.0)
	v.SetDefault("audit.batch_size", 8)
	v.SetDefault("audit.chapter_char_cap", 8000)
	v.SetDefault("audit.max_tokens", 4096)
	v.SetDefault("run.max_cycles", 3)
	v.SetDefault("run.target_score", 85)
	v.SetDefault("run.max_critical_issues", 0)

	// Read config file (optional)
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

// NewLogger builds a zap logger from the log section. The logger is
// passed down explicitly; nothing in the application reads zap globals.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, eris.Wrap(err, "config: build logger")
	}
	return logger, nil
}
