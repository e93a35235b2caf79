package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "ONEBOX"

// Config represents the application configuration
type Config struct {
	v *viper.Viper
}

// New creates a new configuration instance.
// A .env file in the working directory is loaded first when present.
func New() (*Config, error) {
	return NewWithFile("")
}

// NewWithFile creates a configuration instance, reading path instead of
// searching the default locations when path is not empty
func NewWithFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/mail-onebox/")
		v.AddConfigPath("$HOME/.mail-onebox")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Set defaults
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return &Config{v: v}, nil
}

// NewFromViper creates a new configuration instance from an existing Viper instance
func NewFromViper(v *viper.Viper) *Config {
	return &Config{v: v}
}

// NewEmptyViper creates a new Viper instance with defaults
func NewEmptyViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// setDefaults sets the default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.listen_address", ":3000")
	v.SetDefault("server.cors_origin", "*")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Sync defaults
	v.SetDefault("sync.backfill_window", "720h")
	v.SetDefault("sync.reconnect_delay", "10s")
	v.SetDefault("sync.idle_retry_delay", "5s")
	v.SetDefault("sync.idle_refresh", "25m")
	v.SetDefault("sync.restart_delay", "5s")
	v.SetDefault("sync.dial_timeout", "30s")

	// Processing defaults
	v.SetDefault("processing.max_concurrency", 8)
	v.SetDefault("processing.timeout", "2m")
	v.SetDefault("processing.max_body_size", 8192)
	v.SetDefault("processing.max_part_size", 1024*1024)
	v.SetDefault("processing.skip_draft_categories", []string{})
	v.SetDefault("processing.skip_draft_domains", []string{})

	// LLM provider defaults
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("embedding.provider", "")

	// OpenAI defaults
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model_name", "gpt-4o-mini")
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("openai.max_tokens", 500)
	v.SetDefault("openai.temperature", 0.1)
	v.SetDefault("openai.top_p", 0.9)

	// Gemini defaults
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model_name", "gemini-1.5-flash")
	v.SetDefault("gemini.embedding_model", "text-embedding-004")
	v.SetDefault("gemini.max_tokens", 500)
	v.SetDefault("gemini.temperature", 0.1)
	v.SetDefault("gemini.top_p", 0.9)

	// Bedrock defaults
	v.SetDefault("bedrock.region", "us-east-1")
	v.SetDefault("bedrock.model_id", "anthropic.claude-3-haiku-20240307-v1:0")
	v.SetDefault("bedrock.embedding_model_id", "amazon.titan-embed-text-v2:0")
	v.SetDefault("bedrock.max_tokens", 500)
	v.SetDefault("bedrock.temperature", 0.1)
	v.SetDefault("bedrock.top_p", 0.9)

	// Resilience defaults
	v.SetDefault("resilience.enabled", true)
	v.SetDefault("resilience.requests_per_second", 5.0)
	v.SetDefault("resilience.burst", 5)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.open_timeout", "30s")

	// Store defaults
	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.sqlite_path", "./data/onebox.db")

	// Knowledge defaults
	v.SetDefault("knowledge.type", "memory")
	v.SetDefault("knowledge.sqlite_path", "./data/knowledge.db")

	// Elasticsearch defaults
	v.SetDefault("elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("elasticsearch.username", "")
	v.SetDefault("elasticsearch.password", "")
	v.SetDefault("elasticsearch.email_index", "emails")
	v.SetDefault("elasticsearch.knowledge_index", "knowledge_base")

	// Ledger defaults
	v.SetDefault("ledger.enabled", true)
	v.SetDefault("ledger.type", "memory")
	v.SetDefault("ledger.ttl", "720h")
	v.SetDefault("ledger.cleanup_frequency", "1h")
	v.SetDefault("ledger.sqlite_path", "./data/ledger.db")
	v.SetDefault("ledger.mysql_dsn", "")

	// Notification defaults
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.slack.enabled", false)
	v.SetDefault("notify.slack.webhook_url", "")
	v.SetDefault("notify.slack.categories", []string{})
	v.SetDefault("notify.webhook.enabled", false)
	v.SetDefault("notify.webhook.url", "")
	v.SetDefault("notify.webhook.categories", []string{})
	v.SetDefault("notify.smtp.enabled", false)
	v.SetDefault("notify.smtp.address", "localhost:25")
	v.SetDefault("notify.smtp.from", "onebox@localhost")
	v.SetDefault("notify.smtp.to", []string{})
	v.SetDefault("notify.smtp.categories", []string{"Interested"})

	// Intake defaults
	v.SetDefault("intake.smtp.enabled", false)
	v.SetDefault("intake.smtp.listen_address", "127.0.0.1:2525")
	v.SetDefault("intake.smtp.domain", "localhost")
	v.SetDefault("intake.smtp.max_message_bytes", 10*1024*1024)

	// Credential defaults
	v.SetDefault("keyring.service", "mail-onebox")
	v.SetDefault("keyring.backends", []string{})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// GetString gets a string value from the configuration
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt gets an integer value from the configuration
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetFloat64 gets a float64 value from the configuration
func (c *Config) GetFloat64(key string) float64 {
	return c.v.GetFloat64(key)
}

// GetBool gets a boolean value from the configuration
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

// GetStringSlice gets a string slice value from the configuration
func (c *Config) GetStringSlice(key string) []string {
	return c.v.GetStringSlice(key)
}

// GetDuration gets a duration value from the configuration
func (c *Config) GetDuration(key string) (time.Duration, error) {
	d, err := time.ParseDuration(c.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}

// Set overrides a configuration value
func (c *Config) Set(key string, value interface{}) {
	c.v.Set(key, value)
}

// GetViper returns the underlying Viper instance
func (c *Config) GetViper() *viper.Viper {
	return c.v
}
