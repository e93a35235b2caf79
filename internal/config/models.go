package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mikey/mail-onebox/internal/core"
)

// LLMConfig represents the provider selection for chat and embeddings
type LLMConfig struct {
	Provider          string
	EmbeddingProvider string
}

// ServerConfig represents the HTTP API configuration
type ServerConfig struct {
	ListenAddress   string
	CORSOrigin      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// SyncConfig represents the mailbox session timing
type SyncConfig struct {
	BackfillWindow time.Duration
	ReconnectDelay time.Duration
	IdleRetryDelay time.Duration
	IdleRefresh    time.Duration
	RestartDelay   time.Duration
	DialTimeout    time.Duration
}

// ProcessingConfig represents the enrichment pipeline configuration
type ProcessingConfig struct {
	MaxConcurrency      int
	Timeout             time.Duration
	MaxBodySize         int
	MaxPartSize         int64
	SkipDraftCategories []core.Category
	SkipDraftDomains    []string
}

// BedrockConfig represents the configuration for Amazon Bedrock
type BedrockConfig struct {
	Region           string
	ModelID          string
	EmbeddingModelID string
	MaxTokens        int
	Temperature      float32
	TopP             float32
}

// GeminiConfig represents the configuration for Google Gemini
type GeminiConfig struct {
	APIKey         string
	ModelName      string
	EmbeddingModel string
	MaxTokens      int
	Temperature    float32
	TopP           float32
}

// OpenAIConfig represents the configuration for OpenAI compatible APIs
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	ModelName      string
	EmbeddingModel string
	MaxTokens      int
	Temperature    float32
	TopP           float32
}

// ResilienceConfig represents rate limiting and circuit breaking for AI calls
type ResilienceConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
	FailureThreshold  int
	OpenTimeout       time.Duration
}

// ElasticsearchConfig represents the Elasticsearch connection
type ElasticsearchConfig struct {
	Addresses      []string
	Username       string
	Password       string
	EmailIndex     string
	KnowledgeIndex string
}

// LedgerConfig represents the seen-ledger configuration
type LedgerConfig struct {
	Enabled          bool
	Type             string
	TTL              time.Duration
	CleanupFrequency time.Duration
	SQLitePath       string
	MySQLDSN         string
}

// SinkConfig represents a single notification sink
type SinkConfig struct {
	Enabled    bool
	URL        string
	Categories []core.Category
}

// SMTPSinkConfig represents the mail relay sink
type SMTPSinkConfig struct {
	Enabled    bool
	Address    string
	From       string
	To         []string
	Categories []core.Category
}

// NotifyConfig represents all notification sinks
type NotifyConfig struct {
	Timeout time.Duration
	Slack   SinkConfig
	Webhook SinkConfig
	SMTP    SMTPSinkConfig
}

// IntakeConfig represents the SMTP intake listener
type IntakeConfig struct {
	Enabled         bool
	ListenAddress   string
	Domain          string
	MaxMessageBytes int64
}

// GetLLM returns the LLM configuration
func (c *Config) GetLLM() LLMConfig {
	embedding := c.GetString("embedding.provider")
	if embedding == "" {
		embedding = c.GetString("llm.provider")
	}
	return LLMConfig{
		Provider:          c.GetString("llm.provider"),
		EmbeddingProvider: embedding,
	}
}

// GetServer returns the HTTP server configuration
func (c *Config) GetServer() (ServerConfig, error) {
	durations, err := c.durations("server.read_timeout", "server.write_timeout", "server.shutdown_timeout")
	if err != nil {
		return ServerConfig{}, err
	}
	return ServerConfig{
		ListenAddress:   c.GetString("server.listen_address"),
		CORSOrigin:      c.GetString("server.cors_origin"),
		ReadTimeout:     durations[0],
		WriteTimeout:    durations[1],
		ShutdownTimeout: durations[2],
	}, nil
}

// GetSync returns the mailbox session timing
func (c *Config) GetSync() (SyncConfig, error) {
	durations, err := c.durations(
		"sync.backfill_window",
		"sync.reconnect_delay",
		"sync.idle_retry_delay",
		"sync.idle_refresh",
		"sync.restart_delay",
		"sync.dial_timeout",
	)
	if err != nil {
		return SyncConfig{}, err
	}
	return SyncConfig{
		BackfillWindow: durations[0],
		ReconnectDelay: durations[1],
		IdleRetryDelay: durations[2],
		IdleRefresh:    durations[3],
		RestartDelay:   durations[4],
		DialTimeout:    durations[5],
	}, nil
}

// GetProcessing returns the enrichment pipeline configuration
func (c *Config) GetProcessing() (ProcessingConfig, error) {
	timeout, err := c.GetDuration("processing.timeout")
	if err != nil {
		return ProcessingConfig{}, err
	}
	categories, err := c.categories("processing.skip_draft_categories")
	if err != nil {
		return ProcessingConfig{}, err
	}
	concurrency := c.GetInt("processing.max_concurrency")
	if concurrency < 1 {
		concurrency = 1
	}
	return ProcessingConfig{
		MaxConcurrency:      concurrency,
		Timeout:             timeout,
		MaxBodySize:         c.GetInt("processing.max_body_size"),
		MaxPartSize:         c.v.GetInt64("processing.max_part_size"),
		SkipDraftCategories: categories,
		SkipDraftDomains:    c.GetStringSlice("processing.skip_draft_domains"),
	}, nil
}

// GetBedrock returns the Bedrock configuration
func (c *Config) GetBedrock() BedrockConfig {
	return BedrockConfig{
		Region:           c.GetString("bedrock.region"),
		ModelID:          c.GetString("bedrock.model_id"),
		EmbeddingModelID: c.GetString("bedrock.embedding_model_id"),
		MaxTokens:        c.GetInt("bedrock.max_tokens"),
		Temperature:      float32(c.GetFloat64("bedrock.temperature")),
		TopP:             float32(c.GetFloat64("bedrock.top_p")),
	}
}

// GetGemini returns the Gemini configuration
func (c *Config) GetGemini() GeminiConfig {
	return GeminiConfig{
		APIKey:         c.GetString("gemini.api_key"),
		ModelName:      c.GetString("gemini.model_name"),
		EmbeddingModel: c.GetString("gemini.embedding_model"),
		MaxTokens:      c.GetInt("gemini.max_tokens"),
		Temperature:    float32(c.GetFloat64("gemini.temperature")),
		TopP:           float32(c.GetFloat64("gemini.top_p")),
	}
}

// GetOpenAI returns the OpenAI configuration
func (c *Config) GetOpenAI() OpenAIConfig {
	return OpenAIConfig{
		APIKey:         c.GetString("openai.api_key"),
		BaseURL:        c.GetString("openai.base_url"),
		ModelName:      c.GetString("openai.model_name"),
		EmbeddingModel: c.GetString("openai.embedding_model"),
		MaxTokens:      c.GetInt("openai.max_tokens"),
		Temperature:    float32(c.GetFloat64("openai.temperature")),
		TopP:           float32(c.GetFloat64("openai.top_p")),
	}
}

// GetResilience returns the AI call protection settings
func (c *Config) GetResilience() (ResilienceConfig, error) {
	openTimeout, err := c.GetDuration("resilience.open_timeout")
	if err != nil {
		return ResilienceConfig{}, err
	}
	return ResilienceConfig{
		Enabled:           c.GetBool("resilience.enabled"),
		RequestsPerSecond: c.GetFloat64("resilience.requests_per_second"),
		Burst:             c.GetInt("resilience.burst"),
		FailureThreshold:  c.GetInt("resilience.failure_threshold"),
		OpenTimeout:       openTimeout,
	}, nil
}

// GetElasticsearch returns the Elasticsearch configuration
func (c *Config) GetElasticsearch() ElasticsearchConfig {
	return ElasticsearchConfig{
		Addresses:      c.GetStringSlice("elasticsearch.addresses"),
		Username:       c.GetString("elasticsearch.username"),
		Password:       c.GetString("elasticsearch.password"),
		EmailIndex:     c.GetString("elasticsearch.email_index"),
		KnowledgeIndex: c.GetString("elasticsearch.knowledge_index"),
	}
}

// GetLedger returns the seen-ledger configuration
func (c *Config) GetLedger() (LedgerConfig, error) {
	durations, err := c.durations("ledger.ttl", "ledger.cleanup_frequency")
	if err != nil {
		return LedgerConfig{}, err
	}
	return LedgerConfig{
		Enabled:          c.GetBool("ledger.enabled"),
		Type:             c.GetString("ledger.type"),
		TTL:              durations[0],
		CleanupFrequency: durations[1],
		SQLitePath:       c.GetString("ledger.sqlite_path"),
		MySQLDSN:         c.GetString("ledger.mysql_dsn"),
	}, nil
}

// GetNotify returns the notification sink configuration
func (c *Config) GetNotify() (NotifyConfig, error) {
	timeout, err := c.GetDuration("notify.timeout")
	if err != nil {
		return NotifyConfig{}, err
	}
	slackCategories, err := c.categories("notify.slack.categories")
	if err != nil {
		return NotifyConfig{}, err
	}
	webhookCategories, err := c.categories("notify.webhook.categories")
	if err != nil {
		return NotifyConfig{}, err
	}
	smtpCategories, err := c.categories("notify.smtp.categories")
	if err != nil {
		return NotifyConfig{}, err
	}
	return NotifyConfig{
		Timeout: timeout,
		Slack: SinkConfig{
			Enabled:    c.GetBool("notify.slack.enabled"),
			URL:        c.GetString("notify.slack.webhook_url"),
			Categories: slackCategories,
		},
		Webhook: SinkConfig{
			Enabled:    c.GetBool("notify.webhook.enabled"),
			URL:        c.GetString("notify.webhook.url"),
			Categories: webhookCategories,
		},
		SMTP: SMTPSinkConfig{
			Enabled:    c.GetBool("notify.smtp.enabled"),
			Address:    c.GetString("notify.smtp.address"),
			From:       c.GetString("notify.smtp.from"),
			To:         c.GetStringSlice("notify.smtp.to"),
			Categories: smtpCategories,
		},
	}, nil
}

// GetIntake returns the SMTP intake configuration
func (c *Config) GetIntake() IntakeConfig {
	return IntakeConfig{
		Enabled:         c.GetBool("intake.smtp.enabled"),
		ListenAddress:   c.GetString("intake.smtp.listen_address"),
		Domain:          c.GetString("intake.smtp.domain"),
		MaxMessageBytes: c.v.GetInt64("intake.smtp.max_message_bytes"),
	}
}

// GetAccounts returns the accounts preloaded from the config file
func (c *Config) GetAccounts() ([]core.AccountConfig, error) {
	var accounts []core.AccountConfig
	if err := c.v.UnmarshalKey("accounts", &accounts); err != nil {
		return nil, fmt.Errorf("failed to decode accounts: %w", err)
	}
	for i := range accounts {
		if accounts[i].Port == 0 {
			accounts[i].Port = 993
		}
	}
	return accounts, nil
}

func (c *Config) durations(keys ...string) ([]time.Duration, error) {
	out := make([]time.Duration, len(keys))
	for i, key := range keys {
		d, err := c.GetDuration(key)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func (c *Config) categories(key string) ([]core.Category, error) {
	raw := c.GetStringSlice(key)
	out := make([]core.Category, 0, len(raw))
	for _, name := range raw {
		if strings.TrimSpace(name) == "" {
			continue
		}
		category, ok := core.ParseCategory(name)
		if !ok {
			return nil, fmt.Errorf("unknown category %q in %s", name, key)
		}
		out = append(out, category)
	}
	return out, nil
}
