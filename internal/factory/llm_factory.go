package factory

import (
	"context"
	"fmt"
	"sync"

	"github.com/mikey/mail-onebox/internal/adapters/bedrock"
	"github.com/mikey/mail-onebox/internal/adapters/gemini"
	"github.com/mikey/mail-onebox/internal/adapters/openai"
	"github.com/mikey/mail-onebox/internal/adapters/resilience"
	"github.com/mikey/mail-onebox/internal/config"
	"github.com/mikey/mail-onebox/internal/core"
	"go.uber.org/zap"
)

// AIClient is a provider client able to classify, draft and embed
type AIClient interface {
	core.Classifier
	core.Drafter
	core.Embedder
}

// LLMFactory creates AI provider clients. One client is built per provider
// and shared by the classifier, drafter and embedder it serves.
type LLMFactory struct {
	cfg    *config.Config
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]AIClient
}

// NewLLMFactory creates a new LLM factory
func NewLLMFactory(cfg *config.Config, logger *zap.Logger) *LLMFactory {
	return &LLMFactory{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]AIClient),
	}
}

// CreateClassifier creates the classifier for llm.provider
func (f *LLMFactory) CreateClassifier() (core.Classifier, error) {
	client, err := f.client(f.cfg.GetLLM().Provider)
	if err != nil {
		return nil, err
	}
	guard, err := f.guard("classifier")
	if err != nil {
		return nil, err
	}
	if guard == nil {
		return client, nil
	}
	return resilience.NewClassifier(client, guard), nil
}

// CreateDrafter creates the drafter for llm.provider
func (f *LLMFactory) CreateDrafter() (core.Drafter, error) {
	client, err := f.client(f.cfg.GetLLM().Provider)
	if err != nil {
		return nil, err
	}
	guard, err := f.guard("drafter")
	if err != nil {
		return nil, err
	}
	if guard == nil {
		return client, nil
	}
	return resilience.NewDrafter(client, guard), nil
}

// CreateEmbedder creates the embedder for embedding.provider
func (f *LLMFactory) CreateEmbedder() (core.Embedder, error) {
	client, err := f.client(f.cfg.GetLLM().EmbeddingProvider)
	if err != nil {
		return nil, err
	}
	guard, err := f.guard("embedder")
	if err != nil {
		return nil, err
	}
	if guard == nil {
		return client, nil
	}
	return resilience.NewEmbedder(client, guard), nil
}

// Close releases provider clients that hold connections
func (f *LLMFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for name, client := range f.clients {
		if closer, ok := client.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				f.logger.Warn("Failed to close AI client", zap.String("provider", name), zap.Error(err))
			}
		}
	}
	f.clients = make(map[string]AIClient)
	return nil
}

func (f *LLMFactory) client(provider string) (AIClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.clients[provider]; ok {
		return client, nil
	}

	var (
		client AIClient
		err    error
	)
	switch provider {
	case "bedrock":
		client, err = bedrock.NewFactory(f.cfg, f.logger).CreateClient(context.Background())
	case "gemini":
		client, err = gemini.NewFactory(f.cfg, f.logger).CreateClient(context.Background())
	case "openai":
		client, err = openai.NewFactory(f.cfg, f.logger).CreateClient()
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", provider, err)
	}

	f.logger.Info("Created AI client", zap.String("provider", provider))
	f.clients[provider] = client
	return client, nil
}

// guard returns nil when resilience is disabled
func (f *LLMFactory) guard(name string) (*resilience.Guard, error) {
	rc, err := f.cfg.GetResilience()
	if err != nil {
		return nil, fmt.Errorf("invalid resilience config: %w", err)
	}
	if !rc.Enabled {
		return nil, nil
	}
	return resilience.NewGuard(name, rc.RequestsPerSecond, rc.Burst, rc.FailureThreshold, rc.OpenTimeout, f.logger), nil
}
