package gemini

import (
	"context"
	"errors"

	"github.com/mikey/mail-onebox/internal/config"
	"go.uber.org/zap"
)

// Factory creates new instances of GeminiClient
type Factory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewFactory creates a new factory for GeminiClient instances
func NewFactory(cfg *config.Config, logger *zap.Logger) *Factory {
	return &Factory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateClient creates a new GeminiClient
func (f *Factory) CreateClient(ctx context.Context) (*GeminiClient, error) {
	geminiCfg := f.cfg.GetGemini()
	if geminiCfg.APIKey == "" {
		return nil, errors.New("gemini.api_key is required")
	}

	return NewGeminiClient(
		ctx,
		geminiCfg.APIKey,
		geminiCfg.ModelName,
		geminiCfg.EmbeddingModel,
		geminiCfg.MaxTokens,
		geminiCfg.Temperature,
		geminiCfg.TopP,
		f.logger.With(zap.String("provider", "gemini")),
	)
}
