package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/mikey/mail-onebox/internal/core"
	"github.com/mikey/mail-onebox/internal/prompt"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// GeminiClient classifies, drafts and embeds with Google Gemini
type GeminiClient struct {
	client         *genai.Client
	modelName      string
	embeddingModel string
	maxTokens      int
	temperature    float32
	topP           float32
	logger         *zap.Logger
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(
	ctx context.Context,
	apiKey string,
	modelName string,
	embeddingModel string,
	maxTokens int,
	temperature float32,
	topP float32,
	logger *zap.Logger,
) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client:         client,
		modelName:      modelName,
		embeddingModel: embeddingModel,
		maxTokens:      maxTokens,
		temperature:    temperature,
		topP:           topP,
		logger:         logger,
	}, nil
}

// Close closes the Gemini client
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *GeminiClient) model(system string, jsonOutput bool) *genai.GenerativeModel {
	model := c.client.GenerativeModel(c.modelName)
	model.SetTemperature(c.temperature)
	model.SetTopP(c.topP)
	model.SetMaxOutputTokens(int32(c.maxTokens))
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	if jsonOutput {
		model.ResponseMIMEType = "application/json"
	}
	return model
}

// Classify asks the model for one category
func (c *GeminiClient) Classify(ctx context.Context, text string) (core.Category, error) {
	content, err := c.generate(ctx, c.model(prompt.ClassifySystem(), true), text)
	if err != nil {
		return core.CategoryNone, err
	}

	category, err := prompt.ParseCategory(content)
	if err != nil {
		return core.CategoryNone, err
	}

	c.logger.Debug("Classified message",
		zap.String("model", c.modelName),
		zap.String("category", string(category)))
	return category, nil
}

// Draft asks the model for a reply grounded in knowledgeContext
func (c *GeminiClient) Draft(ctx context.Context, text, knowledgeContext string) (string, error) {
	content, err := c.generate(ctx, c.model(prompt.DraftSystem(knowledgeContext), false), text)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// Embed returns the embedding vector for text
func (c *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := c.client.EmbeddingModel(c.embeddingModel).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("failed to embed content with Gemini: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, errors.New("empty embedding response from Gemini")
	}
	return res.Embedding.Values, nil
}

func (c *GeminiClient) generate(ctx context.Context, model *genai.GenerativeModel, text string) (string, error) {
	resp, err := model.GenerateContent(ctx, genai.Text(text))
	if err != nil {
		return "", fmt.Errorf("failed to generate content with Gemini: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("empty response from Gemini")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}
