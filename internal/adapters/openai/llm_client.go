package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mikey/mail-onebox/internal/core"
	"github.com/mikey/mail-onebox/internal/prompt"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIClient classifies, drafts and embeds through an OpenAI compatible API
type OpenAIClient struct {
	client         *openai.Client
	modelName      string
	embeddingModel string
	maxTokens      int
	temperature    float32
	topP           float32
	logger         *zap.Logger
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(
	client *openai.Client,
	modelName string,
	embeddingModel string,
	maxTokens int,
	temperature float32,
	topP float32,
	logger *zap.Logger,
) *OpenAIClient {
	return &OpenAIClient{
		client:         client,
		modelName:      modelName,
		embeddingModel: embeddingModel,
		maxTokens:      maxTokens,
		temperature:    temperature,
		topP:           topP,
		logger:         logger,
	}
}

// Classify asks the model for one category
func (c *OpenAIClient) Classify(ctx context.Context, text string) (core.Category, error) {
	req := openai.ChatCompletionRequest{
		Model: c.modelName,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.ClassifySystem()},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		TopP:        c.topP,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	content, err := c.complete(ctx, req)
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
func (c *OpenAIClient) Draft(ctx context.Context, text, knowledgeContext string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.modelName,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.DraftSystem(knowledgeContext)},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		TopP:        c.topP,
	}

	content, err := c.complete(ctx, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// Embed returns the embedding vector for text
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding with OpenAI: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("empty embedding response from OpenAI")
	}
	return resp.Data[0].Embedding, nil
}

func (c *OpenAIClient) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to create chat completion with OpenAI: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty response from OpenAI")
	}
	return resp.Choices[0].Message.Content, nil
}
