package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/mikey/mail-onebox/internal/core"
	"github.com/mikey/mail-onebox/internal/prompt"
	"go.uber.org/zap"
)

const anthropicVersion = "bedrock-2023-05-31"

// ModelInvoker is the subset of the Bedrock runtime client used here
type ModelInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockClient classifies, drafts and embeds with Amazon Bedrock
type BedrockClient struct {
	client           ModelInvoker
	modelID          string
	embeddingModelID string
	maxTokens        int
	temperature      float32
	topP             float32
	logger           *zap.Logger
}

// NewBedrockClient creates a new Bedrock client
func NewBedrockClient(
	client ModelInvoker,
	modelID string,
	embeddingModelID string,
	maxTokens int,
	temperature float32,
	topP float32,
	logger *zap.Logger,
) *BedrockClient {
	return &BedrockClient{
		client:           client,
		modelID:          modelID,
		embeddingModelID: embeddingModelID,
		maxTokens:        maxTokens,
		temperature:      temperature,
		topP:             topP,
		logger:           logger,
	}
}

// Classify asks the model for one category
func (c *BedrockClient) Classify(ctx context.Context, text string) (core.Category, error) {
	content, err := c.generate(ctx, prompt.ClassifySystem(), text)
	if err != nil {
		return core.CategoryNone, err
	}

	category, err := prompt.ParseCategory(content)
	if err != nil {
		return core.CategoryNone, err
	}

	c.logger.Debug("Classified message",
		zap.String("model", c.modelID),
		zap.String("category", string(category)))
	return category, nil
}

// Draft asks the model for a reply grounded in knowledgeContext
func (c *BedrockClient) Draft(ctx context.Context, text, knowledgeContext string) (string, error) {
	content, err := c.generate(ctx, prompt.DraftSystem(knowledgeContext), text)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// Embed returns a Titan embedding for text
func (c *BedrockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"inputText": text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding payload: %w", err)
	}

	body, err := c.invoke(ctx, c.embeddingModelID, payload)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedding response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("empty embedding response from Bedrock")
	}
	return resp.Embedding, nil
}

func (c *BedrockClient) generate(ctx context.Context, system, text string) (string, error) {
	var payload []byte
	var err error

	if c.isAnthropicModel() {
		payload, err = json.Marshal(map[string]interface{}{
			"anthropic_version": anthropicVersion,
			"max_tokens":        c.maxTokens,
			"system":            system,
			"messages": []map[string]interface{}{
				{"role": "user", "content": text},
			},
			"temperature": c.temperature,
			"top_p":       c.topP,
		})
	} else if c.isAmazonTitanModel() {
		payload, err = json.Marshal(map[string]interface{}{
			"inputText": system + "\n\n" + text,
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": c.maxTokens,
				"temperature":   c.temperature,
				"topP":          c.topP,
			},
		})
	} else {
		payload, err = json.Marshal(map[string]interface{}{
			"prompt":      system + "\n\n" + text,
			"max_tokens":  c.maxTokens,
			"temperature": c.temperature,
			"top_p":       c.topP,
		})
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	body, err := c.invoke(ctx, c.modelID, payload)
	if err != nil {
		return "", err
	}
	return c.responseText(body)
}

func (c *BedrockClient) invoke(ctx context.Context, modelID string, payload []byte) ([]byte, error) {
	resp, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		Body:        payload,
		Accept:      aws.String("application/json"),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invoke Bedrock model %s: %w", modelID, err)
	}
	return resp.Body, nil
}

func (c *BedrockClient) responseText(body []byte) (string, error) {
	switch {
	case c.isAnthropicModel():
		var claudeResp struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(body, &claudeResp); err != nil {
			return "", fmt.Errorf("failed to unmarshal Claude response: %w", err)
		}
		var b strings.Builder
		for _, block := range claudeResp.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		if b.Len() == 0 {
			return "", errors.New("empty response from Claude model")
		}
		return b.String(), nil

	case c.isAmazonTitanModel():
		var titanResp struct {
			Results []struct {
				OutputText string `json:"outputText"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &titanResp); err != nil {
			return "", fmt.Errorf("failed to unmarshal Titan response: %w", err)
		}
		if len(titanResp.Results) == 0 {
			return "", errors.New("empty response from Titan model")
		}
		return titanResp.Results[0].OutputText, nil

	default:
		var genericResp struct {
			Output     string `json:"output"`
			Text       string `json:"text"`
			Response   string `json:"response"`
			Generation string `json:"generation"`
		}
		if err := json.Unmarshal(body, &genericResp); err != nil {
			return "", fmt.Errorf("failed to unmarshal generic response: %w", err)
		}
		for _, candidate := range []string{genericResp.Output, genericResp.Text, genericResp.Response, genericResp.Generation} {
			if candidate != "" {
				return candidate, nil
			}
		}
		return string(body), nil
	}
}

// isAnthropicModel checks if the model is an Anthropic Claude model
func (c *BedrockClient) isAnthropicModel() bool {
	return strings.Contains(c.modelID, "anthropic.claude")
}

// isAmazonTitanModel checks if the model is an Amazon Titan model
func (c *BedrockClient) isAmazonTitanModel() bool {
	return strings.HasPrefix(c.modelID, "amazon.titan")
}
