package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/internal/common/config"
)

// OpenAIClient implements CompletionClient against any OpenAI-compatible
// chat completion endpoint.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

var _ CompletionClient = (*OpenAIClient)(nil)

// NewOpenAIClient creates a completion client from configuration. An empty
// BaseURL targets api.openai.com.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
	}
}

// Complete sends the prompt as a single user message and returns the first
// choice's content.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
