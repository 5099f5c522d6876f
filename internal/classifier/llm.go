package classifier

import (
	"context"
	"fmt"
	"os"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
)

const classifyMaxTokens = 16

// classifyPrompt asks the model to answer with exactly one of the five
// intent names; parseLLMIntent then substring-matches the reply.
func classifyPrompt(text string) string {
	return fmt.Sprintf(
		"Classify the user message into exactly one of: tickets, account, payments, general, unknown. "+
			"Reply with the single word only.\n\nMessage: %s", text)
}

// AnthropicProvider classifies via the Anthropic Messages API, using
// sdk.NewClient, sdk.MessageNewParams and Messages.New.
type AnthropicProvider struct {
	client sdk.Client
	model  string
}

// NewAnthropicProvider builds a provider from an API key and a small/cheap
// model identifier.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// ClassifyIntent implements Provider.
func (p *AnthropicProvider) ClassifyIntent(ctx context.Context, text string) (string, error) {
	params := sdk.MessageNewParams{
		MaxTokens: classifyMaxTokens,
		Model:     sdk.Model(p.model),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(classifyPrompt(text))),
		},
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic classify: %w", err)
	}
	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return out.String(), nil
}

// OpenAIProvider classifies via the Chat Completions API.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider builds a provider from an API key and model identifier.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(openaiopt.WithAPIKey(apiKey)),
		model:  model,
	}
}

// ClassifyIntent implements Provider.
func (p *OpenAIProvider) ClassifyIntent(ctx context.Context, text string) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(p.model),
		MaxTokens: openai.Int(int64(classifyMaxTokens)),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(classifyPrompt(text)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai classify: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai classify: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// OllamaProvider classifies via a local Ollama server's OpenAI-compatible
// chat endpoint, preferred first since it is free and local.
type OllamaProvider struct {
	client openai.Client
	model  string
}

// NewOllamaProvider builds a provider pointed at an Ollama base URL (for
// example "http://localhost:11434/v1").
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	return &OllamaProvider{
		client: openai.NewClient(openaiopt.WithBaseURL(baseURL), openaiopt.WithAPIKey("ollama")),
		model:  model,
	}
}

// ClassifyIntent implements Provider.
func (p *OllamaProvider) ClassifyIntent(ctx context.Context, text string) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(classifyPrompt(text)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("ollama classify: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("ollama classify: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

const (
	defaultAnthropicModel = "claude-3-5-haiku-20241022"
	defaultOpenAIModel    = "gpt-4o-mini"
	defaultOllamaModel    = "llama3.1"
)

// ProviderFromEnv selects an LLM tier provider by environment-driven
// preference: a local Ollama server first (free, no external call), then
// Anthropic, then OpenAI. No other provider variable (GOOGLE_API_KEY
// included) is read. Returns nil, meaning the
// classifier runs with no LLM tier, when none of these are configured.
func ProviderFromEnv() Provider {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		return NewOllamaProvider(baseURL, defaultOllamaModel)
	}
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		return NewAnthropicProvider(apiKey, defaultAnthropicModel)
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		return NewOpenAIProvider(apiKey, defaultOpenAIModel)
	}
	return nil
}

var (
	_ Provider = (*AnthropicProvider)(nil)
	_ Provider = (*OpenAIProvider)(nil)
	_ Provider = (*OllamaProvider)(nil)
)
