package gateway

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"

	"github.com/Kyeong6/EATceed-AI/internal/config"
	"github.com/Kyeong6/EATceed-AI/internal/resilience"
)

// openaiProvider is the primary completion provider.
type openaiProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates the OpenAI-backed provider.
func NewOpenAI(cfg config.OpenAIConfig) Provider {
	return &openaiProvider{
		client: openai.NewClient(cfg.Key),
		model:  cfg.Model,
	}
}

func (p *openaiProvider) Name() string { return "openai" }

func (p *openaiProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, eris.New("openai: empty completion response")
	}

	return &CompletionResponse{
		Text:     resp.Choices[0].Message.Content,
		Provider: p.Name(),
		Model:    resp.Model,
	}, nil
}

// classifyOpenAIError marks capacity and availability failures as transient
// so the retry loop and fallback switch can act on them.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if resilience.IsTransientHTTPStatus(apiErr.HTTPStatusCode) {
			return resilience.NewTransientError(eris.Wrap(err, "openai: completion"), apiErr.HTTPStatusCode)
		}
		return eris.Wrap(err, "openai: completion")
	}
	if resilience.IsTransient(err) {
		return resilience.NewTransientError(eris.Wrap(err, "openai: completion"), 0)
	}
	return eris.Wrap(err, "openai: completion")
}
