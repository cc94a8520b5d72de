package gateway

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"

	"github.com/Kyeong6/EATceed-AI/internal/config"
	"github.com/Kyeong6/EATceed-AI/internal/resilience"
)

// anthropicProvider is the fallback completion provider.
type anthropicProvider struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates the Anthropic-backed provider.
func NewAnthropic(cfg config.AnthropicConfig) Provider {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &anthropicProvider{
		client:    sdk.NewClient(option.WithAPIKey(cfg.Key)),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	var text strings.Builder
	for _, b := range msg.Content {
		text.WriteString(b.Text)
	}
	if text.Len() == 0 {
		return nil, eris.New("anthropic: empty completion response")
	}

	return &CompletionResponse{
		Text:     text.String(),
		Provider: p.Name(),
		Model:    string(msg.Model),
	}, nil
}

func classifyAnthropicError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return resilience.NewTransientError(eris.Wrap(err, "anthropic: completion"), apiErr.StatusCode)
		}
		return eris.Wrap(err, "anthropic: completion")
	}
	if resilience.IsTransient(err) {
		return resilience.NewTransientError(eris.Wrap(err, "anthropic: completion"), 0)
	}
	return eris.Wrap(err, "anthropic: completion")
}
