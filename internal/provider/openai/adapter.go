// Package openai provides a dispatcher for the OpenAI API using the official SDK.
// It implements the domain.Dispatcher interface and handles conversion between
// domain types and SDK types, reporting failures as domain.UpstreamError.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/davidbz/tollgate/internal/domain"
	"github.com/davidbz/tollgate/internal/observability"
)

const providerName = "openai"

// Provider implements the domain.Dispatcher interface for OpenAI.
type Provider struct {
	client openai.Client
	name   string
	model  string
}

// NewProvider creates a new OpenAI dispatcher.
func NewProvider(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	if config.Model == "" {
		config.Model = "gpt-3.5-turbo"
	}
	if !buildModelSet(SupportedModels())[config.Model] {
		return nil, fmt.Errorf("OpenAI model %s is not supported", config.Model)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}

	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(time.Duration(config.Timeout)*time.Second))
	}

	if config.MaxRetries >= 0 {
		opts = append(opts, option.WithMaxRetries(config.MaxRetries))
	}

	return &Provider{
		client: openai.NewClient(opts...),
		name:   providerName,
		model:  config.Model,
	}, nil
}

// Dispatch sends the payload as a chat completion and returns the answer.
func (p *Provider) Dispatch(
	ctx context.Context,
	_ string,
	payload domain.Payload,
	timeout time.Duration,
) (*domain.UpstreamResult, error) {
	model := payload.Model
	if model == "" {
		model = p.model
	}
	if model != p.model {
		return nil, &domain.UpstreamError{
			Provider:   p.name,
			StatusCode: http.StatusBadRequest,
			Err:        fmt.Errorf("model %s is not served, openai calls run on %s", model, p.model),
		}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling OpenAI API", observability.String("model", model))

	resp, err := p.client.Chat.Completions.New(ctx, toSDKParams(model, payload))
	if err != nil {
		logger.Error("OpenAI API call failed", observability.Error(err))
		return nil, p.upstreamError(ctx, err)
	}

	logger.Debug("OpenAI API call succeeded",
		observability.Int64("prompt_tokens", resp.Usage.PromptTokens),
		observability.Int64("completion_tokens", resp.Usage.CompletionTokens),
	)

	return p.toResult(resp), nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// Model returns the chat model calls are served with.
func (p *Provider) Model() string {
	return p.model
}

func (p *Provider) upstreamError(ctx context.Context, err error) error {
	out := &domain.UpstreamError{Provider: p.name, Err: err}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		out.StatusCode = apiErr.StatusCode
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.Timeout = true
	}
	return out
}

// toSDKParams converts a domain payload to SDK ChatCompletionNewParams
func toSDKParams(model string, payload domain.Payload) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, len(payload.Messages))
	for i, msg := range payload.Messages {
		switch msg.Role {
		case "user":
			messages[i] = openai.UserMessage(msg.Content)
		case "assistant":
			messages[i] = openai.AssistantMessage(msg.Content)
		case "system":
			messages[i] = openai.SystemMessage(msg.Content)
		default:
			// Fallback to user message if role is unknown
			messages[i] = openai.UserMessage(msg.Content)
		}
	}

	//nolint:exhaustruct // OpenAI SDK struct has many optional fields
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}

	if payload.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(payload.MaxTokens))
	}

	return params
}

// toResult converts an SDK response to an upstream result
func (p *Provider) toResult(resp *openai.ChatCompletion) *domain.UpstreamResult {
	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &domain.UpstreamResult{
		ID:               resp.ID,
		Provider:         p.name,
		Model:            string(resp.Model),
		Content:          content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		FinishTime:       time.Now(),
	}
}
