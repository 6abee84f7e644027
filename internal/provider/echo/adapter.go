// Package echo provides a testing dispatcher that echoes back input messages.
// It implements the domain.Dispatcher interface without making external API calls,
// providing deterministic responses for testing and development purposes.
package echo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/davidbz/tollgate/internal/domain"
	"github.com/davidbz/tollgate/internal/observability"
)

const (
	providerName = "echo"
	modelName    = "echo4"
)

// Option configures the echo dispatcher.
type Option func(*Provider)

// WithLatency makes every dispatch wait d before answering, so timeouts can
// be exercised locally.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) {
		p.latency = d
	}
}

// Provider implements the domain.Dispatcher interface for echo testing.
type Provider struct {
	name    string
	latency time.Duration
}

// NewProvider creates a new echo dispatcher.
// No configuration is required as this provider operates entirely in-memory.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{
		name:    providerName,
		latency: 0,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dispatch returns the payload's messages as the completion.
func (p *Provider) Dispatch(
	ctx context.Context,
	_ string,
	payload domain.Payload,
	timeout time.Duration,
) (*domain.UpstreamResult, error) {
	if len(payload.Messages) == 0 {
		return nil, p.reject(errors.New("payload has no messages"))
	}

	model := payload.Model
	if model == "" {
		model = modelName
	}
	if model != modelName {
		return nil, p.reject(fmt.Errorf("model %s is not supported by echo provider", model))
	}

	logger := observability.FromContext(ctx)
	logger.Debug("echoing request")

	if err := p.wait(ctx, timeout); err != nil {
		return nil, err
	}

	// Build echo content from messages
	echoContent := buildEchoContent(payload.Messages)

	// Count tokens (simple word-based counting)
	promptTokens := countTokens(echoContent)
	completionTokens := promptTokens // Echo returns same size
	if payload.MaxTokens > 0 && completionTokens > int64(payload.MaxTokens) {
		echoContent = strings.Join(strings.Fields(echoContent)[:payload.MaxTokens], " ")
		completionTokens = int64(payload.MaxTokens)
	}

	logger.Debug("echo completed",
		observability.Int64("prompt_tokens", promptTokens),
		observability.Int64("completion_tokens", completionTokens),
	)

	return &domain.UpstreamResult{
		ID:               fmt.Sprintf("echo-%d", time.Now().UnixNano()),
		Provider:         p.name,
		Model:            model,
		Content:          echoContent,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		FinishTime:       time.Now(),
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) wait(ctx context.Context, timeout time.Duration) error {
	if p.latency <= 0 {
		return nil
	}

	timer := time.NewTimer(p.latency)
	defer timer.Stop()

	var deadline <-chan time.Time
	if timeout > 0 {
		deadline = time.After(timeout)
	}

	select {
	case <-timer.C:
		return nil
	case <-deadline:
		return &domain.UpstreamError{Provider: p.name, Timeout: true, Err: context.DeadlineExceeded}
	case <-ctx.Done():
		return &domain.UpstreamError{
			Provider: p.name,
			Timeout:  errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:      ctx.Err(),
		}
	}
}

func (p *Provider) reject(err error) error {
	return &domain.UpstreamError{Provider: p.name, StatusCode: http.StatusBadRequest, Err: err}
}

// buildEchoContent constructs the echo response from request messages.
func buildEchoContent(messages []domain.Message) string {
	if len(messages) == 0 {
		return ""
	}

	var builder strings.Builder
	for _, msg := range messages {
		builder.WriteString(fmt.Sprintf("[%s]: %s\n", msg.Role, msg.Content))
	}
	return builder.String()
}

// countTokens performs simple word-based token counting.
func countTokens(content string) int64 {
	if content == "" {
		return 0
	}
	return int64(len(strings.Fields(content)))
}
