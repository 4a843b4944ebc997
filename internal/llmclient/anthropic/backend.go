// Package anthropic implements llmclient.Backend against the real Anthropic
// SDK, mirroring the construction pattern of manifold's internal/llm/anthropic
// client but trimmed to the single-shot, non-streaming, JSON-output call the
// chunk pipeline needs.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens int64 = 2048

// Backend constructs a fresh, lightweight Anthropic SDK client per call,
// keyed to whatever API key the caller's key pool handed out. Constructing
// an SDK client does not itself perform I/O, so this is cheap.
type Backend struct {
	baseURL string
}

// New constructs an Anthropic backend. baseURL may be empty to use the
// vendor default.
func New(baseURL string) *Backend {
	return &Backend{baseURL: strings.TrimSpace(baseURL)}
}

// Call implements llmclient.Backend.
func (b *Backend) Call(ctx context.Context, apiKey, model, systemPrompt, userPrompt string) (string, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if b.baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(b.baseURL, "/")))
	}
	client := sdk.NewClient(opts...)

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: defaultMaxTokens,
		System: []sdk.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(userPrompt)),
		},
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return "", wrapStatus(err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// statusErr adapts an SDK error into llmclient.StatusError when the SDK
// exposes an HTTP status (anthropic-sdk-go's *sdk.Error carries StatusCode).
type statusErr struct {
	err    error
	status int
}

func (e *statusErr) Error() string    { return e.err.Error() }
func (e *statusErr) Unwrap() error    { return e.err }
func (e *statusErr) StatusCode() int  { return e.status }

func wrapStatus(err error) error {
	var apiErr *sdk.Error
	if ok := asAnthropicError(err, &apiErr); ok {
		return &statusErr{err: err, status: apiErr.StatusCode}
	}
	return fmt.Errorf("anthropic call: %w", err)
}

func asAnthropicError(err error, target **sdk.Error) bool {
	for err != nil {
		if e, ok := err.(*sdk.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
