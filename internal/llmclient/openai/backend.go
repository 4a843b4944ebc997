// Package openai implements llmclient.Backend against the real OpenAI SDK
// (chat completions surface), mirroring manifold's internal/llm/openai
// client construction but trimmed to a single-shot JSON-mode call.
package openai

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

// Backend issues chat completions requests in JSON mode.
type Backend struct {
	baseURL string
}

// New constructs an OpenAI backend. baseURL may be empty to use the vendor
// default, or point at a self-hosted/OpenAI-compatible gateway.
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

	params := sdk.ChatCompletionNewParams{
		Model: model,
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(systemPrompt),
			sdk.UserMessage(userPrompt),
		},
		ResponseFormat: sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", wrapStatus(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai call: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

type statusErr struct {
	err    error
	status int
}

func (e *statusErr) Error() string   { return e.err.Error() }
func (e *statusErr) Unwrap() error   { return e.err }
func (e *statusErr) StatusCode() int { return e.status }

func wrapStatus(err error) error {
	var apiErr *sdk.Error
	if ok := asOpenAIError(err, &apiErr); ok {
		return &statusErr{err: err, status: apiErr.StatusCode}
	}
	return fmt.Errorf("openai call: %w", err)
}

func asOpenAIError(err error, target **sdk.Error) bool {
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
