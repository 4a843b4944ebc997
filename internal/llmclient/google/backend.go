// Package google implements llmclient.Backend against the real
// google.golang.org/genai SDK, mirroring manifold's internal/llm/google
// client construction but trimmed to a single-shot JSON-output call.
package google

import (
	"context"
	"fmt"
	"strings"

	genai "google.golang.org/genai"
)

// Backend issues Gemini generateContent requests with a JSON response MIME
// type so the model is constrained to emit parseable JSON.
type Backend struct {
	baseURL string
}

// New constructs a Google backend. baseURL may be empty to use the vendor
// default.
func New(baseURL string) *Backend {
	return &Backend{baseURL: strings.TrimSpace(baseURL)}
}

// Call implements llmclient.Backend.
func (b *Backend) Call(ctx context.Context, apiKey, model, systemPrompt, userPrompt string) (string, error) {
	httpOpts := genai.HTTPOptions{}
	if b.baseURL != "" {
		httpOpts.BaseURL = strings.TrimSuffix(b.baseURL, "/") + "/"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return "", fmt.Errorf("google call: init client: %w", err)
	}

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	}

	resp, err := client.Models.GenerateContent(ctx, model, genai.Text(userPrompt), cfg)
	if err != nil {
		return "", wrapStatus(err)
	}
	return resp.Text(), nil
}

type statusErr struct {
	err    error
	status int
}

func (e *statusErr) Error() string   { return e.err.Error() }
func (e *statusErr) Unwrap() error   { return e.err }
func (e *statusErr) StatusCode() int { return e.status }

func wrapStatus(err error) error {
	var apiErr genai.APIError
	if asGenaiError(err, &apiErr) {
		return &statusErr{err: err, status: apiErr.Code}
	}
	return fmt.Errorf("google call: %w", err)
}

func asGenaiError(err error, target *genai.APIError) bool {
	for err != nil {
		if e, ok := err.(genai.APIError); ok {
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
