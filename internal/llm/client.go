// Package llm wraps the LLM as an external I/O capability. Composers and
// the grid parameter advisor depend on the small Client interface; the
// concrete implementation speaks the OpenAI-compatible chat completions
// API. Any failure surfaces as an error so callers can degrade to a
// neutral empty plan — the decision pipeline always terminates.
package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client is the LLM capability consumed by composers and advisors.
type Client interface {
	// Complete sends a system+user prompt pair and returns the raw text reply.
	Complete(ctx context.Context, model, system, user string) (string, error)

	// AnalyzeImage sends a prompt plus a PNG image and returns the reply.
	AnalyzeImage(ctx context.Context, model, prompt string, png []byte) (string, error)
}

// OpenAIClient talks to an OpenAI-compatible /chat/completions endpoint.
type OpenAIClient struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a client for the given base URL and key.
func NewOpenAIClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *OpenAIClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json")

	return &OpenAIClient{
		http:   httpClient,
		logger: logger.With("component", "llm"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends a system+user prompt pair and returns the raw text reply.
func (c *OpenAIClient) Complete(ctx context.Context, model, system, user string) (string, error) {
	req := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.1,
	}
	return c.send(ctx, req)
}

// AnalyzeImage sends a prompt plus a base64-inlined PNG.
func (c *OpenAIClient) AnalyzeImage(ctx context.Context, model, prompt string, png []byte) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(png)
	req := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "user", Content: []map[string]any{
				{"type": "text", "text": prompt},
				{"type": "image_url", "image_url": map[string]string{
					"url": "data:image/png;base64," + encoded,
				}},
			}},
		},
		Temperature: 0.1,
	}
	return c.send(ctx, req)
}

func (c *OpenAIClient) send(ctx context.Context, req chatRequest) (string, error) {
	var result chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("llm call: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("llm call: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Error != nil {
		return "", fmt.Errorf("llm call: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("llm call: empty choices")
	}
	return result.Choices[0].Message.Content, nil
}

// ExtractJSON pulls the first JSON object out of an LLM reply, tolerating
// markdown code fences and surrounding prose.
func ExtractJSON(reply string) (json.RawMessage, error) {
	s := reply
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	} else if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply")
	}
	raw := json.RawMessage(s[start : end+1])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("invalid JSON in reply")
	}
	return raw, nil
}
