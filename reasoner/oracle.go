package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

// Oracle is the non-deterministic reasoning step. It returns raw text that
// must still be parsed and validated.
type Oracle interface {
	Reason(ctx context.Context, prompt Prompt) (string, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, prompt Prompt) (string, error)

func (f OracleFunc) Reason(ctx context.Context, prompt Prompt) (string, error) {
	return f(ctx, prompt)
}

// OpenAIOracle calls an OpenAI-compatible chat completions endpoint with
// temperature 0.
type OpenAIOracle struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	limiter *rate.Limiter
}

type OpenAIConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	RequestsPerSecond float64
}

func NewOpenAIOracle(cfg OpenAIConfig) *OpenAIOracle {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &OpenAIOracle{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, 1),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Reason blocks on the rate limiter, then on the HTTP call. Both honour
// ctx, which carries the per-call timeout.
func (o *OpenAIOracle) Reason(ctx context.Context, prompt Prompt) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("oracle rate limit: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt.System},
			{Role: "user", Content: prompt.User},
		},
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("oracle: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("oracle: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oracle error: %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("oracle: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("oracle: empty choices in response")
	}
	return out.Choices[0].Message.Content, nil
}

// StaticNeedsReview is the canned answer of an unconfigured oracle.
const StaticNeedsReview = `{"verdict":"needs_review","justification":"no reasoning oracle is configured; a human must review this claim","clause_ids":[],"confidence":0}`

// StaticOracle always returns the same text. It lets the service run
// without model credentials.
type StaticOracle struct {
	Response string
}

func NewStaticOracle(response string) *StaticOracle {
	if response == "" {
		response = StaticNeedsReview
	}
	return &StaticOracle{Response: response}
}

func (s *StaticOracle) Reason(ctx context.Context, _ Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.Response, nil
}
