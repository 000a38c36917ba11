package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/resilience"
)

const (
	defaultAnthropicModel   = "claude-3-5-haiku-latest"
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// anthropicClassifier asks Claude to pick a handler name. Retries are
// NOT handled here; callers reach this through the resilience pipeline,
// which owns the retry schedule. Retryable failures are wrapped with
// resilience.Transient so the pipeline knows to re-attempt them.
type anthropicClassifier struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func newAnthropicClassifier(cfg config.ClassifierConfig) (*anthropicClassifier, error) {
	if !cfg.APIKey.IsSet() {
		return nil, fmt.Errorf("anthropic API key required")
	}

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}

	return &anthropicClassifier{
		model:   model,
		apiKey:  cfg.APIKey.Value(),
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout.Duration(),
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}, nil
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *anthropicClassifier) Classify(ctx context.Context, input map[string]any, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("no candidate handlers")
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	prompt := buildPrompt(input, candidates)
	answer, err := a.doRequest(ctx, anthropicRequest{
		Model:       a.model,
		MaxTokens:   64,
		Temperature: 0,
		Messages: []anthropicMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}

	answer = strings.TrimSpace(answer)
	for _, c := range candidates {
		if strings.EqualFold(answer, c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("classifier returned unknown handler %q", answer)
}

func (a *anthropicClassifier) doRequest(ctx context.Context, req anthropicRequest) (string, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", a.apiKey)
	httpReq.Header.Set("Anthropic-Version", anthropicVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return "", resilience.Transient(fmt.Errorf("API request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resilience.Transient(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", resilience.Transient(fmt.Errorf("rate limited (429)"))
	}
	if resp.StatusCode >= 500 {
		return "", resilience.Transient(fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		var errResp anthropicError
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	var claudeResp anthropicResponse
	if err := json.Unmarshal(body, &claudeResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(claudeResp.Content) == 0 {
		return "", fmt.Errorf("empty response from API")
	}
	return claudeResp.Content[0].Text, nil
}

func buildPrompt(input map[string]any, candidates []string) string {
	var b strings.Builder
	b.WriteString("Pick the single best handler for this work unit input.\n")
	b.WriteString("Respond with the handler name only, nothing else.\n\n")
	b.WriteString("Handlers: ")
	b.WriteString(strings.Join(candidates, ", "))
	b.WriteString("\n\nInput:\n")
	b.WriteString(flatten(input))
	return b.String()
}
