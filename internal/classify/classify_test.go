package classify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/resilience"
)

func TestStaticClassifyByKeyword(t *testing.T) {
	c := NewStatic(map[string]string{
		"refund":  "billing",
		"invoice": "billing",
		"crash":   "support",
	})
	candidates := []string{"billing", "support", "general"}

	tests := []struct {
		name    string
		input   map[string]any
		want    string
		wantErr bool
	}{
		{
			name:  "keyword match",
			input: map[string]any{"message": "I want a REFUND for order 12"},
			want:  "billing",
		},
		{
			name:  "match in nested value",
			input: map[string]any{"details": map[string]any{"text": "app crash on login"}},
			want:  "support",
		},
		{
			name:    "no match",
			input:   map[string]any{"message": "hello there"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Classify(context.Background(), tt.input, candidates)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStaticSkipsNonCandidateHandlers(t *testing.T) {
	c := NewStatic(map[string]string{"refund": "billing"})

	_, err := c.Classify(context.Background(), map[string]any{"m": "refund"}, []string{"support"})
	assert.Error(t, err, "a keyword pointing outside the candidate set must not match")
}

func TestAnthropicClassify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		assert.NotEmpty(t, r.Header.Get("Anthropic-Version"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"text": "billing"}},
		})
	}))
	defer srv.Close()

	c, err := newAnthropicClassifier(config.ClassifierConfig{
		Provider:      "anthropic",
		APIKey:        "test-key",
		BaseURL:       srv.URL,
		RatePerSecond: 100,
		Burst:         10,
	})
	require.NoError(t, err)

	got, err := c.Classify(context.Background(), map[string]any{"message": "refund please"}, []string{"billing", "support"})
	require.NoError(t, err)
	assert.Equal(t, "billing", got)
}

func TestAnthropicRejectsUnknownHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"text": "made-up-handler"}},
		})
	}))
	defer srv.Close()

	c, err := newAnthropicClassifier(config.ClassifierConfig{
		APIKey:        "test-key",
		BaseURL:       srv.URL,
		RatePerSecond: 100,
		Burst:         10,
	})
	require.NoError(t, err)

	_, err = c.Classify(context.Background(), map[string]any{}, []string{"billing"})
	assert.Error(t, err)
	assert.False(t, resilience.IsTransient(err), "an out-of-set answer is not retryable")
}

func TestAnthropicServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := newAnthropicClassifier(config.ClassifierConfig{
		APIKey:        "test-key",
		BaseURL:       srv.URL,
		RatePerSecond: 100,
		Burst:         10,
	})
	require.NoError(t, err)

	_, err = c.Classify(context.Background(), map[string]any{}, []string{"billing"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestFromConfigUnknownProvider(t *testing.T) {
	_, err := FromConfig(config.ClassifierConfig{Provider: "oracle"})
	assert.Error(t, err)
}
