package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeagent/internal/config"
	"codeagent/internal/models"
	"codeagent/internal/provider"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := New(config.ProviderConfig{BaseURL: server.URL + "/v1beta"}, server.Client(), zerolog.Nop())
	require.NoError(t, err)
	return p
}

func sseFragment(text string) string {
	payload, _ := json.Marshal(map[string]any{
		"candidates": []any{
			map[string]any{"content": map[string]any{"role": "model", "parts": []any{map[string]any{"text": text}}}},
		},
	})
	return fmt.Sprintf("data: %s\r\n\r\n", payload)
}

func TestCompletionRequestShape(t *testing.T) {
	var got generatePayload
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1beta/models/gemini-1.5-pro-latest:generateContent", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get(apiKeyHeader))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"Hello, "},{"text":"world"}]}}]}`)
	})

	text, err := p.Completion(context.Background(), "gemini-1.5-pro-latest", "secret", "say hi", models.Options{})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", text)

	require.Len(t, got.Contents, 1)
	assert.Equal(t, "user", got.Contents[0].Role)
	assert.Equal(t, "say hi", got.Contents[0].Parts[0].Text)
	require.Len(t, got.SafetySettings, 4)
	for _, s := range got.SafetySettings {
		assert.Equal(t, blockOnlyHigh, s.Threshold)
	}
	assert.Equal(t, generationConfig{Temperature: 0.2, MaxOutputTokens: 8192, TopP: 0.8, TopK: 40}, got.GenerationConfig)
}

func TestCompletionHonoursOptions(t *testing.T) {
	var got generatePayload
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`)
	})

	_, err := p.Completion(context.Background(), "models/gemini-2.0-flash-exp", "k", "p", models.Options{Temperature: models.Float(0.7), MaxOutputTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, 0.7, got.GenerationConfig.Temperature)
	assert.Equal(t, 100, got.GenerationConfig.MaxOutputTokens)
}

func TestCompletionSendsExplicitZeroTemperature(t *testing.T) {
	var got struct {
		GenerationConfig map[string]any `json:"generationConfig"`
	}
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`)
	})

	_, err := p.Completion(context.Background(), "gemini-1.5-pro-latest", "k", "p", models.Options{Temperature: models.Float(0), MaxOutputTokens: 10})
	require.NoError(t, err)
	require.Contains(t, got.GenerationConfig, "temperature")
	assert.Equal(t, float64(0), got.GenerationConfig["temperature"])
}

func TestCompletionBlockedPromptIsRemoteError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"promptFeedback":{"blockReason":"SAFETY"}}`)
	})

	_, err := p.Completion(context.Background(), "gemini-1.5-pro-latest", "k", "p", models.Options{})
	var remote *provider.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusOK, remote.Status)
	assert.Equal(t, "prompt blocked: SAFETY", remote.Body)
	assert.Contains(t, err.Error(), "SAFETY")
}

func TestCompletionMalformedBodyIsRemoteError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html>gateway</html>`)
	})

	_, err := p.Completion(context.Background(), "gemini-1.5-pro-latest", "k", "p", models.Options{})
	var remote *provider.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Body, "malformed response")

	var netErr *provider.NetworkError
	assert.False(t, errors.As(err, &netErr))
}

func TestStreamCompletionCumulativeDeltas(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-1.5-flash-latest:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseFragment("Hel"))
		_, _ = io.WriteString(w, "data: {not json\r\n\r\n")
		_, _ = io.WriteString(w, sseFragment("lo"))
	})

	var deltas []models.Delta
	text, err := p.StreamCompletion(context.Background(), "gemini-1.5-flash-latest", "k", "p", models.Options{}, func(d models.Delta) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, []models.Delta{{Fragment: "Hel", Text: "Hel"}, {Fragment: "lo", Text: "Hello"}}, deltas)
}

func TestMissingCredentialFailsBeforeNetwork(t *testing.T) {
	var calls atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	_, err := p.Completion(context.Background(), "m", "", "p", models.Options{})
	assert.ErrorIs(t, err, provider.ErrAuth)

	_, err = p.StreamCompletion(context.Background(), "m", "  ", "p", models.Options{}, nil)
	assert.ErrorIs(t, err, provider.ErrAuth)
	assert.Zero(t, calls.Load())
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		auth      bool
		rateLimit bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: "nope", auth: true},
		{name: "invalid key", status: http.StatusBadRequest, body: `{"error":{"details":[{"reason":"API_KEY_INVALID"}]}}`, auth: true},
		{name: "rate limited", status: http.StatusTooManyRequests, body: "slow down", rateLimit: true},
		{name: "server error", status: http.StatusInternalServerError, body: "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := p.Completion(context.Background(), "m", "k", "p", models.Options{})
			require.Error(t, err)
			assert.Equal(t, tt.auth, errors.Is(err, provider.ErrAuth))
			assert.Equal(t, tt.rateLimit, errors.Is(err, provider.ErrRateLimited))

			if !tt.auth {
				var remote *provider.RemoteError
				require.ErrorAs(t, err, &remote)
				assert.Equal(t, tt.status, remote.Status)
				assert.Equal(t, tt.body, remote.Body)
			}
		})
	}
}

func TestNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	p, err := New(config.ProviderConfig{BaseURL: url}, http.DefaultClient, zerolog.Nop())
	require.NoError(t, err)

	_, err = p.Completion(context.Background(), "m", "k", "p", models.Options{})
	var netErr *provider.NetworkError
	assert.ErrorAs(t, err, &netErr)
}

func TestStreamCancellationStopsReading(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, sseFragment("Hel"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	text, err := p.StreamCompletion(ctx, "m", "k", "p", models.Options{}, func(models.Delta) { cancel() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "Hel", text)
}

func TestCatalog(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {})

	list := provider.ListModels(context.Background(), p, "")
	require.Len(t, list, 5)
	for _, m := range list {
		assert.Equal(t, models.ProviderGemini, m.Provider)
		assert.Positive(t, m.MaxOutputTokens)
	}

	list[0].ID = "mutated"
	assert.Equal(t, "gemini-1.5-flash-latest", p.DefaultModels()[0].ID)
}
