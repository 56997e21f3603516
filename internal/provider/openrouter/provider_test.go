package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

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

	p, err := New(config.ProviderConfig{
		BaseURL: server.URL + "/api/v1/",
		Referer: "https://example.test",
		Title:   "Example",
		Headers: config.Headers{"X-Extra": "1"},
	}, server.Client(), zerolog.Nop())
	require.NoError(t, err)
	return p
}

func TestCompletionRequestShape(t *testing.T) {
	var got chatPayload
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-or-test", r.Header.Get("Authorization"))
		assert.Equal(t, "https://example.test", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "Example", r.Header.Get("X-Title"))
		assert.Equal(t, "1", r.Header.Get("X-Extra"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_, _ = io.WriteString(w, `{"id":"x","choices":[{"message":{"role":"assistant","content":"four"},"finish_reason":"stop"}]}`)
	})

	text, err := p.Completion(context.Background(), "openai/gpt-4o", "sk-or-test", "2+2?", models.Options{})
	require.NoError(t, err)
	assert.Equal(t, "four", text)

	assert.Equal(t, chatPayload{
		Model:       "openai/gpt-4o",
		Messages:    []chatMessage{{Role: "user", Content: "2+2?"}},
		Temperature: 0.2,
		MaxTokens:   4096,
	}, got)
}

func TestCompletionSendsExplicitZeroTemperature(t *testing.T) {
	var got chatPayload
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	})

	_, err := p.Completion(context.Background(), "m", "k", "p", models.Options{Temperature: models.Float(0)})
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Temperature)
	assert.Equal(t, 4096, got.MaxTokens)
}

func TestCompletionWithoutChoices(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[]}`)
	})

	_, err := p.Completion(context.Background(), "m", "k", "p", models.Options{})
	var remote *provider.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusOK, remote.Status)
}

func TestCompletionErrorObjectIsRemoteError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"error":{"message":"Provider returned error","code":429}}`)
	})

	_, err := p.Completion(context.Background(), "m", "k", "p", models.Options{})
	var remote *provider.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "Provider returned error", remote.Body)
	assert.ErrorIs(t, err, provider.ErrRateLimited)
}

func TestMalformedModelsListIsRemoteError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	})

	_, err := p.FetchModels(context.Background(), "k")
	var remote *provider.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Body, "malformed response")
}

func TestStreamCompletion(t *testing.T) {
	var got chatPayload
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": OPENROUTER PROCESSING\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: {broken\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":""}}]}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"lo"}}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"ignored"}}]}`+"\n\n")
	})

	var cumulative []string
	text, err := p.StreamCompletion(context.Background(), "m", "k", "p", models.Options{MaxOutputTokens: 10}, func(d models.Delta) {
		cumulative = append(cumulative, d.Text)
	})
	require.NoError(t, err)
	assert.True(t, got.Stream)
	assert.Equal(t, 10, got.MaxTokens)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, []string{"Hel", "Hello"}, cumulative)
}

func TestStatusErrorsCarryStatusAndBody(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"Rate limit exceeded"}}`)
	})

	_, err := p.StreamCompletion(context.Background(), "m", "k", "p", models.Options{}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrRateLimited))

	var remote *provider.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusTooManyRequests, remote.Status)
	assert.Contains(t, remote.Body, "Rate limit exceeded")
}

func TestRejectedKeyIsAuthError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"No auth credentials found"}}`)
	})

	_, err := p.Completion(context.Background(), "m", "bad", "p", models.Options{})
	var authErr *provider.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.Status)
}

func TestFetchModelsMapsRecords(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/models", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"data":[
			{"id":"a/one","name":"One","context_length":1000},
			{"id":"b/two"},
			{"id":""}
		]}`)
	})

	list, err := p.FetchModels(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []models.ModelInfo{
		{ID: "a/one", Label: "One", MaxOutputTokens: 1000, Provider: models.ProviderOpenRouter},
		{ID: "b/two", Label: "b/two", MaxOutputTokens: 4096, Provider: models.ProviderOpenRouter},
	}, list)
}

func TestListModelsFallsBackToDefaults(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	list := provider.ListModels(context.Background(), p, "k")
	assert.Equal(t, p.DefaultModels(), list)

	list = provider.ListModels(context.Background(), p, "")
	assert.Equal(t, p.DefaultModels(), list)
}
