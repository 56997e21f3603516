package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"codeagent/internal/config"
	"codeagent/internal/models"
	"codeagent/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "codeagent/0.1"

	defaultTemperature   = 0.2
	defaultMaxTokens     = 4096
	defaultContextLength = 4096
)

var defaultModels = []models.ModelInfo{
	{ID: "openai/gpt-4o", Label: "GPT-4o", MaxOutputTokens: 128000, Provider: models.ProviderOpenRouter},
	{ID: "anthropic/claude-3-opus", Label: "Claude 3 Opus", MaxOutputTokens: 200000, Provider: models.ProviderOpenRouter},
	{ID: "anthropic/claude-3-sonnet", Label: "Claude 3 Sonnet", MaxOutputTokens: 200000, Provider: models.ProviderOpenRouter},
	{ID: "meta-llama/llama-3-70b-instruct", Label: "Llama 3 70B", MaxOutputTokens: 8192, Provider: models.ProviderOpenRouter},
	{ID: "google/gemini-pro", Label: "Gemini Pro (via OpenRouter)", MaxOutputTokens: 32768, Provider: models.ProviderOpenRouter},
}

// Provider implements the OpenRouter chat/completions API.
type Provider struct {
	baseURL   string
	referer   string
	title     string
	headers   map[string]string
	client    *http.Client
	logger    zerolog.Logger
	chatURL   string
	modelsURL string
}

// New creates a new OpenRouter provider.
func New(cfg config.ProviderConfig, client *http.Client, logger zerolog.Logger) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Provider{
		baseURL:   baseURL,
		referer:   cfg.Referer,
		title:     cfg.Title,
		headers:   cfg.Headers,
		client:    client,
		logger:    logger.With().Str("provider", string(models.ProviderOpenRouter)).Logger(),
		chatURL:   baseURL + "/chat/completions",
		modelsURL: baseURL + "/models",
	}, nil
}

func (p *Provider) Tag() models.ProviderTag {
	return models.ProviderOpenRouter
}

func (p *Provider) DefaultModels() []models.ModelInfo {
	return provider.CloneModels(defaultModels)
}

// FetchModels calls the list-models endpoint and maps each record to ModelInfo.
func (p *Provider) FetchModels(ctx context.Context, credential string) ([]models.ModelInfo, error) {
	if err := provider.RequireCredential(p.Tag(), credential); err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, http.MethodGet, p.modelsURL, credential, nil)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &provider.NetworkError{Provider: p.Tag(), Err: err}
	}
	defer httpResp.Body.Close()

	if !provider.IsSuccess(httpResp.StatusCode) {
		return nil, provider.StatusError(p.Tag(), httpResp)
	}

	var resp modelsResponse
	if err := decodeJSON(httpResp.Body, &resp); err != nil {
		return nil, provider.DecodeError(p.Tag(), httpResp.StatusCode, err)
	}
	return resp.toModels(), nil
}

func (p *Provider) Completion(ctx context.Context, model, credential, prompt string, opts models.Options) (string, error) {
	if err := provider.RequireCredential(p.Tag(), credential); err != nil {
		return "", err
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost, p.chatURL, credential, buildChatPayload(model, prompt, opts, false))
	if err != nil {
		return "", err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return "", &provider.NetworkError{Provider: p.Tag(), Err: err}
	}
	defer httpResp.Body.Close()

	if !provider.IsSuccess(httpResp.StatusCode) {
		return "", provider.StatusError(p.Tag(), httpResp)
	}

	var resp chatResponse
	if err := decodeJSON(httpResp.Body, &resp); err != nil {
		return "", provider.DecodeError(p.Tag(), httpResp.StatusCode, err)
	}
	return resp.content(p.Tag(), httpResp.StatusCode)
}

func (p *Provider) StreamCompletion(ctx context.Context, model, credential, prompt string, opts models.Options, onDelta models.DeltaFunc) (string, error) {
	if err := provider.RequireCredential(p.Tag(), credential); err != nil {
		return "", err
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost, p.chatURL, credential, buildChatPayload(model, prompt, opts, true))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return "", &provider.NetworkError{Provider: p.Tag(), Err: err}
	}
	defer httpResp.Body.Close()

	if !provider.IsSuccess(httpResp.StatusCode) {
		return "", provider.StatusError(p.Tag(), httpResp)
	}

	return provider.Accumulate(ctx, p.Tag(), httpResp.Body, decodeChunk, onDelta, p.logger)
}

func (p *Provider) newRequest(ctx context.Context, method, url, credential string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+credential)
	if p.referer != "" {
		req.Header.Set("HTTP-Referer", p.referer)
	}
	if p.title != "" {
		req.Header.Set("X-Title", p.title)
	}

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func buildChatPayload(model, prompt string, opts models.Options, stream bool) chatPayload {
	opts = opts.WithDefaults(models.Options{Temperature: models.Float(defaultTemperature), MaxOutputTokens: defaultMaxTokens})
	return chatPayload{
		Model: model,
		Messages: []chatMessage{
			{Role: string(models.RoleUser), Content: prompt},
		},
		Temperature: *opts.Temperature,
		MaxTokens:   opts.MaxOutputTokens,
		Stream:      stream,
	}
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *apiErrorObject `json:"error,omitempty"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Code    any    `json:"code"`
}

// content returns the first choice. OpenRouter can answer 200 with an error
// object; its numeric code, when present, replaces the HTTP status.
func (r chatResponse) content(tag models.ProviderTag, status int) (string, error) {
	if r.Error != nil && r.Error.Message != "" {
		if code, ok := r.Error.Code.(float64); ok && code >= 400 {
			status = int(code)
		}
		return "", &provider.RemoteError{Provider: tag, Status: status, Body: r.Error.Message}
	}
	if len(r.Choices) == 0 {
		return "", &provider.RemoteError{Provider: tag, Status: status, Body: "response did not include choices"}
	}
	return r.Choices[0].Message.Content, nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func decodeChunk(payload []byte) (string, error) {
	var chunk streamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", err
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	return chunk.Choices[0].Delta.Content, nil
}

type modelsResponse struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		ContextLength int    `json:"context_length"`
	} `json:"data"`
}

func (r modelsResponse) toModels() []models.ModelInfo {
	out := make([]models.ModelInfo, 0, len(r.Data))
	for _, m := range r.Data {
		if strings.TrimSpace(m.ID) == "" {
			continue
		}
		label := m.Name
		if label == "" {
			label = m.ID
		}
		tokens := m.ContextLength
		if tokens <= 0 {
			tokens = defaultContextLength
		}
		out = append(out, models.ModelInfo{
			ID:              m.ID,
			Label:           label,
			MaxOutputTokens: tokens,
			Provider:        models.ProviderOpenRouter,
		})
	}
	return out
}

func decodeJSON(reader io.Reader, target any) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}
