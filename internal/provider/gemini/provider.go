package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"codeagent/internal/config"
	"codeagent/internal/models"
	"codeagent/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "codeagent/0.1"
	apiKeyHeader    = "x-goog-api-key"

	defaultTemperature = 0.2
	defaultMaxTokens   = 8192
	topP               = 0.8
	topK               = 40

	blockOnlyHigh = "BLOCK_ONLY_HIGH"
)

var harmCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

var defaultModels = []models.ModelInfo{
	{ID: "gemini-1.5-flash-latest", Label: "Gemini 1.5 Flash", MaxOutputTokens: 8192, Provider: models.ProviderGemini},
	{ID: "gemini-1.5-pro-latest", Label: "Gemini 1.5 Pro", MaxOutputTokens: 8192, Provider: models.ProviderGemini},
	{ID: "gemini-2.0-flash-exp", Label: "Gemini 2.0 Flash", MaxOutputTokens: 8192, Provider: models.ProviderGemini},
	{ID: "gemini-1.5-flash-002", Label: "Gemini 1.5 Flash-002", MaxOutputTokens: 8192, Provider: models.ProviderGemini},
	{ID: "gemini-1.5-pro-002", Label: "Gemini 1.5 Pro-002", MaxOutputTokens: 8192, Provider: models.ProviderGemini},
}

// Provider implements the Google Gemini generateContent API.
type Provider struct {
	baseURL string
	headers map[string]string
	client  *http.Client
	logger  zerolog.Logger
}

// New constructs a Gemini provider instance.
func New(cfg config.ProviderConfig, client *http.Client, logger zerolog.Logger) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Provider{
		baseURL: baseURL,
		headers: cfg.Headers,
		client:  client,
		logger:  logger.With().Str("provider", string(models.ProviderGemini)).Logger(),
	}, nil
}

func (p *Provider) Tag() models.ProviderTag {
	return models.ProviderGemini
}

func (p *Provider) DefaultModels() []models.ModelInfo {
	return provider.CloneModels(defaultModels)
}

// FetchModels returns the static catalog; the service has no listing call we rely on.
func (p *Provider) FetchModels(ctx context.Context, credential string) ([]models.ModelInfo, error) {
	return p.DefaultModels(), nil
}

func (p *Provider) Completion(ctx context.Context, model, credential, prompt string, opts models.Options) (string, error) {
	if err := provider.RequireCredential(p.Tag(), credential); err != nil {
		return "", err
	}

	httpReq, err := p.newRequest(ctx, p.endpoint(model, "generateContent"), credential, buildPayload(prompt, opts))
	if err != nil {
		return "", err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return "", &provider.NetworkError{Provider: p.Tag(), Err: err}
	}
	defer httpResp.Body.Close()

	if !provider.IsSuccess(httpResp.StatusCode) {
		return "", p.statusError(httpResp)
	}

	var resp generateResponse
	if err := decodeJSON(httpResp.Body, &resp); err != nil {
		return "", provider.DecodeError(p.Tag(), httpResp.StatusCode, err)
	}
	if reason := resp.failure(); reason != "" {
		return "", &provider.RemoteError{Provider: p.Tag(), Status: httpResp.StatusCode, Body: reason}
	}
	return resp.fragment(), nil
}

func (p *Provider) StreamCompletion(ctx context.Context, model, credential, prompt string, opts models.Options, onDelta models.DeltaFunc) (string, error) {
	if err := provider.RequireCredential(p.Tag(), credential); err != nil {
		return "", err
	}

	endpoint := p.endpoint(model, "streamGenerateContent") + "?alt=sse"
	httpReq, err := p.newRequest(ctx, endpoint, credential, buildPayload(prompt, opts))
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
		return "", p.statusError(httpResp)
	}

	return provider.Accumulate(ctx, p.Tag(), httpResp.Body, decodeFragment, onDelta, p.logger)
}

func (p *Provider) endpoint(model, method string) string {
	model = strings.TrimPrefix(strings.TrimSpace(model), "models/")
	return fmt.Sprintf("%s/models/%s:%s", p.baseURL, url.PathEscape(model), method)
}

func (p *Provider) newRequest(ctx context.Context, endpoint, credential string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(apiKeyHeader, credential)

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// statusError maps Gemini's "invalid key" 400 onto AuthError as well.
func (p *Provider) statusError(resp *http.Response) error {
	err := provider.StatusError(p.Tag(), resp)
	var remote *provider.RemoteError
	if errors.As(err, &remote) && remote.Status == http.StatusBadRequest && strings.Contains(remote.Body, "API_KEY_INVALID") {
		return &provider.AuthError{Provider: p.Tag(), Status: remote.Status, Body: remote.Body}
	}
	return err
}

type generatePayload struct {
	Contents         []content        `json:"contents"`
	SafetySettings   []safetySetting  `json:"safetySettings"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
	TopP            float64 `json:"topP"`
	TopK            int     `json:"topK"`
}

func buildPayload(prompt string, opts models.Options) generatePayload {
	opts = opts.WithDefaults(models.Options{Temperature: models.Float(defaultTemperature), MaxOutputTokens: defaultMaxTokens})

	safety := make([]safetySetting, 0, len(harmCategories))
	for _, category := range harmCategories {
		safety = append(safety, safetySetting{Category: category, Threshold: blockOnlyHigh})
	}

	return generatePayload{
		Contents: []content{
			{Role: string(models.RoleUser), Parts: []part{{Text: prompt}}},
		},
		SafetySettings: safety,
		GenerationConfig: generationConfig{
			Temperature:     *opts.Temperature,
			MaxOutputTokens: opts.MaxOutputTokens,
			TopP:            topP,
			TopK:            topK,
		},
	}
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

func (r generateResponse) fragment() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var text strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	return text.String()
}

// failure explains a successful response that carries no answer.
func (r generateResponse) failure() string {
	if len(r.Candidates) > 0 {
		return ""
	}
	if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
		return "prompt blocked: " + r.PromptFeedback.BlockReason
	}
	return "response did not include candidates"
}

func decodeFragment(payload []byte) (string, error) {
	var resp generateResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", err
	}
	return resp.fragment(), nil
}

func decodeJSON(reader io.Reader, target any) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}
