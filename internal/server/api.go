package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"codeagent/internal/assistant"
	"codeagent/internal/codeblock"
	"codeagent/internal/models"
	"codeagent/internal/prompt"
)

var (
	errEmptyPrompt      = errors.New("prompt must be provided")
	errEmptyCode        = errors.New("code must be provided for this kind")
	errInvalidTemp      = errors.New("temperature must be between 0 and 2")
	errInvalidMaxTokens = errors.New("max_tokens must not be negative")
	errEmptyModel       = errors.New("model must be provided")
	errEmptyName        = errors.New("name must be provided")
	errEmptyPath        = errors.New("path must be provided")
)

// CompletionRequest is the body of POST /api/completions and of each
// WebSocket chat message.
type CompletionRequest struct {
	Prompt  string
	Kind    prompt.Kind
	Input   prompt.Input
	Options models.Options
	Stream  bool
}

// UnmarshalJSON decodes and validates the request.
func (r *CompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Prompt       string   `json:"prompt"`
		Kind         string   `json:"kind"`
		Code         string   `json:"code"`
		Instructions string   `json:"instructions"`
		Error        string   `json:"error"`
		Language     string   `json:"language"`
		Temperature  *float64 `json:"temperature"`
		MaxTokens    *int     `json:"max_tokens"`
		Stream       bool     `json:"stream"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode completion request: %w", err)
	}

	r.Prompt = raw.Prompt
	r.Kind = prompt.Kind(strings.ToLower(strings.TrimSpace(raw.Kind)))
	r.Input = prompt.Input{
		Task:         raw.Prompt,
		Code:         raw.Code,
		Instructions: raw.Instructions,
		Error:        raw.Error,
		Language:     raw.Language,
	}
	r.Stream = raw.Stream
	r.Options = models.Options{}
	r.Options.Temperature = raw.Temperature
	if raw.MaxTokens != nil {
		r.Options.MaxOutputTokens = *raw.MaxTokens
	}

	return r.validate()
}

func (r *CompletionRequest) validate() error {
	if t := r.Options.Temperature; t != nil && (*t < 0 || *t > 2) {
		return errInvalidTemp
	}
	if r.Options.MaxOutputTokens < 0 {
		return errInvalidMaxTokens
	}
	switch r.Kind {
	case "", prompt.KindGenerate:
		if strings.TrimSpace(r.Prompt) == "" {
			return errEmptyPrompt
		}
	default:
		if strings.TrimSpace(r.Input.Code) == "" {
			return errEmptyCode
		}
	}
	return nil
}

// Compose renders the prompt text and options to send. A request without a
// kind is sent verbatim.
func (r CompletionRequest) Compose() (string, models.Options, error) {
	if r.Kind == "" {
		return r.Prompt, r.Options, nil
	}
	return assistant.Compose(r.Kind, r.Input, r.Options)
}

// CompletionResponse answers a one-shot completion.
type CompletionResponse struct {
	Provider models.ProviderTag `json:"provider"`
	Model    string             `json:"model"`
	Text     string             `json:"text"`
	Code     string             `json:"code"`
}

// StreamEvent is sent for each step of a streamed completion, over SSE and
// WebSocket alike.
type StreamEvent struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	Fragment string       `json:"fragment,omitempty"`
	Code     string       `json:"code,omitempty"`
	Message  string       `json:"message,omitempty"`
	Turn     *models.Turn `json:"turn,omitempty"`
}

const (
	eventDelta = "delta"
	eventDone  = "done"
	eventError = "error"
)

func deltaEvent(d models.Delta) StreamEvent {
	return StreamEvent{Type: eventDelta, Text: d.Text, Fragment: d.Fragment}
}

func doneEvent(turn models.Turn) StreamEvent {
	return StreamEvent{Type: eventDone, Text: turn.Content, Code: codeblock.Extract(turn.Content), Turn: &turn}
}

func errorEvent(err error) StreamEvent {
	return StreamEvent{Type: eventError, Message: err.Error()}
}

type modelsResponse struct {
	Models []models.ModelInfo `json:"models"`
}

type selectionRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (r *selectionRequest) validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return errEmptyModel
	}
	return nil
}

type credentialRequest struct {
	APIKey string `json:"api_key"`
}

type extractRequest struct {
	Text string `json:"text"`
}

type blockDTO struct {
	Language string `json:"language,omitempty"`
	Code     string `json:"code"`
}

type extractResponse struct {
	Code   string     `json:"code"`
	Blocks []blockDTO `json:"blocks"`
}

func newExtractResponse(text string) extractResponse {
	blocks := codeblock.Blocks(text)
	out := extractResponse{Code: codeblock.Extract(text), Blocks: make([]blockDTO, 0, len(blocks))}
	for _, b := range blocks {
		out.Blocks = append(out.Blocks, blockDTO{Language: b.Language, Code: b.Code})
	}
	return out
}

type createProjectRequest struct {
	Name string `json:"name"`
}

func (r *createProjectRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errEmptyName
	}
	return nil
}

type addFileRequest struct {
	ParentPath string `json:"parent_path"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	Language   string `json:"language"`
	Directory  bool   `json:"directory"`
}

func (r *addFileRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errEmptyName
	}
	return nil
}

type updateFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (r *updateFileRequest) validate() error {
	if strings.TrimSpace(r.Path) == "" {
		return errEmptyPath
	}
	return nil
}

type applyRequest struct {
	Path  string `json:"path"`
	Reply string `json:"reply"`
}

func (r *applyRequest) validate() error {
	if strings.TrimSpace(r.Path) == "" {
		return errEmptyPath
	}
	return nil
}
