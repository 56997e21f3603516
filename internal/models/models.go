package models

import (
	"fmt"
	"strings"
)

// ProviderTag identifies one of the supported hosted model providers.
type ProviderTag string

const (
	ProviderGemini     ProviderTag = "gemini"
	ProviderOpenRouter ProviderTag = "openrouter"
)

// ProviderTags lists every supported provider in display order.
var ProviderTags = []ProviderTag{ProviderGemini, ProviderOpenRouter}

// ParseProviderTag normalises s and reports an error for unknown providers.
func ParseProviderTag(s string) (ProviderTag, error) {
	tag := ProviderTag(strings.ToLower(strings.TrimSpace(s)))
	switch tag {
	case ProviderGemini, ProviderOpenRouter:
		return tag, nil
	default:
		return "", fmt.Errorf("unknown provider %q: must be one of %q or %q", s, ProviderGemini, ProviderOpenRouter)
	}
}

func (t ProviderTag) String() string {
	return string(t)
}

// ModelInfo describes a model exposed by a provider.
type ModelInfo struct {
	ID              string      `json:"id"`
	Label           string      `json:"label"`
	MaxOutputTokens int         `json:"max_output_tokens"`
	Provider        ProviderTag `json:"provider"`
}

// Options tune a single completion request. A nil Temperature or a zero
// MaxOutputTokens selects the provider default; an explicit 0 temperature is sent as is.
type Options struct {
	Temperature     *float64
	MaxOutputTokens int
}

// Float returns a pointer to v, for filling Options.Temperature.
func Float(v float64) *float64 {
	return &v
}

// WithDefaults fills unset fields from def.
func (o Options) WithDefaults(def Options) Options {
	if o.Temperature == nil {
		o.Temperature = def.Temperature
	}
	if o.MaxOutputTokens <= 0 {
		o.MaxOutputTokens = def.MaxOutputTokens
	}
	return o
}

// Delta is one step of a streamed completion. Text holds everything received so
// far; Fragment is only the piece that arrived with this step.
type Delta struct {
	Fragment string
	Text     string
}

// DeltaFunc receives streaming progress. It is invoked on the reading goroutine.
type DeltaFunc func(Delta)

// Role is the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single entry in a conversation.
type Turn struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Pending bool   `json:"pending,omitempty"`
	Failed  bool   `json:"failed,omitempty"`
}
