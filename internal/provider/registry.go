package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"codeagent/internal/models"
)

// ErrUnknownModel indicates the requested model is not in a provider's catalog.
var ErrUnknownModel = errors.New("unknown model")

// ErrUnknownProvider indicates no provider is registered for a tag.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrDuplicateProvider indicates an attempt to register the same provider twice.
var ErrDuplicateProvider = errors.New("provider already registered")

// Provider normalises one hosted model service into plain text and cumulative
// streaming callbacks.
type Provider interface {
	Tag() models.ProviderTag
	DefaultModels() []models.ModelInfo
	FetchModels(ctx context.Context, credential string) ([]models.ModelInfo, error)
	Completion(ctx context.Context, model, credential, prompt string, opts models.Options) (string, error)
	StreamCompletion(ctx context.Context, model, credential, prompt string, opts models.Options, onDelta models.DeltaFunc) (string, error)
}

// ListModels returns the remote catalog when it can be fetched and the static
// default list otherwise. It never fails.
func ListModels(ctx context.Context, p Provider, credential string) []models.ModelInfo {
	fetched, err := p.FetchModels(ctx, credential)
	if err != nil || len(fetched) == 0 {
		return p.DefaultModels()
	}
	return fetched
}

// Registry maintains a mapping of provider tags to providers.
type Registry struct {
	mu    sync.RWMutex
	byTag map[models.ProviderTag]Provider
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		byTag: make(map[models.ProviderTag]Provider),
	}
}

// Register adds the provider to the registry.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byTag[p.Tag()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, p.Tag())
	}
	r.byTag[p.Tag()] = p
	return nil
}

// Lookup returns the provider registered for tag.
func (r *Registry) Lookup(tag models.ProviderTag) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byTag[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, tag)
	}
	return p, nil
}

// Tags returns the registered provider tags in canonical order.
func (r *Registry) Tags() []models.ProviderTag {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]models.ProviderTag, 0, len(r.byTag))
	for _, tag := range models.ProviderTags {
		if _, ok := r.byTag[tag]; ok {
			tags = append(tags, tag)
		}
	}
	return tags
}

// FindModel looks up id in the catalog list.
func FindModel(list []models.ModelInfo, id string) (models.ModelInfo, bool) {
	for _, m := range list {
		if m.ID == id {
			return m, true
		}
	}
	return models.ModelInfo{}, false
}

// CloneModels returns a copy of list so callers cannot mutate shared catalogs.
func CloneModels(list []models.ModelInfo) []models.ModelInfo {
	out := make([]models.ModelInfo, len(list))
	copy(out, list)
	return out
}
