// Package selection holds the active provider, model and per-provider
// credentials, persisted across restarts, together with the model catalogs
// used to validate selections.
package selection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"codeagent/internal/models"
	"codeagent/internal/provider"
)

const (
	keyProvider         = "selection.provider"
	keyModel            = "selection.model"
	keyCredentialPrefix = "credential."
)

// ErrClosed is returned by mutations after Close.
var ErrClosed = errors.New("selection store closed")

// Backend persists the store's key/value snapshot.
type Backend interface {
	LoadSettings(ctx context.Context, keys ...string) (map[string]string, error)
	SaveSettings(ctx context.Context, values map[string]string) error
}

// Defaults is the selection used when nothing has been persisted yet.
type Defaults struct {
	Provider models.ProviderTag
	Model    string
}

// Active is everything needed to issue a request with the current selection.
type Active struct {
	Provider   models.ProviderTag
	Model      string
	Credential string
}

// Snapshot is the client-visible state. Credentials are reduced to a
// configured flag.
type Snapshot struct {
	Provider   models.ProviderTag          `json:"provider"`
	Model      string                      `json:"model"`
	Configured map[models.ProviderTag]bool `json:"configured"`
	Usable     bool                        `json:"usable"`
	Refreshing bool                        `json:"refreshing"`
}

// Store is the owned application-state object for provider selection.
type Store struct {
	backend  Backend
	registry *provider.Registry
	logger   zerolog.Logger

	mu          sync.RWMutex
	credentials map[models.ProviderTag]string
	active      models.ProviderTag
	model       string
	catalogs    map[models.ProviderTag][]models.ModelInfo
	refreshing  int
	closed      bool

	refreshCtx    context.Context
	cancelRefresh context.CancelFunc
	wg            sync.WaitGroup
}

// Open loads persisted state from backend and seeds catalogs with each
// registered provider's default list.
func Open(ctx context.Context, backend Backend, registry *provider.Registry, defaults Defaults, logger zerolog.Logger) (*Store, error) {
	if backend == nil {
		return nil, errors.New("selection: backend must not be nil")
	}
	if registry == nil {
		return nil, errors.New("selection: registry must not be nil")
	}

	s := &Store{
		backend:     backend,
		registry:    registry,
		logger:      logger.With().Str("component", "selection").Logger(),
		credentials: make(map[models.ProviderTag]string),
		catalogs:    make(map[models.ProviderTag][]models.ModelInfo),
		active:      defaults.Provider,
		model:       defaults.Model,
	}
	s.refreshCtx, s.cancelRefresh = context.WithCancel(context.Background())

	for _, tag := range registry.Tags() {
		p, err := registry.Lookup(tag)
		if err != nil {
			return nil, err
		}
		s.catalogs[tag] = p.DefaultModels()
	}

	stored, err := backend.LoadSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("selection: load state: %w", err)
	}

	if raw, ok := stored[keyProvider]; ok {
		tag, err := models.ParseProviderTag(raw)
		if err != nil {
			s.logger.Warn().Str("value", raw).Msg("ignoring persisted provider")
		} else {
			s.active = tag
		}
	}
	if model, ok := stored[keyModel]; ok && model != "" {
		s.model = model
	}
	for _, tag := range models.ProviderTags {
		if v, ok := stored[credentialKey(tag)]; ok {
			s.credentials[tag] = v
		}
	}

	return s, nil
}

// Close stops and waits for in-flight catalog refreshes. The backend is owned
// by the caller and stays open.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancelRefresh()
	s.wg.Wait()
	return nil
}

// Wait blocks until every catalog refresh started so far has finished.
func (s *Store) Wait() {
	s.wg.Wait()
}

// SetCredential stores the secret for tag. A non-empty OpenRouter key starts
// one asynchronous catalog refresh; refresh failures are logged only.
func (s *Store) SetCredential(ctx context.Context, tag models.ProviderTag, value string) error {
	p, err := s.registry.Lookup(tag)
	if err != nil {
		return err
	}
	value = strings.TrimSpace(value)

	if err := s.update(ctx, map[string]string{credentialKey(tag): value}, func() {
		s.credentials[tag] = value
	}); err != nil {
		return err
	}

	s.logger.Info().Str("provider", string(tag)).Bool("configured", value != "").Msg("credential updated")

	if tag == models.ProviderOpenRouter && value != "" {
		s.refreshAsync(p, value)
	}
	return nil
}

// SeedCredential sets the credential for tag only when none is stored yet. It
// never starts a catalog refresh.
func (s *Store) SeedCredential(ctx context.Context, tag models.ProviderTag, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if _, err := s.registry.Lookup(tag); err != nil {
		return err
	}

	s.mu.RLock()
	existing := s.credentials[tag]
	s.mu.RUnlock()
	if existing != "" {
		return nil
	}

	return s.update(ctx, map[string]string{credentialKey(tag): value}, func() {
		s.credentials[tag] = value
	})
}

// SetSelection makes modelID on tag the active selection. The model must be
// present in the provider's current catalog.
func (s *Store) SetSelection(ctx context.Context, modelID string, tag models.ProviderTag) error {
	if _, err := s.registry.Lookup(tag); err != nil {
		return err
	}
	modelID = strings.TrimSpace(modelID)

	s.mu.RLock()
	_, known := provider.FindModel(s.catalogs[tag], modelID)
	s.mu.RUnlock()
	if !known {
		return fmt.Errorf("%w: %s is not offered by %s", provider.ErrUnknownModel, modelID, tag)
	}

	return s.update(ctx, map[string]string{keyProvider: string(tag), keyModel: modelID}, func() {
		s.active = tag
		s.model = modelID
	})
}

// IsUsable reports whether the active provider has a non-empty credential.
func (s *Store) IsUsable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credentials[s.active] != ""
}

// Credential returns the stored secret for tag.
func (s *Store) Credential(tag models.ProviderTag) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credentials[tag]
}

// Active returns the current provider, model and credential.
func (s *Store) Active() Active {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Active{Provider: s.active, Model: s.model, Credential: s.credentials[s.active]}
}

// Snapshot returns the client-visible state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	configured := make(map[models.ProviderTag]bool, len(models.ProviderTags))
	for _, tag := range models.ProviderTags {
		configured[tag] = s.credentials[tag] != ""
	}
	return Snapshot{
		Provider:   s.active,
		Model:      s.model,
		Configured: configured,
		Usable:     s.credentials[s.active] != "",
		Refreshing: s.refreshing > 0,
	}
}

// Models returns a copy of the catalog for tag.
func (s *Store) Models(tag models.ProviderTag) []models.ModelInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return provider.CloneModels(s.catalogs[tag])
}

// AllModels returns every catalog concatenated in provider order.
func (s *Store) AllModels() []models.ModelInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ModelInfo
	for _, tag := range models.ProviderTags {
		out = append(out, s.catalogs[tag]...)
	}
	return out
}

// SelectedModel returns catalog information for the active model.
func (s *Store) SelectedModel() (models.ModelInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return provider.FindModel(s.catalogs[s.active], s.model)
}

// RefreshModels fetches the remote catalog of every provider that has a
// credential. Failures keep the previous list and are logged, never returned.
func (s *Store) RefreshModels(ctx context.Context) {
	for _, tag := range s.registry.Tags() {
		cred := s.Credential(tag)
		if cred == "" {
			continue
		}
		p, err := s.registry.Lookup(tag)
		if err != nil {
			continue
		}
		s.refresh(ctx, p, cred)
	}
}

func (s *Store) refreshAsync(p provider.Provider, credential string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.refresh(s.refreshCtx, p, credential)
	}()
}

func (s *Store) refresh(ctx context.Context, p provider.Provider, credential string) {
	tag := p.Tag()

	s.mu.Lock()
	s.refreshing++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.refreshing--
		s.mu.Unlock()
	}()

	fetched, err := p.FetchModels(ctx, credential)
	if err != nil {
		s.logger.Warn().Err(err).Str("provider", string(tag)).Msg("model catalog refresh failed, keeping previous list")
		return
	}
	if len(fetched) == 0 {
		s.logger.Warn().Str("provider", string(tag)).Msg("model catalog refresh returned no models, keeping previous list")
		return
	}

	s.mu.Lock()
	if s.credentials[tag] != credential {
		s.mu.Unlock()
		s.logger.Debug().Str("provider", string(tag)).Msg("credential changed during catalog refresh, discarding result")
		return
	}
	s.catalogs[tag] = fetched
	s.mu.Unlock()

	s.logger.Info().Str("provider", string(tag)).Int("models", len(fetched)).Msg("model catalog refreshed")
}

// update persists values and applies mutate only when the save succeeds.
func (s *Store) update(ctx context.Context, values map[string]string, mutate func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.backend.SaveSettings(ctx, values); err != nil {
		return fmt.Errorf("selection: persist state: %w", err)
	}
	mutate()
	return nil
}

func credentialKey(tag models.ProviderTag) string {
	return keyCredentialPrefix + string(tag)
}
