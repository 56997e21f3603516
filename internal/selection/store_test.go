package selection

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeagent/internal/models"
	"codeagent/internal/provider"
	"codeagent/internal/storage"
)

type fakeProvider struct {
	tag      models.ProviderTag
	fetched  []models.ModelInfo
	fetchErr error
	fetches  atomic.Int32

	// byCredential overrides fetched per key; a fetch with holdKey waits for release.
	byCredential map[string][]models.ModelInfo
	holdKey      string
	release      chan struct{}
}

func (f *fakeProvider) Tag() models.ProviderTag { return f.tag }

func (f *fakeProvider) DefaultModels() []models.ModelInfo {
	return []models.ModelInfo{
		{ID: string(f.tag) + "-default", Label: "Default", MaxOutputTokens: 100, Provider: f.tag},
		{ID: string(f.tag) + "-other", Label: "Other", MaxOutputTokens: 100, Provider: f.tag},
	}
}

func (f *fakeProvider) FetchModels(ctx context.Context, credential string) ([]models.ModelInfo, error) {
	f.fetches.Add(1)
	if f.holdKey != "" && credential == f.holdKey {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if list, ok := f.byCredential[credential]; ok {
		return list, nil
	}
	return f.fetched, nil
}

func (f *fakeProvider) Completion(context.Context, string, string, string, models.Options) (string, error) {
	return "", nil
}

func (f *fakeProvider) StreamCompletion(context.Context, string, string, string, models.Options, models.DeltaFunc) (string, error) {
	return "", nil
}

type memoryBackend struct {
	mu      sync.Mutex
	values  map[string]string
	saveErr error
}

func (m *memoryBackend) LoadSettings(ctx context.Context, keys ...string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

func (m *memoryBackend) SaveSettings(ctx context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.values == nil {
		m.values = make(map[string]string)
	}
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

type fixture struct {
	gemini     *fakeProvider
	openrouter *fakeProvider
	registry   *provider.Registry
	backend    *memoryBackend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		gemini:     &fakeProvider{tag: models.ProviderGemini},
		openrouter: &fakeProvider{tag: models.ProviderOpenRouter},
		registry:   provider.NewRegistry(),
		backend:    &memoryBackend{},
	}
	require.NoError(t, f.registry.Register(f.gemini))
	require.NoError(t, f.registry.Register(f.openrouter))
	return f
}

func (f *fixture) open(t *testing.T, backend Backend) *Store {
	t.Helper()
	s, err := Open(context.Background(), backend, f.registry, Defaults{Provider: models.ProviderGemini, Model: "gemini-default"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIsUsablePerProvider(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t, f.backend)

	assert.False(t, s.IsUsable())

	require.NoError(t, s.SetCredential(ctx, models.ProviderOpenRouter, "sk-or"))
	s.Wait()
	assert.False(t, s.IsUsable(), "gemini is active and has no key")

	require.NoError(t, s.SetCredential(ctx, models.ProviderGemini, "g-key"))
	assert.True(t, s.IsUsable())

	require.NoError(t, s.SetSelection(ctx, "openrouter-default", models.ProviderOpenRouter))
	assert.True(t, s.IsUsable())

	require.NoError(t, s.SetCredential(ctx, models.ProviderOpenRouter, ""))
	assert.False(t, s.IsUsable())

	require.NoError(t, s.SetSelection(ctx, "gemini-other", models.ProviderGemini))
	assert.True(t, s.IsUsable())
}

func TestOpenRouterCredentialTriggersOneRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.openrouter.fetched = []models.ModelInfo{{ID: "remote/model", Label: "Remote", MaxOutputTokens: 10, Provider: models.ProviderOpenRouter}}
	s := f.open(t, f.backend)

	require.NoError(t, s.SetCredential(ctx, models.ProviderOpenRouter, "sk-or"))
	s.Wait()

	assert.Equal(t, int32(1), f.openrouter.fetches.Load())
	assert.Equal(t, f.openrouter.fetched, s.Models(models.ProviderOpenRouter))
	assert.Zero(t, f.gemini.fetches.Load())

	require.NoError(t, s.SetSelection(ctx, "remote/model", models.ProviderOpenRouter))
}

func TestRefreshFailureKeepsDefaultList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.openrouter.fetchErr = errors.New("HTTP 500")
	s := f.open(t, f.backend)

	require.NoError(t, s.SetCredential(ctx, models.ProviderOpenRouter, "sk-or"))
	s.Wait()

	assert.Equal(t, int32(1), f.openrouter.fetches.Load())
	assert.Equal(t, f.openrouter.DefaultModels(), s.Models(models.ProviderOpenRouter))
	assert.False(t, s.Snapshot().Refreshing)
}

func TestSlowRefreshWithReplacedKeyIsDiscarded(t *testing.T) {
	ctx := context.Background()
	oldList := []models.ModelInfo{{ID: "old/model", Label: "Old", MaxOutputTokens: 10, Provider: models.ProviderOpenRouter}}
	newList := []models.ModelInfo{{ID: "new/model", Label: "New", MaxOutputTokens: 10, Provider: models.ProviderOpenRouter}}

	f := newFixture(t)
	f.openrouter.byCredential = map[string][]models.ModelInfo{"sk-old": oldList, "sk-new": newList}
	f.openrouter.holdKey = "sk-old"
	f.openrouter.release = make(chan struct{})
	s := f.open(t, f.backend)

	require.NoError(t, s.SetCredential(ctx, models.ProviderOpenRouter, "sk-old"))
	require.NoError(t, s.SetCredential(ctx, models.ProviderOpenRouter, "sk-new"))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(newList, s.Models(models.ProviderOpenRouter))
	}, time.Second, 5*time.Millisecond)

	close(f.openrouter.release)
	s.Wait()

	assert.Equal(t, int32(2), f.openrouter.fetches.Load())
	assert.Equal(t, newList, s.Models(models.ProviderOpenRouter))
}

func TestSlowRefreshAfterKeyClearedIsDiscarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.openrouter.fetched = []models.ModelInfo{{ID: "old/model", Label: "Old", MaxOutputTokens: 10, Provider: models.ProviderOpenRouter}}
	f.openrouter.holdKey = "sk-old"
	f.openrouter.release = make(chan struct{})
	s := f.open(t, f.backend)

	require.NoError(t, s.SetCredential(ctx, models.ProviderOpenRouter, "sk-old"))
	require.NoError(t, s.SetCredential(ctx, models.ProviderOpenRouter, ""))
	close(f.openrouter.release)
	s.Wait()

	assert.Equal(t, f.openrouter.DefaultModels(), s.Models(models.ProviderOpenRouter))
}

func TestEmptyCredentialAndGeminiDoNotRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t, f.backend)

	require.NoError(t, s.SetCredential(ctx, models.ProviderOpenRouter, "  "))
	require.NoError(t, s.SetCredential(ctx, models.ProviderGemini, "g"))
	s.Wait()

	assert.Zero(t, f.openrouter.fetches.Load())
	assert.Zero(t, f.gemini.fetches.Load())
	assert.Equal(t, "", s.Credential(models.ProviderOpenRouter))
}

func TestSetSelectionRejectsUnknownModel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t, f.backend)

	err := s.SetSelection(ctx, "openrouter-default", models.ProviderGemini)
	assert.ErrorIs(t, err, provider.ErrUnknownModel)

	err = s.SetSelection(ctx, "x", models.ProviderTag("anthropic"))
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)

	active := s.Active()
	assert.Equal(t, models.ProviderGemini, active.Provider)
	assert.Equal(t, "gemini-default", active.Model)

	info, ok := s.SelectedModel()
	require.True(t, ok)
	assert.Equal(t, "Default", info.Label)
}

func TestFailedPersistLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t, f.backend)

	f.backend.saveErr = errors.New("disk full")
	assert.Error(t, s.SetCredential(ctx, models.ProviderGemini, "g"))
	assert.Error(t, s.SetSelection(ctx, "gemini-other", models.ProviderGemini))

	assert.Equal(t, "", s.Credential(models.ProviderGemini))
	assert.Equal(t, "gemini-default", s.Active().Model)
}

func TestSeedCredentialDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t, f.backend)

	require.NoError(t, s.SeedCredential(ctx, models.ProviderOpenRouter, "from-env"))
	require.NoError(t, s.SeedCredential(ctx, models.ProviderOpenRouter, "second"))
	s.Wait()

	assert.Equal(t, "from-env", s.Credential(models.ProviderOpenRouter))
	assert.Zero(t, f.openrouter.fetches.Load())
}

func TestStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	first := f.open(t, db)
	require.NoError(t, first.SetCredential(ctx, models.ProviderGemini, "g-key"))
	require.NoError(t, first.SetSelection(ctx, "gemini-other", models.ProviderGemini))
	require.NoError(t, first.Close())
	assert.ErrorIs(t, first.SetCredential(ctx, models.ProviderGemini, "x"), ErrClosed)

	second := f.open(t, db)
	assert.True(t, second.IsUsable())
	assert.Equal(t, Active{Provider: models.ProviderGemini, Model: "gemini-other", Credential: "g-key"}, second.Active())

	snap := second.Snapshot()
	assert.True(t, snap.Configured[models.ProviderGemini])
	assert.False(t, snap.Configured[models.ProviderOpenRouter])
}

func TestRefreshModelsOnlyForConfiguredProviders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.backend.values = map[string]string{"credential.openrouter": "sk-or"}
	f.openrouter.fetched = []models.ModelInfo{{ID: "r", Label: "R", MaxOutputTokens: 1, Provider: models.ProviderOpenRouter}}
	s := f.open(t, f.backend)

	s.RefreshModels(ctx)

	assert.Zero(t, f.gemini.fetches.Load())
	assert.Equal(t, int32(1), f.openrouter.fetches.Load())
	assert.Len(t, s.AllModels(), 3)
}
