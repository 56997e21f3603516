package factory

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeagent/internal/config"
	"codeagent/internal/models"
	"codeagent/internal/provider"
)

func TestRegisterConfiguredProviders(t *testing.T) {
	registry := provider.NewRegistry()
	require.NoError(t, RegisterConfiguredProviders(config.Default(), registry, zerolog.Nop()))

	assert.Equal(t, []models.ProviderTag{models.ProviderGemini, models.ProviderOpenRouter}, registry.Tags())

	err := RegisterConfiguredProviders(config.Default(), registry, zerolog.Nop())
	assert.ErrorIs(t, err, provider.ErrDuplicateProvider)

	assert.Error(t, RegisterConfiguredProviders(config.Default(), nil, zerolog.Nop()))
}

func TestNewHTTPClientHasNoOverallTimeout(t *testing.T) {
	assert.Zero(t, NewHTTPClient().Timeout)
}
