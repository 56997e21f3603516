package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"codeagent/internal/config"
	"codeagent/internal/provider"
	geminiProvider "codeagent/internal/provider/gemini"
	openrouterProvider "codeagent/internal/provider/openrouter"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// RegisterConfiguredProviders constructs both providers from configuration and stores them in the registry.
func RegisterConfiguredProviders(cfg config.Config, registry *provider.Registry, logger zerolog.Logger) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	client := NewHTTPClient()

	gemini, err := geminiProvider.New(cfg.Providers.Gemini, client, logger)
	if err != nil {
		return fmt.Errorf("initialise gemini provider: %w", err)
	}
	if err := registry.Register(gemini); err != nil {
		return fmt.Errorf("register gemini provider: %w", err)
	}

	openrouter, err := openrouterProvider.New(cfg.Providers.OpenRouter, client, logger)
	if err != nil {
		return fmt.Errorf("initialise openrouter provider: %w", err)
	}
	if err := registry.Register(openrouter); err != nil {
		return fmt.Errorf("register openrouter provider: %w", err)
	}

	return nil
}

// NewHTTPClient returns a pooled client with no overall timeout: streamed
// completions run as long as the caller's context allows.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
	}
}
