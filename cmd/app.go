package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"codeagent/internal/assistant"
	"codeagent/internal/config"
	"codeagent/internal/models"
	"codeagent/internal/project"
	"codeagent/internal/provider"
	providerfactory "codeagent/internal/provider/factory"
	"codeagent/internal/selection"
	"codeagent/internal/storage"
)

// app bundles the long-lived components every command needs.
type app struct {
	cfg       config.Config
	logger    zerolog.Logger
	db        *storage.Store
	registry  *provider.Registry
	selection *selection.Store
	assistant *assistant.Assistant
}

func newLogger(level zerolog.Level) zerolog.Logger {
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// loadApp reads configuration, opens the state database and wires providers,
// the selection store and the assistant.
func loadApp(cmd *cobra.Command, mutate func(*config.Config) error) (*app, error) {
	ctx := cmd.Context()
	cfgPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		if err := mutate(&cfg); err != nil {
			return nil, err
		}
	}

	logger := newLogger(cfg.Level())

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(cfg, registry, logger); err != nil {
		return nil, err
	}

	db, err := storage.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	defaults, err := selectionDefaults(cfg, registry)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	store, err := selection.Open(ctx, db, registry, defaults, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	seeds := map[models.ProviderTag]string{
		models.ProviderGemini:     cfg.Providers.Gemini.APIKey,
		models.ProviderOpenRouter: cfg.Providers.OpenRouter.APIKey,
	}
	for _, tag := range models.ProviderTags {
		if err := store.SeedCredential(ctx, tag, seeds[tag]); err != nil {
			_ = store.Close()
			_ = db.Close()
			return nil, fmt.Errorf("seed %s credential: %w", tag, err)
		}
	}

	logger.Debug().Str("db", db.Path()).Str("provider", string(defaults.Provider)).Msg("state loaded")

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		registry:  registry,
		selection: store,
		assistant: assistant.New(registry, store, project.NewWorkspace(), cfg.Options(), logger),
	}, nil
}

// selectionDefaults falls back to the provider's first model when the
// configured model is not in its static catalog.
func selectionDefaults(cfg config.Config, registry *provider.Registry) (selection.Defaults, error) {
	tag, err := models.ParseProviderTag(cfg.Defaults.Provider)
	if err != nil {
		return selection.Defaults{}, err
	}
	p, err := registry.Lookup(tag)
	if err != nil {
		return selection.Defaults{}, err
	}

	catalog := p.DefaultModels()
	if _, ok := provider.FindModel(catalog, cfg.Defaults.Model); ok || (tag == models.ProviderOpenRouter && cfg.Defaults.Model != "") {
		return selection.Defaults{Provider: tag, Model: cfg.Defaults.Model}, nil
	}
	if len(catalog) == 0 {
		return selection.Defaults{}, fmt.Errorf("provider %s offers no models", tag)
	}
	return selection.Defaults{Provider: tag, Model: catalog[0].ID}, nil
}

// Close waits for background catalog refreshes, then closes the database.
func (a *app) Close() error {
	done := make(chan struct{})
	go func() {
		_ = a.selection.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		a.logger.Warn().Msg("timed out waiting for model catalog refresh")
	}
	return a.db.Close()
}
