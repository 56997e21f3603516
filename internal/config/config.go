package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"codeagent/internal/models"
)

const (
	DefaultPort              = 8080
	DefaultGeminiBaseURL     = "https://generativelanguage.googleapis.com/v1beta"
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	DefaultReferer           = "https://codeagent.local"
	DefaultTitle             = "codeagent"
	DefaultModel             = "gemini-1.5-pro-latest"
	defaultDBName            = "codeagent.db"
)

// Environment variables that override file configuration.
const (
	EnvGeminiKey     = "GEMINI_API_KEY"
	EnvOpenRouterKey = "OPENROUTER_API_KEY"
	EnvPort          = "CODEAGENT_PORT"
	EnvDBPath        = "CODEAGENT_DB"
	EnvLogLevel      = "CODEAGENT_LOG_LEVEL"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Providers ProvidersConfig `yaml:"providers"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// StorageConfig locates the selection database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// ProvidersConfig catalogues the two upstream providers.
type ProvidersConfig struct {
	Gemini     ProviderConfig `yaml:"gemini"`
	OpenRouter ProviderConfig `yaml:"openrouter"`
}

// ProviderConfig captures authentication and endpoint info for a provider.
// Referer and Title are only sent to OpenRouter.
type ProviderConfig struct {
	APIKey  string  `yaml:"api_key"`
	BaseURL string  `yaml:"base_url"`
	Referer string  `yaml:"referer"`
	Title   string  `yaml:"title"`
	Headers Headers `yaml:"headers"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// DefaultsConfig holds the initial selection and request options.
type DefaultsConfig struct {
	Provider        string   `yaml:"provider"`
	Model           string   `yaml:"model"`
	Temperature     *float64 `yaml:"temperature"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
}

// Default returns a configuration usable without any file.
func Default() Config {
	return Config{
		Server:  ServerConfig{Port: DefaultPort},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{Path: defaultDBPath()},
		Providers: ProvidersConfig{
			Gemini: ProviderConfig{BaseURL: DefaultGeminiBaseURL},
			OpenRouter: ProviderConfig{
				BaseURL: DefaultOpenRouterBaseURL,
				Referer: DefaultReferer,
				Title:   DefaultTitle,
			},
		},
		Defaults: DefaultsConfig{
			Provider: string(models.ProviderGemini),
			Model:    DefaultModel,
		},
	}
}

// Load reads optional YAML configuration from disk, applies .env and
// environment overrides, and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvGeminiKey); v != "" {
		c.Providers.Gemini.APIKey = v
	}
	if v := os.Getenv(EnvOpenRouterKey); v != "" {
		c.Providers.OpenRouter.APIKey = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got %q", EnvPort, v)
		}
		c.Server.Port = port
	}
	return nil
}

func (c *Config) fillDefaults() {
	def := Default()
	if strings.TrimSpace(c.Providers.Gemini.BaseURL) == "" {
		c.Providers.Gemini.BaseURL = def.Providers.Gemini.BaseURL
	}
	if strings.TrimSpace(c.Providers.OpenRouter.BaseURL) == "" {
		c.Providers.OpenRouter.BaseURL = def.Providers.OpenRouter.BaseURL
	}
	if c.Providers.OpenRouter.Referer == "" {
		c.Providers.OpenRouter.Referer = def.Providers.OpenRouter.Referer
	}
	if c.Providers.OpenRouter.Title == "" {
		c.Providers.OpenRouter.Title = def.Providers.OpenRouter.Title
	}
	if c.Storage.Path == "" {
		c.Storage.Path = def.Storage.Path
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Defaults.Provider == "" {
		c.Defaults.Provider = def.Defaults.Provider
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level %q is not a valid level", c.Log.Level)
	}

	providers := map[string]ProviderConfig{
		"gemini":     c.Providers.Gemini,
		"openrouter": c.Providers.OpenRouter,
	}
	for name, provider := range providers {
		if err := validateProvider(name, provider); err != nil {
			return err
		}
	}

	if _, err := models.ParseProviderTag(c.Defaults.Provider); err != nil {
		return fmt.Errorf("defaults.provider: %w", err)
	}
	if t := c.Defaults.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("defaults.temperature must be within [0, 2], got %v", *t)
	}
	if c.Defaults.MaxOutputTokens < 0 {
		return fmt.Errorf("defaults.max_output_tokens must not be negative, got %d", c.Defaults.MaxOutputTokens)
	}

	return nil
}

// Level returns the configured zerolog level, defaulting to info.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// Options returns the configured default request options.
func (c Config) Options() models.Options {
	return models.Options{
		Temperature:     c.Defaults.Temperature,
		MaxOutputTokens: c.Defaults.MaxOutputTokens,
	}
}

func validateProvider(name string, provider ProviderConfig) error {
	base := strings.TrimSpace(provider.BaseURL)
	if base == "" {
		return fmt.Errorf("provider %s: base_url must be provided", name)
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("provider %s: base_url %q must be an absolute URL", name, base)
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}

func defaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return defaultDBName
	}
	return filepath.Join(dir, "codeagent", defaultDBName)
}
