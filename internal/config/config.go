package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/alexjbarnes/provider-bridge/internal/credential"
	"github.com/alexjbarnes/provider-bridge/internal/provider"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ProviderCredentials is one provider's OAuth client registration. A
// provider is enabled when both fields are set.
type ProviderCredentials struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
}

func (p ProviderCredentials) enabled() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// ProviderOverride replaces a provider's endpoints or scopes. Empty fields
// keep the built-in value.
type ProviderOverride struct {
	AuthURL    string   `yaml:"auth_url"`
	TokenURL   string   `yaml:"token_url"`
	RefreshURL string   `yaml:"refresh_url"`
	APIBaseURL string   `yaml:"api_base_url"`
	Scopes     []string `yaml:"scopes"`
}

type providersFile struct {
	Providers map[string]ProviderOverride `yaml:"providers"`
}

// Config holds all environment-based configuration for the bridge.
type Config struct {
	ListenAddr string `env:"BRIDGE_LISTEN_ADDR" envDefault:":8090"`

	// External URL clients and providers reach the bridge at. Callback
	// and metadata URLs are built from it.
	ServerURL string `env:"BRIDGE_SERVER_URL"`

	// Secret the token signing keys are derived from.
	SigningSecret string `env:"BRIDGE_SIGNING_SECRET"`

	// bbolt file for registered clients. Defaults to
	// ~/.provider-bridge/state.db.
	StatePath string `env:"BRIDGE_STATE_PATH"`

	SessionIdleTimeout time.Duration `env:"BRIDGE_SESSION_IDLE_TIMEOUT" envDefault:"30m"`
	ReaperInterval     time.Duration `env:"BRIDGE_REAPER_INTERVAL" envDefault:"1m"`
	ProviderTimeout    time.Duration `env:"BRIDGE_PROVIDER_TIMEOUT" envDefault:"30s"`
	RefreshTokenTTL    time.Duration `env:"BRIDGE_REFRESH_TOKEN_TTL" envDefault:"720h"`
	HubTTL             time.Duration `env:"BRIDGE_HUB_TTL" envDefault:"15m"`

	// Whether MCP clients may receive several sampling requests at once.
	ConcurrentSampling bool `env:"BRIDGE_CONCURRENT_SAMPLING" envDefault:"false"`

	// Optional YAML file with per-provider endpoint overrides.
	ProvidersFile string `env:"BRIDGE_PROVIDERS_FILE"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	Linear ProviderCredentials `envPrefix:"LINEAR_"`
	Figma  ProviderCredentials `envPrefix:"FIGMA_"`
	Google ProviderCredentials `envPrefix:"GOOGLE_"`

	overrides map[string]ProviderOverride
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.ProvidersFile != "" {
		if err := cfg.loadProvidersFile(cfg.ProvidersFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadProvidersFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading providers file: %w", err)
	}

	var f providersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing providers file %s: %w", path, err)
	}

	for name := range f.Providers {
		if _, ok := c.credentials()[name]; !ok {
			return fmt.Errorf("providers file %s: unknown provider %q", path, name)
		}
	}

	c.overrides = f.Providers

	return nil
}

func (c *Config) credentials() map[string]ProviderCredentials {
	return map[string]ProviderCredentials{
		provider.Linear: c.Linear,
		provider.Figma:  c.Figma,
		provider.Google: c.Google,
	}
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return errors.New("BRIDGE_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("BRIDGE_SERVER_URL must be an absolute http(s) URL, got %q", c.ServerURL)
	}

	if len(c.SigningSecret) < credential.MinSecretLength {
		return fmt.Errorf("BRIDGE_SIGNING_SECRET must be at least %d characters", credential.MinSecretLength)
	}

	for name, d := range map[string]time.Duration{
		"BRIDGE_SESSION_IDLE_TIMEOUT": c.SessionIdleTimeout,
		"BRIDGE_REAPER_INTERVAL":      c.ReaperInterval,
		"BRIDGE_PROVIDER_TIMEOUT":     c.ProviderTimeout,
		"BRIDGE_REFRESH_TOKEN_TTL":    c.RefreshTokenTTL,
		"BRIDGE_HUB_TTL":              c.HubTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if len(c.EnabledProviders()) == 0 {
		return errors.New("at least one provider must be configured: LINEAR_, FIGMA_ or GOOGLE_ CLIENT_ID and CLIENT_SECRET")
	}

	for name, creds := range c.credentials() {
		if (creds.ClientID == "") != (creds.ClientSecret == "") {
			return fmt.Errorf("provider %s: client id and secret must be set together", name)
		}
	}

	return nil
}

// EnabledProviders returns the configured provider names in sorted order.
func (c *Config) EnabledProviders() []string {
	var names []string

	for name, creds := range c.credentials() {
		if creds.enabled() {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	return names
}

// ProviderConfig returns the settings for one enabled provider with any
// overrides applied.
func (c *Config) ProviderConfig(name string) provider.Config {
	creds := c.credentials()[name]
	o := c.overrides[name]

	return provider.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  provider.CallbackURL(c.ServerURL, name),
		AuthURL:      o.AuthURL,
		TokenURL:     o.TokenURL,
		RefreshURL:   o.RefreshURL,
		Scopes:       o.Scopes,
		Timeout:      c.ProviderTimeout,
	}
}

// Providers builds the registry of enabled providers.
func (c *Config) Providers() (*provider.Set, error) {
	var list []provider.Provider

	for _, name := range c.EnabledProviders() {
		p, err := provider.New(name, c.ProviderConfig(name))
		if err != nil {
			return nil, err
		}

		list = append(list, p)
	}

	return provider.NewSet(list...)
}

// APIBaseURLs returns API base URL overrides keyed by provider.
func (c *Config) APIBaseURLs() map[string]string {
	out := make(map[string]string)

	for name, o := range c.overrides {
		if o.APIBaseURL != "" {
			out[name] = o.APIBaseURL
		}
	}

	return out
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Secure reports whether cookies should carry the Secure attribute.
func (c *Config) Secure() bool {
	u, err := url.Parse(c.ServerURL)
	return err == nil && u.Scheme == "https"
}
