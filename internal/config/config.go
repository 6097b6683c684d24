package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Defaults mirroring the web client's oidc-client settings.
const (
	DefaultRedirectPath = "/login"
	DefaultResponseType = "id_token token"
	DefaultLogLevel     = "info"
)

// DefaultScopes are requested when no scopes are configured.
var DefaultScopes = []string{"openid", "profile", "email"}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the origin of the fileblobs web application.
	BaseURL     string      `yaml:"base_url" env:"FILEBLOBS_BASE_URL"`
	LogLevel    string      `yaml:"log_level" env:"FILEBLOBS_LOG_LEVEL"`
	DownloadDir string      `yaml:"download_dir" env:"FILEBLOBS_DOWNLOAD_DIR"`
	// Account is the storage account selected after login. Empty keeps the
	// server's default account.
	Account     string      `yaml:"account" env:"FILEBLOBS_ACCOUNT"`
	OIDC        OIDCConfig  `yaml:"oidc" envPrefix:"FILEBLOBS_OIDC_"`
	Store       StoreConfig `yaml:"store" envPrefix:"FILEBLOBS_STORE_"`
}

// OIDCConfig configures the implicit-flow identity manager.
type OIDCConfig struct {
	Authority            string   `yaml:"authority" env:"AUTHORITY"`
	ClientID             string   `yaml:"client_id" env:"CLIENT_ID"`
	RedirectPath         string   `yaml:"redirect_path" env:"REDIRECT_PATH"`
	ResponseType         string   `yaml:"response_type" env:"RESPONSE_TYPE"`
	Scopes               []string `yaml:"scopes" env:"SCOPES" envSeparator:" "`
	FilterProtocolClaims bool     `yaml:"filter_protocol_claims" env:"FILTER_PROTOCOL_CLAIMS"`
	LoadUserInfo         bool     `yaml:"load_user_info" env:"LOAD_USER_INFO"`
}

// StoreConfig configures where the cached login is kept.
// An empty Path keeps the login in memory only.
type StoreConfig struct {
	Path   string `yaml:"path" env:"PATH"`
	Secret string `yaml:"secret" env:"SECRET"`
}

// Default returns a configuration populated with defaults.
func Default() *Config {
	return &Config{
		LogLevel:    DefaultLogLevel,
		DownloadDir: ".",
		OIDC: OIDCConfig{
			RedirectPath:         DefaultRedirectPath,
			ResponseType:         DefaultResponseType,
			Scopes:               append([]string(nil), DefaultScopes...),
			FilterProtocolClaims: true,
			LoadUserInfo:         true,
		},
	}
}

// Load reads the YAML file at path (if non-empty), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and normalizes optional ones.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	base, err := url.Parse(c.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("base_url must be an absolute URL: %q", c.BaseURL)
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")

	if c.OIDC.RedirectPath == "" {
		c.OIDC.RedirectPath = DefaultRedirectPath
	}
	if !strings.HasPrefix(c.OIDC.RedirectPath, "/") {
		c.OIDC.RedirectPath = "/" + c.OIDC.RedirectPath
	}
	if c.OIDC.ResponseType == "" {
		c.OIDC.ResponseType = DefaultResponseType
	}
	if len(c.OIDC.Scopes) == 0 {
		c.OIDC.Scopes = append([]string(nil), DefaultScopes...)
	}
	if c.Store.Path != "" && c.Store.Secret == "" {
		return errors.New("store.secret is required when store.path is set")
	}
	return nil
}

// RedirectURI returns the absolute callback URL registered with the provider.
func (c *Config) RedirectURI() string {
	return c.BaseURL + c.OIDC.RedirectPath
}

// HasOIDC reports whether an identity provider is configured.
func (c *Config) HasOIDC() bool {
	return c.OIDC.Authority != "" && c.OIDC.ClientID != ""
}
