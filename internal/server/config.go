package server

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aspect-build/notion-mcp/internal/upstream"
)

// Config holds server configuration. It is read from an optional YAML file
// and then overridden by environment variables.
type Config struct {
	Port    int    `yaml:"port"`
	BaseURL string `yaml:"base_url"`

	NotionClientID     string `yaml:"notion_client_id"`
	NotionClientSecret string `yaml:"notion_client_secret"`
	NotionRedirectURI  string `yaml:"notion_redirect_uri"`
	NotionAuthorizeURL string `yaml:"notion_oauth_authorize_url"`
	NotionTokenURL     string `yaml:"notion_oauth_token_url"`
	NotionAPIBase      string `yaml:"notion_api_base"`
	NotionVersion      string `yaml:"notion_version"`

	MCPClientID         string   `yaml:"mcp_client_id"`
	AllowedRedirectURIs []string `yaml:"allowed_redirect_uris"`
	AllowedOrigins      []string `yaml:"allowed_origins"`

	TokenStorePath      string `yaml:"token_store_path"`
	TokenEncKeyFile     string `yaml:"token_enc_key_file"`
	StateSigningKeyFile string `yaml:"state_signing_key_file"`
	TokenEncKey         string `yaml:"token_enc_key"`
	StateSigningKey     string `yaml:"state_signing_key"`

	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	AuthCodeTTL     time.Duration `yaml:"auth_code_ttl"`

	RateLimitWindow  time.Duration `yaml:"rate_limit_window"`
	RateLimitMaxMCP  int           `yaml:"rate_limit_max_mcp"`
	RateLimitMaxAuth int           `yaml:"rate_limit_max_auth"`

	LogLevel string `yaml:"log_level"`
}

const (
	defaultPort             = 8787
	defaultMCPClientID      = "mcp-cli"
	defaultRedirectURI      = "http://localhost:3000/callback"
	defaultTokenStorePath   = "data/token_store.json.enc"
	defaultTokenKeyFile     = "data/token_store.key"
	defaultStateKeyFile     = "data/state_signing.key"
	defaultAccessTokenTTL   = time.Hour
	defaultRefreshTokenTTL  = 30 * 24 * time.Hour
	defaultAuthCodeTTL      = 10 * time.Minute
	defaultRateLimitWindow  = time.Minute
	defaultRateLimitMaxMCP  = 120
	defaultRateLimitMaxAuth = 30
)

// LoadConfig loads configuration from the YAML file at path (skipped when
// path is empty) and the environment. Environment variables win.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	envString(&c.BaseURL, "BASE_URL")
	envString(&c.NotionClientID, "NOTION_CLIENT_ID")
	envString(&c.NotionClientSecret, "NOTION_CLIENT_SECRET")
	envString(&c.NotionRedirectURI, "NOTION_REDIRECT_URI")
	envString(&c.NotionAuthorizeURL, "NOTION_OAUTH_AUTHORIZE_URL")
	envString(&c.NotionTokenURL, "NOTION_OAUTH_TOKEN_URL")
	envString(&c.NotionAPIBase, "NOTION_API_BASE")
	envString(&c.NotionVersion, "NOTION_VERSION")
	envString(&c.MCPClientID, "MCP_CLIENT_ID")
	envList(&c.AllowedRedirectURIs, "ALLOWED_REDIRECT_URIS")
	envList(&c.AllowedOrigins, "ALLOWED_ORIGINS")
	envString(&c.TokenStorePath, "TOKEN_STORE_PATH")
	envString(&c.TokenEncKeyFile, "TOKEN_ENC_KEY_FILE")
	envString(&c.StateSigningKeyFile, "STATE_SIGNING_KEY_FILE")
	envString(&c.TokenEncKey, "TOKEN_ENC_KEY")
	envString(&c.StateSigningKey, "STATE_SIGNING_KEY")
	envString(&c.LogLevel, "LOG_LEVEL")

	for _, f := range []func() error{
		func() error { return envInt(&c.Port, "PORT") },
		func() error { return envMillis(&c.AccessTokenTTL, "ACCESS_TOKEN_TTL_MS") },
		func() error { return envMillis(&c.RefreshTokenTTL, "REFRESH_TOKEN_TTL_MS") },
		func() error { return envMillis(&c.AuthCodeTTL, "AUTH_CODE_TTL_MS") },
		func() error { return envMillis(&c.RateLimitWindow, "RATE_LIMIT_WINDOW_MS") },
		func() error { return envInt(&c.RateLimitMaxMCP, "RATE_LIMIT_MAX_MCP") },
		func() error { return envInt(&c.RateLimitMaxAuth, "RATE_LIMIT_MAX_AUTH") },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.BaseURL == "" {
		c.BaseURL = fmt.Sprintf("http://localhost:%d", c.Port)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.NotionRedirectURI == "" {
		c.NotionRedirectURI = c.BaseURL + "/oauth/callback"
	}
	setDefault(&c.NotionAuthorizeURL, upstream.DefaultAuthURL)
	setDefault(&c.NotionTokenURL, upstream.DefaultTokenURL)
	setDefault(&c.NotionAPIBase, upstream.DefaultAPIBase)
	setDefault(&c.NotionVersion, upstream.DefaultVersion)
	setDefault(&c.MCPClientID, defaultMCPClientID)
	if len(c.AllowedRedirectURIs) == 0 {
		c.AllowedRedirectURIs = []string{defaultRedirectURI}
	}
	setDefault(&c.TokenStorePath, defaultTokenStorePath)
	setDefault(&c.TokenEncKeyFile, defaultTokenKeyFile)
	setDefault(&c.StateSigningKeyFile, defaultStateKeyFile)
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = defaultAccessTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = defaultRefreshTokenTTL
	}
	if c.AuthCodeTTL == 0 {
		c.AuthCodeTTL = defaultAuthCodeTTL
	}
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = defaultRateLimitWindow
	}
	if c.RateLimitMaxMCP == 0 {
		c.RateLimitMaxMCP = defaultRateLimitMaxMCP
	}
	if c.RateLimitMaxAuth == 0 {
		c.RateLimitMaxAuth = defaultRateLimitMaxAuth
	}
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BASE_URL must be an absolute URL, got %q", c.BaseURL)
	}
	for name, d := range map[string]time.Duration{
		"ACCESS_TOKEN_TTL_MS":  c.AccessTokenTTL,
		"REFRESH_TOKEN_TTL_MS": c.RefreshTokenTTL,
		"AUTH_CODE_TTL_MS":     c.AuthCodeTTL,
		"RATE_LIMIT_WINDOW_MS": c.RateLimitWindow,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.RateLimitMaxMCP < 0 || c.RateLimitMaxAuth < 0 {
		return fmt.Errorf("rate limit maxima must be positive")
	}
	return nil
}

// ListenAddr is the address the HTTP server binds.
func (c *Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

// ResourceMetadataURL is the protected resource metadata document advertised
// in bearer challenges.
func (c *Config) ResourceMetadataURL() string {
	return c.BaseURL + "/.well-known/oauth-protected-resource"
}

func setDefault(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func envString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func envInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	*dst = n
	return nil
}

func envMillis(dst *time.Duration, key string) error {
	var ms int
	if err := envInt(&ms, key); err != nil {
		return err
	}
	if ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
	return nil
}
