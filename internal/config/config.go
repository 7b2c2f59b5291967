// Package config handles configuration loading for Parley.
//
// Configuration is layered: the embedded default, then an optional YAML file,
// then PARLEY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	defaultConfig "github.com/inercia/parley/config"
)

// EnvPrefix prefixes every environment override, e.g. PARLEY_BACKEND_URL.
const EnvPrefix = "PARLEY_"

// BackendConfig describes the assistant webhook.
type BackendConfig struct {
	// URL is the webhook endpoint.
	URL string `yaml:"url" env:"URL"`
	// Timeout bounds one request, including the wait for a reply.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// MessageField and SessionField name the JSON body fields.
	MessageField string `yaml:"message_field" env:"MESSAGE_FIELD"`
	SessionField string `yaml:"session_field" env:"SESSION_FIELD"`
	// SessionHeader mirrors the session id as a header; empty disables it.
	SessionHeader string `yaml:"session_header" env:"SESSION_HEADER"`
	// MaxResponseBytes bounds the reply size; longer replies count as failures.
	MaxResponseBytes int64 `yaml:"max_response_bytes" env:"MAX_RESPONSE_BYTES"`
	// RateLimit caps outbound requests per second; 0 disables it.
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" env:"RATE_BURST"`
	// Headers are added to every request, e.g. an Authorization token.
	Headers map[string]string `yaml:"headers" env:"HEADERS"`
}

// Preset is a canned prompt offered in the tools menu.
type Preset struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
	Text  string `yaml:"text"`
}

// ChatConfig holds what the chat view shows and accepts.
type ChatConfig struct {
	Greeting      string   `yaml:"greeting" env:"GREETING"`
	Apology       string   `yaml:"apology" env:"APOLOGY"`
	MaxInputChars int      `yaml:"max_input_chars" env:"MAX_INPUT_CHARS"`
	Presets       []Preset `yaml:"presets"`
}

// WebConfig holds the web server settings.
type WebConfig struct {
	// Host is the listen address (default: 127.0.0.1).
	// Use "0.0.0.0" to listen on all interfaces.
	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT"`
	// CookieName is the session cookie holding the stored identifier.
	CookieName string `yaml:"cookie_name" env:"COOKIE_NAME"`
	// QueryParam is the URL parameter reflecting the identifier.
	QueryParam   string `yaml:"query_param" env:"QUERY_PARAM"`
	SecureCookie bool   `yaml:"secure_cookie" env:"SECURE_COOKIE"`
	// LinkSecret signs page links for browsers that refuse cookies.
	// Empty generates one per process.
	LinkSecret string `yaml:"link_secret" env:"LINK_SECRET"`
	// MaxSessions bounds the number of live conversations.
	MaxSessions int `yaml:"max_sessions" env:"MAX_SESSIONS"`
	// IdleTTL drops conversations with no activity for this long.
	IdleTTL time.Duration `yaml:"idle_ttl" env:"IDLE_TTL"`
	// RateLimit is requests per second per client IP; 0 disables it.
	RateLimit      float64  `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst      int      `yaml:"rate_burst" env:"RATE_BURST"`
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES"`
	// StaticDir serves assets from disk instead of the embedded copy.
	StaticDir string `yaml:"static_dir" env:"STATIC_DIR"`
}

// LoggingConfig holds logging defaults; command-line flags take precedence.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	File  string `yaml:"file" env:"FILE"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// Config is the complete Parley configuration.
type Config struct {
	Backend BackendConfig `yaml:"backend" envPrefix:"BACKEND_"`
	Chat    ChatConfig    `yaml:"chat" envPrefix:"CHAT_"`
	Web     WebConfig     `yaml:"web" envPrefix:"WEB_"`
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_"`
}

// Parse decodes YAML data over the embedded defaults.
// It does not apply environment overrides or validate.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultConfig.DefaultConfigYAML, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse embedded default config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Load builds the configuration from the defaults, the file at path (if
// path is not empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if c.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	} else if u, err := url.Parse(c.Backend.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.url %q must be an absolute http(s) URL", c.Backend.URL))
	}
	if c.Backend.Timeout < 0 {
		errs = append(errs, errors.New("backend.timeout must not be negative"))
	}
	if c.Backend.RateLimit < 0 {
		errs = append(errs, errors.New("backend.rate_limit must not be negative"))
	}

	if c.Chat.MaxInputChars < 0 {
		errs = append(errs, errors.New("chat.max_input_chars must not be negative"))
	}
	seen := make(map[string]bool, len(c.Chat.Presets))
	for i, p := range c.Chat.Presets {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Errorf("chat.presets[%d]: id is required", i))
		case seen[p.ID]:
			errs = append(errs, fmt.Errorf("chat.presets[%d]: duplicate id %q", i, p.ID))
		case p.Text == "":
			errs = append(errs, fmt.Errorf("chat.presets[%d]: preset %q has no text", i, p.ID))
		}
		seen[p.ID] = true
	}

	if c.Web.Port < 0 || c.Web.Port > 65535 {
		errs = append(errs, fmt.Errorf("web.port %d is out of range", c.Web.Port))
	}
	if c.Web.CookieName == "" {
		errs = append(errs, errors.New("web.cookie_name is required"))
	}
	if c.Web.QueryParam == "" {
		errs = append(errs, errors.New("web.query_param is required"))
	}
	if c.Web.MaxSessions < 0 {
		errs = append(errs, errors.New("web.max_sessions must not be negative"))
	}
	if c.Web.IdleTTL < 0 {
		errs = append(errs, errors.New("web.idle_ttl must not be negative"))
	}
	if c.Web.RateLimit < 0 {
		errs = append(errs, errors.New("web.rate_limit must not be negative"))
	}
	for _, p := range c.Web.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			errs = append(errs, fmt.Errorf("web.trusted_proxies: %q is neither an IP nor a CIDR", p))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ListenAddr returns the host:port the web server binds to.
func (w WebConfig) ListenAddr() string {
	return net.JoinHostPort(w.Host, strconv.Itoa(w.Port))
}
