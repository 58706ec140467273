// Package config loads chap-fuse settings.
//
// Values are layered: built-in defaults, then the TOML file, then CHAP_*
// environment variables. Command-line flags are applied on top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap/zapcore"

	"chap-fuse/catalog"
	"chap-fuse/llm"
)

// EnvPrefix prefixes every environment variable, e.g. CHAP_BACKEND_URL.
const EnvPrefix = "CHAP"

// Backend kinds.
const (
	BackendChat  = "chat"
	BackendLorem = "lorem"
)

// Config holds all chap-fuse configuration.
type Config struct {
	PromptsDir string        `toml:"prompts_dir" split_words:"true"`
	DiagAddr   string        `toml:"diag_addr" split_words:"true"`
	Debug      bool          `toml:"debug" split_words:"true"`
	Backend    BackendConfig `toml:"backend"`
	Log        LogConfig     `toml:"log"`
}

// BackendConfig selects and configures the answer provider.
type BackendConfig struct {
	Kind              string   `toml:"kind" split_words:"true"`
	URL               string   `toml:"url" split_words:"true"`
	APIKey            string   `toml:"api_key" split_words:"true"`
	Model             string   `toml:"model" split_words:"true"`
	Timeout           Duration `toml:"timeout" split_words:"true"`
	MaxRetries        int      `toml:"max_retries" split_words:"true"`
	RequestsPerSecond float64  `toml:"requests_per_second" split_words:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `toml:"level" split_words:"true"`
	Development bool   `toml:"development" split_words:"true"`
}

// Duration is a time.Duration written as a string like "90s" in TOML and
// the environment.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		PromptsDir: catalog.DefaultDir(),
		Backend: BackendConfig{
			Kind:       BackendChat,
			URL:        llm.DefaultBaseURL,
			Model:      llm.DefaultModel,
			Timeout:    Duration{2 * time.Minute},
			MaxRetries: 2,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns <user config dir>/chap/fuse.toml, or "" when the
// user config directory cannot be determined.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "chap", "fuse.toml")
}

// Load builds the configuration from defaults, the TOML file at path and
// the environment. An empty path means DefaultPath, which may be absent;
// an explicit path must exist. The result is not validated: callers apply
// command-line overrides first and then call Validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if cfg.Backend.APIKey == "" {
		cfg.Backend.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case BackendChat:
		u, err := url.Parse(c.Backend.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid backend url %q", c.Backend.URL)
		}
	case BackendLorem:
	default:
		return fmt.Errorf("unknown backend %q (want %q or %q)", c.Backend.Kind, BackendChat, BackendLorem)
	}
	if c.Backend.Timeout.Duration < 0 {
		return fmt.Errorf("backend timeout must not be negative")
	}
	if c.Backend.MaxRetries < 0 {
		return fmt.Errorf("backend max_retries must not be negative")
	}
	if c.Backend.RequestsPerSecond < 0 {
		return fmt.Errorf("backend requests_per_second must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// ChatConfig returns the settings for llm.NewChatClient.
func (c *Config) ChatConfig() llm.ChatConfig {
	return llm.ChatConfig{
		BaseURL:           c.Backend.URL,
		APIKey:            c.Backend.APIKey,
		Model:             c.Backend.Model,
		Timeout:           c.Backend.Timeout.Duration,
		MaxRetries:        c.Backend.MaxRetries,
		RequestsPerSecond: c.Backend.RequestsPerSecond,
	}
}
