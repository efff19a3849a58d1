// Package config loads go-livevoice settings from defaults, an optional
// YAML file, .env files and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-livevoice/pkg/audioio"
	"github.com/teslashibe/go-livevoice/pkg/session"
	"github.com/teslashibe/go-livevoice/pkg/transport"
)

// Defaults.
const (
	DefaultHTTPAddr    = ":8181"
	DefaultHistoryPath = "livevoice-history.json"
)

// Environment variables.
const (
	EnvGeminiKey    = "GEMINI_API_KEY"
	EnvGoogleKey    = "GOOGLE_API_KEY"
	EnvVoice        = "LIVEVOICE_VOICE"
	EnvModel        = "LIVEVOICE_MODEL"
	EnvHTTPAddr     = "LIVEVOICE_HTTP_ADDR"
	EnvAudioBackend = "LIVEVOICE_AUDIO_BACKEND"
	EnvHistoryPath  = "LIVEVOICE_HISTORY_PATH"
	EnvLogLevel     = "LOG_LEVEL"
	EnvLogFormat    = "LOG_FORMAT"
)

// Config is the full application configuration.
type Config struct {
	Session   session.Config  `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Web       WebConfig       `yaml:"web"`
	History   HistoryConfig   `yaml:"history"`
	Log       LogConfig       `yaml:"log"`
}

// TransportConfig tunes the live connection.
type TransportConfig struct {
	// Endpoint overrides the Gemini Live websocket URL.
	Endpoint string `yaml:"endpoint"`

	// HandshakeTimeout bounds the dial plus setup exchange.
	// Default: 15s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// WebConfig configures the HTTP surface.
type WebConfig struct {
	Addr string `yaml:"addr"`
}

// HistoryConfig configures the session history store.
type HistoryConfig struct {
	// Path of the JSON file. Empty disables history.
	Path string `yaml:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Session: session.DefaultConfig(),
		Transport: TransportConfig{
			Endpoint:         transport.GeminiLiveURL,
			HandshakeTimeout: 15 * time.Second,
		},
		Web:     WebConfig{Addr: DefaultHTTPAddr},
		History: HistoryConfig{Path: DefaultHistoryPath},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. path names an optional YAML file; each
// envFile that exists is loaded into the environment without overriding
// variables that are already set.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvGeminiKey); v != "" {
		c.Session.APIKey = v
	} else if v := os.Getenv(EnvGoogleKey); v != "" {
		c.Session.APIKey = v
	}
	if v := os.Getenv(EnvVoice); v != "" {
		c.Session.Voice = session.Voice(v)
	}
	if v := os.Getenv(EnvModel); v != "" {
		c.Session.Model = v
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		c.Web.Addr = v
	}
	if v := os.Getenv(EnvAudioBackend); v != "" {
		c.Session.Microphone.Backend = audioio.Backend(v)
		c.Session.Speaker.Backend = audioio.Backend(v)
	}
	if v, ok := os.LookupEnv(EnvHistoryPath); ok {
		c.History.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Log.Format = v
	}
}

// Validate checks the configuration and canonicalizes the voice name.
func (c *Config) Validate() error {
	voice, err := session.ParseVoice(string(c.Session.Voice))
	if err != nil {
		return fmt.Errorf("config: session.voice: %w", err)
	}
	c.Session.Voice = voice

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("config: session: %w", err)
	}
	if c.Web.Addr == "" {
		return fmt.Errorf("config: web.addr is required")
	}
	if c.Transport.HandshakeTimeout < 0 {
		return fmt.Errorf("config: transport.handshake_timeout must not be negative")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
