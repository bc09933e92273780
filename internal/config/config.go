package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	LogFormatJSON = "json"
	LogFormatText = "text"

	defaultListenAddr = "127.0.0.1:8740"
)

// Config is the on-disk configuration for redeven-research. JSON and YAML
// files are both accepted; the extension picks the codec.
//
// NOTE: API keys never live in this file. They come from the environment
// (or a .env file), named by providers[].api_key_env.
type Config struct {
	// DataDir holds the SQLite store. Defaults to the config file's dir.
	DataDir string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`

	// ListenAddr is the HTTP listen address of `serve`.
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`

	AI       *AIConfig       `json:"ai" yaml:"ai"`
	Research *ResearchConfig `json:"research,omitempty" yaml:"research,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty" yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.AI == nil {
		return errors.New("missing ai")
	}
	if err := c.AI.Validate(); err != nil {
		return fmt.Errorf("invalid ai: %w", err)
	}
	if err := c.Research.Validate(); err != nil {
		return fmt.Errorf("invalid research: %w", err)
	}
	switch strings.TrimSpace(strings.ToLower(c.LogFormat)) {
	case "", LogFormatJSON, LogFormatText:
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(strings.ToLower(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

func (c *Config) EffectiveListenAddr() string {
	if c == nil || strings.TrimSpace(c.ListenAddr) == "" {
		return defaultListenAddr
	}
	return strings.TrimSpace(c.ListenAddr)
}

func (c *Config) EffectiveLogFormat() string {
	if c != nil && strings.TrimSpace(strings.ToLower(c.LogFormat)) == LogFormatText {
		return LogFormatText
	}
	return LogFormatJSON
}

func (c *Config) EffectiveLogLevel() string {
	if c == nil || strings.TrimSpace(c.LogLevel) == "" {
		return "info"
	}
	return strings.TrimSpace(strings.ToLower(c.LogLevel))
}

// EffectiveDataDir resolves DataDir against the directory of configPath.
func (c *Config) EffectiveDataDir(configPath string) string {
	base := filepath.Dir(strings.TrimSpace(configPath))
	if c == nil || strings.TrimSpace(c.DataDir) == "" {
		return filepath.Join(base, "data")
	}
	dir := strings.TrimSpace(c.DataDir)
	if filepath.IsAbs(dir) {
		return filepath.Clean(dir)
	}
	return filepath.Join(base, dir)
}

// Default is a working offline configuration: the scripted provider and the
// static search backend.
func Default() *Config {
	return &Config{
		AI: &AIConfig{
			Providers: []AIProvider{{
				ID:     "scripted",
				Name:   "Scripted",
				Type:   ProviderTypeScripted,
				Models: []AIProviderModel{{ModelName: "echo", IsDefault: true}},
			}},
			WebSearchProvider: WebSearchStatic,
		},
	}
}

// DefaultConfigPath returns the default config path:
//
//	~/.redeven-research/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "redeven-research.config.json"
	}
	return filepath.Join(home, ".redeven-research", "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(b, &cfg)
	} else {
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	var (
		b   []byte
		err error
	)
	if isYAML(path) {
		b, err = yaml.Marshal(cfg)
	} else {
		b, err = json.MarshalIndent(cfg, "", "  ")
		b = append(b, '\n')
	}
	if err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
