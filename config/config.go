// Package config loads pagepack configuration from YAML or TOML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment modes.
const (
	ModeStatic   = "static"   // tokenize the markup, run no script
	ModeHeadless = "headless" // launch a local headless Chrome
	ModeRemote   = "remote"   // attach to a running Chrome
)

// Config is the top-level pagepack configuration.
type Config struct {
	Browser BrowserConfig `yaml:"browser" toml:"browser"`
	Fetch   FetchConfig   `yaml:"fetch" toml:"fetch"`
	Build   BuildConfig   `yaml:"build" toml:"build"`
	History HistoryConfig `yaml:"history" toml:"history"`
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Watch   WatchConfig   `yaml:"watch" toml:"watch"`
}

// BrowserConfig selects and tunes the page environment.
type BrowserConfig struct {
	Mode              string        `yaml:"mode" toml:"mode"` // static | headless | remote
	Remote            string        `yaml:"remote" toml:"remote"`
	Bin               string        `yaml:"bin" toml:"bin"`
	Stealth           bool          `yaml:"stealth" toml:"stealth"`
	ResourceBlocking  []string      `yaml:"resource_blocking" toml:"resource_blocking"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout" toml:"navigation_timeout"`
}

// FetchConfig tunes the raw fetcher.
type FetchConfig struct {
	Root      string        `yaml:"root" toml:"root"` // target of "//" references
	UserAgent string        `yaml:"user_agent" toml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout" toml:"timeout"`
	MaxBytes  int64         `yaml:"max_bytes" toml:"max_bytes"`
	// ValidateURLs refuses remote pages and resources on private or
	// loopback addresses.
	ValidateURLs bool `yaml:"validate_urls" toml:"validate_urls"`
}

// BuildConfig holds build defaults; command-line flags override them.
type BuildConfig struct {
	OutputDir  string   `yaml:"output_dir" toml:"output_dir"`
	IncludeAll bool     `yaml:"include_all" toml:"include_all"`
	Minify     bool     `yaml:"minify" toml:"minify"`
	Marker     string   `yaml:"marker" toml:"marker"`
	Stages     []string `yaml:"stages" toml:"stages"` // subset of the default stages, in order
}

// HistoryConfig locates the build ledger. An empty Path disables it.
type HistoryConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// ServerConfig configures `pagepack serve`.
type ServerConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
	// ArtifactRoot confines the output_dir of builds requested over HTTP
	// or MCP. Empty leaves it unrestricted.
	ArtifactRoot string `yaml:"artifact_root" toml:"artifact_root"`
}

// WatchConfig tunes `pagepack build --watch`.
type WatchConfig struct {
	Interval time.Duration `yaml:"interval" toml:"interval"`
	Debounce time.Duration `yaml:"debounce" toml:"debounce"` // negative: rebuild on the first change seen
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads a configuration file. Files ending in .toml are decoded as
// TOML, anything else as YAML. An empty path returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch c.Browser.Mode {
	case ModeStatic, ModeHeadless:
	case ModeRemote:
		if c.Browser.Remote == "" {
			return fmt.Errorf("config: browser.mode %q needs browser.remote", ModeRemote)
		}
	default:
		return fmt.Errorf("config: unknown browser.mode %q", c.Browser.Mode)
	}
	if c.Fetch.MaxBytes < 0 {
		return fmt.Errorf("config: fetch.max_bytes must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Browser.Mode == "" {
		c.Browser.Mode = ModeStatic
	}
	if c.Browser.NavigationTimeout <= 0 {
		c.Browser.NavigationTimeout = 30 * time.Second
	}
	if c.Browser.ResourceBlocking == nil {
		c.Browser.ResourceBlocking = []string{"images", "fonts", "media"}
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.MaxBytes == 0 {
		c.Fetch.MaxBytes = 10 << 20
	}
	if c.Build.Marker == "" {
		c.Build.Marker = "compress"
	}
	if c.Watch.Interval <= 0 {
		c.Watch.Interval = 500 * time.Millisecond
	}
	if c.Watch.Debounce < 0 {
		c.Watch.Debounce = 0
	} else if c.Watch.Debounce == 0 {
		c.Watch.Debounce = 300 * time.Millisecond
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8088"
	}
}
