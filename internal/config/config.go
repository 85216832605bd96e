// Package config provides YAML-based configuration for the extraction
// pipeline. Configuration is loaded once at startup and treated as a
// static settings object; a bad pattern or unreachable directory is a
// fatal startup error, never a per-file error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Scan    ScanConfig    `yaml:"scan"`
	Upload  UploadConfig  `yaml:"upload"`
	Crypto  CryptoConfig  `yaml:"crypto"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
}

// ScanConfig controls directory scanning and content analysis.
type ScanConfig struct {
	Root       string   `yaml:"root"`
	Include    []string `yaml:"include"`   // doublestar globs against the base name
	Recursive  bool     `yaml:"recursive"`
	Patterns   []string `yaml:"patterns"`  // ordered extraction regexes
	MaxWorkers int      `yaml:"max_workers"`
	Watch      bool     `yaml:"watch"`
	DebounceMs int      `yaml:"debounce_ms"`
}

// UploadConfig controls batching and the retry policy for the remote sink.
type UploadConfig struct {
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	BatchSize      int    `yaml:"batch_size"`
	MaxAttempts    int    `yaml:"max_attempts"`
	BackoffMs      int    `yaml:"backoff_ms"`
}

// CryptoConfig holds the key for on-demand record preview decryption.
type CryptoConfig struct {
	TripleDESKey string `yaml:"triple_des_key"` // 24 bytes
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int    `yaml:"port"`
	BindAddress  string `yaml:"bind_address"`
	EnableCORS   bool   `yaml:"enable_cors"`
	AllowOrigins string `yaml:"allow_origins"`
	ReadTimeout  int    `yaml:"read_timeout_seconds"`
	WriteTimeout int    `yaml:"write_timeout_seconds"`
	BodyLimit    string `yaml:"body_limit"`
}

// StorageConfig contains on-disk locations for run state and history.
type StorageConfig struct {
	DataDirectory string `yaml:"data_directory"`
	SnapshotFile  string `yaml:"snapshot_file"`
	HistoryDir    string `yaml:"history_directory"`
}

// DefaultConfig returns the configuration written on first run. The
// default extraction patterns target the vendor debug log format, where
// the payload is delimited by carets after a fixed marker.
func DefaultConfig() *Config {
	return &Config{
		Scan: ScanConfig{
			Root:      "./logs",
			Include:   []string{"debug*"},
			Recursive: true,
			Patterns: []string{
				`(?s)【日志内容】：源码：\s*\^(.*?)\^`,
				`(?s)【日志内容】：源码：[\s]*\^(.+?)\^`,
			},
			MaxWorkers: 4,
			Watch:      false,
			DebounceMs: 300,
		},
		Upload: UploadConfig{
			Endpoint:       "http://127.0.0.1:800/XB/DataUpload",
			TimeoutSeconds: 30,
			BatchSize:      20,
			MaxAttempts:    3,
			BackoffMs:      500,
		},
		Crypto: CryptoConfig{
			TripleDESKey: "",
		},
		Server: ServerConfig{
			Port:         8090,
			BindAddress:  "127.0.0.1",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 30,
			BodyLimit:    "16M",
		},
		Storage: StorageConfig{
			DataDirectory: "./data",
			SnapshotFile:  "./data/run_state.bin",
			HistoryDir:    "./data/history",
		},
	}
}

// Load reads the configuration from a YAML file, creating the default on
// first run. Validation failures are returned as fatal errors.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("creating default config: %w", err)
		}
		cfg.applyEnvironmentOverrides()
		cfg.resolvePaths(filepath.Dir(configPath))
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.resolvePaths(filepath.Dir(configPath))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(configPath string) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	header := []byte("# logextract configuration\n# This file is auto-generated on first run\n\n")
	if err := os.WriteFile(configPath, append(header, out...), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks the parts of the configuration that must fail at
// startup: extraction patterns that do not compile and nonsensical
// numeric knobs.
func (c *Config) Validate() error {
	if len(c.Scan.Patterns) == 0 {
		return fmt.Errorf("config: at least one extraction pattern is required")
	}
	for i, p := range c.Scan.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("config: pattern %d does not compile: %w", i+1, err)
		}
	}
	if len(c.Scan.Include) == 0 {
		return fmt.Errorf("config: at least one include glob is required")
	}
	if c.Upload.BatchSize < 1 {
		return fmt.Errorf("config: upload batch_size must be >= 1, got %d", c.Upload.BatchSize)
	}
	if c.Upload.MaxAttempts < 1 {
		return fmt.Errorf("config: upload max_attempts must be >= 1, got %d", c.Upload.MaxAttempts)
	}
	if c.Scan.MaxWorkers < 1 {
		return fmt.Errorf("config: scan max_workers must be >= 1, got %d", c.Scan.MaxWorkers)
	}
	if k := c.Crypto.TripleDESKey; k != "" && len(k) != 24 {
		return fmt.Errorf("config: triple_des_key must be 24 bytes, got %d", len(k))
	}
	return nil
}

// applyEnvironmentOverrides allows environment variables to override
// config values, matching the deployment conventions of the server.
func (c *Config) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
	}
	if root := os.Getenv("SCAN_ROOT"); root != "" {
		c.Scan.Root = root
	}
	if url := os.Getenv("UPLOAD_URL"); url != "" {
		c.Upload.Endpoint = url
	}
}

// resolvePaths converts relative paths to absolute based on the config
// file location.
func (c *Config) resolvePaths(configDir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(configDir, p)
	}
	c.Storage.DataDirectory = resolve(c.Storage.DataDirectory)
	c.Storage.SnapshotFile = resolve(c.Storage.SnapshotFile)
	c.Storage.HistoryDir = resolve(c.Storage.HistoryDir)
	c.Scan.Root = resolve(c.Scan.Root)
}

// EnsureDirectories creates the data directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Storage.DataDirectory, c.Storage.HistoryDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// ServerAddr returns the HTTP bind address.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// UploadTimeout returns the per-request network timeout.
func (u UploadConfig) UploadTimeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// Backoff returns the base retry backoff interval.
func (u UploadConfig) Backoff() time.Duration {
	return time.Duration(u.BackoffMs) * time.Millisecond
}

// Debounce returns the watch-mode debounce window.
func (s ScanConfig) Debounce() time.Duration {
	return time.Duration(s.DebounceMs) * time.Millisecond
}
