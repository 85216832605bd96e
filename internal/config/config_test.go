package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "logextract.yaml")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("Expected default config file to be written")
	}
	if len(cfg.Scan.Patterns) == 0 {
		t.Error("Expected default patterns to be set")
	}
	if cfg.Upload.BatchSize < 1 {
		t.Errorf("Expected positive default batch size, got %d", cfg.Upload.BatchSize)
	}
}

func TestLoadExisting(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "logextract.yaml")

	content := `
scan:
  root: ./incoming
  include: ["debug*", "*.dbg"]
  recursive: false
  patterns: ['src=\^(.*?)\^']
  max_workers: 2
upload:
  endpoint: http://example.invalid/upload
  batch_size: 5
  max_attempts: 2
  backoff_ms: 10
  timeout_seconds: 5
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Upload.BatchSize != 5 {
		t.Errorf("Expected batch size 5, got %d", cfg.Upload.BatchSize)
	}
	if len(cfg.Scan.Include) != 2 {
		t.Errorf("Expected 2 include globs, got %d", len(cfg.Scan.Include))
	}
	if cfg.Scan.Recursive {
		t.Error("Expected recursive=false")
	}
	// Relative root resolves against the config directory.
	if !filepath.IsAbs(cfg.Scan.Root) {
		t.Errorf("Expected resolved scan root, got %s", cfg.Scan.Root)
	}
}

func TestValidate(t *testing.T) {
	t.Run("rejects bad pattern at startup", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Scan.Patterns = []string{`(unclosed`}
		if err := cfg.Validate(); err == nil {
			t.Error("Expected validation error for bad pattern")
		}
	})

	t.Run("rejects empty patterns", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Scan.Patterns = nil
		if err := cfg.Validate(); err == nil {
			t.Error("Expected validation error for empty pattern list")
		}
	})

	t.Run("rejects short crypto key", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Crypto.TripleDESKey = "too-short"
		if err := cfg.Validate(); err == nil {
			t.Error("Expected validation error for non-24-byte key")
		}
	})

	t.Run("accepts defaults", func(t *testing.T) {
		if err := DefaultConfig().Validate(); err != nil {
			t.Errorf("Expected default config to validate, got %v", err)
		}
	})
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SCAN_ROOT", "/var/log/devices")
	t.Setenv("PORT", "9999")

	tmpDir := t.TempDir()
	cfg, err := Load(filepath.Join(tmpDir, "logextract.yaml"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Scan.Root != "/var/log/devices" {
		t.Errorf("Expected SCAN_ROOT override, got %s", cfg.Scan.Root)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Expected PORT override, got %d", cfg.Server.Port)
	}
}
