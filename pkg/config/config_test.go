package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	if cfg.Version != CurrentConfigVersion {
		t.Errorf("expected version %d, got %d", CurrentConfigVersion, cfg.Version)
	}

	if cfg.BlockSize != 64*1024 {
		t.Errorf("expected block size %d, got %d", 64*1024, cfg.BlockSize)
	}

	if cfg.Compressor != "auto" {
		t.Errorf("expected compressor auto, got %s", cfg.Compressor)
	}

	if cfg.SyncMode != SyncImmediate {
		t.Errorf("expected sync mode %d, got %d", SyncImmediate, cfg.SyncMode)
	}

	if !cfg.ImageTranscode || !cfg.DeltaEncode || !cfg.LockFile || !cfg.VerifyDigest {
		t.Errorf("expected transforms, locking and digest verification enabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid default config, got error: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name     string
		mutate   func(*Config)
		expected string
	}{
		{
			name: "invalid version",
			mutate: func(c *Config) {
				c.Version = 0
			},
			expected: "invalid configuration: invalid version 0",
		},
		{
			name: "block size too small",
			mutate: func(c *Config) {
				c.BlockSize = 1024
			},
			expected: "invalid configuration: block size 1024 outside [4096, 16777216]",
		},
		{
			name: "unknown compressor",
			mutate: func(c *Config) {
				c.Compressor = "brotli"
			},
			expected: `invalid configuration: unknown compressor "brotli"`,
		},
		{
			name: "compression level",
			mutate: func(c *Config) {
				c.CompressionLevel = 9
			},
			expected: "invalid configuration: compression level must be between 1 and 4",
		},
		{
			name: "zero workers",
			mutate: func(c *Config) {
				c.Workers = 0
			},
			expected: "invalid configuration: workers must be positive",
		},
		{
			name: "batch without threshold",
			mutate: func(c *Config) {
				c.SyncMode = SyncBatch
				c.SyncBytes = 0
			},
			expected: "invalid configuration: sync bytes must be positive in batch mode",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			if err.Error() != tc.expected {
				t.Errorf("expected error %q, got %q", tc.expected, err.Error())
			}
		})
	}
}

func TestConfigSaveLoad(t *testing.T) {
	for _, name := range []string{"usf.json", "usf.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			cfg := NewDefaultConfig()
			cfg.BlockSize = 128 * 1024
			cfg.Compressor = "lz4"
			cfg.SyncMode = SyncBatch

			if err := cfg.SaveConfig(path); err != nil {
				t.Fatalf("failed to save config: %v", err)
			}

			loaded, err := LoadConfig(path)
			if err != nil {
				t.Fatalf("failed to load config: %v", err)
			}

			if loaded.BlockSize != cfg.BlockSize {
				t.Errorf("expected block size %d, got %d", cfg.BlockSize, loaded.BlockSize)
			}
			if loaded.Compressor != "lz4" {
				t.Errorf("expected compressor lz4, got %s", loaded.Compressor)
			}
			if loaded.SyncMode != SyncBatch {
				t.Errorf("expected sync mode batch, got %s", loaded.SyncMode)
			}

			if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
				t.Errorf("temporary file left behind")
			}
		})
	}
}

func TestLoadConfigPartialYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yml")
	data := "compressor: zstd\nsync_mode: none\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Compressor != "zstd" || cfg.SyncMode != SyncNone {
		t.Errorf("expected zstd/none, got %s/%s", cfg.Compressor, cfg.SyncMode)
	}
	if cfg.BlockSize != DefaultBlockSize {
		t.Errorf("expected default block size, got %d", cfg.BlockSize)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadConfig(filepath.Join(dir, "missing.json")); !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("expected ErrConfigNotFound, got %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"sync_mode": "sometimes"}`), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	_, err := LoadConfig(bad)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	if err != nil && !strings.Contains(err.Error(), "sometimes") {
		t.Errorf("expected error to name the bad value, got %v", err)
	}
}

func TestConfigUpdate(t *testing.T) {
	cfg := NewDefaultConfig()

	cfg.Update(func(c *Config) {
		c.Workers = 3
		c.Encrypt = true
	})

	if cfg.Workers != 3 {
		t.Errorf("expected workers %d, got %d", 3, cfg.Workers)
	}

	if !cfg.Encrypt {
		t.Errorf("expected encrypt to be set")
	}

	clone := cfg.Clone()
	clone.Workers = 9
	if cfg.Workers != 3 {
		t.Errorf("clone shares state with the original")
	}
}
