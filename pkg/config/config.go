package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	CurrentConfigVersion = 1

	DefaultBlockSize = 64 * 1024
	MinBlockSize     = 4 * 1024
	MaxBlockSize     = 16 * 1024 * 1024
)

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("config file not found")
)

type SyncMode int

const (
	SyncNone SyncMode = iota
	SyncBatch
	SyncImmediate
)

// String returns the name used in config files
func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncBatch:
		return "batch"
	case SyncImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// ParseSyncMode parses a sync mode name
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(s) {
	case "none":
		return SyncNone, nil
	case "batch":
		return SyncBatch, nil
	case "immediate", "":
		return SyncImmediate, nil
	default:
		return 0, fmt.Errorf("%w: unknown sync mode %q", ErrInvalidConfig, s)
	}
}

// MarshalText lets JSON and YAML files spell sync modes by name
func (m SyncMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses a sync mode name
func (m *SyncMode) UnmarshalText(text []byte) error {
	mode, err := ParseSyncMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

type Config struct {
	Version int `json:"version" yaml:"version"`

	// Container layout
	BlockSize int  `json:"block_size" yaml:"block_size"`
	Encrypt   bool `json:"encrypt" yaml:"encrypt"`

	// Codec selection
	Compressor       string `json:"compressor" yaml:"compressor"`
	CompressionLevel int    `json:"compression_level" yaml:"compression_level"`
	ImageTranscode   bool   `json:"image_transcode" yaml:"image_transcode"`
	DeltaEncode      bool   `json:"delta_encode" yaml:"delta_encode"`
	Workers          int    `json:"workers" yaml:"workers"`

	// Durability
	SyncMode  SyncMode `json:"sync_mode" yaml:"sync_mode"`
	SyncBytes int64    `json:"sync_bytes" yaml:"sync_bytes"`

	// Open-time behaviour
	LockFile     bool `json:"lock_file" yaml:"lock_file"`
	VerifyDigest bool `json:"verify_digest" yaml:"verify_digest"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentConfigVersion,

		BlockSize: DefaultBlockSize,

		Compressor:       "auto",
		CompressionLevel: 2,
		ImageTranscode:   true,
		DeltaEncode:      true,
		Workers:          runtime.GOMAXPROCS(0),

		SyncMode:  SyncImmediate,
		SyncBytes: 1024 * 1024, // 1MB

		LockFile:     true,
		VerifyDigest: true,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validateLocked()
}

func (c *Config) validateLocked() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.BlockSize < MinBlockSize || c.BlockSize > MaxBlockSize {
		return fmt.Errorf("%w: block size %d outside [%d, %d]", ErrInvalidConfig, c.BlockSize, MinBlockSize, MaxBlockSize)
	}

	switch strings.ToLower(c.Compressor) {
	case "auto", "zstd", "lz4", "snappy", "xz", "none":
	default:
		return fmt.Errorf("%w: unknown compressor %q", ErrInvalidConfig, c.Compressor)
	}

	if c.CompressionLevel < 1 || c.CompressionLevel > 4 {
		return fmt.Errorf("%w: compression level must be between 1 and 4", ErrInvalidConfig)
	}

	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", ErrInvalidConfig)
	}

	if c.SyncMode < SyncNone || c.SyncMode > SyncImmediate {
		return fmt.Errorf("%w: invalid sync mode %d", ErrInvalidConfig, c.SyncMode)
	}

	if c.SyncMode == SyncBatch && c.SyncBytes <= 0 {
		return fmt.Errorf("%w: sync bytes must be positive in batch mode", ErrInvalidConfig)
	}

	return nil
}

// Clone returns an independent copy of the configuration
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:          c.Version,
		BlockSize:        c.BlockSize,
		Encrypt:          c.Encrypt,
		Compressor:       c.Compressor,
		CompressionLevel: c.CompressionLevel,
		ImageTranscode:   c.ImageTranscode,
		DeltaEncode:      c.DeltaEncode,
		Workers:          c.Workers,
		SyncMode:         c.SyncMode,
		SyncBytes:        c.SyncBytes,
		LockFile:         c.LockFile,
		VerifyDigest:     c.VerifyDigest,
	}
}

// isYAML reports whether path names a YAML file
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadConfig reads a JSON or YAML config file, chosen by extension. Fields
// missing from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := NewDefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig writes the configuration to path, replacing any existing file
// atomically
func (c *Config) SaveConfig(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.validateLocked(); err != nil {
		return err
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename config: %w", err)
	}

	return nil
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
