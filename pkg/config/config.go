package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/PagedKV/pagedkv/pkg/common/log"
)

const (
	DefaultManifestFileName = "MANIFEST"
	CurrentManifestVersion  = 1
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

type Config struct {
	Version int `json:"version"`

	// Block pool configuration
	TotalBlocks int `json:"total_blocks"`
	BlockSize   int `json:"block_size"`

	// Per-block payload shape
	NumLayers int `json:"num_layers"`
	NumHeads  int `json:"num_heads"`
	HeadDim   int `json:"head_dim"`

	// Tooling configuration
	SnapshotDir string `json:"snapshot_dir"`
	TraceDir    string `json:"trace_dir"`
	LogLevel    string `json:"log_level"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(statePath string) *Config {
	return &Config{
		Version: CurrentManifestVersion,

		// Pool defaults
		TotalBlocks: 100,
		BlockSize:   16,

		// Shape defaults
		NumLayers: 4,
		NumHeads:  8,
		HeadDim:   64,

		// Tooling defaults
		SnapshotDir: filepath.Join(statePath, "snapshots"),
		TraceDir:    filepath.Join(statePath, "traces"),
		LogLevel:    "info",
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

	if c.TotalBlocks <= 0 {
		return fmt.Errorf("%w: total blocks must be positive", ErrInvalidConfig)
	}

	if c.BlockSize <= 0 {
		return fmt.Errorf("%w: block size must be positive", ErrInvalidConfig)
	}

	if c.NumLayers <= 0 {
		return fmt.Errorf("%w: layer count must be positive", ErrInvalidConfig)
	}

	if c.NumHeads <= 0 {
		return fmt.Errorf("%w: head count must be positive", ErrInvalidConfig)
	}

	if c.HeadDim <= 0 {
		return fmt.Errorf("%w: head dimension must be positive", ErrInvalidConfig)
	}

	if c.LogLevel != "" {
		if _, err := log.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	return nil
}

// LoadConfigFromManifest loads just the configuration portion from the manifest file
func LoadConfigFromManifest(statePath string) (*Config, error) {
	manifestPath := filepath.Join(statePath, DefaultManifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SaveManifest saves the configuration to the manifest file
func (c *Config) SaveManifest(statePath string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.validateLocked(); err != nil {
		return err
	}

	if err := os.MkdirAll(statePath, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	manifestPath := filepath.Join(statePath, DefaultManifestFileName)
	tempPath := manifestPath + ".tmp"

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tempPath, manifestPath); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	return nil
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
