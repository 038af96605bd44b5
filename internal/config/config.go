// Package config provides thread-safe configuration management for winebasin.
// Configuration is a key=value file layered over the Defaults table and a few
// environment overrides. Saving is atomic.
package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/moby/sys/atomicwriter"
)

// Config manages winebasin configuration with thread-safe operations
type Config struct {
	filePath  string
	data      map[string]string
	overrides map[string]string // process-lifetime values, never saved
	loaded    bool              // Track if configuration has been loaded from disk
	mu        sync.Mutex
}

// ensureLoaded loads configuration data from disk once before read operations.
// This method must only be called while holding c.mu.Lock.
func (c *Config) ensureLoaded() error {
	if c.loaded {
		return nil
	}
	return c.Load()
}

// DefaultFilePath returns $XDG_CONFIG_HOME/winebasin/winebasin.conf
func DefaultFilePath() string {
	return filepath.Join(xdg.ConfigHome, "winebasin", "winebasin.conf")
}

// New creates a new Config instance. An empty path selects DefaultFilePath.
func New(filePath string) *Config {
	if filePath == "" {
		filePath = DefaultFilePath()
	}

	return &Config{
		filePath:  filePath,
		data:      make(map[string]string),
		overrides: make(map[string]string),
	}
}

// Load reads configuration from file
func (c *Config) Load() error {
	// If file doesn't exist, that's okay - we'll create it on Save
	if _, err := os.Stat(c.filePath); os.IsNotExist(err) {
		c.loaded = true
		return nil
	}

	file, err := os.Open(c.filePath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			c.data[key] = value
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	c.loaded = true
	return nil
}

// Save writes the file keys sorted, replacing the old file atomically.
// Overrides and environment values are never written.
func (c *Config) Save() error {
	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# winebasin configuration")
	fmt.Fprintf(&buf, "# Generated: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintln(&buf)

	keys := make([]string, 0, len(c.data))
	for key := range c.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", key, c.data[key])
	}

	if err := atomicwriter.WriteFile(c.filePath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Get retrieves a configuration value (thread-safe)
func (c *Config) Get(key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoaded(); err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	if value, ok := c.overrides[key]; ok {
		return value, nil
	}
	if value, ok := envOverride(key); ok {
		return value, nil
	}
	value, exists := c.data[key]
	if !exists {
		return "", fmt.Errorf("config key not found: %s", key)
	}
	return value, nil
}

// GetOrDefault retrieves a value or returns default if not found (thread-safe)
// Lookup order: Override, environment, config file, Defaults table, fallback.
func (c *Config) GetOrDefault(key, defaultValue string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if value, ok := c.overrides[key]; ok {
		return value
	}
	if value, ok := envOverride(key); ok {
		return value
	}
	if err := c.ensureLoaded(); err != nil {
		return defaultValue
	}
	if value, exists := c.data[key]; exists {
		return value
	}
	if tableDefault, exists := Defaults[key]; exists {
		return tableDefault
	}
	return defaultValue
}

// Set sets a configuration value and persists it (thread-safe)
func (c *Config) Set(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Load existing configuration first to avoid overwriting
	if !c.loaded {
		if err := c.Load(); err != nil {
			return fmt.Errorf("failed to load existing config before set: %w", err)
		}
	}

	c.data[key] = value
	return c.Save()
}

// Override sets a value for the lifetime of this process without saving it.
// Used for command-line flags such as --data-dir.
func (c *Config) Override(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.overrides[key] = value
}

// Exists checks if a key exists (thread-safe)
func (c *Config) Exists(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoaded(); err != nil {
		return false
	}
	_, exists := c.data[key]
	return exists
}

// GetAll returns all configuration data (thread-safe)
func (c *Config) GetAll() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoaded(); err != nil {
		return map[string]string{}
	}
	result := make(map[string]string, len(c.data))
	for k, v := range c.data {
		result[k] = v
	}
	return result
}

// Delete removes a configuration key (thread-safe)
func (c *Config) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		if err := c.Load(); err != nil {
			return fmt.Errorf("failed to load existing config before delete: %w", err)
		}
	}

	delete(c.data, key)
	return c.Save()
}

// FilePath returns the configuration file path
func (c *Config) FilePath() string {
	return c.filePath
}

// DataDir returns the absolute data directory
func (c *Config) DataDir() (string, error) {
	dir := c.GetOrDefault(KeyDataDir, "")
	if dir == "" {
		return "", fmt.Errorf("data directory is not configured")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve data directory %s: %w", dir, err)
	}
	return abs, nil
}

// FromEnvironment reports whether an environment variable currently
// overrides key
func (c *Config) FromEnvironment(key string) bool {
	_, ok := envOverride(key)
	return ok
}

func envOverride(key string) (string, bool) {
	name, ok := EnvOverrides[key]
	if !ok {
		return "", false
	}
	value := os.Getenv(name)
	if value == "" {
		return "", false
	}
	if key == KeyWineINFPath {
		// WINE_INF_DIR names the directory holding wine.inf
		return filepath.Join(value, "wine.inf"), true
	}
	return value, true
}
