// File: internal/config/config.go

package config

import (
	"fmt"
	"mime"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds all proxy configuration
type Config struct {
	// Inbound transport
	ListenAddress  string `json:"listen_address" yaml:"listen_address"`
	ContentType    string `json:"content_type" yaml:"content_type"`
	MaxMessageSize int64  `json:"max_message_size" yaml:"max_message_size"`

	// Outbound transport
	DeliveryTimeout time.Duration `json:"delivery_timeout" yaml:"delivery_timeout"`

	// Library liveness; an interval of 0 disables pinging
	LibraryPingInterval time.Duration `json:"library_ping_interval" yaml:"library_ping_interval"`
	LibraryPingFailures int           `json:"library_ping_failures" yaml:"library_ping_failures"`

	// Logging configuration
	Log LogConfig `json:"log" yaml:"log"`

	// Local engine configuration
	Engine EngineConfig `json:"engine" yaml:"engine"`
}

// LogConfig holds logging-related configuration
type LogConfig struct {
	Level       string   `json:"level" yaml:"level"`
	Format      string   `json:"format" yaml:"format"` // "json" or "console"
	OutputPaths []string `json:"output_paths" yaml:"output_paths"`
}

// EngineConfig holds settings of the bbolt development engine
type EngineConfig struct {
	DataDir     string        `json:"data_dir" yaml:"data_dir"`
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout"`
}

// Replaced in tests.
var (
	getConfigPath     = defaultConfigPath
	getDefaultDataDir = defaultDataDir
)

func defaultConfigPath() (string, error) {
	baseDir := os.Getenv("CADENCE_PROXY_CONFIG_DIR")
	if baseDir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(configDir, "cadence-proxy")
	}
	return filepath.Join(baseDir, "config.yaml"), nil
}

func defaultDataDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "windows":
		if appData, err := os.UserConfigDir(); err == nil {
			return filepath.Join(appData, "CadenceProxy", "Data"), nil
		}
		return filepath.Join(homeDir, "AppData", "Local", "CadenceProxy"), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "CadenceProxy"), nil
	default: // Linux and others
		if xdgDataHome := os.Getenv("XDG_DATA_HOME"); xdgDataHome != "" {
			return filepath.Join(xdgDataHome, "cadence-proxy"), nil
		}
		return filepath.Join(homeDir, ".local", "share", "cadence-proxy"), nil
	}
}

// ConfigPath returns the path Load uses when none is given
func ConfigPath() (string, error) {
	return getConfigPath()
}

// DefaultConfig returns a new Config with default values
func DefaultConfig() *Config {
	dataDir, err := getDefaultDataDir()
	if err != nil {
		dataDir = filepath.Join(os.TempDir(), "cadence-proxy")
	}

	return &Config{
		ListenAddress:       "127.0.0.1:5000",
		ContentType:         "application/x-cadence-proxy",
		MaxMessageSize:      16 * 1024 * 1024, // 16MB
		DeliveryTimeout:     10 * time.Second,
		LibraryPingInterval: 0,
		LibraryPingFailures: 3,
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stderr"},
		},
		Engine: EngineConfig{
			DataDir:     dataDir,
			OpenTimeout: time.Second,
		},
	}
}

// Load loads the configuration from the specified file. A missing file yields
// the defaults. Environment variables override file values.
func Load(configPath string) (*Config, error) {
	// If no config path provided, use default
	if configPath == "" {
		var err error
		configPath, err = getConfigPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := overrideFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to the specified file
func (c *Config) Save(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// DBPath returns the path of the development engine database
func (c *Config) DBPath() string {
	return filepath.Join(c.Engine.DataDir, "engine.db")
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	_, port, err := net.SplitHostPort(c.ListenAddress)
	if err != nil {
		return fmt.Errorf("invalid listen_address %q: %w", c.ListenAddress, err)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("invalid listen_address %q: bad port", c.ListenAddress)
	}

	if _, _, err := mime.ParseMediaType(c.ContentType); err != nil {
		return fmt.Errorf("invalid content_type %q: %w", c.ContentType, err)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be positive")
	}
	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("delivery_timeout must be positive")
	}
	if c.LibraryPingInterval < 0 {
		return fmt.Errorf("library_ping_interval must not be negative")
	}
	if c.LibraryPingInterval > 0 && c.LibraryPingFailures < 1 {
		return fmt.Errorf("library_ping_failures must be at least 1")
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q: want json or console", c.Log.Format)
	}

	if c.Engine.DataDir == "" {
		return fmt.Errorf("engine.data_dir is required")
	}
	return nil
}

// overrideFromEnv overrides configuration values from environment variables
func overrideFromEnv(config *Config) error {
	if val := os.Getenv("CADENCE_PROXY_LISTEN_ADDRESS"); val != "" {
		config.ListenAddress = val
	}
	if val := os.Getenv("CADENCE_PROXY_MAX_MESSAGE_SIZE"); val != "" {
		size, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CADENCE_PROXY_MAX_MESSAGE_SIZE: %w", err)
		}
		config.MaxMessageSize = size
	}
	if val := os.Getenv("CADENCE_PROXY_DELIVERY_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid CADENCE_PROXY_DELIVERY_TIMEOUT: %w", err)
		}
		config.DeliveryTimeout = d
	}
	if val := os.Getenv("CADENCE_PROXY_PING_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid CADENCE_PROXY_PING_INTERVAL: %w", err)
		}
		config.LibraryPingInterval = d
	}
	if val := os.Getenv("CADENCE_PROXY_PING_FAILURES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid CADENCE_PROXY_PING_FAILURES: %w", err)
		}
		config.LibraryPingFailures = n
	}

	// Logging
	if val := os.Getenv("CADENCE_PROXY_LOG_LEVEL"); val != "" {
		config.Log.Level = val
	}
	if val := os.Getenv("CADENCE_PROXY_LOG_FORMAT"); val != "" {
		config.Log.Format = val
	}

	if val := os.Getenv("CADENCE_PROXY_DATA_DIR"); val != "" {
		config.Engine.DataDir = val
	}
	return nil
}
