package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full server configuration. Values are resolved in
// order: defaults, config file, environment, CLI flags.
type Config struct {
	// Address the HTTP API binds to
	Address string `mapstructure:"address"`

	// APIKey, when non-empty, is required as a bearer token on every /api request
	APIKey string `mapstructure:"api_key"`

	// DataDir is the root of all persisted state
	DataDir string `mapstructure:"data_dir"`

	// PackagesDir is the root scanned for action packages
	PackagesDir string `mapstructure:"packages_dir"`

	// PackageWhitelist and ActionWhitelist restrict what the catalog serves.
	// Empty means everything.
	PackageWhitelist []string `mapstructure:"package_whitelist"`
	ActionWhitelist  []string `mapstructure:"action_whitelist"`

	// Pool sizing
	MinProcesses int  `mapstructure:"min_processes"`
	MaxProcesses int  `mapstructure:"max_processes"`
	MaxWaiters   int  `mapstructure:"max_waiters"`
	ReuseProcess bool `mapstructure:"reuse_process"`
	WarmEagerly  bool `mapstructure:"warm_eagerly"`

	// CancelGrace is how long a worker gets to acknowledge a cancel
	// before it is terminated
	CancelGrace time.Duration `mapstructure:"cancel_grace"`

	// ShutdownGrace bounds how long shutdown waits for in-flight runs
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`

	// EnvBuilder is the argv template for the environment builder tool;
	// the manifest path is appended
	EnvBuilder []string `mapstructure:"env_builder"`

	// ContainerOptimized disables version self-checks and passes a hint
	// to the environment builder
	ContainerOptimized bool `mapstructure:"container_optimized"`

	// DecryptKeys holds the base64 AES-256 keys tried in order when
	// decrypting request envelopes
	DecryptKeys []string `mapstructure:"decrypt_keys"`

	// PostRunCommand is the post-run hook template, shell-like tokenized
	PostRunCommand string `mapstructure:"post_run_command"`

	// ParentPID, when non-zero, makes the server exit once that process dies
	ParentPID int `mapstructure:"parent_pid"`

	// KillLockHolder terminates a prior lock holder instead of waiting
	KillLockHolder bool `mapstructure:"kill_lock_holder"`

	// Watch enables the filesystem reload watcher
	Watch bool `mapstructure:"watch"`

	// WatchDebounce coalesces filesystem events per package
	WatchDebounce time.Duration `mapstructure:"watch_debounce"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

const envPrefix = "ACTION_SERVER"

// Load resolves the configuration from defaults, an optional config file
// and ACTION_SERVER_* environment variables
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("address", "localhost:8080")
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("packages_dir", ".")
	v.SetDefault("min_processes", 0)
	v.SetDefault("max_processes", 4)
	v.SetDefault("max_waiters", 256)
	v.SetDefault("reuse_process", true)
	v.SetDefault("warm_eagerly", false)
	v.SetDefault("cancel_grace", 5*time.Second)
	v.SetDefault("shutdown_grace", 30*time.Second)
	v.SetDefault("env_builder", []string{"action-env-builder", "build"})
	v.SetDefault("watch", false)
	v.SetDefault("watch_debounce", 500*time.Millisecond)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	// The documented environment surface, bound to their config keys
	bindings := map[string]string{
		"decrypt_keys":        "DECRYPT_KEYS",
		"data_dir":            "HOME_DIR",
		"container_optimized": "OPTIMIZE_FOR_CONTAINER",
		"post_run_command":    "POST_RUN_COMMAND",
		"parent_pid":          "PARENT_PID",
		"api_key":             "API_KEY",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, envPrefix+"_"+env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// The decrypt-keys env var carries a JSON array of base64 keys.
	// Parsed by hand because viper's string-to-slice hook would split
	// the JSON on commas.
	if raw := strings.TrimSpace(v.GetString("decrypt_keys")); strings.HasPrefix(raw, "[") {
		cfg.DecryptKeys = nil
		if err := json.Unmarshal([]byte(raw), &cfg.DecryptKeys); err != nil {
			return nil, fmt.Errorf("parsing %s_DECRYPT_KEYS: %w", envPrefix, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.MaxProcesses < 1 {
		return fmt.Errorf("max_processes must be at least 1, got %d", c.MaxProcesses)
	}
	if c.MinProcesses > c.MaxProcesses {
		return fmt.Errorf("min_processes %d exceeds max_processes %d", c.MinProcesses, c.MaxProcesses)
	}
	if c.MaxWaiters < 0 {
		return fmt.Errorf("max_waiters must not be negative, got %d", c.MaxWaiters)
	}
	for i, k := range c.DecryptKeys {
		key, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return fmt.Errorf("decrypt key %d is not valid base64: %w", i, err)
		}
		if len(key) != 32 {
			return fmt.Errorf("decrypt key %d must be 32 bytes, got %d", i, len(key))
		}
	}
	return nil
}

// DecodedDecryptKeys returns the decrypt keys as raw 32-byte values
func (c *Config) DecodedDecryptKeys() [][]byte {
	keys := make([][]byte, 0, len(c.DecryptKeys))
	for _, k := range c.DecryptKeys {
		raw, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			continue // Validate rejected these already
		}
		keys = append(keys, raw)
	}
	return keys
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".action-server"
	}
	return filepath.Join(home, ".action-server")
}
