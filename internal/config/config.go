// Package config handles configuration loading, validation, and management
// for trustregd.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Chain identifies which chain's registries this daemon replicates.
	Chain ChainConfig `toml:"chain" json:"chain" yaml:"chain"`

	// Feed configuration for chain-event ingestion.
	Feed FeedConfig `toml:"feed" json:"feed" yaml:"feed"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// IPC configuration for the local query socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// HTTP configuration for health and metrics endpoints.
	HTTP HTTPConfig `toml:"http" json:"http" yaml:"http"`

	// AgentCard configuration for registration file fetching.
	AgentCard AgentCardConfig `toml:"agent_card" json:"agent_card" yaml:"agent_card"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// DevMode allows local mutations over IPC against a store that is
	// not backed by a feed. Never enable against a replicated store:
	// local writes will diverge from the chain.
	DevMode bool `toml:"dev_mode" json:"dev_mode" yaml:"dev_mode"`
}

// ChainConfig identifies the source chain.
type ChainConfig struct {
	// ID is the EIP-155 chain id (1 mainnet, 84532 Base Sepolia, ...).
	ID uint64 `toml:"id" json:"id" yaml:"id"`
}

// FeedConfig holds chain-event feed ingestion configuration.
type FeedConfig struct {
	// Dir is the directory holding *.jsonl segment files.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// PollIntervalSec bounds staleness when file notifications are lost.
	PollIntervalSec int `toml:"poll_interval_sec" json:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// IPCConfig holds local query socket configuration.
type IPCConfig struct {
	// Enabled determines whether the IPC server is started.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the Unix socket mode (e.g., "0600").
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections is the maximum concurrent connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the per-request read/write timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// HTTPConfig holds the health/metrics endpoint configuration.
type HTTPConfig struct {
	// Enabled determines whether the HTTP listener is started.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Addr is the listen address, e.g. "127.0.0.1:9411".
	Addr string `toml:"addr" json:"addr" yaml:"addr"`
}

// AgentCardConfig holds registration file fetch configuration.
type AgentCardConfig struct {
	// FetchTimeoutSec is the timeout for fetching a registration file.
	FetchTimeoutSec int `toml:"fetch_timeout_sec" json:"fetch_timeout_sec" yaml:"fetch_timeout_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", or a file path.
	Output string `toml:"output" json:"output" yaml:"output"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	paths := GetDefaultPaths()

	return &Config{
		Version: Version,
		Chain: ChainConfig{
			ID: 1,
		},
		Feed: FeedConfig{
			Dir:             filepath.Join(paths.DataDir, "feed"),
			PollIntervalSec: 5,
		},
		Storage: StorageConfig{
			Path: paths.DatabaseFile,
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     paths.SocketPath,
			Permissions:    "0600",
			MaxConnections: 16,
			TimeoutSec:     30,
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9411",
		},
		AgentCard: AgentCardConfig{
			FetchTimeoutSec: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Version <= 0 {
		errs = append(errs, fmt.Errorf("version must be positive, got %d", c.Version))
	}
	if c.Chain.ID == 0 {
		errs = append(errs, errors.New("chain.id is required"))
	}
	if c.Feed.Dir == "" {
		errs = append(errs, errors.New("feed.dir is required"))
	}
	if c.Feed.PollIntervalSec <= 0 {
		errs = append(errs, fmt.Errorf("feed.poll_interval_sec must be positive, got %d", c.Feed.PollIntervalSec))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if c.IPC.Enabled {
		if c.IPC.SocketPath == "" {
			errs = append(errs, errors.New("ipc.socket_path is required when ipc is enabled"))
		}
		if c.IPC.MaxConnections <= 0 {
			errs = append(errs, fmt.Errorf("ipc.max_connections must be positive, got %d", c.IPC.MaxConnections))
		}
		if c.IPC.Permissions != "" {
			if _, err := strconv.ParseUint(c.IPC.Permissions, 8, 32); err != nil {
				errs = append(errs, fmt.Errorf("ipc.permissions %q is not octal", c.IPC.Permissions))
			}
		}
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required when http is enabled"))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseFormat(c.Logging.Format); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func parseLevel(s string) (string, error) {
	switch strings.ToLower(s) {
	case "", "debug", "info", "warn", "warning", "error":
		return strings.ToLower(s), nil
	default:
		return "", fmt.Errorf("logging.level %q is not one of debug, info, warn, error", s)
	}
}

func parseFormat(s string) (string, error) {
	switch strings.ToLower(s) {
	case "", "text", "json":
		return strings.ToLower(s), nil
	default:
		return "", fmt.Errorf("logging.format %q is not one of text, json", s)
	}
}

// ApplyEnvOverrides applies TRUSTREGD_* environment variables on top of
// the loaded configuration.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TRUSTREGD_CHAIN_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Chain.ID = id
		}
	}
	if v := os.Getenv("TRUSTREGD_FEED_DIR"); v != "" {
		c.Feed.Dir = v
	}
	if v := os.Getenv("TRUSTREGD_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("TRUSTREGD_SOCKET"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("TRUSTREGD_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
		c.HTTP.Enabled = true
	}
	if v := os.Getenv("TRUSTREGD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TRUSTREGD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("TRUSTREGD_DEV_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DevMode = b
		}
	}
}

// EnsureDirectories creates the directories the configuration points at.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Feed.Dir,
		filepath.Dir(c.Storage.Path),
	}
	if c.IPC.Enabled {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// SaveConfig writes the configuration to a file. The format follows the
// file extension; unknown extensions get TOML.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var sb strings.Builder
		err = toml.NewEncoder(&sb).Encode(cfg)
		data = []byte(sb.String())
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
