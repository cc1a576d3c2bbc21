package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS: ~/Library/Application Support/trustregd/
//   - Linux: ~/.local/share/trustregd/
//
// Falls back to ~/.trustregd if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "trustregd")
	case "linux":
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "trustregd")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "trustregd")
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		// macOS uses the same dir for config and data.
		return PlatformDataDir()
	case "linux":
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "trustregd")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "trustregd")
	default:
		return fallbackDataDir()
	}
}

// PlatformRuntimeDir returns the platform-specific runtime directory for
// the Unix socket and lock file.
func PlatformRuntimeDir() string {
	if runtime.GOOS == "linux" {
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, "trustregd")
		}
	}
	return filepath.Join(os.TempDir(), "trustregd-"+strconv.Itoa(os.Getuid()))
}

func fallbackDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".trustregd")
}

// DefaultPaths holds the resolved default locations.
type DefaultPaths struct {
	DataDir    string
	ConfigDir  string
	RuntimeDir string

	ConfigFile   string
	DatabaseFile string
	SocketPath   string
	LockFile     string
}

// GetDefaultPaths returns all default paths for the current platform.
func GetDefaultPaths() *DefaultPaths {
	dataDir := PlatformDataDir()
	configDir := PlatformConfigDir()
	runtimeDir := PlatformRuntimeDir()

	return &DefaultPaths{
		DataDir:    dataDir,
		ConfigDir:  configDir,
		RuntimeDir: runtimeDir,

		ConfigFile:   filepath.Join(configDir, "config.toml"),
		DatabaseFile: filepath.Join(dataDir, "registry.db"),
		SocketPath:   filepath.Join(runtimeDir, "trustregd.sock"),
		LockFile:     filepath.Join(runtimeDir, "trustregd.lock"),
	}
}

// SupportedConfigFormats returns the supported config file extensions.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches for a config file in standard locations and
// returns the first match, or empty string if none is found.
func FindConfigFile() string {
	paths := GetDefaultPaths()

	searchDirs := []string{".", paths.ConfigDir, paths.DataDir}
	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	return GetDefaultPaths().ConfigFile
}
