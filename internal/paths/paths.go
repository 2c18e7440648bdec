// Package paths resolves where metafield keeps its configuration and its
// database. Each location follows flag > environment > platform default.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName names the per-user directories.
const AppName = "metafield"

// Environment variable names for directory overrides.
const (
	EnvConfigDir = "METAFIELD_CONFIG_DIR"
	EnvDataDir   = "METAFIELD_DATA_DIR"
)

// platformDir holds platform lookups that tests override.
var platformDir = struct {
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
}{
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
}

// DefaultConfigDir returns the platform configuration directory.
//
//	Linux:   $XDG_CONFIG_HOME/metafield (fallback ~/.config/metafield)
//	macOS:   ~/Library/Application Support/metafield
//	Windows: %APPDATA%/metafield
func DefaultConfigDir() (string, error) {
	return platformSubdir("XDG_CONFIG_HOME", ".config")
}

// DefaultDataDir returns the platform data directory.
//
//	Linux:   $XDG_DATA_HOME/metafield (fallback ~/.local/share/metafield)
//	macOS and Windows: same as the config directory
func DefaultDataDir() (string, error) {
	return platformSubdir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func platformSubdir(xdgVar, homeRel string) (string, error) {
	if runtime.GOOS == "linux" {
		if xdg := os.Getenv(xdgVar); xdg != "" {
			return filepath.Join(xdg, AppName), nil
		}
		home, err := platformDir.homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, homeRel, AppName), nil
	}
	dir, err := platformDir.userConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, AppName), nil
}

// ResolveConfigDir returns flag if set, else $METAFIELD_CONFIG_DIR, else
// DefaultConfigDir.
func ResolveConfigDir(flag string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if env := os.Getenv(EnvConfigDir); env != "" {
		return filepath.Abs(env)
	}
	return DefaultConfigDir()
}

// ResolveDataDir returns the data directory: flag, then the data_dir config
// value, then $METAFIELD_DATA_DIR, then DefaultDataDir.
func ResolveDataDir(flag, configValue string) (string, error) {
	for _, dir := range []string{flag, configValue, os.Getenv(EnvDataDir)} {
		if dir != "" {
			return filepath.Abs(dir)
		}
	}
	return DefaultDataDir()
}
