// Package brand provides centralized naming constants for appwall.
package brand

import (
	"os"
	"path/filepath"
)

const (
	Name             = "Appwall"
	LowerName        = "appwall"
	Description      = "Per-app firewall policy resolution engine"
	ConfigEnvPrefix  = "APPWALL"
	DefaultConfigDir = "/etc/appwall"
	DefaultStateDir  = "/var/lib/appwall"
	ConfigFileName   = "appwall.hcl"
	DatabaseFileName = "policy.db"
)

// Version is set at build time via -ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// UserAgent returns the product token sent in the Server header of API responses.
func UserAgent() string {
	return Name + "/" + Version
}

// GetStateDir returns the state directory, checking env vars first.
// Priority: APPWALL_STATE_DIR > APPWALL_PREFIX/state > DefaultStateDir
func GetStateDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_STATE_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "state")
	}
	return DefaultStateDir
}

// GetConfigDir returns the config directory, checking env vars first.
// Priority: APPWALL_CONFIG_DIR > APPWALL_PREFIX/config > DefaultConfigDir
func GetConfigDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "config")
	}
	return DefaultConfigDir
}

// DefaultConfigPath is the config file used when -c is not given.
func DefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}
