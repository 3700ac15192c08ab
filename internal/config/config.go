// Package config loads the appwall daemon configuration from HCL.
package config

import "time"

// Config is the top-level configuration.
type Config struct {
	StateDir string         `hcl:"state_dir,optional" json:"state_dir"`
	Database string         `hcl:"database,optional" json:"database,omitempty"`
	Engine   *EngineConfig  `hcl:"engine,block" json:"engine"`
	API      *APIConfig     `hcl:"api,block" json:"api"`
	Logging  *LoggingConfig `hcl:"logging,block" json:"logging"`
	History  *HistoryConfig `hcl:"history,block" json:"history"`
}

// EngineConfig tunes the policy engine.
type EngineConfig struct {
	// ProxyCapacity is the maximum number of rules that may route through
	// one proxy country code.
	ProxyCapacity    int    `hcl:"proxy_capacity,optional" json:"proxy_capacity"`
	ResultsCacheSize int    `hcl:"results_cache_size,optional" json:"results_cache_size"`
	PersistWorkers   int    `hcl:"persist_workers,optional" json:"persist_workers"`
	PersistQueue     int    `hcl:"persist_queue,optional" json:"persist_queue"`
	Metering         string `hcl:"metering,optional" json:"metering"` // initial network classification
	LockStripes      int    `hcl:"lock_stripes,optional" json:"lock_stripes"`

	// Universal blocks for connections whose UID maps to no installed app,
	// and for apps the user has not configured yet.
	BlockUnknownApps bool `hcl:"block_unknown_apps,optional" json:"block_unknown_apps"`
	BlockNewApps     bool `hcl:"block_new_apps,optional" json:"block_new_apps"`
}

// APIConfig configures the control API.
type APIConfig struct {
	Listen          string `hcl:"listen,optional" json:"listen"`
	ShutdownTimeout string `hcl:"shutdown_timeout,optional" json:"shutdown_timeout"`
	Metrics         *bool  `hcl:"metrics,optional" json:"metrics,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `hcl:"level,optional" json:"level"`
	JSON  bool   `hcl:"json,optional" json:"json"`
}

// HistoryConfig controls the recorded change history.
type HistoryConfig struct {
	Enabled       *bool `hcl:"enabled,optional" json:"enabled,omitempty"`
	RetentionDays int   `hcl:"retention_days,optional" json:"retention_days"`
}

// IsEnabled reports whether history is recorded. Defaults to true.
func (h *HistoryConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// MetricsEnabled reports whether /metrics is served. Defaults to true.
func (a *APIConfig) MetricsEnabled() bool {
	return a.Metrics == nil || *a.Metrics
}

// ShutdownGrace parses ShutdownTimeout, falling back to ten seconds.
func (a *APIConfig) ShutdownGrace() time.Duration {
	if d, err := time.ParseDuration(a.ShutdownTimeout); err == nil && d > 0 {
		return d
	}
	return 10 * time.Second
}
