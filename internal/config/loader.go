package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"

	"grimm.is/appwall/internal/brand"
)

const (
	DefaultProxyCapacity    = 5
	DefaultResultsCacheSize = 10000
	DefaultPersistWorkers   = 4
	DefaultPersistQueue     = 1024
	DefaultListen           = "127.0.0.1:8095"
	DefaultLogLevel         = "info"
	DefaultHistoryRetention = 90
)

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and decodes the HCL file at path. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		cfg.applyEnv()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadBytes(path, data)
}

// LoadBytes decodes HCL source; filename is used in diagnostics. The source
// may reference environment variables as env.NAME.
func LoadBytes(filename string, data []byte) (*Config, error) {
	if ext := filepath.Ext(filename); ext != ".hcl" && ext != ".json" {
		filename += ".hcl"
	}
	var cfg Config
	if err := hclsimple.Decode(filename, data, evalContext(), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

// evalContext exposes the process environment as the env object.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
	}
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = brand.GetStateDir()
	}
	if c.Engine == nil {
		c.Engine = &EngineConfig{}
	}
	if c.Engine.ProxyCapacity == 0 {
		c.Engine.ProxyCapacity = DefaultProxyCapacity
	}
	if c.Engine.ResultsCacheSize == 0 {
		c.Engine.ResultsCacheSize = DefaultResultsCacheSize
	}
	if c.Engine.PersistWorkers == 0 {
		c.Engine.PersistWorkers = DefaultPersistWorkers
	}
	if c.Engine.PersistQueue == 0 {
		c.Engine.PersistQueue = DefaultPersistQueue
	}
	if c.Engine.Metering == "" {
		c.Engine.Metering = "unknown"
	}
	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.API.Listen == "" {
		c.API.Listen = DefaultListen
	}
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.History == nil {
		c.History = &HistoryConfig{}
	}
	if c.History.RetentionDays == 0 {
		c.History.RetentionDays = DefaultHistoryRetention
	}
}

// applyEnv applies APPWALL_* overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv(brand.ConfigEnvPrefix + "_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(brand.ConfigEnvPrefix + "_LISTEN"); v != "" {
		c.API.Listen = v
	}
	if v := os.Getenv(brand.ConfigEnvPrefix + "_STATE_DIR"); v != "" {
		c.StateDir = v
	}
}

// DatabasePath returns the SQLite path: Database if set, otherwise the
// database file inside StateDir.
func (c *Config) DatabasePath() string {
	if c.Database != "" {
		return c.Database
	}
	return filepath.Join(c.StateDir, brand.DatabaseFileName)
}
