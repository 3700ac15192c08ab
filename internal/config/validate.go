package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/policy"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the decoded configuration. It returns ValidationErrors
// listing every problem, or nil.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.StateDir == "" && c.Database == "" {
		add("state_dir", "must be set when database is not")
	}

	if e := c.Engine; e != nil {
		if e.ProxyCapacity < 0 {
			add("engine.proxy_capacity", "must not be negative, got %d", e.ProxyCapacity)
		}
		if e.ResultsCacheSize < 0 {
			add("engine.results_cache_size", "must not be negative, got %d", e.ResultsCacheSize)
		}
		if e.PersistWorkers < 0 || e.PersistWorkers > 64 {
			add("engine.persist_workers", "must be between 1 and 64, got %d", e.PersistWorkers)
		}
		if e.PersistQueue < 0 {
			add("engine.persist_queue", "must not be negative, got %d", e.PersistQueue)
		}
		if e.LockStripes < 0 {
			add("engine.lock_stripes", "must not be negative, got %d", e.LockStripes)
		}
		if _, err := policy.ParseMetering(e.Metering); err != nil {
			add("engine.metering", "%v", err)
		}
	}

	if a := c.API; a != nil {
		if _, _, err := net.SplitHostPort(a.Listen); err != nil {
			add("api.listen", "invalid address %q: %v", a.Listen, err)
		}
		if a.ShutdownTimeout != "" {
			if _, err := time.ParseDuration(a.ShutdownTimeout); err != nil {
				add("api.shutdown_timeout", "invalid duration %q", a.ShutdownTimeout)
			}
		}
	}

	if l := c.Logging; l != nil {
		if _, err := logging.ParseLevel(l.Level); err != nil {
			add("logging.level", "%v", err)
		}
	}

	if h := c.History; h != nil && h.RetentionDays < 0 {
		add("history.retention_days", "must not be negative, got %d", h.RetentionDays)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
