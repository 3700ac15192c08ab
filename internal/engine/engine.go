// Package engine is the policy decision point. It owns the app policy
// store, the IP and domain rule resolvers and the proxy ledger they share,
// and combines them into a single verdict per connection.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/appwall/internal/apps"
	"grimm.is/appwall/internal/domainrules"
	"grimm.is/appwall/internal/events"
	"grimm.is/appwall/internal/iprules"
	"grimm.is/appwall/internal/keylock"
	"grimm.is/appwall/internal/ledger"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/metrics"
	"grimm.is/appwall/internal/policy"
	"grimm.is/appwall/internal/policydb"
)

// Config configures an Engine. Every field is optional.
type Config struct {
	Logger *logging.Logger

	// DB enables durable storage. Without it the engine is memory only.
	DB *policydb.DB

	// Metrics receives evaluation and mutation counters. A registry can
	// back only one engine.
	Metrics *metrics.Registry

	// Events receives a change event for every committed mutation.
	Events *events.Hub

	ProxyCapacity    int
	ResultsCacheSize int
	PersistWorkers   int
	PersistQueue     int
	LockStripes      int
	Metering         policy.Metering

	// BlockUnknownApps blocks connections whose UID is missing or invalid.
	BlockUnknownApps bool
	// BlockNewApps blocks apps that have no stored policy yet.
	BlockNewApps bool
}

// Engine combines the rule tables into verdicts.
type Engine struct {
	apps    *apps.Store
	ips     *iprules.Resolver
	domains *domainrules.Resolver
	ledger  *ledger.Ledger

	db      *policydb.DB
	writer  *policydb.Writer
	hub     *events.Hub
	metrics *metrics.Registry
	logger  *logging.Logger

	blockUnknown bool
	blockNew     bool

	metering atomic.Uint32
	closed   atomic.Bool
}

// New wires the stores together. Call Load to populate them from the
// database.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.ProxyCapacity <= 0 {
		cfg.ProxyCapacity = 5
	}

	e := &Engine{
		ledger:  ledger.New(cfg.ProxyCapacity),
		db:      cfg.DB,
		hub:     cfg.Events,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.WithComponent("engine"),

		blockUnknown: cfg.BlockUnknownApps,
		blockNew:     cfg.BlockNewApps,
	}
	e.metering.Store(uint32(cfg.Metering))

	var (
		appSink    apps.Persister
		ipSink     iprules.Persister
		domainSink domainrules.Persister
	)
	if cfg.DB != nil {
		e.writer = policydb.NewWriter(policydb.WriterConfig{
			Workers:   cfg.PersistWorkers,
			QueueSize: cfg.PersistQueue,
			Logger:    cfg.Logger,
		})
		sink := policydb.NewSink(cfg.DB, e.writer)
		appSink, ipSink, domainSink = sink, sink, sink
	}

	observer := policy.MutationObserver(nil)
	if cfg.Metrics != nil {
		observer = cfg.Metrics.RecordMutation
		e.ledger.OnChange(cfg.Metrics.SetProxyReservations)
	}

	locks := keylock.New(cfg.LockStripes)
	e.apps = apps.NewStore(apps.Config{
		Logger:    cfg.Logger,
		Persister: appSink,
		Locks:     locks,
		Observer:  observer,
	})
	e.ips = iprules.New(iprules.Config{
		Logger:    cfg.Logger,
		Ledger:    e.ledger,
		Locks:     locks,
		Persister: ipSink,
		Observer:  observer,
		CacheSize: cfg.ResultsCacheSize,
	})
	e.domains = domainrules.New(domainrules.Config{
		Logger:    cfg.Logger,
		Ledger:    e.ledger,
		Locks:     locks,
		Persister: domainSink,
		Observer:  observer,
	})

	if cfg.Metrics != nil {
		cfg.Metrics.WatchCache(e.ips)
		if e.writer != nil {
			cfg.Metrics.WatchQueue(e.writer)
		}
	}
	if e.hub != nil {
		e.apps.SetChangeCallback(func(old, new apps.AppPolicy) {
			e.hub.EmitChange(events.EventAppPolicyChanged, "apps", "update", old, new)
		})
		e.ips.SetChangeCallback(func(c iprules.Change) {
			e.hub.EmitChange(events.EventIPRuleChanged, "iprules", c.Op, orNil(c.Before), orNil(c.After))
		})
		e.domains.SetChangeCallback(func(c domainrules.Change) {
			e.hub.EmitChange(events.EventDomainRuleChanged, "domainrules", c.Op, orNil(c.Before), orNil(c.After))
		})
	}
	return e
}

// orNil turns a nil rule pointer into an untyped nil so the event payload
// omits it.
func orNil[T any](p *T) any {
	if p == nil {
		return nil
	}
	return p
}

func (e *Engine) Apps() *apps.Store                  { return e.apps }
func (e *Engine) IPRules() *iprules.Resolver         { return e.ips }
func (e *Engine) DomainRules() *domainrules.Resolver { return e.domains }
func (e *Engine) Ledger() *ledger.Ledger             { return e.ledger }
func (e *Engine) Events() *events.Hub                { return e.hub }

// Metering returns the current network classification.
func (e *Engine) Metering() policy.Metering {
	return policy.Metering(e.metering.Load())
}

// SetMetering records the network classification the host is on.
func (e *Engine) SetMetering(m policy.Metering) {
	prev := policy.Metering(e.metering.Swap(uint32(m)))
	if prev == m {
		return
	}
	e.logger.Info("network metering changed", "from", prev.String(), "to", m.String())
	if e.hub != nil {
		e.hub.EmitMetering(prev.String(), m.String())
	}
}

// LoadReport summarises a Load.
type LoadReport struct {
	Apps        int                    `json:"apps"`
	AppsSkipped int                    `json:"apps_skipped"`
	IPRules     iprules.LoadResult     `json:"ip_rules"`
	DomainRules domainrules.LoadResult `json:"domain_rules"`
	Took        time.Duration          `json:"took"`
}

// Load reads the three tables concurrently and replaces the in-memory
// indexes. It is a no-op without a database.
func (e *Engine) Load(ctx context.Context) (LoadReport, error) {
	var report LoadReport
	if e.db == nil {
		return report, nil
	}
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := e.db.LoadAppPolicies()
		if err != nil {
			return fmt.Errorf("load app policies: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		report.AppsSkipped = e.apps.Load(rows)
		report.Apps = len(rows) - report.AppsSkipped
		return nil
	})
	g.Go(func() error {
		rows, err := e.db.LoadIPRules()
		if err != nil {
			return fmt.Errorf("load ip rules: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		report.IPRules = e.ips.Load(rows)
		return nil
	})
	g.Go(func() error {
		rows, err := e.db.LoadDomainRules()
		if err != nil {
			return fmt.Errorf("load domain rules: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		report.DomainRules = e.domains.Load(rows)
		return nil
	})
	if err := g.Wait(); err != nil {
		return report, err
	}

	report.Took = time.Since(start)
	e.logger.Info("policy loaded",
		"apps", report.Apps,
		"ip_rules", report.IPRules.Loaded,
		"domain_rules", report.DomainRules.Loaded,
		"took", report.Took)
	return report, nil
}

// Flush waits until every queued write has reached the database.
func (e *Engine) Flush(ctx context.Context) error {
	if e.writer == nil {
		return nil
	}
	return e.writer.Flush(ctx)
}

// Close flushes pending writes and stops the writer. The database itself is
// owned by the caller.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) || e.writer == nil {
		return nil
	}
	err := e.writer.Flush(ctx)
	e.writer.Close()
	if err != nil {
		return fmt.Errorf("flush pending writes: %w", err)
	}
	return nil
}

// RemoveApp forgets an uninstalled app: its IP and domain rules are deleted
// and its policy is reset.
func (e *Engine) RemoveApp(uid policy.UID) error {
	if !uid.IsApp() {
		return policy.Errorf("remove_app", uid.String(), policy.ErrInvalidTarget)
	}
	if _, err := e.ips.DeleteByUID(uid); err != nil {
		return err
	}
	if _, err := e.domains.DeleteByUID(uid); err != nil {
		return err
	}
	_, err := e.apps.Reset(uid)
	return err
}

// MoveApp moves every row owned by oldUID to newUID, as happens when an app
// is reinstalled under a new UID.
func (e *Engine) MoveApp(oldUID, newUID policy.UID) error {
	if !oldUID.IsApp() || !newUID.IsApp() {
		return policy.Errorf("move_app", oldUID.String(), policy.ErrInvalidTarget)
	}
	if err := e.apps.UpdateUID(oldUID, newUID); err != nil && !isNotFound(err) {
		return err
	}
	if _, err := e.ips.UpdateUID(oldUID, newUID); err != nil {
		return err
	}
	if _, err := e.domains.UpdateUID(oldUID, newUID); err != nil {
		return err
	}
	return nil
}

// PersistStats reports the write-behind queue.
type PersistStats struct {
	Enabled bool   `json:"enabled"`
	Pending int64  `json:"pending"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
}

// Stats is a snapshot of engine state.
type Stats struct {
	Apps          int            `json:"apps"`
	IPRules       iprules.Stats  `json:"ip_rules"`
	DomainRules   int            `json:"domain_rules"`
	ProxyCapacity int            `json:"proxy_capacity"`
	Proxies       map[string]int `json:"proxies"`
	Metering      string         `json:"metering"`
	Persist       PersistStats   `json:"persist"`
	Published     uint64         `json:"events_published"`
	Dropped       uint64         `json:"events_dropped"`
}

// Stats returns a snapshot of engine state.
func (e *Engine) Stats() Stats {
	s := Stats{
		Apps:          e.apps.Len(),
		IPRules:       e.ips.Stats(),
		DomainRules:   e.domains.Len(),
		ProxyCapacity: e.ledger.Capacity(),
		Proxies:       e.ledger.Counts(),
		Metering:      e.Metering().String(),
	}
	if e.writer != nil {
		s.Persist = PersistStats{
			Enabled: true,
			Pending: e.writer.Pending(),
			Written: e.writer.Written(),
			Failed:  e.writer.Failed(),
		}
	}
	if e.hub != nil {
		s.Published, s.Dropped = e.hub.Stats()
	}
	return s
}
