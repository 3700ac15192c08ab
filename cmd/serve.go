package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"grimm.is/appwall/internal/api"
	"grimm.is/appwall/internal/audit"
	"grimm.is/appwall/internal/brand"
	"grimm.is/appwall/internal/engine"
	"grimm.is/appwall/internal/events"
	"grimm.is/appwall/internal/metrics"
	"grimm.is/appwall/internal/policy"
	"grimm.is/appwall/internal/policydb"
)

// RunServe loads the stored policy and serves the control API until SIGINT
// or SIGTERM. Pending writes are flushed before it returns.
func RunServe(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)
	logger.Info("starting", "name", brand.Name, "version", brand.Version, "config", configFile)

	dbPath := cfg.DatabasePath()
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return fmt.Errorf("create state directory: %w", err)
		}
	}
	db, err := policydb.Open(dbPath, logger)
	if err != nil {
		return fmt.Errorf("open policy database: %w", err)
	}
	defer db.Close()

	metering, _ := policy.ParseMetering(cfg.Engine.Metering)
	reg := metrics.Get()
	hub := events.NewHub()
	eng := engine.New(engine.Config{
		Logger:           logger,
		DB:               db,
		Metrics:          reg,
		Events:           hub,
		ProxyCapacity:    cfg.Engine.ProxyCapacity,
		ResultsCacheSize: cfg.Engine.ResultsCacheSize,
		PersistWorkers:   cfg.Engine.PersistWorkers,
		PersistQueue:     cfg.Engine.PersistQueue,
		LockStripes:      cfg.Engine.LockStripes,
		Metering:         metering,
		BlockUnknownApps: cfg.Engine.BlockUnknownApps,
		BlockNewApps:     cfg.Engine.BlockNewApps,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := eng.Load(ctx); err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	var history *audit.Store
	if cfg.History.IsEnabled() {
		history, err = audit.NewStore(db.SQL(), cfg.History.RetentionDays, logger)
		if err != nil {
			return err
		}
		go history.Run(ctx, hub)
	}

	srvCfg := api.DefaultServerConfig()
	srvCfg.ShutdownTimeout = cfg.API.ShutdownGrace()
	srvCfg.ServeMetrics = cfg.API.MetricsEnabled()
	srv, err := api.NewServer(api.ServerOptions{
		Engine:  eng,
		Config:  srvCfg,
		Logger:  logger,
		Metrics: reg,
		History: history,
	})
	if err != nil {
		return err
	}

	serveErr := srv.Serve(ctx, cfg.API.Listen)

	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownGrace())
	defer cancel()
	if err := eng.Close(flushCtx); err != nil {
		logger.Error("failed to flush pending writes", "error", err)
	}
	logger.Info("stopped")
	return serveErr
}
