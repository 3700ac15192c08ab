package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"grimm.is/appwall/internal/engine"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/policy"
	"grimm.is/appwall/internal/policydb"
)

// EvalOptions are the inputs of RunEval.
type EvalOptions struct {
	ConfigFile string
	Database   string // overrides the configured database
	Query      engine.Query
	Metering   string // overrides the configured metering
	JSON       bool
}

// RunEval evaluates one connection offline against the stored policy.
func RunEval(ctx context.Context, opts EvalOptions) error {
	cfg, err := loadConfig(opts.ConfigFile)
	if err != nil {
		return err
	}
	path := cfg.DatabasePath()
	if opts.Database != "" {
		path = opts.Database
	}
	meteringName := cfg.Engine.Metering
	if opts.Metering != "" {
		meteringName = opts.Metering
	}
	metering, err := policy.ParseMetering(meteringName)
	if err != nil {
		return err
	}

	logger := logging.Discard()
	db, err := policydb.Open(path, logger)
	if err != nil {
		return fmt.Errorf("open policy database: %w", err)
	}
	defer db.Close()

	eng := engine.New(engine.Config{
		Logger:           logger,
		DB:               db,
		ProxyCapacity:    cfg.Engine.ProxyCapacity,
		Metering:         metering,
		BlockUnknownApps: cfg.Engine.BlockUnknownApps,
		BlockNewApps:     cfg.Engine.BlockNewApps,
	})
	defer eng.Close(ctx)
	if _, err := eng.Load(ctx); err != nil {
		return err
	}

	out := eng.Evaluate(opts.Query)
	if opts.JSON {
		enc := json.NewEncoder(Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	fmt.Fprintf(Stdout, "%s\t%s\t(source %s)\n", out.Verdict, out.RuleID, out.Source)
	if out.ProxyCC != "" {
		fmt.Fprintf(Stdout, "proxy\t%s\t%s\n", out.ProxyID, out.ProxyCC)
	}
	if rule, ok := eng.Explain(out); ok {
		fmt.Fprintf(Stdout, "%s\n", rule.Description)
	}
	return nil
}
