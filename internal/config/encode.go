package config

import (
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// Encode renders the effective configuration as HCL.
func (c *Config) Encode() []byte {
	f := hclwrite.NewEmptyFile()
	root := f.Body()
	root.SetAttributeValue("state_dir", cty.StringVal(c.StateDir))
	if c.Database != "" {
		root.SetAttributeValue("database", cty.StringVal(c.Database))
	}

	if e := c.Engine; e != nil {
		root.AppendNewline()
		b := root.AppendNewBlock("engine", nil).Body()
		b.SetAttributeValue("proxy_capacity", cty.NumberIntVal(int64(e.ProxyCapacity)))
		b.SetAttributeValue("results_cache_size", cty.NumberIntVal(int64(e.ResultsCacheSize)))
		b.SetAttributeValue("persist_workers", cty.NumberIntVal(int64(e.PersistWorkers)))
		b.SetAttributeValue("persist_queue", cty.NumberIntVal(int64(e.PersistQueue)))
		b.SetAttributeValue("metering", cty.StringVal(e.Metering))
		if e.LockStripes > 0 {
			b.SetAttributeValue("lock_stripes", cty.NumberIntVal(int64(e.LockStripes)))
		}
		b.SetAttributeValue("block_unknown_apps", cty.BoolVal(e.BlockUnknownApps))
		b.SetAttributeValue("block_new_apps", cty.BoolVal(e.BlockNewApps))
	}

	if a := c.API; a != nil {
		root.AppendNewline()
		b := root.AppendNewBlock("api", nil).Body()
		b.SetAttributeValue("listen", cty.StringVal(a.Listen))
		if a.ShutdownTimeout != "" {
			b.SetAttributeValue("shutdown_timeout", cty.StringVal(a.ShutdownTimeout))
		}
		b.SetAttributeValue("metrics", cty.BoolVal(a.MetricsEnabled()))
	}

	if l := c.Logging; l != nil {
		root.AppendNewline()
		b := root.AppendNewBlock("logging", nil).Body()
		b.SetAttributeValue("level", cty.StringVal(l.Level))
		b.SetAttributeValue("json", cty.BoolVal(l.JSON))
	}

	if h := c.History; h != nil {
		root.AppendNewline()
		b := root.AppendNewBlock("history", nil).Body()
		b.SetAttributeValue("enabled", cty.BoolVal(h.IsEnabled()))
		b.SetAttributeValue("retention_days", cty.NumberIntVal(int64(h.RetentionDays)))
	}

	return f.Bytes()
}
