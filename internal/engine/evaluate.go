package engine

import (
	"errors"

	"grimm.is/appwall/internal/apps"
	"grimm.is/appwall/internal/domainrules"
	"grimm.is/appwall/internal/iprules"
	"grimm.is/appwall/internal/policy"
	"grimm.is/appwall/internal/ruleset"
)

// Query describes one connection attempt.
type Query struct {
	UID    policy.UID `json:"uid"`
	IP     string     `json:"ip"`
	Port   uint16     `json:"port"`
	Domain string     `json:"domain,omitempty"`
}

// Outcome is the verdict for a Query and the rule that produced it.
type Outcome struct {
	Verdict policy.Verdict `json:"verdict"`
	RuleID  ruleset.ID     `json:"rule_id"`
	Source  policy.Source  `json:"source"`
	ProxyID string         `json:"proxy_id,omitempty"`
	ProxyCC string         `json:"proxy_cc,omitempty"`
}

// Blocked reports whether the outcome blocks the connection.
func (o Outcome) Blocked() bool { return o.Verdict == policy.VerdictBlock }

// Evaluate decides q. Precedence is the universal unknown and new app
// blocks, then app override, then domain rule, then IP rule, then connection
// mode, then the default allow. It never writes and never fails; inputs that
// cannot be parsed match nothing.
func (e *Engine) Evaluate(q Query) Outcome {
	out := e.evaluate(q)
	if e.metrics != nil {
		e.metrics.RecordEvaluation(out.Verdict.String(), string(out.RuleID), out.Source.String())
	}
	return out
}

func (e *Engine) evaluate(q Query) Outcome {
	if !q.UID.Valid() {
		if e.blockUnknown {
			return outcome(ruleset.UniversalBlockUnknown, policy.SourceDefault)
		}
		return outcome(ruleset.NoRule, policy.SourceDefault)
	}

	app, known := e.apps.Lookup(q.UID)
	if !known {
		if e.blockNew && q.UID != policy.Everybody {
			return outcome(ruleset.NewAppDefaultBlock, policy.SourceDefault)
		}
		app = apps.Default(q.UID)
	}
	switch app.FirewallMode {
	case policy.FirewallExclude:
		return outcome(ruleset.ExcludedApp, policy.SourceAppPolicy)
	case policy.FirewallIsolate:
		return outcome(ruleset.IsolatedApp, policy.SourceAppPolicy)
	case policy.FirewallBypassUniversal:
		return outcome(ruleset.BypassUniversal, policy.SourceAppPolicy)
	}

	// A bypass-DNS app is held to its own rules only.
	appOnly := app.FirewallMode == policy.FirewallBypassDNS
	var (
		dom   domainrules.Rule
		domOK bool
		ip    iprules.Rule
		ipOK  bool
	)
	if q.Domain != "" {
		if appOnly {
			dom, domOK = e.domains.MatchApp(q.UID, q.Domain)
		} else {
			dom, domOK = e.domains.Match(q.UID, q.Domain)
		}
	}
	addr, addrOK := iprules.ParseAddr(q.IP)
	if addrOK {
		if appOnly {
			ip, ipOK = e.ips.MatchApp(q.UID, addr, q.Port)
		} else {
			ip, ipOK = e.ips.Match(q.UID, addr, q.Port)
		}
	}

	if domOK {
		switch dom.Status {
		case domainrules.StatusTrust:
			return withProxy(outcome(ruleset.DomainTrust, policy.SourceDomainRule), dom.ProxyID, dom.ProxyCC)
		case domainrules.StatusBlock:
			return outcome(ruleset.DomainBlock, policy.SourceDomainRule)
		}
	}
	if ipOK {
		switch ip.Status {
		case iprules.StatusTrust:
			return withProxy(outcome(ruleset.IPTrust, policy.SourceIPRule), ip.ProxyID, ip.ProxyCC)
		case iprules.StatusBlock:
			return outcome(ruleset.IPBlock, policy.SourceIPRule)
		case iprules.StatusBypassUniversal:
			return withProxy(outcome(ruleset.IPBypass, policy.SourceIPRule), ip.ProxyID, ip.ProxyCC)
		}
	}

	if appOnly {
		return outcome(ruleset.BypassDNSFirewall, policy.SourceAppPolicy)
	}
	// Connection mode is kept but not applied while an override mode is set.
	if !app.FirewallMode.Overrides() && app.ConnectionMode.BlocksOn(e.Metering()) {
		return outcome(connectionRule(app.ConnectionMode), policy.SourceAppPolicy)
	}

	if q.Domain != "" {
		if r, ok := e.domains.ProxyFor(q.UID, q.Domain); ok {
			return withProxy(outcome(ruleset.ProxyRouted, policy.SourceDomainRule), r.ProxyID, r.ProxyCC)
		}
	}
	if addrOK {
		if r, ok := e.ips.ProxyFor(q.UID, addr, q.Port); ok {
			return withProxy(outcome(ruleset.ProxyRouted, policy.SourceIPRule), r.ProxyID, r.ProxyCC)
		}
	}
	return outcome(ruleset.NoRule, policy.SourceDefault)
}

// Explain returns the catalog entry behind an outcome.
func (e *Engine) Explain(o Outcome) (ruleset.Rule, bool) {
	return ruleset.Lookup(o.RuleID)
}

func outcome(id ruleset.ID, src policy.Source) Outcome {
	c, _ := ruleset.Classify(id)
	return Outcome{Verdict: c.Action, RuleID: id, Source: src}
}

func withProxy(o Outcome, id, cc string) Outcome {
	o.ProxyID, o.ProxyCC = id, cc
	return o
}

func connectionRule(c policy.ConnectionMode) ruleset.ID {
	switch c {
	case policy.ConnMetered:
		return ruleset.ConnBlockMetered
	case policy.ConnUnmetered:
		return ruleset.ConnBlockUnmetered
	}
	return ruleset.ConnBlockBoth
}

func isNotFound(err error) bool {
	return errors.Is(err, policy.ErrNotFound)
}
