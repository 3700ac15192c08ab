package apps

import "grimm.is/appwall/internal/policy"

// BulkOp is one of the operations BulkApply can fan out over a set of apps.
// The set is closed: OpNetworkToggle, OpBypassUniversal, OpBypassDNSFirewall,
// OpIsolate, OpExclude and OpClear.
type BulkOp interface {
	apply(AppPolicy) AppPolicy
	name() string
}

// OpNetworkToggle blocks or unblocks one network kind.
type OpNetworkToggle struct {
	Kind  policy.NetworkKind
	Block bool
}

// OpBypassUniversal sets FirewallBypassUniversal.
type OpBypassUniversal struct{}

// OpBypassDNSFirewall sets FirewallBypassDNS.
type OpBypassDNSFirewall struct{}

// OpIsolate sets FirewallIsolate.
type OpIsolate struct{}

// OpExclude sets FirewallExclude.
type OpExclude struct{}

// OpClear returns the app to the default policy.
type OpClear struct{}

func (o OpNetworkToggle) apply(p AppPolicy) AppPolicy {
	p.ConnectionMode = NextConnectionMode(p.ConnectionMode, o.Kind, o.Block)
	return p
}

func (o OpNetworkToggle) name() string {
	if o.Block {
		return "block_" + o.Kind.String()
	}
	return "unblock_" + o.Kind.String()
}

func (OpBypassUniversal) apply(p AppPolicy) AppPolicy {
	p.FirewallMode = policy.FirewallBypassUniversal
	return p
}
func (OpBypassUniversal) name() string { return "bypass_universal" }

func (OpBypassDNSFirewall) apply(p AppPolicy) AppPolicy {
	p.FirewallMode = policy.FirewallBypassDNS
	return p
}
func (OpBypassDNSFirewall) name() string { return "bypass_dns_firewall" }

func (OpIsolate) apply(p AppPolicy) AppPolicy {
	p.FirewallMode = policy.FirewallIsolate
	return p
}
func (OpIsolate) name() string { return "isolate" }

func (OpExclude) apply(p AppPolicy) AppPolicy {
	p.FirewallMode = policy.FirewallExclude
	return p
}
func (OpExclude) name() string { return "exclude" }

func (OpClear) apply(p AppPolicy) AppPolicy {
	return Default(p.UID)
}
func (OpClear) name() string { return "clear" }

// ParseBulkOp maps an operation name (as used by the control API) to a
// BulkOp. Network toggles are named block_wifi, unblock_wifi, block_mobile
// and unblock_mobile.
func ParseBulkOp(s string) (BulkOp, bool) {
	switch s {
	case "bypass_universal":
		return OpBypassUniversal{}, true
	case "bypass_dns_firewall":
		return OpBypassDNSFirewall{}, true
	case "isolate":
		return OpIsolate{}, true
	case "exclude":
		return OpExclude{}, true
	case "clear":
		return OpClear{}, true
	case "block_wifi":
		return OpNetworkToggle{Kind: policy.NetworkWiFi, Block: true}, true
	case "unblock_wifi":
		return OpNetworkToggle{Kind: policy.NetworkWiFi}, true
	case "block_mobile":
		return OpNetworkToggle{Kind: policy.NetworkMobile, Block: true}, true
	case "unblock_mobile":
		return OpNetworkToggle{Kind: policy.NetworkMobile}, true
	}
	return nil, false
}

// BulkResult reports the outcome of BulkApply per UID.
type BulkResult struct {
	Applied []AppPolicy          `json:"applied"`
	Failed  map[policy.UID]error `json:"-"`
}

// OK reports whether every UID was applied.
func (r BulkResult) OK() bool { return len(r.Failed) == 0 }
