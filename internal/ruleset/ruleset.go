// Package ruleset is the fixed catalog of named rule outcomes. Every verdict
// the engine produces carries one of these IDs so that a decision can be
// explained and grouped after the fact.
//
// The catalog is ordered: a rule's position is its precedence, and a lower
// position wins when two rules could explain the same connection. A rule is
// grounded when it represents a definitive block rather than a heuristic one.
package ruleset

import (
	"fmt"

	"grimm.is/appwall/internal/policy"
)

// ID names a rule outcome.
type ID string

const (
	ExcludedApp            ID = "excluded-app"
	IsolatedApp            ID = "isolated-app"
	BypassUniversal        ID = "bypass-universal"
	NewAppDefaultBlock     ID = "newly-installed-app-default-block"
	UniversalBlockUnknown  ID = "universal-block-unknown-apps"
	DomainTrust            ID = "domain-trust"
	DomainBlock            ID = "domain-block"
	BlocklistCategoryMatch ID = "blocklist-category-match"
	IPTrust                ID = "ip-trust"
	IPBlock                ID = "ip-block"
	IPBypass               ID = "ip-bypass"
	ProxyRouted            ID = "proxy-routed"
	ConnBlockBoth          ID = "conn-block-both"
	ConnBlockMetered       ID = "conn-block-metered"
	ConnBlockUnmetered     ID = "conn-block-unmetered"
	BypassDNSFirewall      ID = "bypass-dns-firewall"
	NoRule                 ID = "no-rule"
)

// Rule describes one catalog entry.
type Rule struct {
	ID          ID             `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Action      policy.Verdict `json:"action"`
	Grounded    bool           `json:"grounded"`
	Precedence  int            `json:"precedence"`
}

// Classification is the answer to Classify.
type Classification struct {
	Action   policy.Verdict
	Grounded bool
}

var catalog = []Rule{
	{ID: ExcludedApp, Title: "Excluded app", Description: "App is excluded from the firewall; its traffic is never inspected.", Action: policy.VerdictAllow},
	{ID: IsolatedApp, Title: "Isolated app", Description: "App is isolated; every connection is blocked.", Action: policy.VerdictBlock, Grounded: true},
	{ID: BypassUniversal, Title: "Bypass universal rules", Description: "App bypasses universal and per-app rules.", Action: policy.VerdictAllow},
	{ID: NewAppDefaultBlock, Title: "New app blocked", Description: "Newly installed apps are blocked until the user decides.", Action: policy.VerdictBlock, Grounded: true},
	{ID: UniversalBlockUnknown, Title: "Unknown app blocked", Description: "Connections from apps without a known package are blocked.", Action: policy.VerdictBlock, Grounded: true},
	{ID: DomainTrust, Title: "Trusted domain", Description: "The queried domain is trusted for this app or universally.", Action: policy.VerdictAllow},
	{ID: DomainBlock, Title: "Blocked domain", Description: "The queried domain is blocked for this app or universally.", Action: policy.VerdictBlock, Grounded: true},
	{ID: BlocklistCategoryMatch, Title: "Blocklist match", Description: "The domain matched a blocklist category; the block may be a false positive.", Action: policy.VerdictBlock},
	{ID: IPTrust, Title: "Trusted IP", Description: "The destination address is trusted for this app or universally.", Action: policy.VerdictAllow},
	{ID: IPBlock, Title: "Blocked IP", Description: "The destination address is blocked for this app or universally.", Action: policy.VerdictBlock, Grounded: true},
	{ID: IPBypass, Title: "IP bypasses universal rules", Description: "The destination address bypasses universal rules.", Action: policy.VerdictAllow},
	{ID: ProxyRouted, Title: "Routed via proxy", Description: "No rule blocked the connection and a matching rule routes it through a proxy.", Action: policy.VerdictAllow},
	{ID: ConnBlockBoth, Title: "Blocked on all networks", Description: "App is blocked on both metered and unmetered networks.", Action: policy.VerdictBlock, Grounded: true},
	{ID: ConnBlockMetered, Title: "Blocked on metered network", Description: "App is blocked on metered (mobile data) networks.", Action: policy.VerdictBlock, Grounded: true},
	{ID: ConnBlockUnmetered, Title: "Blocked on unmetered network", Description: "App is blocked on unmetered (Wi-Fi) networks.", Action: policy.VerdictBlock, Grounded: true},
	{ID: BypassDNSFirewall, Title: "Bypass DNS firewall", Description: "App is held to its own domain and IP rules; universal rules are skipped.", Action: policy.VerdictAllow},
	{ID: NoRule, Title: "No rule", Description: "No rule applied; allowed by default.", Action: policy.VerdictAllow},
}

var index map[ID]Rule

func init() {
	index = make(map[ID]Rule, len(catalog))
	for i := range catalog {
		catalog[i].Precedence = i
		if _, dup := index[catalog[i].ID]; dup {
			panic(fmt.Sprintf("ruleset: duplicate rule id %q", catalog[i].ID))
		}
		index[catalog[i].ID] = catalog[i]
	}
}

// Lookup returns the catalog entry for id.
func Lookup(id ID) (Rule, bool) {
	r, ok := index[id]
	return r, ok
}

// Classify returns the action and grounded flag for id.
func Classify(id ID) (Classification, bool) {
	r, ok := index[id]
	if !ok {
		return Classification{}, false
	}
	return Classification{Action: r.Action, Grounded: r.Grounded}, true
}

// IsGrounded reports whether id is a definitive block. Unknown IDs are not.
func IsGrounded(id ID) bool {
	r, ok := index[id]
	return ok && r.Grounded
}

// All returns a copy of the catalog in precedence order.
func All() []Rule {
	out := make([]Rule, len(catalog))
	copy(out, catalog)
	return out
}

// Compare orders two IDs by precedence. Unknown IDs sort last.
func Compare(a, b ID) int {
	return precedence(a) - precedence(b)
}

func precedence(id ID) int {
	if r, ok := index[id]; ok {
		return r.Precedence
	}
	return len(catalog)
}
