package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/appwall/internal/domainrules"
	"grimm.is/appwall/internal/events"
	"grimm.is/appwall/internal/iprules"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/metrics"
	"grimm.is/appwall/internal/policy"
	"grimm.is/appwall/internal/policydb"
	"grimm.is/appwall/internal/ruleset"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return New(Config{Logger: logging.Discard(), ProxyCapacity: 2})
}

func upsertIP(t *testing.T, e *Engine, uid policy.UID, ip string, port uint16, st iprules.Status) {
	t.Helper()
	_, err := e.IPRules().Upsert(iprules.Rule{UID: uid, IP: ip, Port: port, Status: st})
	require.NoError(t, err)
}

func upsertDomain(t *testing.T, e *Engine, uid policy.UID, domain string, st domainrules.Status) {
	t.Helper()
	_, err := e.DomainRules().Upsert(domainrules.Rule{UID: uid, Domain: domain, Status: st})
	require.NoError(t, err)
}

func TestEvaluate_DefaultAllow(t *testing.T) {
	e := newTestEngine(t)
	out := e.Evaluate(Query{UID: 7, IP: "1.1.1.1", Port: 443})
	assert.Equal(t, policy.VerdictAllow, out.Verdict)
	assert.Equal(t, ruleset.NoRule, out.RuleID)
	assert.Equal(t, policy.SourceDefault, out.Source)
}

func TestEvaluate_DomainBlock(t *testing.T) {
	e := newTestEngine(t)
	upsertDomain(t, e, 7, "ads.example.com", domainrules.StatusBlock)

	for _, q := range []Query{
		{UID: 7, IP: "10.0.0.1", Port: 80, Domain: "ads.example.com"},
		{UID: 7, IP: "not-an-ip", Port: 0, Domain: "ADS.example.com."},
	} {
		out := e.Evaluate(q)
		assert.True(t, out.Blocked())
		assert.Equal(t, ruleset.DomainBlock, out.RuleID)
		assert.Equal(t, policy.SourceDomainRule, out.Source)
	}
}

func TestEvaluate_ExcludeWinsOverBlocks(t *testing.T) {
	e := newTestEngine(t)
	upsertDomain(t, e, 7, "ads.example.com", domainrules.StatusBlock)
	upsertIP(t, e, 7, "1.2.3.4", 0, iprules.StatusBlock)
	_, err := e.Apps().ApplyNetworkToggle(7, policy.NetworkWiFi, true)
	require.NoError(t, err)
	_, err = e.Apps().SetFirewallMode(7, policy.FirewallExclude)
	require.NoError(t, err)
	e.SetMetering(policy.Unmetered)

	out := e.Evaluate(Query{UID: 7, IP: "1.2.3.4", Port: 443, Domain: "ads.example.com"})
	assert.Equal(t, policy.VerdictAllow, out.Verdict)
	assert.Equal(t, ruleset.ExcludedApp, out.RuleID)
	assert.Equal(t, policy.SourceAppPolicy, out.Source)
}

func TestEvaluate_AppOverrides(t *testing.T) {
	tests := []struct {
		mode    policy.FirewallMode
		rule    ruleset.ID
		verdict policy.Verdict
	}{
		{policy.FirewallIsolate, ruleset.IsolatedApp, policy.VerdictBlock},
		{policy.FirewallBypassUniversal, ruleset.BypassUniversal, policy.VerdictAllow},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			e := newTestEngine(t)
			upsertIP(t, e, 7, "1.2.3.4", 0, iprules.StatusTrust)
			_, err := e.Apps().SetFirewallMode(7, tt.mode)
			require.NoError(t, err)

			out := e.Evaluate(Query{UID: 7, IP: "1.2.3.4", Port: 443})
			assert.Equal(t, tt.verdict, out.Verdict)
			assert.Equal(t, tt.rule, out.RuleID)
		})
	}
}

func TestEvaluate_DomainBeforeIP(t *testing.T) {
	e := newTestEngine(t)
	upsertDomain(t, e, 7, "cdn.example.com", domainrules.StatusTrust)
	upsertIP(t, e, 7, "1.2.3.4", 443, iprules.StatusBlock)

	out := e.Evaluate(Query{UID: 7, IP: "1.2.3.4", Port: 443, Domain: "cdn.example.com"})
	assert.Equal(t, ruleset.DomainTrust, out.RuleID)
	assert.Equal(t, policy.VerdictAllow, out.Verdict)

	out = e.Evaluate(Query{UID: 7, IP: "1.2.3.4", Port: 443})
	assert.Equal(t, ruleset.IPBlock, out.RuleID)
}

func TestEvaluate_IPRules(t *testing.T) {
	e := newTestEngine(t)
	upsertIP(t, e, 42, "1.2.3.4", 443, iprules.StatusBlock)
	upsertIP(t, e, 42, "1.2.3.4", 0, iprules.StatusTrust)
	upsertIP(t, e, policy.Everybody, "8.8.8.8", 0, iprules.StatusBlock)
	upsertIP(t, e, 42, "9.9.9.9", 0, iprules.StatusBypassUniversal)

	assert.Equal(t, ruleset.IPBlock, e.Evaluate(Query{UID: 42, IP: "1.2.3.4", Port: 443}).RuleID)
	assert.Equal(t, ruleset.IPTrust, e.Evaluate(Query{UID: 42, IP: "1.2.3.4", Port: 80}).RuleID)
	assert.Equal(t, ruleset.IPBlock, e.Evaluate(Query{UID: 7, IP: "8.8.8.8", Port: 53}).RuleID)
	assert.Equal(t, ruleset.IPBypass, e.Evaluate(Query{UID: 42, IP: "9.9.9.9", Port: 53}).RuleID)
}

func TestEvaluate_ConnectionMode(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Apps().ApplyNetworkToggle(7, policy.NetworkMobile, true)
	require.NoError(t, err)
	q := Query{UID: 7, IP: "1.1.1.1", Port: 443}

	e.SetMetering(policy.Unmetered)
	assert.Equal(t, ruleset.NoRule, e.Evaluate(q).RuleID)

	e.SetMetering(policy.Metered)
	out := e.Evaluate(q)
	assert.True(t, out.Blocked())
	assert.Equal(t, ruleset.ConnBlockMetered, out.RuleID)

	_, err = e.Apps().ApplyNetworkToggle(7, policy.NetworkWiFi, true)
	require.NoError(t, err)
	e.SetMetering(policy.MeteringUnknown)
	assert.Equal(t, ruleset.ConnBlockBoth, e.Evaluate(q).RuleID)

	// A trusting rule still wins over the connection mode.
	upsertIP(t, e, 7, "1.1.1.1", 0, iprules.StatusTrust)
	assert.Equal(t, ruleset.IPTrust, e.Evaluate(q).RuleID)
}

func TestEvaluate_ProxyRouted(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.DomainRules().AssignProxy(7, "video.example.com", "wg-de", "de")
	require.NoError(t, err)
	_, err = e.IPRules().AssignProxy(policy.Everybody, "5.5.5.5", 0, "wg-nl", "NL")
	require.NoError(t, err)

	out := e.Evaluate(Query{UID: 7, IP: "5.5.5.5", Port: 443, Domain: "video.example.com"})
	assert.Equal(t, ruleset.ProxyRouted, out.RuleID)
	assert.Equal(t, policy.SourceDomainRule, out.Source)
	assert.Equal(t, "wg-de", out.ProxyID)
	assert.Equal(t, "DE", out.ProxyCC)

	out = e.Evaluate(Query{UID: 7, IP: "5.5.5.5", Port: 443})
	assert.Equal(t, ruleset.ProxyRouted, out.RuleID)
	assert.Equal(t, "NL", out.ProxyCC)

	assert.Equal(t, 1, e.Ledger().Count("DE"))
	assert.Equal(t, 1, e.Ledger().Count("NL"))
}

func TestEvaluate_BypassDNSFirewall(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Apps().SetFirewallMode(7, policy.FirewallBypassDNS)
	require.NoError(t, err)
	upsertDomain(t, e, policy.Everybody, "tracker.example", domainrules.StatusBlock)
	upsertIP(t, e, policy.Everybody, "8.8.8.8", 0, iprules.StatusBlock)

	// Universal rules do not apply to the app.
	out := e.Evaluate(Query{UID: 7, IP: "8.8.8.8", Port: 443, Domain: "tracker.example"})
	assert.Equal(t, policy.VerdictAllow, out.Verdict)
	assert.Equal(t, ruleset.BypassDNSFirewall, out.RuleID)
	assert.Equal(t, policy.SourceAppPolicy, out.Source)

	// The app's own domain rule still applies.
	upsertDomain(t, e, 7, "ads.example.com", domainrules.StatusBlock)
	out = e.Evaluate(Query{UID: 7, IP: "1.1.1.1", Port: 443, Domain: "ads.example.com"})
	assert.True(t, out.Blocked())
	assert.Equal(t, ruleset.DomainBlock, out.RuleID)

	// Then the app's own IP rule.
	upsertIP(t, e, 7, "1.1.1.1", 0, iprules.StatusBlock)
	assert.Equal(t, ruleset.IPBlock, e.Evaluate(Query{UID: 7, IP: "1.1.1.1", Port: 443}).RuleID)
}

func setConnectionMode(t *testing.T, e *Engine, uid policy.UID, mode policy.ConnectionMode) {
	t.Helper()
	wifi := mode == policy.ConnUnmetered || mode == policy.ConnBoth
	mobile := mode == policy.ConnMetered || mode == policy.ConnBoth
	_, err := e.Apps().ApplyNetworkToggle(uid, policy.NetworkWiFi, wifi)
	require.NoError(t, err)
	got, err := e.Apps().ApplyNetworkToggle(uid, policy.NetworkMobile, mobile)
	require.NoError(t, err)
	require.Equal(t, mode, got)
}

func TestEvaluate_OverrideModesSuspendConnectionMode(t *testing.T) {
	overrides := []struct {
		mode policy.FirewallMode
		rule ruleset.ID
	}{
		{policy.FirewallExclude, ruleset.ExcludedApp},
		{policy.FirewallIsolate, ruleset.IsolatedApp},
		{policy.FirewallBypassUniversal, ruleset.BypassUniversal},
		{policy.FirewallBypassDNS, ruleset.BypassDNSFirewall},
	}
	blocking := []struct {
		conn     policy.ConnectionMode
		metering policy.Metering
	}{
		{policy.ConnMetered, policy.Metered},
		{policy.ConnUnmetered, policy.Unmetered},
		{policy.ConnBoth, policy.MeteringUnknown},
	}
	for _, o := range overrides {
		for _, b := range blocking {
			t.Run(o.mode.String()+"/"+b.conn.String(), func(t *testing.T) {
				e := newTestEngine(t)
				setConnectionMode(t, e, 7, b.conn)
				e.SetMetering(b.metering)
				q := Query{UID: 7, IP: "1.1.1.1", Port: 443}
				require.Equal(t, connectionRule(b.conn), e.Evaluate(q).RuleID)

				_, err := e.Apps().SetFirewallMode(7, o.mode)
				require.NoError(t, err)
				assert.Equal(t, o.rule, e.Evaluate(q).RuleID)

				// The connection mode is kept and applies again once cleared.
				assert.Equal(t, b.conn, e.Apps().Get(7).ConnectionMode)
				_, err = e.Apps().SetFirewallMode(7, policy.FirewallNone)
				require.NoError(t, err)
				assert.Equal(t, connectionRule(b.conn), e.Evaluate(q).RuleID)
			})
		}
	}
}

func TestEvaluate_UnknownAndNewApps(t *testing.T) {
	e := New(Config{Logger: logging.Discard(), BlockUnknownApps: true, BlockNewApps: true})
	upsertIP(t, e, 7, "1.1.1.1", 0, iprules.StatusTrust)

	out := e.Evaluate(Query{UID: policy.InvalidUID, IP: "1.1.1.1", Port: 443})
	assert.True(t, out.Blocked())
	assert.Equal(t, ruleset.UniversalBlockUnknown, out.RuleID)
	assert.Equal(t, policy.SourceDefault, out.Source)

	// No stored policy yet: blocked ahead of its own rules.
	out = e.Evaluate(Query{UID: 7, IP: "1.1.1.1", Port: 443})
	assert.True(t, out.Blocked())
	assert.Equal(t, ruleset.NewAppDefaultBlock, out.RuleID)

	// Any stored user decision makes the app known.
	_, err := e.Apps().ApplyNetworkToggle(7, policy.NetworkWiFi, true)
	require.NoError(t, err)
	assert.Equal(t, ruleset.IPTrust, e.Evaluate(Query{UID: 7, IP: "1.1.1.1", Port: 443}).RuleID)

	relaxed := newTestEngine(t)
	assert.Equal(t, ruleset.NoRule, relaxed.Evaluate(Query{UID: policy.InvalidUID, IP: "1.1.1.1"}).RuleID)
	assert.Equal(t, ruleset.NoRule, relaxed.Evaluate(Query{UID: 9, IP: "1.1.1.1"}).RuleID)
}

func TestEvaluate_InvalidInputsFallThrough(t *testing.T) {
	e := newTestEngine(t)
	assert.Equal(t, ruleset.NoRule, e.Evaluate(Query{UID: -5, IP: "1.1.1.1"}).RuleID)
	assert.Equal(t, ruleset.NoRule, e.Evaluate(Query{UID: 7, IP: "garbage", Domain: "bad domain!"}).RuleID)
}

func TestExplain(t *testing.T) {
	e := newTestEngine(t)
	r, ok := e.Explain(Outcome{RuleID: ruleset.DomainBlock})
	require.True(t, ok)
	assert.True(t, r.Grounded)
	_, ok = e.Explain(Outcome{RuleID: "nope"})
	assert.False(t, ok)
}

func TestSetMetering_PublishesOnChange(t *testing.T) {
	hub := events.NewHub()
	e := New(Config{Logger: logging.Discard(), Events: hub})
	ch := hub.Subscribe(4, events.EventMeteringChanged)
	defer hub.Unsubscribe(ch)

	e.SetMetering(policy.Metered)
	e.SetMetering(policy.Metered)

	select {
	case ev := <-ch:
		data := ev.Data.(events.MeteringData)
		assert.Equal(t, "unknown", data.From)
		assert.Equal(t, "metered", data.To)
	case <-time.After(time.Second):
		t.Fatal("no metering event")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event %v", ev)
	default:
	}
}

func TestRuleChangesPublished(t *testing.T) {
	hub := events.NewHub()
	e := New(Config{Logger: logging.Discard(), Events: hub})
	ch := hub.Subscribe(4, events.EventIPRuleChanged)
	defer hub.Unsubscribe(ch)

	upsertIP(t, e, 7, "1.2.3.4", 0, iprules.StatusBlock)
	select {
	case ev := <-ch:
		assert.Equal(t, "iprules", ev.Source)
		assert.NotEmpty(t, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("no rule event")
	}
}

func TestRuleChangePayloadOmitsMissingSide(t *testing.T) {
	hub := events.NewHub()
	e := New(Config{Logger: logging.Discard(), Events: hub})
	ch := hub.Subscribe(4, events.EventIPRuleChanged)
	defer hub.Unsubscribe(ch)

	next := func() string {
		t.Helper()
		select {
		case ev := <-ch:
			b, err := json.Marshal(ev.Data)
			require.NoError(t, err)
			return string(b)
		case <-time.After(time.Second):
			t.Fatal("no rule event")
		}
		return ""
	}

	upsertIP(t, e, 7, "1.2.3.4", 0, iprules.StatusBlock)
	created := next()
	assert.NotContains(t, created, `"before"`)
	assert.Contains(t, created, `"after"`)

	require.NoError(t, e.IPRules().Delete(7, "1.2.3.4", 0))
	deleted := next()
	assert.Contains(t, deleted, `"before"`)
	assert.NotContains(t, deleted, `"after"`)
}

func TestMoveAndRemoveApp(t *testing.T) {
	e := newTestEngine(t)
	upsertIP(t, e, 7, "1.2.3.4", 0, iprules.StatusBlock)
	upsertDomain(t, e, 7, "ads.example.com", domainrules.StatusBlock)

	require.NoError(t, e.MoveApp(7, 8))
	assert.Equal(t, ruleset.IPBlock, e.Evaluate(Query{UID: 8, IP: "1.2.3.4"}).RuleID)
	assert.Equal(t, ruleset.NoRule, e.Evaluate(Query{UID: 7, IP: "1.2.3.4"}).RuleID)

	require.NoError(t, e.RemoveApp(8))
	assert.Empty(t, e.IPRules().List(8))
	assert.Empty(t, e.DomainRules().List(8))

	assert.ErrorIs(t, e.RemoveApp(policy.Everybody), policy.ErrInvalidTarget)
}

func TestLoad_FromDatabase(t *testing.T) {
	db, err := policydb.Open(":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	first := New(Config{Logger: logging.Discard(), DB: db, ProxyCapacity: 2})
	_, err = first.Apps().SetFirewallMode(7, policy.FirewallIsolate)
	require.NoError(t, err)
	upsertIP(t, first, 9, "10.0.0.0/8", 0, iprules.StatusBlock)
	_, err = first.DomainRules().AssignProxy(9, "example.com", "wg", "de")
	require.NoError(t, err)
	require.NoError(t, first.Close(context.Background()))

	second := New(Config{Logger: logging.Discard(), DB: db, ProxyCapacity: 2})
	report, err := second.Load(context.Background())
	require.NoError(t, err)
	defer second.Close(context.Background())

	assert.Equal(t, 1, report.Apps)
	assert.Equal(t, 1, report.IPRules.Loaded)
	assert.Equal(t, 1, report.DomainRules.Loaded)
	assert.Equal(t, ruleset.IsolatedApp, second.Evaluate(Query{UID: 7, IP: "1.1.1.1"}).RuleID)
	assert.Equal(t, ruleset.IPBlock, second.Evaluate(Query{UID: 9, IP: "10.20.30.40", Port: 22}).RuleID)
	assert.Equal(t, 1, second.Ledger().Count("DE"))
}

func TestLoad_WithoutDatabase(t *testing.T) {
	e := newTestEngine(t)
	report, err := e.Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Apps)
	require.NoError(t, e.Close(context.Background()))
}

func TestStatsAndMetrics(t *testing.T) {
	db, err := policydb.Open(":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	reg := metrics.NewIsolated()
	e := New(Config{Logger: logging.Discard(), DB: db, Metrics: reg, ProxyCapacity: 3})
	defer e.Close(context.Background())

	_, err = e.IPRules().AssignProxy(7, "1.2.3.4", 0, "wg", "de")
	require.NoError(t, err)
	e.Evaluate(Query{UID: 7, IP: "1.2.3.4", Port: 80})
	require.NoError(t, e.Flush(context.Background()))

	s := e.Stats()
	assert.Equal(t, 1, s.IPRules.Rules)
	assert.Equal(t, 3, s.ProxyCapacity)
	assert.Equal(t, map[string]int{"DE": 1}, s.Proxies)
	assert.True(t, s.Persist.Enabled)
	assert.Equal(t, uint64(1), s.Persist.Written)

	body := scrape(t, reg)
	assert.Contains(t, body, `appwall_evaluations_total{rule="proxy-routed",source="ip_rule",verdict="allow"} 1`)
	assert.Contains(t, body, `appwall_proxy_reservations{cc="DE"} 1`)
	assert.Contains(t, body, `appwall_mutations_total{op="assign_proxy",result="ok",table="ip_rules"} 1`)
}

func scrape(t *testing.T, reg *metrics.Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return strings.TrimSpace(rec.Body.String())
}
