package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/appwall/internal/audit"
	"grimm.is/appwall/internal/brand"
	"grimm.is/appwall/internal/engine"
	"grimm.is/appwall/internal/events"
	"grimm.is/appwall/internal/iprules"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/metrics"
	"grimm.is/appwall/internal/policy"
	"grimm.is/appwall/internal/policydb"
	"grimm.is/appwall/internal/ruleset"
)

type testServer struct {
	*Server
	eng *engine.Engine
	h   http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	reg := metrics.NewIsolated()
	eng := engine.New(engine.Config{
		Logger:        logging.Discard(),
		Metrics:       reg,
		Events:        events.NewHub(),
		ProxyCapacity: 1,
	})
	srv, err := NewServer(ServerOptions{Engine: eng, Logger: logging.Discard(), Metrics: reg})
	require.NoError(t, err)
	return &testServer{Server: srv, eng: eng, h: srv.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer_RequiresEngine(t *testing.T) {
	_, err := NewServer(ServerOptions{})
	assert.Error(t, err)
}

func TestHealthAndStatus(t *testing.T) {
	ts := newTestServer(t)
	health := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, health.Code)
	assert.Equal(t, brand.UserAgent(), health.Header().Get("Server"))

	rec := ts.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[StatusResponse](t, rec)
	assert.Equal(t, "unknown", st.Metering)
}

func TestEvaluate_DomainBlock(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPut, "/api/domainrules", map[string]any{
		"uid": 7, "domain": "ads.example.com", "status": "block",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/evaluate", map[string]any{
		"uid": 7, "ip": "10.0.0.1", "port": 443, "domain": "ads.example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[EvaluateResponse](t, rec)
	assert.Equal(t, policy.VerdictBlock, out.Verdict)
	assert.Equal(t, ruleset.DomainBlock, out.RuleID)
	require.NotNil(t, out.Rule)
	assert.True(t, out.Rule.Grounded)
}

func TestEvaluate_BadBody(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/evaluate", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/evaluate", map[string]any{"uid": 1, "bogus": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAppEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPut, "/api/apps/7/mode", map[string]any{"mode": "isolate"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/apps/7/toggle", map[string]any{"network": "mobile", "block": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[map[string]any](t, rec)
	assert.Equal(t, "isolate", got["firewall_mode"])
	assert.Equal(t, "metered", got["connection_mode"])

	rec = ts.do(t, http.MethodGet, "/api/apps", nil)
	assert.Len(t, decode[[]map[string]any](t, rec), 1)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPut, "/api/apps/7/mode", map[string]any{"mode": "nonsense"}).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPut, "/api/apps/everybody/mode", map[string]any{"mode": "isolate"}).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/apps/abc", nil).Code)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/apps/7", nil).Code)
	got = decode[map[string]any](t, ts.do(t, http.MethodGet, "/api/apps/7", nil))
	assert.Equal(t, "none", got["firewall_mode"])
}

func TestBulkApps_PartialFailure(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/apps/bulk", map[string]any{
		"uids": []int{1, 2, -5}, "op": "isolate",
	})
	assert.Equal(t, http.StatusMultiStatus, rec.Code)
	resp := decode[BulkResponse](t, rec)
	assert.Len(t, resp.Applied, 2)
	assert.Contains(t, resp.Failed, "-5")

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/apps/bulk", map[string]any{"uids": []int{1}, "op": "explode"}).Code)
}

func TestMoveApp(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/api/iprules", map[string]any{
		"uid": 7, "ip": "1.2.3.4", "port": 0, "status": "block",
	}).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/apps/7/move", map[string]any{"new_uid": 8}).Code)
	rules := decode[[]iprules.Rule](t, ts.do(t, http.MethodGet, "/api/iprules?uid=8", nil))
	assert.Len(t, rules, 1)
}

func TestIPRuleEndpoints(t *testing.T) {
	ts := newTestServer(t)
	for _, body := range []map[string]any{
		{"uid": 42, "ip": "1.2.3.4", "port": 443, "status": "block"},
		{"uid": 42, "ip": "1.2.3.4", "port": 0, "status": "trust"},
	} {
		rec := ts.do(t, http.MethodPut, "/api/iprules", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	res := decode[ResolveResponse](t, ts.do(t, http.MethodGet, "/api/iprules/resolve?uid=42&ip=1.2.3.4&port=443", nil))
	assert.Equal(t, "block", res.Status)
	res = decode[ResolveResponse](t, ts.do(t, http.MethodGet, "/api/iprules/resolve?uid=42&ip=1.2.3.4&port=80", nil))
	assert.Equal(t, "trust", res.Status)
	res = decode[ResolveResponse](t, ts.do(t, http.MethodGet, "/api/iprules/resolve?uid=42&ip=junk", nil))
	assert.Equal(t, "none", res.Status)

	assert.Len(t, decode[[]iprules.Rule](t, ts.do(t, http.MethodGet, "/api/iprules", nil)), 2)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPut, "/api/iprules", map[string]any{"uid": 42, "ip": "nope", "status": "block"}).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/iprules/resolve?ip=1.2.3.4", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/iprules/resolve?uid=42&ip=1.2.3.4&port=99999", nil).Code)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/iprules?uid=42&ip=1.2.3.4&port=443", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/iprules?uid=42&ip=1.2.3.4&port=443", nil).Code)
}

func TestProxyCapacity_Conflict(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPut, "/api/iprules/proxy", map[string]any{
		"uid": 1, "ip": "5.5.5.5", "proxy_id": "wg", "proxy_cc": "de",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPut, "/api/domainrules/proxy", map[string]any{
		"uid": 1, "domain": "example.com", "proxy_id": "wg", "proxy_cc": "DE",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	p := decode[ProxyResponse](t, ts.do(t, http.MethodGet, "/api/proxy/de", nil))
	assert.Equal(t, "DE", p.CC)
	assert.Equal(t, 1, p.Count)
	assert.False(t, p.CanReserve)

	assert.Len(t, decode[[]ProxyResponse](t, ts.do(t, http.MethodGet, "/api/proxy", nil)), 1)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/proxy/germany", nil).Code)
}

func TestDomainRuleEndpoints(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPut, "/api/domainrules", map[string]any{
		"uid": -1000, "domain": "Tracker.Example.com.", "status": "block",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[ResolveResponse](t, ts.do(t, http.MethodGet, "/api/domainrules/resolve?uid=7&domain=tracker.example.com", nil))
	assert.Equal(t, "block", res.Status)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPut, "/api/domainrules", map[string]any{"uid": 7, "domain": "", "status": "block"}).Code)
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/domainrules?uid=everybody&domain=tracker.example.com", nil).Code)
	assert.Empty(t, decode[[]map[string]any](t, ts.do(t, http.MethodGet, "/api/domainrules?uid=everybody", nil)))
}

func TestNetworkAndConnectionMode(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/apps/7/toggle", map[string]any{"network": "wifi", "block": true}).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/api/network", map[string]any{"metering": "unmetered"}).Code)

	out := decode[EvaluateResponse](t, ts.do(t, http.MethodPost, "/api/evaluate", map[string]any{"uid": 7, "ip": "1.1.1.1", "port": 443}))
	assert.Equal(t, ruleset.ConnBlockUnmetered, out.RuleID)

	assert.Equal(t, "unmetered", decode[map[string]string](t, ts.do(t, http.MethodGet, "/api/network", nil))["metering"])
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPut, "/api/network", map[string]any{"metering": "satellite"}).Code)
}

func TestRulesetAndStats(t *testing.T) {
	ts := newTestServer(t)
	all := decode[[]ruleset.Rule](t, ts.do(t, http.MethodGet, "/api/ruleset", nil))
	assert.Len(t, all, len(ruleset.All()))

	entry := decode[ruleset.Rule](t, ts.do(t, http.MethodGet, "/api/ruleset/ip-block", nil))
	assert.Equal(t, ruleset.IPBlock, entry.ID)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/ruleset/nope", nil).Code)

	stats := decode[engine.Stats](t, ts.do(t, http.MethodGet, "/api/stats", nil))
	assert.Equal(t, 1, stats.ProxyCapacity)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/api/evaluate", map[string]any{"uid": 7, "ip": "1.1.1.1"})

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "appwall_evaluations_total")
	assert.Contains(t, body, `appwall_api_requests_total{method="POST",path="POST /api/evaluate",status="200"} 1`)
}

func TestEventsWebsocket(t *testing.T) {
	ts := newTestServer(t)
	hs := httptest.NewServer(ts.h)
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/api/ws/events?types=ip_rule_changed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.ws.Clients() == 1 }, time.Second, 10*time.Millisecond)

	ts.eng.SetMetering(policy.Metered) // filtered out
	_, err = ts.eng.IPRules().Upsert(iprules.Rule{UID: 7, IP: "1.2.3.4", Status: iprules.StatusBlock})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		ID   string           `json:"id"`
		Type events.EventType `json:"type"`
		Data struct {
			Op    string       `json:"op"`
			After iprules.Rule `json:"after"`
		} `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.EventIPRuleChanged, ev.Type)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "1.2.3.4", ev.Data.After.IP)
	assert.Equal(t, iprules.StatusBlock, ev.Data.After.Status)

	conn.Close()
	require.Eventually(t, func() bool { return ts.ws.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWriteErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{policy.Errorf("x", "y", policy.ErrNotFound), http.StatusNotFound},
		{policy.Errorf("x", "y", policy.ErrCapacityExceeded), http.StatusConflict},
		{policy.Errorf("x", "y", policy.ErrMalformedAddress), http.StatusBadRequest},
		{policy.Errorf("x", "y", policy.ErrInvalidStatus), http.StatusBadRequest},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestHistoryEndpoint(t *testing.T) {
	db, err := policydb.Open(":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	history, err := audit.NewStore(db.SQL(), 0, logging.Discard())
	require.NoError(t, err)

	hub := events.NewHub()
	eng := engine.New(engine.Config{Logger: logging.Discard(), Events: hub})
	srv, err := NewServer(ServerOptions{Engine: eng, Logger: logging.Discard(), History: history})
	require.NoError(t, err)
	ts := &testServer{Server: srv, eng: eng, h: srv.Handler()}

	require.NoError(t, history.Write(events.Event{
		ID: "x", Type: events.EventDomainRuleChanged, Timestamp: time.Now(), Source: "domainrules",
		Data: events.ChangeData{Op: "upsert"},
	}))

	rec := ts.do(t, http.MethodGet, "/api/history?type=domain_rule_changed&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]audit.Entry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "upsert", entries[0].Op)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/history?limit=-1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/history?since=yesterday", nil).Code)
}
