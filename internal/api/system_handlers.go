package api

import (
	"net/http"

	"grimm.is/appwall/internal/policy"
	"grimm.is/appwall/internal/ruleset"
)

// ProxyResponse describes the ledger state for one country code.
type ProxyResponse struct {
	CC         string `json:"cc"`
	Count      int    `json:"count"`
	Capacity   int    `json:"capacity"`
	CanReserve bool   `json:"can_reserve"`
}

func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	l := s.engine.Ledger()
	out := make([]ProxyResponse, 0)
	for _, cc := range l.Codes() {
		out = append(out, ProxyResponse{CC: cc, Count: l.Count(cc), Capacity: l.Capacity(), CanReserve: l.CanReserve(cc)})
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProxy(w http.ResponseWriter, r *http.Request) {
	cc, err := policy.NormalizeCC(r.PathValue("cc"))
	if err != nil {
		writePolicyError(w, err)
		return
	}
	l := s.engine.Ledger()
	WriteJSON(w, http.StatusOK, ProxyResponse{
		CC:         cc,
		Count:      l.Count(cc),
		Capacity:   l.Capacity(),
		CanReserve: l.CanReserve(cc),
	})
}

// NetworkRequest is the body of PUT /api/network.
type NetworkRequest struct {
	Metering policy.Metering `json:"metering"`
}

func (s *Server) handleGetNetwork(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, NetworkRequest{Metering: s.engine.Metering()})
}

func (s *Server) handleSetNetwork(w http.ResponseWriter, r *http.Request) {
	var req NetworkRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	s.engine.SetMetering(req.Metering)
	WriteJSON(w, http.StatusOK, req)
}

func (s *Server) handleRuleset(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, ruleset.All())
}

func (s *Server) handleRulesetEntry(w http.ResponseWriter, r *http.Request) {
	rule, ok := ruleset.Lookup(ruleset.ID(r.PathValue("id")))
	if !ok {
		WriteError(w, http.StatusNotFound, "Unknown rule", r.PathValue("id"))
		return
	}
	WriteJSON(w, http.StatusOK, rule)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.engine.Stats())
}
