package api

import (
	"net/http"

	"grimm.is/appwall/internal/iprules"
	"grimm.is/appwall/internal/policy"
)

func (s *Server) handleListIPRules(w http.ResponseWriter, r *http.Request) {
	uid, present, ok := queryUID(w, r, true)
	if !ok {
		return
	}
	rules := s.engine.IPRules().All()
	if present {
		rules = s.engine.IPRules().List(uid)
	}
	WriteJSON(w, http.StatusOK, rules)
}

func (s *Server) handleUpsertIPRule(w http.ResponseWriter, r *http.Request) {
	var rule iprules.Rule
	if !s.decodeJSON(w, r, &rule) {
		return
	}
	saved, err := s.engine.IPRules().Upsert(rule)
	if err != nil {
		writePolicyError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteIPRule(w http.ResponseWriter, r *http.Request) {
	uid, _, ok := queryUID(w, r, false)
	if !ok {
		return
	}
	port, ok := queryPort(w, r)
	if !ok {
		return
	}
	if err := s.engine.IPRules().Delete(uid, r.URL.Query().Get("ip"), port); err != nil {
		writePolicyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// IPProxyRequest is the body of PUT /api/iprules/proxy. Empty proxy fields
// clear the assignment.
type IPProxyRequest struct {
	UID     policy.UID `json:"uid"`
	IP      string     `json:"ip"`
	Port    uint16     `json:"port"`
	ProxyID string     `json:"proxy_id"`
	ProxyCC string     `json:"proxy_cc"`
}

func (s *Server) handleAssignIPProxy(w http.ResponseWriter, r *http.Request) {
	var req IPProxyRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	saved, err := s.engine.IPRules().AssignProxy(req.UID, req.IP, req.Port, req.ProxyID, req.ProxyCC)
	if err != nil {
		writePolicyError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, saved)
}

// ResolveResponse is the body of the resolve endpoints.
type ResolveResponse struct {
	Status string `json:"status"`
	Rule   any    `json:"rule,omitempty"`
}

func (s *Server) handleResolveIP(w http.ResponseWriter, r *http.Request) {
	uid, _, ok := queryUID(w, r, false)
	if !ok {
		return
	}
	port, ok := queryPort(w, r)
	if !ok {
		return
	}
	ip := r.URL.Query().Get("ip")
	addr, valid := iprules.ParseAddr(ip)
	if !valid {
		WriteJSON(w, http.StatusOK, ResolveResponse{Status: iprules.StatusNone.String()})
		return
	}
	resp := ResolveResponse{Status: iprules.StatusNone.String()}
	if rule, found := s.engine.IPRules().Match(uid, addr, port); found {
		resp.Status = rule.Status.String()
		resp.Rule = rule
	}
	WriteJSON(w, http.StatusOK, resp)
}
