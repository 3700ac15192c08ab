package api

import (
	"net/http"

	"grimm.is/appwall/internal/domainrules"
	"grimm.is/appwall/internal/policy"
)

func (s *Server) handleListDomainRules(w http.ResponseWriter, r *http.Request) {
	uid, present, ok := queryUID(w, r, true)
	if !ok {
		return
	}
	rules := s.engine.DomainRules().All()
	if present {
		rules = s.engine.DomainRules().List(uid)
	}
	WriteJSON(w, http.StatusOK, rules)
}

func (s *Server) handleUpsertDomainRule(w http.ResponseWriter, r *http.Request) {
	var rule domainrules.Rule
	if !s.decodeJSON(w, r, &rule) {
		return
	}
	saved, err := s.engine.DomainRules().Upsert(rule)
	if err != nil {
		writePolicyError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteDomainRule(w http.ResponseWriter, r *http.Request) {
	uid, _, ok := queryUID(w, r, false)
	if !ok {
		return
	}
	if err := s.engine.DomainRules().Delete(uid, r.URL.Query().Get("domain")); err != nil {
		writePolicyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DomainProxyRequest is the body of PUT /api/domainrules/proxy.
type DomainProxyRequest struct {
	UID     policy.UID `json:"uid"`
	Domain  string     `json:"domain"`
	ProxyID string     `json:"proxy_id"`
	ProxyCC string     `json:"proxy_cc"`
}

func (s *Server) handleAssignDomainProxy(w http.ResponseWriter, r *http.Request) {
	var req DomainProxyRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	saved, err := s.engine.DomainRules().AssignProxy(req.UID, req.Domain, req.ProxyID, req.ProxyCC)
	if err != nil {
		writePolicyError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, saved)
}

func (s *Server) handleResolveDomain(w http.ResponseWriter, r *http.Request) {
	uid, _, ok := queryUID(w, r, false)
	if !ok {
		return
	}
	resp := ResolveResponse{Status: domainrules.StatusNone.String()}
	if rule, found := s.engine.DomainRules().Match(uid, r.URL.Query().Get("domain")); found {
		resp.Status = rule.Status.String()
		resp.Rule = rule
	}
	WriteJSON(w, http.StatusOK, resp)
}
