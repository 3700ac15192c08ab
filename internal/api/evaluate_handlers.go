package api

import (
	"net/http"

	"grimm.is/appwall/internal/engine"
	"grimm.is/appwall/internal/ruleset"
)

// EvaluateResponse carries an outcome and the catalog entry explaining it.
type EvaluateResponse struct {
	engine.Outcome
	Rule *ruleset.Rule `json:"rule,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var q engine.Query
	if !s.decodeJSON(w, r, &q) {
		return
	}
	out := s.engine.Evaluate(q)
	resp := EvaluateResponse{Outcome: out}
	if rule, ok := s.engine.Explain(out); ok {
		resp.Rule = &rule
	}
	WriteJSON(w, http.StatusOK, resp)
}
