package api

import (
	"net/http"
	"strconv"
	"time"

	"grimm.is/appwall/internal/audit"
	"grimm.is/appwall/internal/events"
)

const maxHistoryLimit = 1000

// handleHistory lists recorded changes, newest first. Query parameters:
// type, since (RFC 3339) and limit.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{Type: events.EventType(q.Get("type")), Limit: 100}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteError(w, http.StatusBadRequest, "Invalid limit", raw)
			return
		}
		f.Limit = min(n, maxHistoryLimit)
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "Invalid since", raw)
			return
		}
		f.Since = t
	}

	entries, err := s.history.Query(f)
	if err != nil {
		s.logger.Error("history query failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "History unavailable")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	WriteJSON(w, http.StatusOK, entries)
}
