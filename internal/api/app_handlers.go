package api

import (
	"net/http"

	"grimm.is/appwall/internal/apps"
	"grimm.is/appwall/internal/policy"
)

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.engine.Apps().List())
}

func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathUID(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, s.engine.Apps().Get(uid))
}

// SetModeRequest is the body of PUT /api/apps/{uid}/mode.
type SetModeRequest struct {
	Mode policy.FirewallMode `json:"mode"`
}

func (s *Server) handleSetAppMode(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathUID(w, r)
	if !ok {
		return
	}
	var req SetModeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	p, err := s.engine.Apps().SetFirewallMode(uid, req.Mode)
	if err != nil {
		writePolicyError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

// ToggleRequest is the body of POST /api/apps/{uid}/toggle.
type ToggleRequest struct {
	Network policy.NetworkKind `json:"network"`
	Block   bool               `json:"block"`
}

func (s *Server) handleToggleApp(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathUID(w, r)
	if !ok {
		return
	}
	var req ToggleRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if _, err := s.engine.Apps().ApplyNetworkToggle(uid, req.Network, req.Block); err != nil {
		writePolicyError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, s.engine.Apps().Get(uid))
}

// MoveRequest is the body of POST /api/apps/{uid}/move.
type MoveRequest struct {
	NewUID policy.UID `json:"new_uid"`
}

func (s *Server) handleMoveApp(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathUID(w, r)
	if !ok {
		return
	}
	var req MoveRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.MoveApp(uid, req.NewUID); err != nil {
		writePolicyError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, s.engine.Apps().Get(req.NewUID))
}

// handleResetApp returns an app to the default policy. With purge=true its
// IP and domain rules are removed as well.
func (s *Server) handleResetApp(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathUID(w, r)
	if !ok {
		return
	}
	var err error
	if r.URL.Query().Get("purge") == "true" {
		err = s.engine.RemoveApp(uid)
	} else {
		_, err = s.engine.Apps().Reset(uid)
	}
	if err != nil {
		writePolicyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BulkRequest is the body of POST /api/apps/bulk.
type BulkRequest struct {
	UIDs []policy.UID `json:"uids"`
	Op   string       `json:"op"`
}

// BulkResponse reports per-UID results of a bulk operation.
type BulkResponse struct {
	Applied []apps.AppPolicy  `json:"applied"`
	Failed  map[string]string `json:"failed,omitempty"`
}

func (s *Server) handleBulkApps(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	op, ok := apps.ParseBulkOp(req.Op)
	if !ok {
		WriteError(w, http.StatusBadRequest, "Unknown bulk operation", req.Op)
		return
	}
	res := s.engine.Apps().BulkApply(req.UIDs, op)
	resp := BulkResponse{Applied: res.Applied}
	if !res.OK() {
		resp.Failed = make(map[string]string, len(res.Failed))
		for uid, err := range res.Failed {
			resp.Failed[uid.String()] = err.Error()
		}
	}
	status := http.StatusOK
	if !res.OK() {
		status = http.StatusMultiStatus
	}
	WriteJSON(w, status, resp)
}
