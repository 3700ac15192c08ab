package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"grimm.is/appwall/internal/policy"
)

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteError sends a JSON error response
func WriteError(w http.ResponseWriter, code int, message string, details ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := ErrorResponse{Error: message}
	if len(details) > 0 {
		resp.Details = details[0]
	}
	json.NewEncoder(w).Encode(resp)
}

// WriteJSON sends a JSON success response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// statusFor maps a policy error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, policy.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, policy.ErrCapacityExceeded):
		return http.StatusConflict
	case errors.Is(err, policy.ErrInvalidTarget),
		errors.Is(err, policy.ErrMalformedAddress),
		errors.Is(err, policy.ErrInvalidDomain),
		errors.Is(err, policy.ErrInvalidCountryCode),
		errors.Is(err, policy.ErrInvalidStatus):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writePolicyError sends err with the status its sentinel maps to.
func writePolicyError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	WriteError(w, code, http.StatusText(code), err.Error())
}

// decodeJSON reads a size-limited JSON body into v. On failure it has
// already written a 400 response.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return false
	}
	return true
}

// pathUID parses the {uid} path value.
func pathUID(w http.ResponseWriter, r *http.Request) (policy.UID, bool) {
	uid, err := policy.ParseUID(r.PathValue("uid"))
	if err != nil {
		writePolicyError(w, err)
		return 0, false
	}
	return uid, true
}

// queryUID parses the uid query parameter. A missing parameter yields
// ok=false without writing a response when optional is set.
func queryUID(w http.ResponseWriter, r *http.Request, optional bool) (uid policy.UID, present, ok bool) {
	raw := r.URL.Query().Get("uid")
	if raw == "" {
		if optional {
			return 0, false, true
		}
		WriteError(w, http.StatusBadRequest, "Missing uid")
		return 0, false, false
	}
	uid, err := policy.ParseUID(raw)
	if err != nil {
		writePolicyError(w, err)
		return 0, false, false
	}
	return uid, true, true
}

// queryPort parses the port query parameter; absent means wildcard.
func queryPort(w http.ResponseWriter, r *http.Request) (uint16, bool) {
	raw := r.URL.Query().Get("port")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid port", fmt.Sprintf("%q", raw))
		return 0, false
	}
	return uint16(n), true
}
