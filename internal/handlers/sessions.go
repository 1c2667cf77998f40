package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/deskmux/deskmux/internal/session"
)

type connectRequest struct {
	OTP string `json:"otp"`
}

// ConnectSession starts (or confirms) a session for a profile. Connecting an
// already-live profile succeeds without a new session.
func ConnectSession(w http.ResponseWriter, r *http.Request) {
	id := session.ProfileID(chi.URLParam(r, "id"))

	var req connectRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	if err := registry.Connect(r.Context(), id, req.OTP); err != nil {
		writeClassifiedError(w, err)
		return
	}
	info, ok := registry.Info(id)
	if !ok {
		writeError(w, http.StatusInternalServerError, "session vanished after connect")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// DisconnectSession tears a session down. Idempotent.
func DisconnectSession(w http.ResponseWriter, r *http.Request) {
	id := session.ProfileID(chi.URLParam(r, "id"))
	registry.Disconnect(id)
	w.WriteHeader(http.StatusNoContent)
}

type windowRequest struct {
	Action string `json:"action"` // "opened" or "closed"
}

// SessionWindow reflects window focus events onto the session.
func SessionWindow(w http.ResponseWriter, r *http.Request) {
	id := session.ProfileID(chi.URLParam(r, "id"))

	var req windowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	switch req.Action {
	case "opened":
		registry.MarkWindowOpened(id)
	case "closed":
		registry.MarkWindowClosed(id)
	default:
		writeError(w, http.StatusBadRequest, "action must be \"opened\" or \"closed\"")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"state": registry.State(id).String(),
	})
}

// ListSessions returns a snapshot of every current session.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, registry.Sessions())
}

// GetSession returns one session's snapshot plus its health record.
func GetSession(w http.ResponseWriter, r *http.Request) {
	id := session.ProfileID(chi.URLParam(r, "id"))
	info, ok := registry.Info(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no session for profile")
		return
	}
	resp := map[string]interface{}{"session": info}
	if rec, ok := monitor.Record(id); ok {
		resp["health"] = rec
	}
	writeJSON(w, http.StatusOK, resp)
}

// SessionHistory returns the lifecycle transition history for a profile.
// History survives session cleanup.
func SessionHistory(w http.ResponseWriter, r *http.Request) {
	id := session.ProfileID(chi.URLParam(r, "id"))
	history := registry.History(id)
	out := make([]map[string]interface{}, 0, len(history))
	for _, tr := range history {
		out = append(out, map[string]interface{}{
			"from":      tr.From.String(),
			"to":        tr.To.String(),
			"event":     tr.Event.String(),
			"reason":    tr.Reason,
			"timestamp": tr.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ReadySessions returns the externally-visible ready set.
func ReadySessions(w http.ResponseWriter, r *http.Request) {
	ids := registry.ActiveProfileIDs()
	if ids == nil {
		ids = []session.ProfileID{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// HealthRecords returns every monitor health record.
func HealthRecords(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, monitor.Records())
}

// PortLeases returns the allocator's current leases.
func PortLeases(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, allocator.Leases())
}
