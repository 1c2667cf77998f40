package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/deskmux/deskmux/internal/logging"
)

// Healthz reports daemon liveness and headline counts.
func Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": len(registry.Sessions()),
		"ready":    len(registry.ActiveProfileIDs()),
		"leases":   len(allocator.Leases()),
	})
}

// GetServerLogs returns the tail of the daemon log file.
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"logs": content})
}
