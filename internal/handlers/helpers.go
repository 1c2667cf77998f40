package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/deskmux/deskmux/internal/errclass"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeClassifiedError maps an error kind to an HTTP status and includes
// both the user-facing message and the kind.
func writeClassifiedError(w http.ResponseWriter, err error) {
	kind := errclass.Classify(err)
	status := http.StatusInternalServerError
	switch kind {
	case errclass.KindAuthFailed:
		status = http.StatusUnauthorized
	case errclass.KindPortExhausted:
		status = http.StatusServiceUnavailable
	case errclass.KindNetworkUnreachable, errclass.KindTunnelFailed, errclass.KindProtocolError:
		status = http.StatusBadGateway
	case errclass.KindTimeout:
		status = http.StatusGatewayTimeout
	case errclass.KindCancelled:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{
		"detail": errclass.UserMessage(kind),
		"kind":   kind.String(),
		"error":  err.Error(),
	})
}
