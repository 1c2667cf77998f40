package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/deskmux/deskmux/internal/database"
	"github.com/deskmux/deskmux/internal/session"
)

type profileRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	SSHHost     string `json:"ssh_host"`
	SSHPort     int    `json:"ssh_port"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	OTPRequired bool   `json:"otp_required"`
	SortOrder   int    `json:"sort_order"`
}

type profileResponse struct {
	database.Profile
	State string `json:"state"`
}

// ListProfiles returns every profile with its current session state.
func ListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := store.ListProfiles(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]profileResponse, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, profileResponse{
			Profile: p,
			State:   registry.State(session.ProfileID(p.ID)).String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetProfile returns one profile with its current session state.
func GetProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := store.GetProfile(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		Profile: p,
		State:   registry.State(session.ProfileID(p.ID)).String(),
	})
}

// CreateProfile stores a new profile.
func CreateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" || req.Host == "" {
		writeError(w, http.StatusBadRequest, "id and host are required")
		return
	}
	if req.Port == 0 {
		req.Port = 5900
	}
	if req.SSHHost != "" && req.SSHPort == 0 {
		req.SSHPort = 22
	}

	p := database.Profile{
		ID:          req.ID,
		Name:        req.Name,
		Host:        req.Host,
		Port:        req.Port,
		SSHHost:     req.SSHHost,
		SSHPort:     req.SSHPort,
		Username:    req.Username,
		OTPRequired: req.OTPRequired,
		SortOrder:   req.SortOrder,
	}
	if err := store.CreateProfile(r.Context(), p, req.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := store.GetProfile(r.Context(), req.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateProfile updates a profile's connection fields. An empty password
// keeps the stored one.
func UpdateProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	existing, err := store.GetProfile(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	existing.Name = req.Name
	existing.Host = req.Host
	existing.Port = req.Port
	existing.SSHHost = req.SSHHost
	existing.SSHPort = req.SSHPort
	existing.Username = req.Username
	existing.OTPRequired = req.OTPRequired
	existing.SortOrder = req.SortOrder
	if err := store.UpdateProfile(r.Context(), existing, req.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := store.GetProfile(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteProfile removes a profile. A profile with a live session cannot be
// deleted.
func DeleteProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if registry.State(session.ProfileID(id)).Live() {
		writeError(w, http.StatusConflict, "profile has a live session, disconnect first")
		return
	}
	if err := store.DeleteProfile(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sink.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}
