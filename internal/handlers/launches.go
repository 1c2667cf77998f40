package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/deskmux/deskmux/internal/database"
	"github.com/deskmux/deskmux/internal/session"
)

type launchRequest struct {
	// GroupID launches a stored group; Members launches an ad-hoc set.
	GroupID     uint     `json:"group_id"`
	Members     []string `json:"members"`
	RequiresOTP bool     `json:"requires_otp"`
}

// StartLaunch starts a group launch, either from a stored group or an
// ad-hoc member list.
func StartLaunch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var members []session.ProfileID
	requiresOTP := req.RequiresOTP
	if req.GroupID != 0 {
		group, err := store.GetGroup(r.Context(), req.GroupID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				writeError(w, http.StatusNotFound, "group not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		members, err = store.GroupMemberIDs(r.Context(), group.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		requiresOTP = group.RequiresOTP
	} else {
		for _, id := range req.Members {
			members = append(members, session.ProfileID(id))
		}
	}

	job, err := coordinator.LaunchGroup(members, requiresOTP)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, _ := coordinator.Job(job.ID())
	writeJSON(w, http.StatusAccepted, info)
}

// ListLaunches returns every tracked launch job, newest first.
func ListLaunches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, coordinator.Jobs())
}

// GetLaunch returns one launch job. With ?wait=true the request blocks
// until the job resolves or the client goes away.
func GetLaunch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		info, err := coordinator.Wait(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, info)
		return
	}
	info, ok := coordinator.Job(id)
	if !ok {
		writeError(w, http.StatusNotFound, "launch job not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type otpRequest struct {
	OTP string `json:"otp"`
}

// ProvideLaunchOTP delivers the shared OTP to a job awaiting one.
func ProvideLaunchOTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req otpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.OTP == "" {
		writeError(w, http.StatusBadRequest, "otp is required")
		return
	}
	if err := coordinator.ProvideOTP(id, req.OTP); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelLaunch cancels a job: cleanly before fan-out, reporting-suppression
// only during fan-out.
func CancelLaunch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := coordinator.Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type groupRequest struct {
	Name        string   `json:"name"`
	RequiresOTP bool     `json:"requires_otp"`
	Members     []string `json:"members"`
	SortOrder   int      `json:"sort_order"`
}

// ListGroups returns all stored launch groups.
func ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := store.ListGroups(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

// CreateGroup stores a new launch group.
func CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || len(req.Members) == 0 {
		writeError(w, http.StatusBadRequest, "name and members are required")
		return
	}
	g := database.LaunchGroup{Name: req.Name, RequiresOTP: req.RequiresOTP, SortOrder: req.SortOrder}
	created, err := store.CreateGroup(r.Context(), g, req.Members)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// DeleteGroup removes a stored launch group.
func DeleteGroup(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid group ID")
		return
	}
	if err := store.DeleteGroup(r.Context(), uint(id)); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "group not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
