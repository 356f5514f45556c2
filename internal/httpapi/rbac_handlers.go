package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"otportal.org/internal/auth"
)

type approveSignupRequest struct {
	Role string `json:"role"`
}

type assignRoleRequest struct {
	Role      string     `json:"role"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type userRolesResponse struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

func (a *API) handleListSignups(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	pending, err := a.svc.ListPendingSignups(r.Context(), p, clientMeta(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if pending == nil {
		pending = []auth.SignupRequest{}
	}
	writeData(w, http.StatusOK, "", pending)
}

func (a *API) handleApproveSignup(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req approveSignupRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	decided, err := a.svc.ApproveSignup(r.Context(), p, r.PathValue("id"), req.Role, clientMeta(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "signup approved", decided)
}

func (a *API) handleRejectSignup(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	decided, err := a.svc.RejectSignup(r.Context(), p, r.PathValue("id"), clientMeta(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "signup rejected", decided)
}

func (a *API) handleSecurityEvents(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := a.svc.SecurityEvents(r.Context(), p, limit, clientMeta(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []auth.SecurityEvent{}
	}
	writeData(w, http.StatusOK, "", events)
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	userID := r.PathValue("id")
	roles, err := a.svc.UserRoles(r.Context(), p, userID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if roles == nil {
		roles = []string{}
	}
	writeData(w, http.StatusOK, "", userRolesResponse{UserID: userID, Roles: roles})
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req assignRoleRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID := r.PathValue("id")
	if err := a.svc.AssignRole(r.Context(), p, userID, req.Role, req.ExpiresAt, clientMeta(r)); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, "role assigned", nil)
}

func (a *API) handleRevokeRole(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if err := a.svc.RevokeRole(r.Context(), p, r.PathValue("id"), r.PathValue("role"), clientMeta(r)); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "role revoked", nil)
}
