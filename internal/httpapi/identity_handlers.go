package httpapi

import (
	"net/http"
	"strings"

	"fedvault.org/internal/audit"
	"fedvault.org/internal/authz"
	"fedvault.org/internal/identity"
)

type registerUserRequest struct {
	Name     string       `json:"name"`
	Email    string       `json:"email"`
	Password string       `json:"password"`
	JobTitle string       `json:"job_title"`
	Roles    []authz.Role `json:"roles,omitempty"`
}

func (a *API) handleOrganizations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req identity.RegisterOrganizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var authorizer *authz.Principal
	if p, ok := PrincipalFromContext(r.Context()); ok {
		authorizer = &p
	}
	org, admin, err := a.identity.RegisterOrganization(r.Context(), authorizer, req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.organization.register", map[string]any{
		"organization_id": org.ID,
		"admin_user_id":   admin.ID,
	})
	w.Header().Set("Location", "/v1/organizations/"+org.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"organization": org,
		"admin":        admin,
	})
}

// handleOrganizationScoped routes /v1/organizations/{id}[/users|/upgrade].
func (a *API) handleOrganizationScoped(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/organizations/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	orgID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			org, err := a.identity.GetOrganization(r.Context(), p, orgID)
			if err != nil {
				handleError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, org)
		case http.MethodPatch:
			var upd identity.OrganizationUpdate
			if err := decodeJSON(w, r, &upd); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			org, err := a.identity.UpdateOrganization(r.Context(), p, orgID, upd)
			if err != nil {
				handleError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, org)
		case http.MethodDelete:
			if err := a.identity.DeleteOrganization(r.Context(), p, orgID); err != nil {
				handleError(w, r, err)
				return
			}
			_ = audit.LogEvent(r.Context(), "identity.organization.delete", map[string]any{"organization_id": orgID})
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
		}
		return
	}

	switch parts[1] {
	case "users":
		switch r.Method {
		case http.MethodGet:
			users, err := a.identity.ListUsers(r.Context(), p, orgID)
			if err != nil {
				handleError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": users})
		case http.MethodPost:
			var req registerUserRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			user, err := a.identity.RegisterUser(r.Context(), p, orgID, req.Name, req.Email, req.Password, req.JobTitle, req.Roles)
			if err != nil {
				handleError(w, r, err)
				return
			}
			_ = audit.LogEvent(r.Context(), "identity.user.register", map[string]any{
				"user_id":         user.ID,
				"organization_id": orgID,
			})
			w.Header().Set("Location", "/v1/users/"+user.ID)
			writeJSON(w, http.StatusCreated, user)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	case "upgrade":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if err := a.identity.UpgradeOrganization(r.Context(), p, orgID); err != nil {
			handleError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "identity.organization.upgrade", map[string]any{"organization_id": orgID})
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// handleUserScoped routes /v1/users/{id}[/unlock].
func (a *API) handleUserScoped(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	userID := parts[0]

	if len(parts) == 2 && parts[1] == "unlock" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if err := a.identity.UnlockUser(r.Context(), p, userID); err != nil {
			handleError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "identity.user.unlock", map[string]any{"user_id": userID})
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if len(parts) != 1 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		user, err := a.identity.GetUser(r.Context(), p, userID)
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodPatch:
		var upd identity.UserUpdate
		if err := decodeJSON(w, r, &upd); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		user, err := a.identity.UpdateUser(r.Context(), p, userID, upd)
		if err != nil {
			handleError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "identity.user.update", map[string]any{"user_id": userID})
		writeJSON(w, http.StatusOK, user)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
	}
}
