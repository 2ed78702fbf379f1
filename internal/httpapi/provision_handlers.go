package httpapi

import (
	"net/http"
	"strings"

	"fedvault.org/internal/audit"
	"fedvault.org/internal/provision"
)

type createProvisionRequest struct {
	FederationID string `json:"federation_id"`
	Size         string `json:"size"`
}

func (a *API) handleProvisions(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		items, err := a.provisions.List(r.Context(), p.OrganizationID)
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req createProvisionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		prov, err := a.provisions.Create(r.Context(), p, req.FederationID, req.Size)
		if err != nil {
			handleError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "provision.create", map[string]any{
			"provision_id":  prov.ID,
			"federation_id": prov.FederationID,
		})
		w.Header().Set("Location", "/v1/provisions/"+prov.ID)
		writeJSON(w, http.StatusCreated, prov)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleProvisionScoped routes /v1/provisions/{id}.
func (a *API) handleProvisionScoped(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	provisionID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/provisions/"), "/")
	if provisionID == "" || strings.Contains(provisionID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		prov, err := a.provisions.Get(r.Context(), provisionID)
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, prov)
	case http.MethodDelete:
		if err := a.provisions.Deprovision(r.Context(), p, provisionID); err != nil {
			handleError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "provision.delete", map[string]any{"provision_id": provisionID})
		w.WriteHeader(http.StatusAccepted)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

type scnStateRequest struct {
	State string `json:"state"`
}

// handleSCNScoped routes /v1/scns/{id} reads and the externally driven state
// transitions.
func (a *API) handleSCNScoped(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/scns/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	scnID := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		scn, err := a.provisions.GetSCN(r.Context(), scnID)
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, scn)

	case len(parts) == 2 && parts[1] == "state":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		var req scnStateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.provisions.UpdateSCNState(r.Context(), p, scnID, provision.SCNState(req.State)); err != nil {
			handleError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "scn.state", map[string]any{
			"scn_id": scnID,
			"state":  req.State,
		})
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}
