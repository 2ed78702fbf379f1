package httpapi

import (
	"net/http"
	"strings"

	"fedvault.org/internal/audit"
	"fedvault.org/internal/federation"
)

func (a *API) handleFederations(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		items, err := a.feds.List(r.Context(), p.OrganizationID)
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req federation.CreateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		f, err := a.feds.Create(r.Context(), p, req)
		if err != nil {
			handleError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "federation.create", map[string]any{
			"federation_id": f.ID,
			"owner_org_id":  f.OrganizationID,
		})
		w.Header().Set("Location", "/v1/federations/"+f.ID)
		writeJSON(w, http.StatusCreated, f)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

type inviteRequest struct {
	OrganizationID string `json:"organization_id"`
	Type           string `json:"type"`
}

type setDataModelRequest struct {
	DataModelID string `json:"data_model_id"`
}

type datasetKeyRequest struct {
	CreateIfMissing bool `json:"create_if_missing"`
}

// handleFederationScoped routes /v1/federations/{id} and its invite, dataset
// and data-model subtrees.
func (a *API) handleFederationScoped(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/federations/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	federationID := parts[0]

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			f, err := a.feds.Get(r.Context(), federationID)
			if err != nil {
				handleError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, f)
		case http.MethodDelete:
			if err := a.feds.SoftDelete(r.Context(), p, federationID); err != nil {
				handleError(w, r, err)
				return
			}
			_ = audit.LogEvent(r.Context(), "federation.delete", map[string]any{"federation_id": federationID})
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}

	case len(parts) == 2 && parts[1] == "invites":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req inviteRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		typ := federation.InviteType(req.Type)
		if typ != federation.InviteResearcher && typ != federation.InviteSubmitter {
			writeError(w, r, http.StatusBadRequest, "invite type must be RESEARCHER or SUBMITTER")
			return
		}
		inv, err := a.feds.Invite(r.Context(), p, federationID, req.OrganizationID, typ)
		if err != nil {
			handleError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "federation.invite", map[string]any{
			"federation_id":  federationID,
			"invitee_org_id": req.OrganizationID,
			"invite_type":    req.Type,
		})
		writeJSON(w, http.StatusCreated, inv)

	case len(parts) == 3 && parts[1] == "datasets":
		datasetID := parts[2]
		switch r.Method {
		case http.MethodPost:
			if err := a.feds.AddDataset(r.Context(), p, federationID, datasetID); err != nil {
				handleError(w, r, err)
				return
			}
			_ = audit.LogEvent(r.Context(), "federation.dataset.add", map[string]any{
				"federation_id": federationID,
				"dataset_id":    datasetID,
			})
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			if err := a.feds.RemoveDataset(r.Context(), p, federationID, datasetID); err != nil {
				handleError(w, r, err)
				return
			}
			_ = audit.LogEvent(r.Context(), "federation.dataset.remove", map[string]any{
				"federation_id": federationID,
				"dataset_id":    datasetID,
			})
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
		}

	case len(parts) == 4 && parts[1] == "datasets" && parts[3] == "key":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req datasetKeyRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		key, err := a.feds.DatasetKey(r.Context(), p, federationID, parts[2], req.CreateIfMissing)
		if err != nil {
			handleError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "federation.dataset.key", map[string]any{
			"federation_id": federationID,
			"dataset_id":    parts[2],
		})
		writeJSON(w, http.StatusOK, map[string]any{"key": key})

	case len(parts) == 2 && parts[1] == "data-model":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req setDataModelRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.feds.SetDataModel(r.Context(), p, federationID, req.DataModelID); err != nil {
			handleError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "federation.data_model.set", map[string]any{
			"federation_id": federationID,
			"data_model_id": req.DataModelID,
		})
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// handleInviteScoped routes /v1/invites/{id}/accept and /v1/invites/{id}/reject.
func (a *API) handleInviteScoped(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/invites/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || (parts[1] != "accept" && parts[1] != "reject") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	inv, err := a.feds.Respond(r.Context(), p, parts[0], parts[1] == "accept")
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "federation.invite.respond", map[string]any{
		"invite_id": inv.ID,
		"state":     string(inv.State),
	})
	writeJSON(w, http.StatusOK, inv)
}
