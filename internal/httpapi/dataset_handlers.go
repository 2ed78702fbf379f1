package httpapi

import (
	"net/http"
	"strings"

	"fedvault.org/internal/audit"
	"fedvault.org/internal/dataset"
)

func (a *API) handleDatasets(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		items, err := a.datasets.List(r.Context(), p.OrganizationID)
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req dataset.RegisterDatasetRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		ds, err := a.datasets.Register(r.Context(), p, req)
		if err != nil {
			handleError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "dataset.register", map[string]any{
			"dataset_id":      ds.ID,
			"organization_id": ds.OrganizationID,
		})
		w.Header().Set("Location", "/v1/datasets/"+ds.ID)
		writeJSON(w, http.StatusCreated, ds)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

type registerVersionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// handleDatasetScoped routes /v1/datasets/{id} and its version subtree.
func (a *API) handleDatasetScoped(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/datasets/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	datasetID := parts[0]

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			ds, err := a.datasets.Get(r.Context(), p, datasetID)
			if err != nil {
				handleError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, ds)
		case http.MethodDelete:
			if err := a.datasets.SoftDelete(r.Context(), p, datasetID); err != nil {
				handleError(w, r, err)
				return
			}
			_ = audit.LogEvent(r.Context(), "dataset.delete", map[string]any{"dataset_id": datasetID})
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}

	case len(parts) == 2 && parts[1] == "versions":
		switch r.Method {
		case http.MethodGet:
			versions, err := a.datasets.Versions(r.Context(), datasetID)
			if err != nil {
				handleError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": versions})
		case http.MethodPost:
			var req registerVersionRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			v, err := a.datasets.RegisterVersion(r.Context(), p, datasetID, req.Name, req.Description)
			if err != nil {
				handleError(w, r, err)
				return
			}
			_ = audit.LogEvent(r.Context(), "dataset.version.register", map[string]any{
				"dataset_id": datasetID,
				"version_id": v.ID,
			})
			writeJSON(w, http.StatusCreated, v)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}

	case len(parts) == 4 && parts[1] == "versions" && parts[3] == "upload-token":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		token, err := a.datasets.UploadToken(r.Context(), p, datasetID, parts[2])
		if err != nil {
			handleError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "dataset.version.upload_token", map[string]any{
			"dataset_id": datasetID,
			"version_id": parts[2],
		})
		writeJSON(w, http.StatusOK, token)

	case len(parts) == 4 && parts[1] == "versions" && parts[3] == "uploaded":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if err := a.datasets.MarkUploaded(r.Context(), p, parts[2]); err != nil {
			handleError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "dataset.version.uploaded", map[string]any{
			"dataset_id": datasetID,
			"version_id": parts[2],
		})
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}
