package httpapi

import (
	"net/http"
	"strings"

	"fedvault.org/internal/audit"
	"fedvault.org/internal/datamodel"
)

func (a *API) handleDataModels(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		items, err := a.datamodels.ListModels(r.Context())
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req datamodel.RegisterModelRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		model, err := a.datamodels.RegisterModel(r.Context(), p, req)
		if err != nil {
			handleError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "datamodel.register", map[string]any{"model_id": model.ID})
		w.Header().Set("Location", "/v1/data-models/"+model.ID)
		writeJSON(w, http.StatusCreated, model)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

type addCommentRequest struct {
	Text string `json:"text"`
}

// handleDataModelScoped routes /v1/data-models/{id}, its version and comment
// subtrees.
func (a *API) handleDataModelScoped(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/data-models/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	modelID := parts[0]

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			model, err := a.datamodels.GetModel(r.Context(), modelID)
			if err != nil {
				handleError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, model)
		case http.MethodDelete:
			if err := a.datamodels.DeleteModel(r.Context(), p, modelID); err != nil {
				handleError(w, r, err)
				return
			}
			_ = audit.LogEvent(r.Context(), "datamodel.delete", map[string]any{"model_id": modelID})
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}

	case len(parts) == 2 && parts[1] == "versions":
		switch r.Method {
		case http.MethodGet:
			versions, err := a.datamodels.Versions(r.Context(), modelID)
			if err != nil {
				handleError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": versions})
		case http.MethodPost:
			var req datamodel.RegisterVersionRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			v, err := a.datamodels.RegisterVersion(r.Context(), p, modelID, req)
			if err != nil {
				handleError(w, r, err)
				return
			}
			_ = audit.LogEvent(r.Context(), "datamodel.version.register", map[string]any{
				"model_id":   modelID,
				"version_id": v.ID,
			})
			writeJSON(w, http.StatusCreated, v)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}

	case len(parts) == 2 && parts[1] == "comments":
		switch r.Method {
		case http.MethodGet:
			comments, err := a.datamodels.Comments(r.Context(), modelID)
			if err != nil {
				handleError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": comments})
		case http.MethodPost:
			var req addCommentRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			c, err := a.datamodels.AddComment(r.Context(), p, modelID, req.Text)
			if err != nil {
				handleError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, c)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}

	case len(parts) == 3 && parts[1] == "comments":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		if err := a.datamodels.DeleteComment(r.Context(), p, modelID, parts[2]); err != nil {
			handleError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

type saveVersionRequest struct {
	Dataframes []datamodel.Dataframe `json:"dataframes"`
}

type commitVersionRequest struct {
	Message string `json:"message"`
}

// handleModelVersionScoped routes /v1/data-model-versions/{id} and its
// save/commit actions.
func (a *API) handleModelVersionScoped(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/data-model-versions/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	versionID := parts[0]

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			v, err := a.datamodels.GetVersion(r.Context(), versionID)
			if err != nil {
				handleError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, v)
		case http.MethodDelete:
			if err := a.datamodels.DeleteVersion(r.Context(), p, versionID); err != nil {
				handleError(w, r, err)
				return
			}
			_ = audit.LogEvent(r.Context(), "datamodel.version.delete", map[string]any{"version_id": versionID})
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}

	case len(parts) == 2 && parts[1] == "save":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req saveVersionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		v, err := a.datamodels.Save(r.Context(), p, versionID, req.Dataframes)
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, v)

	case len(parts) == 2 && parts[1] == "commit":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req commitVersionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		v, err := a.datamodels.Commit(r.Context(), p, versionID, req.Message)
		if err != nil {
			handleError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "datamodel.version.commit", map[string]any{"version_id": versionID})
		writeJSON(w, http.StatusOK, v)

	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}
