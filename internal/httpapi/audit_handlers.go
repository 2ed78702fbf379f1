package httpapi

import (
	"net/http"

	"fedvault.org/internal/audit"
)

func (a *API) handleAuditUserActivity(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	entries, err := a.auditor.UserActivity(r.Context(), p)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleAuditComputation(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	filter := audit.ComputationFilter{
		OrganizationID: q.Get("organization_id"),
		DatasetID:      q.Get("dataset_id"),
		SCNID:          q.Get("scn_id"),
	}
	entries, err := a.auditor.Computation(r.Context(), p, filter)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
