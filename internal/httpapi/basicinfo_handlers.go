package httpapi

import (
	"context"
	"net/http"
	"strings"

	"fedvault.org/internal/cache"
)

// handleBasicInfo serves /v1/basic-info/{id}: a read-through name lookup used
// by clients to render cross-organization references.
func (a *API) handleBasicInfo(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.principal(w, r); !ok {
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/basic-info/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	info, err := cache.Lookup(r.Context(), a.basicInfo, id, a.loadBasicInfo)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) loadBasicInfo(ctx context.Context, id string) (cache.BasicInfo, error) {
	kind, name, err := a.identity.BasicInfo(ctx, id)
	if err != nil {
		return cache.BasicInfo{}, err
	}
	return cache.BasicInfo{ID: id, Kind: kind, Name: name}, nil
}
