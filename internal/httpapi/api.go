// Package httpapi is the HTTP/JSON surface of the control plane.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"fedvault.org/internal/audit"
	"fedvault.org/internal/cache"
	"fedvault.org/internal/datamodel"
	"fedvault.org/internal/dataset"
	"fedvault.org/internal/federation"
	"fedvault.org/internal/identity"
	"fedvault.org/internal/obs"
	"fedvault.org/internal/provision"
)

// ReadyProbe checks the dependencies a request cannot do without.
type ReadyProbe func(ctx context.Context) error

// API is the HTTP layer. Every domain service is injected; the layer only
// translates requests, principals and error kinds.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	identity   *identity.Service
	tokens     *identity.TokenIssuer
	datasets   *dataset.Service
	datamodels *datamodel.Service
	feds       *federation.Service
	provisions *provision.Service
	auditor    *audit.Querier
	basicInfo  cache.Cache
}

// Deps bundles the collaborators New wires into routes.
type Deps struct {
	Identity   *identity.Service
	Tokens     *identity.TokenIssuer
	Datasets   *dataset.Service
	DataModels *datamodel.Service
	Federation *federation.Service
	Provision  *provision.Service
	Audit      *audit.Querier
	BasicInfo  cache.Cache
	Ready      ReadyProbe
	Version    string
}

// New builds the router.
func New(d Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: d.Ready,
		version:    d.Version,
		identity:   d.Identity,
		tokens:     d.Tokens,
		datasets:   d.Datasets,
		datamodels: d.DataModels,
		feds:       d.Federation,
		provisions: d.Provision,
		auditor:    d.Audit,
		basicInfo:  d.BasicInfo,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)

	a.mux.HandleFunc("/v1/organizations", a.handleOrganizations)
	a.mux.HandleFunc("/v1/organizations/", a.handleOrganizationScoped)
	a.mux.HandleFunc("/v1/users/", a.handleUserScoped)

	a.mux.HandleFunc("/v1/datasets", a.handleDatasets)
	a.mux.HandleFunc("/v1/datasets/", a.handleDatasetScoped)

	a.mux.HandleFunc("/v1/data-models", a.handleDataModels)
	a.mux.HandleFunc("/v1/data-models/", a.handleDataModelScoped)
	a.mux.HandleFunc("/v1/data-model-versions/", a.handleModelVersionScoped)

	a.mux.HandleFunc("/v1/federations", a.handleFederations)
	a.mux.HandleFunc("/v1/federations/", a.handleFederationScoped)
	a.mux.HandleFunc("/v1/invites/", a.handleInviteScoped)

	a.mux.HandleFunc("/v1/provisions", a.handleProvisions)
	a.mux.HandleFunc("/v1/provisions/", a.handleProvisionScoped)
	a.mux.HandleFunc("/v1/scns/", a.handleSCNScoped)

	a.mux.HandleFunc("/v1/audit/user-activity", a.handleAuditUserActivity)
	a.mux.HandleFunc("/v1/audit/computation", a.handleAuditComputation)

	a.mux.HandleFunc("/v1/basic-info/", a.handleBasicInfo)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the router.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = Logging(h)
	h = RequestID(h)
	h = SecurityHeaders(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "fedvault-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readyProbe != nil {
		if err := a.readyProbe(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "fedvault-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
