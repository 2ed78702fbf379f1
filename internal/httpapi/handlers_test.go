package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fedvault.org/internal/audit"
	"fedvault.org/internal/cache"
	"fedvault.org/internal/datamodel"
	"fedvault.org/internal/dataset"
	"fedvault.org/internal/docstore"
	"fedvault.org/internal/federation"
	"fedvault.org/internal/identity"
	"fedvault.org/internal/keycustody"
	"fedvault.org/internal/provision"
)

type stubObjects struct{}

func (stubObjects) CreateShare(context.Context, string) error             { return nil }
func (stubObjects) CreateDirectory(context.Context, string, string) error { return nil }
func (stubObjects) DeleteShare(context.Context, string) error             { return nil }
func (stubObjects) PresignUpload(_ context.Context, datasetID, versionID string, ttl time.Duration) (dataset.UploadToken, error) {
	return dataset.UploadToken{
		URL:         "https://objects.test/" + dataset.ObjectName(datasetID, versionID),
		Permissions: "cw",
		ExpiresAt:   time.Now().Add(ttl),
	}, nil
}

type stubMail struct{}

func (stubMail) Send(context.Context, []string, string, string) error { return nil }

type stubDeployer struct{}

func (stubDeployer) CreateResourceGroup(context.Context, string) error { return nil }
func (stubDeployer) DeleteResourceGroup(context.Context, string) error { return nil }
func (stubDeployer) DeployVM(context.Context, string, string, string, string) (string, error) {
	return "10.0.0.9", nil
}

type stubDNS struct{}

func (stubDNS) Register(context.Context, string, string) error { return nil }

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	store := docstore.NewMemory()
	vault := keycustody.NewLocalVault()
	inline := func(fn func()) { fn() }

	idsvc := identity.NewService(store, "test-pepper")
	tokens, err := identity.NewTokenIssuer("access-secret", "refresh-secret")
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	datasets := dataset.NewService(store, stubObjects{}, vault, dataset.WithTaskRunner(inline))
	datamodels := datamodel.NewService(store)
	feds := federation.NewService(store, vault, datasets, stubMail{}, federation.WithTaskRunner(inline))
	provisions := provision.NewService(store, feds, datasets, stubDeployer{}, stubDNS{}, provision.Config{
		Owner:          "fedvault-test",
		BaseDomain:     "test.fedvault.org",
		ImageVersion:   "0.0.0",
		AuditEndpoint:  "https://audit.test",
		StorageAccount: "acct",
		StorageKey:     "secret",
	}, provision.WithTaskRunner(inline))

	auditBackend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"entries": []audit.Entry{}})
	}))
	t.Cleanup(auditBackend.Close)

	api := New(Deps{
		Identity:   idsvc,
		Tokens:     tokens,
		Datasets:   datasets,
		DataModels: datamodels,
		Federation: feds,
		Provision:  provisions,
		Audit:      audit.NewQuerier(auditBackend.Listener.Addr().String()),
		BasicInfo:  cache.NewMemory(cache.DefaultTTL),
		Version:    "test",
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, token string) *http.Response {
	return c.do(http.MethodPost, path, body, token)
}

func (c *apiClient) get(path string, token string) *http.Response {
	return c.do(http.MethodGet, path, nil, token)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func wantStatus(t *testing.T, r *http.Response, code int) {
	t.Helper()
	if r.StatusCode != code {
		t.Fatalf("status = %d, want %d", r.StatusCode, code)
	}
}

// bootstrap registers the platform-admin organization, then a fully licensed
// member organization authorized by that admin. Returns access tokens for
// both admins and the member organization id.
func bootstrap(t *testing.T, api *apiClient) (sailToken, orgToken, orgID string) {
	t.Helper()

	resp := api.post("/v1/organizations", map[string]any{
		"name":           "SAIL",
		"admin_name":     "Root",
		"admin_email":    "root@sail.test",
		"admin_password": "root-password-1",
		"admin_roles":    []string{"SAIL_ADMIN"},
	}, "")
	wantStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
	sailToken = api.login(t, "root@sail.test", "root-password-1")

	resp = api.post("/v1/organizations", map[string]any{
		"name":           "Acme Research",
		"admin_name":     "Ada",
		"admin_email":    "ada@acme.test",
		"admin_password": "ada-password-1",
		"admin_roles": []string{
			"ORGANIZATION_ADMIN", "DATASET_ADMIN", "RESEARCHER", "DATA_MODEL_EDITOR",
		},
	}, sailToken)
	wantStatus(t, resp, http.StatusCreated)
	created := decode[map[string]any](t, resp)
	orgID = created["organization"].(map[string]any)["id"].(string)
	orgToken = api.login(t, "ada@acme.test", "ada-password-1")
	return sailToken, orgToken, orgID
}

func (c *apiClient) login(t *testing.T, email, password string) string {
	t.Helper()
	resp := c.post("/v1/auth/login", map[string]any{"email": email, "password": password}, "")
	wantStatus(t, resp, http.StatusOK)
	payload := decode[tokenResponse](t, resp)
	if payload.Tokens.AccessToken == "" {
		t.Fatalf("empty access token")
	}
	return payload.Tokens.AccessToken
}

func TestAPIPublicEndpoints(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", "")
	wantStatus(t, resp, http.StatusOK)
	health := decode[map[string]any](t, resp)
	if health["service"] != "fedvault-api" {
		t.Fatalf("unexpected service name: %v", health["service"])
	}

	resp = api.get("/v1/info", "")
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/datasets", map[string]any{"name": "x"}, "")
	defer resp.Body.Close()
	wantStatus(t, resp, http.StatusUnauthorized)
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestAPIFreemiumRoleRestriction(t *testing.T) {
	api := newTestAPI(t)

	// Self-service registration without a platform-admin authorizer cannot
	// claim licensed roles.
	resp := api.post("/v1/organizations", map[string]any{
		"name":           "Walk-in",
		"admin_name":     "Eve",
		"admin_email":    "eve@walkin.test",
		"admin_password": "eve-password-1",
		"admin_roles":    []string{"ORGANIZATION_ADMIN", "RESEARCHER"},
	}, "")
	defer resp.Body.Close()
	wantStatus(t, resp, http.StatusConflict)
}

func TestAPIRefreshFlow(t *testing.T) {
	api := newTestAPI(t)
	bootstrap(t, api)

	resp := api.post("/v1/auth/login", map[string]any{
		"email": "ada@acme.test", "password": "ada-password-1",
	}, "")
	wantStatus(t, resp, http.StatusOK)
	pair := decode[tokenResponse](t, resp)

	resp = api.post("/v1/auth/refresh", map[string]any{
		"refresh_token": pair.Tokens.RefreshToken,
	}, "")
	wantStatus(t, resp, http.StatusOK)
	refreshed := decode[tokenResponse](t, resp)
	if refreshed.Tokens.AccessToken == "" {
		t.Fatalf("refresh issued no access token")
	}

	resp = api.post("/v1/auth/refresh", map[string]any{
		"refresh_token": pair.Tokens.AccessToken,
	}, "")
	defer resp.Body.Close()
	wantStatus(t, resp, http.StatusUnauthorized)
}

func TestAPIDatasetLifecycle(t *testing.T) {
	api := newTestAPI(t)
	_, orgToken, _ := bootstrap(t, api)

	resp := api.post("/v1/datasets", map[string]any{
		"name":        "heart-failure",
		"description": "EHR extract",
		"format":      "CSV",
	}, orgToken)
	wantStatus(t, resp, http.StatusCreated)
	ds := decode[map[string]any](t, resp)
	dsID := ds["id"].(string)
	if ds["state"] != "CREATING_STORAGE" {
		t.Fatalf("dataset state = %v, want CREATING_STORAGE", ds["state"])
	}

	// The inline task runner has already finished storage provisioning.
	resp = api.get("/v1/datasets/"+dsID, orgToken)
	wantStatus(t, resp, http.StatusOK)
	if got := decode[map[string]any](t, resp)["state"]; got != "ACTIVE" {
		t.Fatalf("dataset state = %v, want ACTIVE", got)
	}

	resp = api.post("/v1/datasets/"+dsID+"/versions", map[string]any{
		"name": "v1", "description": "first upload",
	}, orgToken)
	wantStatus(t, resp, http.StatusCreated)
	ver := decode[map[string]any](t, resp)
	verID := ver["id"].(string)

	resp = api.post("/v1/datasets/"+dsID+"/versions/"+verID+"/upload-token", nil, orgToken)
	wantStatus(t, resp, http.StatusOK)
	tok := decode[map[string]any](t, resp)
	if tok["permissions"] != "cw" {
		t.Fatalf("token permissions = %v, want cw", tok["permissions"])
	}

	resp = api.post("/v1/datasets/"+dsID+"/versions/"+verID+"/uploaded", nil, orgToken)
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	// A second completion report must conflict.
	resp = api.post("/v1/datasets/"+dsID+"/versions/"+verID+"/uploaded", nil, orgToken)
	wantStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = api.get("/v1/datasets/"+dsID+"/versions", orgToken)
	wantStatus(t, resp, http.StatusOK)
	listing := decode[map[string]any](t, resp)
	items := listing["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("versions = %d, want 1", len(items))
	}
	if items[0].(map[string]any)["state"] != "ACTIVE" {
		t.Fatalf("version not ACTIVE after upload")
	}
}

func TestAPIDataModelFlow(t *testing.T) {
	api := newTestAPI(t)
	_, orgToken, _ := bootstrap(t, api)

	resp := api.post("/v1/data-models", map[string]any{
		"name": "heart-model", "description": "clinical variables",
	}, orgToken)
	wantStatus(t, resp, http.StatusCreated)
	model := decode[map[string]any](t, resp)
	modelID := model["id"].(string)

	resp = api.post("/v1/data-models/"+modelID+"/versions", map[string]any{
		"name": "draft-1",
	}, orgToken)
	wantStatus(t, resp, http.StatusCreated)
	ver := decode[map[string]any](t, resp)
	verID := ver["id"].(string)

	resp = api.post("/v1/data-model-versions/"+verID+"/save", map[string]any{
		"dataframes": []map[string]any{{
			"name": "patients",
			"series": []map[string]any{
				{"name": "sex", "type": "CATEGORICAL", "list_value": []string{"f", "m"}},
			},
		}},
	}, orgToken)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.post("/v1/data-model-versions/"+verID+"/commit", map[string]any{
		"message": "initial schema",
	}, orgToken)
	wantStatus(t, resp, http.StatusOK)
	committed := decode[map[string]any](t, resp)
	if committed["state"] != "PUBLISHED" {
		t.Fatalf("state after commit = %v, want PUBLISHED", committed["state"])
	}

	// Published versions are immutable.
	resp = api.post("/v1/data-model-versions/"+verID+"/save", map[string]any{
		"dataframes": []map[string]any{},
	}, orgToken)
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/v1/data-models/"+modelID+"/comments", map[string]any{
		"text": "looks complete",
	}, orgToken)
	wantStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = api.get("/v1/data-models/"+modelID+"/comments", orgToken)
	wantStatus(t, resp, http.StatusOK)
	comments := decode[map[string]any](t, resp)
	if len(comments["items"].([]any)) != 1 {
		t.Fatalf("expected one comment")
	}
}

func TestAPIFederationAndProvisionFlow(t *testing.T) {
	api := newTestAPI(t)
	sailToken, ownerToken, _ := bootstrap(t, api)

	// Second licensed organization that will join as a researcher.
	resp := api.post("/v1/organizations", map[string]any{
		"name":           "Beta Labs",
		"admin_name":     "Bo",
		"admin_email":    "bo@beta.test",
		"admin_password": "bo-password-1",
		"admin_roles":    []string{"ORGANIZATION_ADMIN", "RESEARCHER"},
	}, sailToken)
	wantStatus(t, resp, http.StatusCreated)
	created := decode[map[string]any](t, resp)
	betaID := created["organization"].(map[string]any)["id"].(string)
	betaToken := api.login(t, "bo@beta.test", "bo-password-1")

	// Owner uploads a dataset version.
	resp = api.post("/v1/datasets", map[string]any{
		"name": "trial-data", "format": "CSV",
	}, ownerToken)
	wantStatus(t, resp, http.StatusCreated)
	dsID := decode[map[string]any](t, resp)["id"].(string)

	resp = api.post("/v1/datasets/"+dsID+"/versions", map[string]any{"name": "v1"}, ownerToken)
	wantStatus(t, resp, http.StatusCreated)
	verID := decode[map[string]any](t, resp)["id"].(string)

	resp = api.post("/v1/datasets/"+dsID+"/versions/"+verID+"/uploaded", nil, ownerToken)
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	// Federation with the contributed dataset.
	resp = api.post("/v1/federations", map[string]any{
		"name": "cardio-study", "data_format": "CSV",
	}, ownerToken)
	wantStatus(t, resp, http.StatusCreated)
	fedID := decode[map[string]any](t, resp)["id"].(string)

	resp = api.post("/v1/federations/"+fedID+"/datasets/"+dsID, nil, ownerToken)
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	// Invite Beta as researcher; Beta accepts.
	resp = api.post("/v1/federations/"+fedID+"/invites", map[string]any{
		"organization_id": betaID, "type": "RESEARCHER",
	}, ownerToken)
	wantStatus(t, resp, http.StatusCreated)
	invID := decode[map[string]any](t, resp)["id"].(string)

	resp = api.post("/v1/invites/"+invID+"/accept", nil, betaToken)
	wantStatus(t, resp, http.StatusOK)
	inv := decode[map[string]any](t, resp)
	if inv["state"] != "ACCEPTED" {
		t.Fatalf("invite state = %v, want ACCEPTED", inv["state"])
	}

	// The owner creates the dataset key so provisioning can vend it.
	resp = api.post("/v1/federations/"+fedID+"/datasets/"+dsID+"/key", map[string]any{
		"create_if_missing": true,
	}, ownerToken)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// Beta provisions a computation node.
	resp = api.post("/v1/provisions", map[string]any{
		"federation_id": fedID, "size": "Standard_D4s_v3",
	}, betaToken)
	wantStatus(t, resp, http.StatusCreated)
	prov := decode[map[string]any](t, resp)
	provID := prov["id"].(string)
	scnID := prov["scn_ids"].([]any)[0].(string)

	resp = api.get("/v1/provisions/"+provID, betaToken)
	wantStatus(t, resp, http.StatusOK)
	if got := decode[map[string]any](t, resp)["state"]; got != "CREATED" {
		t.Fatalf("provision state = %v, want CREATED", got)
	}

	resp = api.get("/v1/scns/"+scnID, betaToken)
	wantStatus(t, resp, http.StatusOK)
	if got := decode[map[string]any](t, resp)["state"]; got != "WAITING_FOR_DATA" {
		t.Fatalf("scn state = %v, want WAITING_FOR_DATA", got)
	}

	// External data-plane transitions. Only the provisioning organization
	// may flip them.
	resp = api.do(http.MethodPut, "/v1/scns/"+scnID+"/state", map[string]any{"state": "READY"}, ownerToken)
	wantStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodPut, "/v1/scns/"+scnID+"/state", map[string]any{"state": "IN_USE"}, betaToken)
	wantStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = api.do(http.MethodPut, "/v1/scns/"+scnID+"/state", map[string]any{"state": "READY"}, betaToken)
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = api.do(http.MethodPut, "/v1/scns/"+scnID+"/state", map[string]any{"state": "IN_USE"}, betaToken)
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	// Teardown.
	resp = api.do(http.MethodDelete, "/v1/provisions/"+provID, nil, betaToken)
	wantStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()

	resp = api.get("/v1/provisions/"+provID, betaToken)
	wantStatus(t, resp, http.StatusOK)
	if got := decode[map[string]any](t, resp)["state"]; got != "DELETED" {
		t.Fatalf("provision state after teardown = %v, want DELETED", got)
	}
}

func TestAPIBasicInfo(t *testing.T) {
	api := newTestAPI(t)
	_, orgToken, orgID := bootstrap(t, api)

	resp := api.get("/v1/basic-info/"+orgID, orgToken)
	wantStatus(t, resp, http.StatusOK)
	info := decode[map[string]any](t, resp)
	if info["kind"] != "organization" || info["name"] != "Acme Research" {
		t.Fatalf("unexpected basic info: %v", info)
	}

	resp = api.get("/v1/basic-info/nope", orgToken)
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestAPIAuditEndpoints(t *testing.T) {
	api := newTestAPI(t)
	sailToken, _, _ := bootstrap(t, api)

	resp := api.get("/v1/audit/user-activity", sailToken)
	wantStatus(t, resp, http.StatusOK)
	payload := decode[map[string]any](t, resp)
	if _, ok := payload["entries"]; !ok {
		t.Fatalf("missing entries field")
	}

	resp = api.get("/v1/audit/computation?scn_id=scn-1", sailToken)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}
