package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"fedvault.org/internal/authz"
	"fedvault.org/internal/faults"
)

// Jobs exposed by the log-query service.
const (
	JobUserActivity = "user_activity"
	JobComputation  = "computation"
)

// Entry is one returned log line with its stream labels.
type Entry struct {
	Timestamp time.Time         `json:"ts"`
	Labels    map[string]string `json:"labels"`
	Line      string            `json:"line"`
}

// ComputationFilter narrows a computation query. Empty fields mean no
// constraint; the caller's role may force additional constraints.
type ComputationFilter struct {
	OrganizationID string
	DatasetID      string
	SCNID          string
}

// Querier reads from the external log-query service over HTTP.
type Querier struct {
	base   string
	client *http.Client
}

// NewQuerier points at the log-query service, addr as host or host:port.
func NewQuerier(addr string) *Querier {
	return &Querier{
		base:   "http://" + addr,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// UserActivity returns the platform's user-activity trail. Platform admin
// only.
func (q *Querier) UserActivity(ctx context.Context, principal authz.Principal) ([]Entry, error) {
	if err := authz.Allow(principal, authz.OpReadUserActivity, authz.Scope{}); err != nil {
		return nil, err
	}
	return q.query(ctx, map[string]string{"job": JobUserActivity})
}

// Computation returns SCN computation trails, narrowed by the caller's role:
// organization admins see their own organization's nodes, dataset admins the
// runs touching their organization's datasets, platform admins everything.
func (q *Querier) Computation(ctx context.Context, principal authz.Principal, filter ComputationFilter) ([]Entry, error) {
	if err := authz.Allow(principal, authz.OpReadComputation, authz.Scope{OrganizationID: principal.OrganizationID}); err != nil {
		return nil, err
	}
	labels := map[string]string{"job": JobComputation}
	if filter.SCNID != "" {
		labels["scn_id"] = filter.SCNID
	}
	if filter.DatasetID != "" {
		labels["dataset_id"] = filter.DatasetID
	}

	switch {
	case principal.HasRole(authz.RoleSailAdmin):
		if filter.OrganizationID != "" {
			labels["organization_id"] = filter.OrganizationID
		}
	case principal.HasRole(authz.RoleOrganizationAdmin):
		labels["organization_id"] = principal.OrganizationID
	case principal.HasRole(authz.RoleDatasetAdmin):
		labels["dataset_owner_id"] = principal.OrganizationID
	default:
		return nil, authz.ErrDenied
	}
	return q.query(ctx, labels)
}

// Selector renders labels as the service's stream selector, keys sorted so
// identical queries produce identical URLs.
func Selector(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func (q *Querier) query(ctx context.Context, labels map[string]string) ([]Entry, error) {
	u := q.base + "/query?query=" + url.QueryEscape(Selector(labels))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: audit request: %v", faults.ErrInternal, err)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: audit query: %v", faults.ErrInternal, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: audit query: status %d", faults.ErrInternal, resp.StatusCode)
	}
	var out struct {
		Entries []Entry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: audit response: %v", faults.ErrInternal, err)
	}
	return out.Entries, nil
}
