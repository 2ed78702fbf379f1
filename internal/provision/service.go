// Package provision orchestrates secure computation nodes: a researcher's
// request becomes a provision record, a smart-broker SCN and an asynchronous
// cloud deployment driven through the SCN state machine.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fedvault.org/internal/authz"
	"fedvault.org/internal/dataset"
	"fedvault.org/internal/docstore"
	"fedvault.org/internal/faults"
	"fedvault.org/internal/federation"
	"fedvault.org/internal/ids"
	"fedvault.org/internal/obs"
)

// Federations is the slice of the federation coordinator the orchestrator
// needs.
type Federations interface {
	Get(ctx context.Context, federationID string) (federation.Federation, error)
	DatasetKey(ctx context.Context, principal authz.Principal, federationID, datasetID string, createIfMissing bool) (string, error)
}

// Versions resolves the upload a provision pins per dataset.
type Versions interface {
	LatestActiveVersion(ctx context.Context, datasetID string) (dataset.Version, error)
}

// Config carries the deployment parameters shared by every provision.
type Config struct {
	// Owner prefixes resource-group names so one subscription can host
	// several environments.
	Owner          string
	BaseDomain     string
	ImageVersion   string
	AuditEndpoint  string
	StorageAccount string
	StorageKey     string
}

// Service owns the provision and SCN collections.
type Service struct {
	store       docstore.Store
	federations Federations
	versions    Versions
	deployer    Deployer
	dns         DNSClient
	cfg         Config
	runTask     func(func())
	now         func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithTaskRunner overrides how deployment tasks are dispatched.
func WithTaskRunner(run func(func())) Option {
	return func(s *Service) {
		if run != nil {
			s.runTask = run
		}
	}
}

// NewService constructs the orchestrator.
func NewService(store docstore.Store, federations Federations, versions Versions, deployer Deployer, dns DNSClient, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:       store,
		federations: federations,
		versions:    versions,
		deployer:    deployer,
		dns:         dns,
		cfg:         cfg,
		runTask:     func(fn func()) { go fn() },
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Domain is the DNS name an SCN is reachable under.
func (s *Service) Domain(scnID string) string {
	return fmt.Sprintf("%s-scn.%s", scnID, s.cfg.BaseDomain)
}

func (s *Service) resourceGroup(provisionID string) string {
	return fmt.Sprintf("%s-%s", s.cfg.Owner, provisionID)
}

// Create provisions a federation for the calling researcher. The returned
// provision is in CREATING with its smart-broker SCN in REQUESTED; the
// deployment advances both asynchronously.
func (s *Service) Create(ctx context.Context, principal authz.Principal, federationID, size string) (Provision, error) {
	if err := authz.Allow(principal, authz.OpProvisionSCN, authz.Scope{OrganizationID: principal.OrganizationID}); err != nil {
		return Provision{}, err
	}
	fed, err := s.federations.Get(ctx, federationID)
	if err != nil {
		return Provision{}, err
	}
	_, isSubmitter := fed.Submitter(principal.OrganizationID)
	if !isSubmitter && !fed.IsResearcher(principal.OrganizationID) {
		return Provision{}, authz.ErrDenied
	}
	if size == "" {
		return Provision{}, faults.BadRequestf("node size is required")
	}

	refs, err := s.pinDatasets(ctx, fed)
	if err != nil {
		return Provision{}, err
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	p := Provision{
		ID:             ids.New(),
		FederationID:   federationID,
		OrganizationID: principal.OrganizationID,
		Size:           size,
		SmartBrokerID:  ids.New(),
		State:          ProvisionCreating,
		CreatedAt:      now,
	}
	p.SCNIDs = []string{p.SmartBrokerID}
	if err := s.store.Insert(ctx, docstore.Provisions, p); err != nil {
		return Provision{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}

	scn := SCN{
		ID:                       p.SmartBrokerID,
		FederationID:             federationID,
		ProvisionID:              p.ID,
		Size:                     size,
		ResearcherUserID:         principal.UserID,
		ResearcherOrganizationID: principal.OrganizationID,
		Datasets:                 refs,
		State:                    SCNRequested,
		Timestamp:                now,
	}
	if err := s.store.Insert(ctx, docstore.SCNs, scn); err != nil {
		return Provision{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}

	// Dataset keys are fetched before the detached deployment so a missing
	// key surfaces to the caller instead of a background FAILED state.
	// Researchers never create keys here.
	keys := make([]DatasetKeyRef, 0, len(refs))
	for _, ref := range refs {
		key, err := s.federations.DatasetKey(ctx, principal, federationID, ref.DatasetID, false)
		if err != nil {
			s.failSCN(context.Background(), scn.ID, fmt.Sprintf("dataset key for %s unavailable", ref.DatasetID))
			s.setProvisionState(context.Background(), p.ID, ProvisionCreationFailed)
			return Provision{}, err
		}
		keys = append(keys, DatasetKeyRef{DatasetRef: ref, Key: key})
	}

	s.runTask(func() { s.deploy(p, scn, keys) })
	return p, nil
}

// pinDatasets resolves every federation dataset to its latest ACTIVE version.
func (s *Service) pinDatasets(ctx context.Context, fed federation.Federation) ([]DatasetRef, error) {
	refs := make([]DatasetRef, 0, len(fed.Datasets))
	for _, datasetID := range fed.Datasets {
		var ds dataset.Dataset
		err := s.store.FindOne(ctx, docstore.Datasets, docstore.Query{"id": datasetID}, &ds)
		if errors.Is(err, docstore.ErrNoDocuments) {
			return nil, faults.Preconditionf("dataset %s no longer exists", datasetID)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", faults.ErrInternal, err)
		}
		v, err := s.versions.LatestActiveVersion(ctx, datasetID)
		if errors.Is(err, faults.ErrNotFound) {
			return nil, faults.Preconditionf("dataset %s of organization %s has no ACTIVE version", datasetID, ds.OrganizationID)
		}
		if err != nil {
			return nil, err
		}
		refs = append(refs, DatasetRef{DatasetID: datasetID, VersionID: v.ID, OwnerOrgID: ds.OrganizationID})
	}
	return refs, nil
}

// deploy runs detached: resource group, VM, DNS, then WAITING_FOR_DATA.
func (s *Service) deploy(p Provision, scn SCN, keys []DatasetKeyRef) {
	ctx := context.Background()
	fail := func(stage string, err error) {
		s.failSCN(ctx, scn.ID, fmt.Sprintf("%s: %v", stage, err))
		s.setProvisionState(ctx, p.ID, ProvisionCreationFailed)
		obs.ObserveBackgroundTask("scn_deploy", "failure")
		obs.LogEvent("provision.deploy_failed", map[string]any{"provision_id": p.ID, "scn_id": scn.ID, "stage": stage, "error": err.Error()})
	}

	if !s.transition(ctx, scn.ID, SCNRequested, SCNCreating, "") {
		return
	}
	rg := s.resourceGroup(p.ID)
	if err := s.deployer.CreateResourceGroup(ctx, rg); err != nil {
		fail("resource group", err)
		return
	}

	iv := InitVector{
		SCNID:          scn.ID,
		FederationID:   p.FederationID,
		ResearcherIDs:  []string{scn.ResearcherUserID},
		Datasets:       keys,
		StorageAccount: s.cfg.StorageAccount,
		StorageKey:     s.cfg.StorageKey,
		AuditEndpoint:  s.cfg.AuditEndpoint,
		ImageVersion:   s.cfg.ImageVersion,
	}
	payload, err := CloudInit(iv)
	if err != nil {
		fail("cloud-init", err)
		return
	}
	ip, err := s.deployer.DeployVM(ctx, rg, scn.ID, scn.Size, payload)
	if err != nil {
		fail("vm deploy", err)
		return
	}
	if !s.transition(ctx, scn.ID, SCNCreating, SCNInitializing, "") {
		return
	}

	domain := s.Domain(scn.ID)
	if err := s.dns.Register(ctx, domain+".", ip); err != nil {
		fail("dns", err)
		return
	}
	if _, err := s.store.UpdateOne(ctx, docstore.SCNs,
		docstore.Query{"id": scn.ID},
		docstore.Ops{Set: map[string]any{"url": "https://" + domain}},
	); err != nil {
		fail("persist url", err)
		return
	}
	if !s.transition(ctx, scn.ID, SCNInitializing, SCNWaitingForData, "") {
		return
	}
	s.setProvisionState(ctx, p.ID, ProvisionCreated)
	obs.ObserveBackgroundTask("scn_deploy", "success")
}

// UpdateSCNState applies an externally issued transition. Only
// WAITING_FOR_DATA→READY and READY→IN_USE may be requested, and only by a
// SAIL admin or the provisioning organization; flipping READY→IN_USE
// additionally requires the researcher role. Every other edge is internal
// and refused here.
func (s *Service) UpdateSCNState(ctx context.Context, principal authz.Principal, scnID string, target SCNState) error {
	var from SCNState
	switch target {
	case SCNReady:
		from = SCNWaitingForData
	case SCNInUse:
		from = SCNReady
	default:
		return faults.BadRequestf("transition to %s is not externally issuable", target)
	}
	scn, err := s.GetSCN(ctx, scnID)
	if err != nil {
		return err
	}
	if !principal.HasRole(authz.RoleSailAdmin) {
		if scn.ResearcherOrganizationID != principal.OrganizationID {
			return authz.ErrDenied
		}
		if target == SCNInUse && !principal.HasRole(authz.RoleResearcher) {
			return authz.ErrDenied
		}
	}
	if scn.State.Terminal() {
		return faults.BadRequestf("node %s is %s and cannot move", scnID, scn.State)
	}
	if !s.transition(ctx, scnID, from, target, "") {
		return faults.Conflictf("node %s is not %s", scnID, from)
	}
	return nil
}

// Deprovision tears a provision down. Allowed for the provisioning
// organization's researchers and SAIL admins.
func (s *Service) Deprovision(ctx context.Context, principal authz.Principal, provisionID string) error {
	p, err := s.Get(ctx, provisionID)
	if err != nil {
		return err
	}
	if !principal.HasRole(authz.RoleSailAdmin) {
		if p.OrganizationID != principal.OrganizationID || !principal.HasRole(authz.RoleResearcher) {
			return authz.ErrDenied
		}
	}
	res, err := s.store.UpdateOne(ctx, docstore.Provisions,
		docstore.Query{"id": provisionID, "state": p.State},
		docstore.Ops{Set: map[string]any{"state": ProvisionDeleting}},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if res.Matched == 0 {
		return faults.Conflictf("provision %s changed state concurrently", provisionID)
	}

	s.runTask(func() { s.teardown(p) })
	return nil
}

// teardown runs detached: every live SCN moves through DELETING to DELETED or
// DELETE_FAILED, then the provision records the aggregate outcome.
func (s *Service) teardown(p Provision) {
	ctx := context.Background()
	failed := false
	for _, scnID := range p.SCNIDs {
		scn, err := s.GetSCN(ctx, scnID)
		if err != nil {
			failed = true
			continue
		}
		if scn.State.Terminal() {
			continue
		}
		if !s.transition(ctx, scnID, scn.State, SCNDeleting, "") {
			failed = true
			continue
		}
		if err := s.deployer.DeleteResourceGroup(ctx, s.resourceGroup(p.ID)); err != nil {
			s.transition(ctx, scnID, SCNDeleting, SCNDeleteFailed, fmt.Sprintf("resource group teardown: %v", err))
			failed = true
			continue
		}
		s.transition(ctx, scnID, SCNDeleting, SCNDeleted, "")
	}

	final := ProvisionDeleted
	outcome := "success"
	if failed {
		final = ProvisionDeletionFailed
		outcome = "failure"
	}
	s.setProvisionState(ctx, p.ID, final)
	obs.ObserveBackgroundTask("scn_teardown", outcome)
}

// Get loads a provision.
func (s *Service) Get(ctx context.Context, provisionID string) (Provision, error) {
	var p Provision
	err := s.store.FindOne(ctx, docstore.Provisions, docstore.Query{"id": provisionID}, &p)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return Provision{}, faults.NotFoundf("provision %s", provisionID)
	}
	if err != nil {
		return Provision{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return p, nil
}

// GetSCN loads a node.
func (s *Service) GetSCN(ctx context.Context, scnID string) (SCN, error) {
	var scn SCN
	err := s.store.FindOne(ctx, docstore.SCNs, docstore.Query{"id": scnID}, &scn)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return SCN{}, faults.NotFoundf("secure computation node %s", scnID)
	}
	if err != nil {
		return SCN{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return scn, nil
}

// List enumerates an organization's provisions.
func (s *Service) List(ctx context.Context, orgID string) ([]Provision, error) {
	var out []Provision
	if err := s.store.Find(ctx, docstore.Provisions, docstore.Query{"organization_id": orgID}, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return out, nil
}

// transition performs one CAS edge of the SCN state machine.
func (s *Service) transition(ctx context.Context, scnID string, from, to SCNState, detail string) bool {
	set := map[string]any{"state": to, "timestamp": s.now().UTC().Truncate(time.Millisecond)}
	if detail != "" {
		set["detail"] = detail
	}
	res, err := s.store.UpdateOne(ctx, docstore.SCNs,
		docstore.Query{"id": scnID, "state": from},
		docstore.Ops{Set: set},
	)
	if err != nil {
		obs.LogEvent("provision.transition_failed", map[string]any{"scn_id": scnID, "from": from, "to": to, "error": err.Error()})
		return false
	}
	return res.Matched == 1
}

// failSCN moves a node to FAILED from whatever non-terminal state it is in.
func (s *Service) failSCN(ctx context.Context, scnID, detail string) {
	scn, err := s.GetSCN(ctx, scnID)
	if err != nil || scn.State.Terminal() || scn.State == SCNDeleting {
		return
	}
	s.transition(ctx, scnID, scn.State, SCNFailed, detail)
}

func (s *Service) setProvisionState(ctx context.Context, provisionID string, state ProvisionState) {
	if _, err := s.store.UpdateOne(ctx, docstore.Provisions,
		docstore.Query{"id": provisionID},
		docstore.Ops{Set: map[string]any{"state": state}},
	); err != nil {
		obs.LogEvent("provision.state_persist_failed", map[string]any{"provision_id": provisionID, "state": state, "error": err.Error()})
	}
}
