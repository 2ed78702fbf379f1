// Package federation coordinates data federations: membership through
// invites, contributed datasets, the bound data model and the per-submitter
// wrapping keys.
package federation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fedvault.org/internal/authz"
	"fedvault.org/internal/dataset"
	"fedvault.org/internal/docstore"
	"fedvault.org/internal/faults"
	"fedvault.org/internal/ids"
	"fedvault.org/internal/keycustody"
	"fedvault.org/internal/mailer"
	"fedvault.org/internal/obs"
)

// DatasetKeys vends per-dataset symmetric keys. Implemented by the dataset
// registry.
type DatasetKeys interface {
	EncryptionKey(ctx context.Context, datasetID string, wrapping keycustody.Handle, createIfMissing bool) (string, error)
}

// Service owns the federation and invite collections.
type Service struct {
	store   docstore.Store
	vault   keycustody.Vault
	keys    DatasetKeys
	mail    mailer.Sender
	runTask func(func())
	now     func() time.Time
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

// WithTaskRunner overrides how background tasks are dispatched.
func WithTaskRunner(run func(func())) Option {
	return func(s *Service) {
		if run != nil {
			s.runTask = run
		}
	}
}

// NewService constructs the federation coordinator.
func NewService(store docstore.Store, vault keycustody.Vault, keys DatasetKeys, mail mailer.Sender, opts ...Option) *Service {
	s := &Service{
		store:   store,
		vault:   vault,
		keys:    keys,
		mail:    mail,
		runTask: func(fn func()) { go fn() },
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WrappingKeyName is the custody-service name for a submitter's key.
func WrappingKeyName(federationID, orgID string) string {
	return federationID + "-" + orgID
}

// CreateRequest registers a federation owned by the principal's organization.
type CreateRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	DataFormat  dataset.Format `json:"data_format"`
}

// Create inserts an ACTIVE federation. The owner organization is implicitly a
// submitter and receives a freshly minted wrapping key.
func (s *Service) Create(ctx context.Context, principal authz.Principal, req CreateRequest) (Federation, error) {
	if err := authz.Allow(principal, authz.OpRegisterFederation, authz.Scope{OrganizationID: principal.OrganizationID}); err != nil {
		return Federation{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return Federation{}, faults.BadRequestf("federation name is required")
	}
	if req.DataFormat != dataset.FormatCSV && req.DataFormat != dataset.FormatFHIR {
		return Federation{}, faults.BadRequestf("unknown data format %s", req.DataFormat)
	}

	id := ids.New()
	wrapping, err := s.vault.CreateRSAKey(ctx, WrappingKeyName(id, principal.OrganizationID), keycustody.MinRSABits)
	if err != nil {
		return Federation{}, fmt.Errorf("%w: owner wrapping key: %v", faults.ErrInternal, err)
	}

	f := Federation{
		ID:             id,
		OrganizationID: principal.OrganizationID,
		Name:           req.Name,
		Description:    strings.TrimSpace(req.Description),
		DataFormat:     req.DataFormat,
		CreatedAt:      s.now().UTC().Truncate(time.Millisecond),
		State:          StateActive,
		DataSubmitters: []Submitter{{OrganizationID: principal.OrganizationID, WrappingKey: wrapping}},
	}
	if err := s.store.Insert(ctx, docstore.Federations, f); err != nil {
		return Federation{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return f, nil
}

// Get loads a federation.
func (s *Service) Get(ctx context.Context, federationID string) (Federation, error) {
	return s.lookup(ctx, federationID)
}

// List enumerates the federations an organization participates in, as owner,
// submitter or researcher.
func (s *Service) List(ctx context.Context, orgID string) ([]Federation, error) {
	var all []Federation
	if err := s.store.Find(ctx, docstore.Federations, docstore.Query{}, &all); err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	out := all[:0]
	for _, f := range all {
		if _, ok := f.Submitter(orgID); ok || f.IsResearcher(orgID) {
			out = append(out, f)
		}
	}
	return out, nil
}

// Invite offers membership to another organization. Owner-only. Inviting an
// existing member, or re-inviting while a PENDING invite stands, succeeds
// without creating a new invite.
func (s *Service) Invite(ctx context.Context, principal authz.Principal, federationID, inviteeOrgID string, typ InviteType) (Invite, error) {
	f, err := s.lookup(ctx, federationID)
	if err != nil {
		return Invite{}, err
	}
	if err := authz.Allow(principal, authz.OpManageFederation, authz.Scope{OrganizationID: f.OrganizationID}); err != nil {
		return Invite{}, err
	}
	if typ != InviteResearcher && typ != InviteSubmitter {
		return Invite{}, faults.BadRequestf("unknown invite type %s", typ)
	}

	if _, ok := f.Submitter(inviteeOrgID); (typ == InviteSubmitter && ok) || (typ == InviteResearcher && f.IsResearcher(inviteeOrgID)) {
		return Invite{State: InviteAccepted, FederationID: federationID, InviteeOrganizationID: inviteeOrgID, Type: typ}, nil
	}

	var pending Invite
	err = s.store.FindOne(ctx, docstore.FederationInvite, docstore.Query{
		"federation_id":           federationID,
		"invitee_organization_id": inviteeOrgID,
		"type":                    typ,
		"state":                   InvitePending,
	}, &pending)
	if err == nil && pending.ExpiresAt.After(s.now()) {
		return pending, nil
	}
	if err != nil && !errors.Is(err, docstore.ErrNoDocuments) {
		return Invite{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if err == nil {
		// The standing invite has expired; retire it so the replacement is
		// the only pending reference the federation carries.
		if _, err := s.store.UpdateOne(ctx, docstore.FederationInvite,
			docstore.Query{"id": pending.ID, "state": InvitePending},
			docstore.Ops{Set: map[string]any{"state": InviteExpired}},
		); err != nil {
			return Invite{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
		}
		if _, err := s.store.UpdateOne(ctx, docstore.Federations,
			docstore.Query{"id": federationID},
			docstore.Ops{Pull: map[string]any{pendingField(typ): pending.ID}},
		); err != nil {
			return Invite{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
		}
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	inv := Invite{
		ID:                    ids.New(),
		FederationID:          federationID,
		InviteeOrganizationID: inviteeOrgID,
		InviterUserID:         principal.UserID,
		InviterOrganizationID: principal.OrganizationID,
		Type:                  typ,
		State:                 InvitePending,
		CreatedAt:             now,
		ExpiresAt:             now.Add(InviteTTL),
	}
	if err := s.store.Insert(ctx, docstore.FederationInvite, inv); err != nil {
		return Invite{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if _, err := s.store.UpdateOne(ctx, docstore.Federations,
		docstore.Query{"id": federationID},
		docstore.Ops{Push: map[string]any{pendingField(typ): inv.ID}},
	); err != nil {
		return Invite{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}

	s.runTask(func() { s.notifyInvitee(f, inv) })
	return inv, nil
}

// notifyInvitee mails the invitee organization's admins. Delivery failure
// never fails the invite.
func (s *Service) notifyInvitee(f Federation, inv Invite) {
	ctx := context.Background()
	var admins []struct {
		Email string `bson:"email"`
	}
	if err := s.store.Find(ctx, docstore.Users, docstore.Query{
		"organization_id": inv.InviteeOrganizationID,
		"roles":           authz.RoleOrganizationAdmin,
		"account_state":   "ACTIVE",
	}, &admins); err != nil {
		obs.LogEvent("federation.invite_mail.lookup_failed", map[string]any{"invite_id": inv.ID, "error": err.Error()})
		return
	}
	to := make([]string, 0, len(admins))
	for _, a := range admins {
		to = append(to, a.Email)
	}
	subject := fmt.Sprintf("Invitation to federation %s", f.Name)
	body := fmt.Sprintf("Your organization has been invited to join federation %q as a %s.\nThe invitation expires %s.",
		f.Name, strings.ToLower(string(inv.Type)), inv.ExpiresAt.Format(time.RFC1123))
	outcome := "success"
	if err := mailer.Notify(ctx, s.mail, to, subject, body); err != nil {
		outcome = "failure"
	}
	obs.ObserveBackgroundTask("invite_mail", outcome)
}

// Respond accepts or rejects an invite on behalf of the invitee organization.
// Non-PENDING invites conflict; expired invites are gone.
func (s *Service) Respond(ctx context.Context, principal authz.Principal, inviteID string, accept bool) (Invite, error) {
	inv, err := s.lookupInvite(ctx, inviteID)
	if err != nil {
		return Invite{}, err
	}
	if err := authz.Allow(principal, authz.OpRespondInvite, authz.Scope{OrganizationID: inv.InviteeOrganizationID}); err != nil {
		return Invite{}, err
	}
	if inv.State != InvitePending {
		return Invite{}, faults.Conflictf("invite %s is already %s", inviteID, inv.State)
	}
	if s.now().After(inv.ExpiresAt) {
		return Invite{}, faults.Gonef("invite %s expired %s", inviteID, inv.ExpiresAt.Format(time.RFC3339))
	}

	next := InviteRejected
	if accept {
		next = InviteAccepted
	}
	res, err := s.store.UpdateOne(ctx, docstore.FederationInvite,
		docstore.Query{"id": inviteID, "state": InvitePending},
		docstore.Ops{Set: map[string]any{"state": next}},
	)
	if err != nil {
		return Invite{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if res.Matched == 0 {
		return Invite{}, faults.Conflictf("invite %s was resolved concurrently", inviteID)
	}
	inv.State = next

	if accept {
		if err := s.applyAcceptance(ctx, inv); err != nil {
			// The invite is ACCEPTED but membership did not land; the
			// repair pass will finish the sequence.
			obs.LogEvent("federation.accept.partial", map[string]any{"invite_id": inv.ID, "error": err.Error()})
			return inv, nil
		}
		return inv, nil
	}

	if _, err := s.store.UpdateOne(ctx, docstore.Federations,
		docstore.Query{"id": inv.FederationID},
		docstore.Ops{Pull: map[string]any{pendingField(inv.Type): inv.ID}},
	); err != nil {
		obs.LogEvent("federation.reject.partial", map[string]any{"invite_id": inv.ID, "error": err.Error()})
	}
	return inv, nil
}

// applyAcceptance grants membership for an ACCEPTED invite and clears it from
// the pending list. Idempotent, so the repair pass can re-run it.
func (s *Service) applyAcceptance(ctx context.Context, inv Invite) error {
	f, err := s.lookup(ctx, inv.FederationID)
	if err != nil {
		return err
	}
	ops := docstore.Ops{Pull: map[string]any{pendingField(inv.Type): inv.ID}}
	switch inv.Type {
	case InviteResearcher:
		if !f.IsResearcher(inv.InviteeOrganizationID) {
			ops.Push = map[string]any{"research_organizations": inv.InviteeOrganizationID}
		}
	case InviteSubmitter:
		if _, ok := f.Submitter(inv.InviteeOrganizationID); !ok {
			wrapping, err := s.vault.CreateRSAKey(ctx, WrappingKeyName(inv.FederationID, inv.InviteeOrganizationID), keycustody.MinRSABits)
			if err != nil {
				return fmt.Errorf("submitter wrapping key: %w", err)
			}
			ops.Push = map[string]any{"data_submitters": Submitter{
				OrganizationID: inv.InviteeOrganizationID,
				WrappingKey:    wrapping,
			}}
		}
	}
	if _, err := s.store.UpdateOne(ctx, docstore.Federations, docstore.Query{"id": inv.FederationID}, ops); err != nil {
		return err
	}
	return nil
}

// AddDataset contributes a dataset. Only an admin of a submitter organization
// may add, and only its own datasets. Double-adds are no-ops.
func (s *Service) AddDataset(ctx context.Context, principal authz.Principal, federationID, datasetID string) error {
	f, err := s.lookup(ctx, federationID)
	if err != nil {
		return err
	}
	if err := authz.Allow(principal, authz.OpAddFederationDataset, authz.Scope{OrganizationID: principal.OrganizationID}); err != nil {
		return err
	}
	if _, ok := f.Submitter(principal.OrganizationID); !ok {
		return authz.ErrDenied
	}
	var ds dataset.Dataset
	err = s.store.FindOne(ctx, docstore.Datasets, docstore.Query{"id": datasetID}, &ds)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return faults.NotFoundf("dataset %s", datasetID)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if ds.OrganizationID != principal.OrganizationID {
		return authz.ErrDenied
	}
	if f.HasDataset(datasetID) {
		return nil
	}
	if _, err := s.store.UpdateOne(ctx, docstore.Federations,
		docstore.Query{"id": federationID},
		docstore.Ops{Push: map[string]any{"datasets": datasetID}},
	); err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return nil
}

// RemoveDataset withdraws a dataset. Owner-only; removing an absent dataset
// fails NOT_FOUND.
func (s *Service) RemoveDataset(ctx context.Context, principal authz.Principal, federationID, datasetID string) error {
	f, err := s.lookup(ctx, federationID)
	if err != nil {
		return err
	}
	if err := authz.Allow(principal, authz.OpManageFederation, authz.Scope{OrganizationID: f.OrganizationID}); err != nil {
		return err
	}
	if !f.HasDataset(datasetID) {
		return faults.NotFoundf("dataset %s in federation %s", datasetID, federationID)
	}
	if _, err := s.store.UpdateOne(ctx, docstore.Federations,
		docstore.Query{"id": federationID},
		docstore.Ops{Pull: map[string]any{"datasets": datasetID}},
	); err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return nil
}

// SetDataModel binds a data model to the federation. Owner-only, once ever.
func (s *Service) SetDataModel(ctx context.Context, principal authz.Principal, federationID, dataModelID string) error {
	f, err := s.lookup(ctx, federationID)
	if err != nil {
		return err
	}
	if err := authz.Allow(principal, authz.OpManageFederation, authz.Scope{OrganizationID: f.OrganizationID}); err != nil {
		return err
	}
	if strings.TrimSpace(dataModelID) == "" {
		return faults.BadRequestf("data model id is required")
	}
	res, err := s.store.UpdateOne(ctx, docstore.Federations,
		docstore.Query{"id": federationID, "data_model": nil},
		docstore.Ops{Set: map[string]any{"data_model": dataModelID}},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if res.Matched == 0 {
		return faults.BadRequestf("federation %s already has a data model", federationID)
	}
	return nil
}

// DatasetKey vends the plaintext symmetric key for a contributed dataset,
// base64-encoded. The wrapping key is the owning submitter's. Researchers may
// read an existing key but never create one.
func (s *Service) DatasetKey(ctx context.Context, principal authz.Principal, federationID, datasetID string, createIfMissing bool) (string, error) {
	f, err := s.lookup(ctx, federationID)
	if err != nil {
		return "", err
	}
	_, isSubmitter := f.Submitter(principal.OrganizationID)
	if !isSubmitter && !f.IsResearcher(principal.OrganizationID) {
		return "", authz.ErrDenied
	}
	if !f.HasDataset(datasetID) {
		return "", faults.NotFoundf("dataset %s in federation %s", datasetID, federationID)
	}
	var ds dataset.Dataset
	err = s.store.FindOne(ctx, docstore.Datasets, docstore.Query{"id": datasetID}, &ds)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return "", faults.NotFoundf("dataset %s", datasetID)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	owner, ok := f.Submitter(ds.OrganizationID)
	if !ok {
		return "", faults.Preconditionf("dataset %s owner is not a submitter", datasetID)
	}
	if !isSubmitter {
		createIfMissing = false
	}
	return s.keys.EncryptionKey(ctx, datasetID, owner.WrappingKey, createIfMissing)
}

// Repair finishes accept sequences that died between the invite update and
// the federation update. An ACCEPTED invite still referenced by a pending
// list is authoritative: membership is re-applied and the reference cleared.
func (s *Service) Repair(ctx context.Context) error {
	var accepted []Invite
	if err := s.store.Find(ctx, docstore.FederationInvite, docstore.Query{"state": InviteAccepted}, &accepted); err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	var firstErr error
	for _, inv := range accepted {
		f, err := s.lookup(ctx, inv.FederationID)
		if err != nil {
			if errors.Is(err, faults.ErrNotFound) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !containsID(pendingList(f, inv.Type), inv.ID) {
			continue
		}
		if err := s.applyAcceptance(ctx, inv); err != nil {
			obs.LogEvent("federation.repair.failed", map[string]any{"invite_id": inv.ID, "error": err.Error()})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		obs.LogEvent("federation.repair.applied", map[string]any{"invite_id": inv.ID, "federation_id": inv.FederationID})
	}
	return firstErr
}

// SoftDelete retires a federation. Owner-only.
func (s *Service) SoftDelete(ctx context.Context, principal authz.Principal, federationID string) error {
	f, err := s.lookup(ctx, federationID)
	if err != nil {
		return err
	}
	if err := authz.Allow(principal, authz.OpManageFederation, authz.Scope{OrganizationID: f.OrganizationID}); err != nil {
		return err
	}
	if _, err := s.store.UpdateOne(ctx, docstore.Federations,
		docstore.Query{"id": federationID},
		docstore.Ops{Set: map[string]any{"state": StateInactive}},
	); err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return nil
}

// --- helpers ---

func (s *Service) lookup(ctx context.Context, federationID string) (Federation, error) {
	var f Federation
	err := s.store.FindOne(ctx, docstore.Federations, docstore.Query{"id": federationID}, &f)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return Federation{}, faults.NotFoundf("federation %s", federationID)
	}
	if err != nil {
		return Federation{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if f.State == StateInactive {
		return Federation{}, faults.NotFoundf("federation %s", federationID)
	}
	return f, nil
}

func (s *Service) lookupInvite(ctx context.Context, inviteID string) (Invite, error) {
	var inv Invite
	err := s.store.FindOne(ctx, docstore.FederationInvite, docstore.Query{"id": inviteID}, &inv)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return Invite{}, faults.NotFoundf("invite %s", inviteID)
	}
	if err != nil {
		return Invite{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return inv, nil
}

func pendingField(typ InviteType) string {
	if typ == InviteSubmitter {
		return "pending_submitter_invites"
	}
	return "pending_researcher_invites"
}

func pendingList(f Federation, typ InviteType) []string {
	if typ == InviteSubmitter {
		return f.PendingSubmitterInvites
	}
	return f.PendingResearcherInvites
}

func containsID(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
