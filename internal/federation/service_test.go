package federation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fedvault.org/internal/authz"
	"fedvault.org/internal/dataset"
	"fedvault.org/internal/docstore"
	"fedvault.org/internal/faults"
	"fedvault.org/internal/keycustody"
)

type nullObjects struct{}

func (nullObjects) CreateShare(context.Context, string) error           { return nil }
func (nullObjects) CreateDirectory(context.Context, string, string) error { return nil }
func (nullObjects) DeleteShare(context.Context, string) error           { return nil }
func (nullObjects) PresignUpload(_ context.Context, datasetID, versionID string, ttl time.Duration) (dataset.UploadToken, error) {
	return dataset.UploadToken{URL: dataset.ObjectName(datasetID, versionID), Permissions: "cw"}, nil
}

type recordingMailer struct {
	mu   sync.Mutex
	sent [][]string
	fail bool
}

func (m *recordingMailer) Send(_ context.Context, to []string, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("relay down")
	}
	m.sent = append(m.sent, to)
	return nil
}

type fixture struct {
	store    *docstore.Memory
	vault    *keycustody.LocalVault
	datasets *dataset.Service
	mail     *recordingMailer
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := docstore.NewMemory()
	vault := keycustody.NewLocalVault()
	datasets := dataset.NewService(store, nullObjects{}, vault, dataset.WithTaskRunner(func(fn func()) { fn() }))
	mail := &recordingMailer{}
	svc := NewService(store, vault, datasets, mail, WithTaskRunner(func(fn func()) { fn() }))
	return &fixture{store: store, vault: vault, datasets: datasets, mail: mail, svc: svc}
}

func orgAdmin(user, org string) authz.Principal {
	return authz.Principal{UserID: user, OrganizationID: org, Roles: []authz.Role{authz.RoleOrganizationAdmin}}
}

func researcher(user, org string) authz.Principal {
	return authz.Principal{UserID: user, OrganizationID: org, Roles: []authz.Role{authz.RoleResearcher}}
}

func (f *fixture) mustCreate(t *testing.T, owner authz.Principal, name string) Federation {
	t.Helper()
	fed, err := f.svc.Create(context.Background(), owner, CreateRequest{Name: name, DataFormat: dataset.FormatCSV})
	if err != nil {
		t.Fatalf("create federation: %v", err)
	}
	return fed
}

func (f *fixture) addAdminUser(t *testing.T, org, email string) {
	t.Helper()
	err := f.store.Insert(context.Background(), docstore.Users, map[string]any{
		"id":              "u-" + email,
		"organization_id": org,
		"email":           email,
		"roles":           []string{string(authz.RoleOrganizationAdmin)},
		"account_state":   "ACTIVE",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCreateAssignsOwnerWrappingKey(t *testing.T) {
	f := newFixture(t)
	owner := orgAdmin("u1", "acme")

	fed := f.mustCreate(t, owner, "heart-consortium")
	if fed.State != StateActive {
		t.Fatalf("state = %s, want ACTIVE", fed.State)
	}
	sub, ok := fed.Submitter("acme")
	if !ok {
		t.Fatal("owner is not a submitter")
	}
	if sub.WrappingKey.Name != WrappingKeyName(fed.ID, "acme") {
		t.Fatalf("wrapping key name = %q, want %q", sub.WrappingKey.Name, WrappingKeyName(fed.ID, "acme"))
	}

	if _, err := f.svc.Create(context.Background(), researcher("u2", "beta"), CreateRequest{Name: "x", DataFormat: dataset.FormatCSV}); !errors.Is(err, authz.ErrDenied) {
		t.Fatalf("researcher creating federation: err = %v, want denied", err)
	}
}

func TestInviteLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := orgAdmin("u1", "acme")
	fed := f.mustCreate(t, owner, "heart-consortium")
	f.addAdminUser(t, "beta", "admin@beta.example")

	inv, err := f.svc.Invite(ctx, owner, fed.ID, "beta", InviteResearcher)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if inv.State != InvitePending {
		t.Fatalf("invite state = %s, want PENDING", inv.State)
	}
	if got := inv.ExpiresAt.Sub(inv.CreatedAt); got != InviteTTL {
		t.Fatalf("expiry window = %v, want %v", got, InviteTTL)
	}
	if len(f.mail.sent) != 1 || f.mail.sent[0][0] != "admin@beta.example" {
		t.Fatalf("invite mail = %v, want the beta admin", f.mail.sent)
	}

	// Re-inviting while PENDING returns the standing invite.
	again, err := f.svc.Invite(ctx, owner, fed.ID, "beta", InviteResearcher)
	if err != nil || again.ID != inv.ID {
		t.Fatalf("re-invite = %+v, %v; want the original invite", again, err)
	}

	// Only the invitee organization's admins may respond.
	if _, err := f.svc.Respond(ctx, owner, inv.ID, true); !errors.Is(err, authz.ErrDenied) {
		t.Fatalf("inviter accepting own invite: err = %v, want denied", err)
	}

	beta := orgAdmin("u5", "beta")
	accepted, err := f.svc.Respond(ctx, beta, inv.ID, true)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.State != InviteAccepted {
		t.Fatalf("state = %s, want ACCEPTED", accepted.State)
	}
	got, _ := f.svc.Get(ctx, fed.ID)
	if !got.IsResearcher("beta") {
		t.Fatal("beta missing from research organizations")
	}
	if len(got.PendingResearcherInvites) != 0 {
		t.Fatalf("pending list not cleared: %v", got.PendingResearcherInvites)
	}

	// Member invite is idempotent, no new invite record.
	if _, err := f.svc.Invite(ctx, owner, fed.ID, "beta", InviteResearcher); err != nil {
		t.Fatalf("invite of member: %v", err)
	}
	var invites []Invite
	if err := f.store.Find(ctx, docstore.FederationInvite, docstore.Query{"federation_id": fed.ID}, &invites); err != nil {
		t.Fatal(err)
	}
	if len(invites) != 1 {
		t.Fatalf("invite records = %d, want 1", len(invites))
	}

	// Terminal invites never change.
	if _, err := f.svc.Respond(ctx, beta, inv.ID, false); !errors.Is(err, faults.ErrConflict) {
		t.Fatalf("rejecting ACCEPTED invite: err = %v, want conflict", err)
	}
}

func TestSubmitterAcceptMintsWrappingKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := orgAdmin("u1", "acme")
	fed := f.mustCreate(t, owner, "heart-consortium")

	inv, err := f.svc.Invite(ctx, owner, fed.ID, "gamma", InviteSubmitter)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Respond(ctx, orgAdmin("u7", "gamma"), inv.ID, true); err != nil {
		t.Fatalf("accept submitter invite: %v", err)
	}
	got, _ := f.svc.Get(ctx, fed.ID)
	sub, ok := got.Submitter("gamma")
	if !ok {
		t.Fatal("gamma missing from data submitters")
	}
	if sub.WrappingKey.Name != WrappingKeyName(fed.ID, "gamma") {
		t.Fatalf("wrapping key name = %q", sub.WrappingKey.Name)
	}
}

func TestRejectLeavesMembershipUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := orgAdmin("u1", "acme")
	fed := f.mustCreate(t, owner, "heart-consortium")

	inv, _ := f.svc.Invite(ctx, owner, fed.ID, "beta", InviteResearcher)
	if _, err := f.svc.Respond(ctx, orgAdmin("u5", "beta"), inv.ID, false); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, _ := f.svc.Get(ctx, fed.ID)
	if got.IsResearcher("beta") {
		t.Fatal("rejected org appears in research organizations")
	}
	if len(got.PendingResearcherInvites) != 0 {
		t.Fatalf("pending list not cleared: %v", got.PendingResearcherInvites)
	}
}

func TestInviteExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := orgAdmin("u1", "acme")

	clock := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	f.svc.now = now

	fed := f.mustCreate(t, owner, "heart-consortium")
	inv, _ := f.svc.Invite(ctx, owner, fed.ID, "beta", InviteResearcher)
	beta := orgAdmin("u5", "beta")

	clock = inv.ExpiresAt.Add(time.Millisecond)
	if _, err := f.svc.Respond(ctx, beta, inv.ID, true); !errors.Is(err, faults.ErrGone) {
		t.Fatalf("accept past expiry: err = %v, want gone", err)
	}

	clock = inv.ExpiresAt.Add(-time.Millisecond)
	if _, err := f.svc.Respond(ctx, beta, inv.ID, true); err != nil {
		t.Fatalf("accept just before expiry: %v", err)
	}
}

func TestReinviteRetiresExpiredInvite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := orgAdmin("u1", "acme")

	clock := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return clock }

	fed := f.mustCreate(t, owner, "heart-consortium")
	stale, _ := f.svc.Invite(ctx, owner, fed.ID, "beta", InviteResearcher)

	clock = stale.ExpiresAt.Add(time.Minute)
	fresh, err := f.svc.Invite(ctx, owner, fed.ID, "beta", InviteResearcher)
	if err != nil {
		t.Fatalf("re-invite after expiry: %v", err)
	}
	if fresh.ID == stale.ID {
		t.Fatal("expired invite was handed back instead of a replacement")
	}

	got, _ := f.svc.Get(ctx, fed.ID)
	if len(got.PendingResearcherInvites) != 1 || got.PendingResearcherInvites[0] != fresh.ID {
		t.Fatalf("pending researcher invites = %v, want only %s", got.PendingResearcherInvites, fresh.ID)
	}
	retired, err := f.svc.lookupInvite(ctx, stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if retired.State != InviteExpired {
		t.Fatalf("stale invite state = %s, want EXPIRED", retired.State)
	}
}

func TestInviteMailFailureDoesNotFailInvite(t *testing.T) {
	f := newFixture(t)
	f.mail.fail = true
	owner := orgAdmin("u1", "acme")
	fed := f.mustCreate(t, owner, "heart-consortium")
	f.addAdminUser(t, "beta", "admin@beta.example")

	inv, err := f.svc.Invite(context.Background(), owner, fed.ID, "beta", InviteResearcher)
	if err != nil {
		t.Fatalf("invite with broken relay: %v", err)
	}
	if inv.State != InvitePending {
		t.Fatalf("state = %s", inv.State)
	}
}

func TestDatasetMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := orgAdmin("u1", "acme")
	fed := f.mustCreate(t, owner, "heart-consortium")

	acmeAdmin := authz.Principal{UserID: "u1", OrganizationID: "acme", Roles: []authz.Role{authz.RoleOrganizationAdmin, authz.RoleDatasetAdmin}}
	ds, err := f.datasets.Register(ctx, acmeAdmin, dataset.RegisterDatasetRequest{Name: "heart-study", Format: dataset.FormatCSV})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.AddDataset(ctx, owner, fed.ID, ds.ID); err != nil {
		t.Fatalf("add dataset: %v", err)
	}
	// Double-add is a no-op.
	if err := f.svc.AddDataset(ctx, owner, fed.ID, ds.ID); err != nil {
		t.Fatalf("double add: %v", err)
	}
	got, _ := f.svc.Get(ctx, fed.ID)
	if len(got.Datasets) != 1 {
		t.Fatalf("datasets = %v, want exactly one entry", got.Datasets)
	}

	// A non-submitter admin may not contribute, even its own dataset.
	stranger := authz.Principal{UserID: "u9", OrganizationID: "delta", Roles: []authz.Role{authz.RoleOrganizationAdmin, authz.RoleDatasetAdmin}}
	strangerDS, err := f.datasets.Register(ctx, stranger, dataset.RegisterDatasetRequest{Name: "other", Format: dataset.FormatCSV})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.AddDataset(ctx, stranger, fed.ID, strangerDS.ID); !errors.Is(err, authz.ErrDenied) {
		t.Fatalf("non-submitter add: err = %v, want denied", err)
	}

	if err := f.svc.RemoveDataset(ctx, owner, fed.ID, "missing"); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("remove missing dataset: err = %v, want not found", err)
	}
	if err := f.svc.RemoveDataset(ctx, owner, fed.ID, ds.ID); err != nil {
		t.Fatalf("remove dataset: %v", err)
	}
	got, _ = f.svc.Get(ctx, fed.ID)
	if len(got.Datasets) != 0 {
		t.Fatalf("datasets after removal = %v", got.Datasets)
	}
}

func TestSetDataModelOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := orgAdmin("u1", "acme")
	fed := f.mustCreate(t, owner, "heart-consortium")

	if err := f.svc.SetDataModel(ctx, owner, fed.ID, ""); !errors.Is(err, faults.ErrBadRequest) {
		t.Fatalf("empty model id: err = %v, want bad request", err)
	}
	if err := f.svc.SetDataModel(ctx, owner, fed.ID, "model-1"); err != nil {
		t.Fatalf("set data model: %v", err)
	}
	if err := f.svc.SetDataModel(ctx, owner, fed.ID, "model-2"); !errors.Is(err, faults.ErrBadRequest) {
		t.Fatalf("second set: err = %v, want bad request", err)
	}
	got, _ := f.svc.Get(ctx, fed.ID)
	if got.DataModelID != "model-1" {
		t.Fatalf("data model = %q, want model-1", got.DataModelID)
	}
}

func TestDatasetKeyVending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := orgAdmin("u1", "acme")
	fed := f.mustCreate(t, owner, "heart-consortium")

	acmeAdmin := authz.Principal{UserID: "u1", OrganizationID: "acme", Roles: []authz.Role{authz.RoleOrganizationAdmin, authz.RoleDatasetAdmin}}
	ds, _ := f.datasets.Register(ctx, acmeAdmin, dataset.RegisterDatasetRequest{Name: "heart-study", Format: dataset.FormatCSV})
	if err := f.svc.AddDataset(ctx, owner, fed.ID, ds.ID); err != nil {
		t.Fatal(err)
	}

	inv, _ := f.svc.Invite(ctx, owner, fed.ID, "beta", InviteResearcher)
	if _, err := f.svc.Respond(ctx, orgAdmin("u5", "beta"), inv.ID, true); err != nil {
		t.Fatal(err)
	}

	// A researcher cannot force key creation.
	beta := researcher("r1", "beta")
	if _, err := f.svc.DatasetKey(ctx, beta, fed.ID, ds.ID, true); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("researcher creating key: err = %v, want not found", err)
	}

	// The submitter creates; the researcher then reads the same key.
	created, err := f.svc.DatasetKey(ctx, owner, fed.ID, ds.ID, true)
	if err != nil {
		t.Fatalf("submitter creating key: %v", err)
	}
	read, err := f.svc.DatasetKey(ctx, beta, fed.ID, ds.ID, false)
	if err != nil {
		t.Fatalf("researcher reading key: %v", err)
	}
	if created != read {
		t.Fatal("researcher read a different key than the submitter created")
	}

	outsider := researcher("r9", "delta")
	if _, err := f.svc.DatasetKey(ctx, outsider, fed.ID, ds.ID, false); !errors.Is(err, authz.ErrDenied) {
		t.Fatalf("non-member vend: err = %v, want denied", err)
	}
}

func TestRepairFinishesPartialAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := orgAdmin("u1", "acme")
	fed := f.mustCreate(t, owner, "heart-consortium")

	inv, _ := f.svc.Invite(ctx, owner, fed.ID, "beta", InviteResearcher)

	// Simulate a crash between the invite update and the federation update:
	// the invite is ACCEPTED but the pending list still references it.
	if _, err := f.store.UpdateOne(ctx, docstore.FederationInvite,
		docstore.Query{"id": inv.ID},
		docstore.Ops{Set: map[string]any{"state": InviteAccepted}},
	); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.Repair(ctx); err != nil {
		t.Fatalf("repair: %v", err)
	}
	got, _ := f.svc.Get(ctx, fed.ID)
	if !got.IsResearcher("beta") {
		t.Fatal("repair did not grant membership")
	}
	if len(got.PendingResearcherInvites) != 0 {
		t.Fatalf("repair did not clear pending list: %v", got.PendingResearcherInvites)
	}

	// Re-running is a no-op.
	if err := f.svc.Repair(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = f.svc.Get(ctx, fed.ID)
	if n := len(got.ResearchOrganizations); n != 1 {
		t.Fatalf("research organizations = %d entries, want 1", n)
	}
}
