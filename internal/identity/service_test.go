package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"fedvault.org/internal/authz"
	"fedvault.org/internal/docstore"
	"fedvault.org/internal/faults"
)

func newTestService(t *testing.T) (*Service, *docstore.Memory) {
	t.Helper()
	store := docstore.NewMemory()
	return NewService(store, "test-pepper"), store
}

func registerOrg(t *testing.T, s *Service, name, email string) (Organization, User) {
	t.Helper()
	org, admin, err := s.RegisterOrganization(context.Background(), nil, RegisterOrganizationRequest{
		Name:          name,
		AdminName:     name + " Admin",
		AdminEmail:    email,
		AdminPassword: "p@ss1",
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return org, admin
}

func TestRegisterOrganizationCreatesAdmin(t *testing.T) {
	s, _ := newTestService(t)
	org, admin := registerOrg(t, s, "Acme", "a@acme.com")

	if org.State != OrgActive {
		t.Fatalf("org state %s", org.State)
	}
	if admin.OrganizationID != org.ID || !admin.Freemium {
		t.Fatalf("admin record: %+v", admin)
	}
	if len(admin.Roles) != 1 || admin.Roles[0] != authz.RoleOrganizationAdmin {
		t.Fatalf("admin roles: %v", admin.Roles)
	}
}

func TestRegisterOrganizationDuplicateEmail(t *testing.T) {
	s, _ := newTestService(t)
	registerOrg(t, s, "Acme", "a@acme.com")
	_, _, err := s.RegisterOrganization(context.Background(), nil, RegisterOrganizationRequest{
		Name: "Other", AdminName: "B", AdminEmail: "a@acme.com", AdminPassword: "x",
	})
	if !errors.Is(err, faults.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSailAdminSingleton(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	_, _, err := s.RegisterOrganization(ctx, nil, RegisterOrganizationRequest{
		Name: "Platform", AdminName: "Root", AdminEmail: "root@sail.io", AdminPassword: "x",
		AdminRoles: []authz.Role{authz.RoleSailAdmin},
	})
	if err != nil {
		t.Fatalf("first sail admin: %v", err)
	}
	_, _, err = s.RegisterOrganization(ctx, nil, RegisterOrganizationRequest{
		Name: "Copycat", AdminName: "Root2", AdminEmail: "root2@sail.io", AdminPassword: "x",
		AdminRoles: []authz.Role{authz.RoleSailAdmin},
	})
	if !errors.Is(err, faults.ErrConflict) {
		t.Fatalf("second sail admin must conflict, got %v", err)
	}
}

func TestSailAdminClaimSurvivesFailedRegistration(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	registerOrg(t, s, "Acme", "a@acme.com")

	// A registration rejected on a taken email must not consume the claim.
	_, _, err := s.RegisterOrganization(ctx, nil, RegisterOrganizationRequest{
		Name: "Platform", AdminName: "Root", AdminEmail: "a@acme.com", AdminPassword: "x",
		AdminRoles: []authz.Role{authz.RoleSailAdmin},
	})
	if !errors.Is(err, faults.ErrConflict) || !strings.Contains(err.Error(), "a@acme.com") {
		t.Fatalf("taken email: err = %v, want email conflict", err)
	}

	_, admin, err := s.RegisterOrganization(ctx, nil, RegisterOrganizationRequest{
		Name: "Platform", AdminName: "Root", AdminEmail: "root@sail.io", AdminPassword: "x",
		AdminRoles: []authz.Role{authz.RoleSailAdmin},
	})
	if err != nil {
		t.Fatalf("retry with a fresh email: %v", err)
	}
	if !hasRole(admin.Roles, authz.RoleSailAdmin) || admin.Freemium {
		t.Fatalf("admin record: %+v", admin)
	}
}

func TestSailAdminClaimReleasedOnInsertFailure(t *testing.T) {
	store := docstore.NewMemory()
	failing := &failingStore{Memory: store, failCollection: docstore.Organizations}
	s := NewService(failing, "test-pepper")
	ctx := context.Background()

	req := RegisterOrganizationRequest{
		Name: "Platform", AdminName: "Root", AdminEmail: "root@sail.io", AdminPassword: "x",
		AdminRoles: []authz.Role{authz.RoleSailAdmin},
	}
	if _, _, err := s.RegisterOrganization(ctx, nil, req); !errors.Is(err, faults.ErrInternal) {
		t.Fatalf("insert failure: err = %v, want internal", err)
	}

	failing.failCollection = ""
	if _, _, err := s.RegisterOrganization(ctx, nil, req); err != nil {
		t.Fatalf("retry after insert failure: %v", err)
	}
}

// failingStore rejects inserts into one collection.
type failingStore struct {
	*docstore.Memory
	failCollection string
}

func (f *failingStore) Insert(ctx context.Context, c string, doc any) error {
	if c == f.failCollection {
		return errors.New("write refused")
	}
	return f.Memory.Insert(ctx, c, doc)
}

func TestFreemiumRejectsNonFreeRoles(t *testing.T) {
	s, _ := newTestService(t)
	_, _, err := s.RegisterOrganization(context.Background(), nil, RegisterOrganizationRequest{
		Name: "Acme", AdminName: "A", AdminEmail: "a@acme.com", AdminPassword: "x",
		AdminRoles: []authz.Role{authz.RoleOrganizationAdmin, authz.RoleResearcher},
	})
	if !errors.Is(err, faults.ErrConflict) {
		t.Fatalf("expected conflict for non-free role, got %v", err)
	}

	// A SAIL_ADMIN authorizing the registration lifts the restriction.
	sail := authz.Principal{UserID: "root", OrganizationID: "platform", Roles: []authz.Role{authz.RoleSailAdmin}}
	_, admin, err := s.RegisterOrganization(context.Background(), &sail, RegisterOrganizationRequest{
		Name: "Beta", AdminName: "B", AdminEmail: "b@beta.com", AdminPassword: "x",
		AdminRoles: []authz.Role{authz.RoleOrganizationAdmin, authz.RoleResearcher},
	})
	if err != nil {
		t.Fatalf("sail-authorized registration: %v", err)
	}
	if admin.Freemium {
		t.Fatal("sail-authorized org must not be freemium")
	}
}

func TestLoginSuccessResetsCounter(t *testing.T) {
	s, store := newTestService(t)
	_, admin := registerOrg(t, s, "Acme", "a@acme.com")
	ctx := context.Background()

	if _, err := s.Login(ctx, "a@acme.com", "wrong"); err == nil {
		t.Fatal("wrong password must fail")
	}
	user, err := s.Login(ctx, "a@acme.com", "p@ss1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if user.FailedLoginAttempts != 0 || user.LastLoginAt == nil {
		t.Fatalf("login bookkeeping: %+v", user)
	}

	var raw User
	if err := store.FindOne(ctx, docstore.Users, docstore.Query{"id": admin.ID}, &raw); err != nil {
		t.Fatal(err)
	}
	if raw.FailedLoginAttempts != 0 {
		t.Fatalf("counter not reset: %d", raw.FailedLoginAttempts)
	}
}

func TestFifthFailureLocksAccount(t *testing.T) {
	s, _ := newTestService(t)
	registerOrg(t, s, "Acme", "a@acme.com")
	ctx := context.Background()

	var last error
	for i := 0; i < 5; i++ {
		_, last = s.Login(ctx, "a@acme.com", "wrong")
		if !errors.Is(last, faults.ErrUnauthenticated) {
			t.Fatalf("attempt %d: %v", i+1, last)
		}
	}
	if want := "account locked"; last == nil || !contains(last.Error(), want) {
		t.Fatalf("5th failure should report lock, got %v", last)
	}

	// 6th attempt reports locked even with the correct password.
	_, err := s.Login(ctx, "a@acme.com", "p@ss1")
	if err == nil || !contains(err.Error(), "account locked") {
		t.Fatalf("locked account accepted login: %v", err)
	}
}

func TestSailAdminUnlocks(t *testing.T) {
	s, _ := newTestService(t)
	_, admin := registerOrg(t, s, "Acme", "a@acme.com")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = s.Login(ctx, "a@acme.com", "wrong")
	}

	sail := authz.Principal{UserID: "root", OrganizationID: "platform", Roles: []authz.Role{authz.RoleSailAdmin}}
	if err := s.UnlockUser(ctx, sail, admin.ID); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := s.Login(ctx, "a@acme.com", "p@ss1"); err != nil {
		t.Fatalf("login after unlock: %v", err)
	}

	notSail := authz.Principal{UserID: "u", OrganizationID: "o", Roles: []authz.Role{authz.RoleOrganizationAdmin}}
	if err := s.UnlockUser(ctx, notSail, admin.ID); !errors.Is(err, authz.ErrDenied) {
		t.Fatalf("non-sail unlock must be denied, got %v", err)
	}
}

func TestUpdateUserRolesAuthz(t *testing.T) {
	s, _ := newTestService(t)
	org, admin := registerOrg(t, s, "Acme", "a@acme.com")
	ctx := context.Background()

	user, err := s.RegisterUser(ctx, admin.Principal(), org.ID, "Worker", "w@acme.com", "pw", "analyst", nil)
	if err != nil {
		t.Fatalf("register user: %v", err)
	}

	// A DATA_MODEL_EDITOR cannot touch another user's roles.
	editor := authz.Principal{UserID: "e1", OrganizationID: org.ID, Roles: []authz.Role{authz.RoleDataModelEditor}}
	newRoles := []authz.Role{authz.RoleUser}
	if _, err := s.UpdateUser(ctx, editor, user.ID, UserUpdate{Roles: newRoles}); !errors.Is(err, authz.ErrDenied) {
		t.Fatalf("expected denied, got %v", err)
	}

	// Freemium org cannot receive non-free roles.
	if _, err := s.UpdateUser(ctx, admin.Principal(), user.ID, UserUpdate{Roles: []authz.Role{authz.RoleResearcher}}); !errors.Is(err, faults.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// SAIL_ADMIN assignment is forbidden through this path.
	sail := authz.Principal{UserID: "root", OrganizationID: "platform", Roles: []authz.Role{authz.RoleSailAdmin}}
	if _, err := s.UpdateUser(ctx, sail, user.ID, UserUpdate{Roles: []authz.Role{authz.RoleSailAdmin}}); !errors.Is(err, faults.ErrConflict) {
		t.Fatalf("expected conflict for sail assignment, got %v", err)
	}

	// Self-edit is limited to job title and avatar.
	title := "senior analyst"
	updated, err := s.UpdateUser(ctx, user.Principal(), user.ID, UserUpdate{JobTitle: &title})
	if err != nil {
		t.Fatalf("self edit: %v", err)
	}
	if updated.JobTitle != title {
		t.Fatalf("job title not updated: %+v", updated)
	}
	state := AccountInactive
	if _, err := s.UpdateUser(ctx, user.Principal(), user.ID, UserUpdate{AccountState: &state}); !errors.Is(err, authz.ErrDenied) {
		t.Fatalf("self state change must be denied, got %v", err)
	}
}

func TestUpgradeOrganization(t *testing.T) {
	s, _ := newTestService(t)
	org, admin := registerOrg(t, s, "Acme", "a@acme.com")
	ctx := context.Background()
	sail := authz.Principal{UserID: "root", OrganizationID: "platform", Roles: []authz.Role{authz.RoleSailAdmin}}

	if err := s.UpgradeOrganization(ctx, admin.Principal(), org.ID); !errors.Is(err, authz.ErrDenied) {
		t.Fatalf("org admin cannot upgrade, got %v", err)
	}
	if err := s.UpgradeOrganization(ctx, sail, org.ID); err != nil {
		t.Fatalf("upgrade: %v", err)
	}

	// Non-free roles are now assignable.
	if _, err := s.UpdateUser(ctx, admin.Principal(), admin.ID, UserUpdate{}); err == nil {
		t.Fatal("empty update must fail")
	}
	user, err := s.RegisterUser(ctx, admin.Principal(), org.ID, "R", "r@acme.com", "pw", "", []authz.Role{authz.RoleResearcher})
	if err != nil {
		t.Fatalf("register researcher after upgrade: %v", err)
	}
	if user.Freemium {
		t.Fatal("upgraded org user still freemium")
	}
}

func TestDeleteOrganizationCascades(t *testing.T) {
	s, _ := newTestService(t)
	org, admin := registerOrg(t, s, "Acme", "a@acme.com")
	ctx := context.Background()

	if err := s.DeleteOrganization(ctx, admin.Principal(), org.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	sail := authz.Principal{UserID: "root", OrganizationID: "platform", Roles: []authz.Role{authz.RoleSailAdmin}}
	got, err := s.GetOrganization(ctx, sail, org.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != OrgInactive {
		t.Fatalf("org not soft-deleted: %s", got.State)
	}
	if _, err := s.Login(ctx, "a@acme.com", "p@ss1"); err == nil {
		t.Fatal("user of deleted org can still log in")
	}
}

func TestTokenPairLifecycle(t *testing.T) {
	s, _ := newTestService(t)
	_, admin := registerOrg(t, s, "Acme", "a@acme.com")

	base := time.Now().UTC()
	clock := base
	issuer, err := NewTokenIssuer("jwt-secret", "refresh-secret", WithTokenClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatal(err)
	}

	pair, err := issuer.Issue(admin)
	if err != nil {
		t.Fatal(err)
	}
	if got := pair.AccessExpiresAt.Sub(base); got != AccessTTL {
		t.Fatalf("access ttl %v", got)
	}

	principal, err := issuer.Authenticate(pair.AccessToken)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.UserID != admin.ID || principal.OrganizationID != admin.OrganizationID {
		t.Fatalf("principal mismatch: %+v", principal)
	}

	// Refresh token is not an access token.
	if _, err := issuer.Authenticate(pair.RefreshToken); !errors.Is(err, faults.ErrUnauthenticated) {
		t.Fatalf("refresh token must not authenticate, got %v", err)
	}
	userID, err := issuer.ValidateRefresh(pair.RefreshToken)
	if err != nil || userID != admin.ID {
		t.Fatalf("validate refresh: %s %v", userID, err)
	}

	// Expired access token is rejected.
	clock = base.Add(AccessTTL + time.Minute)
	if _, err := issuer.Authenticate(pair.AccessToken); !errors.Is(err, faults.ErrUnauthenticated) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
