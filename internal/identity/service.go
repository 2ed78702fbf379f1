// Package identity is the organization and user directory: registration,
// login with attempt accounting, role management and the freemium tier rules.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"fedvault.org/internal/authz"
	"fedvault.org/internal/docstore"
	"fedvault.org/internal/faults"
	"fedvault.org/internal/ids"
	"fedvault.org/internal/obs"
)

// maxLoginAttempts is the count at which an ACTIVE account transitions to
// LOCKED. The 5th consecutive failure locks; only SAIL_ADMIN unlocks.
const maxLoginAttempts = 5

const sailAdminClaimID = "sail-admin-claim"

// Service provides directory operations over the document store.
type Service struct {
	store  docstore.Store
	pepper string
	now    func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the directory service. The pepper is prefixed into
// every bcrypt input and must stay stable for the deployment's lifetime.
func NewService(store docstore.Store, pepper string, opts ...Option) *Service {
	s := &Service{store: store, pepper: pepper, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterOrganization creates an organization plus its admin user. The
// principal is nil for self-service registration; only a SAIL_ADMIN principal
// may grant non-free roles, and self-service organizations start freemium.
func (s *Service) RegisterOrganization(ctx context.Context, principal *authz.Principal, req RegisterOrganizationRequest) (Organization, User, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.AdminEmail = strings.TrimSpace(strings.ToLower(req.AdminEmail))
	if req.Name == "" || req.AdminEmail == "" || req.AdminPassword == "" || strings.TrimSpace(req.AdminName) == "" {
		return Organization{}, User{}, faults.BadRequestf("organization name, admin name, email and password are required")
	}
	roles := dedupeRoles(req.AdminRoles)
	if len(roles) == 0 {
		roles = []authz.Role{authz.RoleOrganizationAdmin}
	}
	for _, r := range roles {
		if _, ok := authz.ValidRoles[r]; !ok {
			return Organization{}, User{}, faults.BadRequestf("unknown role %s", r)
		}
	}

	sailAuthorizing := principal != nil && principal.HasRole(authz.RoleSailAdmin)
	freemium := !sailAuthorizing
	if freemium {
		for _, r := range roles {
			if r == authz.RoleSailAdmin {
				continue // singleton claim below decides
			}
			if _, ok := authz.FreeRoles[r]; !ok {
				return Organization{}, User{}, faults.Conflictf("role %s requires a non-freemium organization", r)
			}
		}
	}

	if err := s.ensureEmailFree(ctx, req.AdminEmail); err != nil {
		return Organization{}, User{}, err
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	org := Organization{
		ID:          ids.New(),
		Name:        req.Name,
		Description: strings.TrimSpace(req.Description),
		Avatar:      req.Avatar,
		State:       OrgActive,
		CreatedAt:   now,
	}
	hash, err := s.hashPassword(req.AdminEmail, req.AdminPassword)
	if err != nil {
		return Organization{}, User{}, err
	}

	// Claim the singleton last so any earlier rejection leaves it available,
	// and release it again if the inserts below fail.
	sailClaimed := hasRole(roles, authz.RoleSailAdmin)
	if sailClaimed {
		if err := s.claimSailAdmin(ctx); err != nil {
			return Organization{}, User{}, err
		}
		// The platform administrator is never freemium.
		freemium = false
	}
	admin := User{
		ID:             ids.New(),
		OrganizationID: org.ID,
		Name:           strings.TrimSpace(req.AdminName),
		Email:          req.AdminEmail,
		JobTitle:       strings.TrimSpace(req.AdminJobTitle),
		Roles:          roles,
		HashedPassword: hash,
		AccountState:   AccountActive,
		Freemium:       freemium,
		CreatedAt:      now,
	}

	if err := s.store.Insert(ctx, docstore.Organizations, org); err != nil {
		if sailClaimed {
			s.releaseSailAdmin(ctx)
		}
		return Organization{}, User{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if err := s.store.Insert(ctx, docstore.Users, admin); err != nil {
		// Partial application: the org exists without its admin. Remove it
		// so registration can be retried cleanly.
		_, _ = s.store.Delete(ctx, docstore.Organizations, docstore.Query{"id": org.ID})
		if sailClaimed {
			s.releaseSailAdmin(ctx)
		}
		return Organization{}, User{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return org, admin, nil
}

// RegisterUser adds a user to an existing organization.
func (s *Service) RegisterUser(ctx context.Context, principal authz.Principal, orgID, name, email, password, jobTitle string, roles []authz.Role) (User, error) {
	if err := authz.Allow(principal, authz.OpRegisterUser, authz.Scope{OrganizationID: orgID}); err != nil {
		return User{}, err
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" || strings.TrimSpace(name) == "" {
		return User{}, faults.BadRequestf("name, email and password are required")
	}
	roles = dedupeRoles(roles)
	if len(roles) == 0 {
		roles = []authz.Role{authz.RoleUser}
	}
	if hasRole(roles, authz.RoleSailAdmin) {
		return User{}, faults.Conflictf("SAIL_ADMIN cannot be granted through user registration")
	}
	org, err := s.GetOrganization(ctx, principal, orgID)
	if err != nil {
		return User{}, err
	}
	if org.State != OrgActive {
		return User{}, faults.Preconditionf("organization %s is not active", orgID)
	}

	freemium, err := s.organizationFreemium(ctx, orgID)
	if err != nil {
		return User{}, err
	}
	if freemium {
		for _, r := range roles {
			if _, ok := authz.FreeRoles[r]; !ok {
				return User{}, faults.Conflictf("role %s requires a non-freemium organization", r)
			}
		}
	}
	if err := s.ensureEmailFree(ctx, email); err != nil {
		return User{}, err
	}

	hash, err := s.hashPassword(email, password)
	if err != nil {
		return User{}, err
	}
	user := User{
		ID:             ids.New(),
		OrganizationID: orgID,
		Name:           strings.TrimSpace(name),
		Email:          email,
		JobTitle:       strings.TrimSpace(jobTitle),
		Roles:          roles,
		HashedPassword: hash,
		AccountState:   AccountActive,
		Freemium:       freemium,
		CreatedAt:      s.now().UTC().Truncate(time.Millisecond),
	}
	if err := s.store.Insert(ctx, docstore.Users, user); err != nil {
		return User{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return user, nil
}

// Login verifies credentials and maintains the failed-attempt counter.
func (s *Service) Login(ctx context.Context, email, password string) (User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return User{}, faults.BadRequestf("email and password are required")
	}
	var user User
	err := s.store.FindOne(ctx, docstore.Users, docstore.Query{"email": email}, &user)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return User{}, fmt.Errorf("%w: invalid credentials", faults.ErrUnauthenticated)
	}
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	switch user.AccountState {
	case AccountLocked:
		return User{}, fmt.Errorf("%w: account locked", faults.ErrUnauthenticated)
	case AccountInactive:
		return User{}, fmt.Errorf("%w: account inactive", faults.ErrUnauthenticated)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), s.passwordInput(user.Email, password)) != nil {
		return User{}, s.recordFailedLogin(ctx, user)
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	if _, err := s.store.UpdateOne(ctx, docstore.Users, docstore.Query{"id": user.ID}, docstore.Ops{
		Set: map[string]any{"failed_login_attempts": int64(0), "last_login_time": now},
	}); err != nil {
		return User{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	user.FailedLoginAttempts = 0
	user.LastLoginAt = &now
	return user, nil
}

func (s *Service) recordFailedLogin(ctx context.Context, user User) error {
	if _, err := s.store.UpdateOne(ctx, docstore.Users,
		docstore.Query{"id": user.ID, "account_state": AccountActive},
		docstore.Ops{Inc: map[string]any{"failed_login_attempts": 1}},
	); err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	var fresh User
	if err := s.store.FindOne(ctx, docstore.Users, docstore.Query{"id": user.ID}, &fresh); err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if fresh.FailedLoginAttempts >= maxLoginAttempts {
		_, _ = s.store.UpdateOne(ctx, docstore.Users,
			docstore.Query{"id": user.ID, "account_state": AccountActive},
			docstore.Ops{Set: map[string]any{"account_state": AccountLocked}},
		)
		return fmt.Errorf("%w: account locked", faults.ErrUnauthenticated)
	}
	remaining := maxLoginAttempts - fresh.FailedLoginAttempts
	return fmt.Errorf("%w: invalid credentials, %d attempts remaining", faults.ErrUnauthenticated, remaining)
}

// ActiveUser loads a user for token refresh; deactivated and locked accounts
// stop refreshing.
func (s *Service) ActiveUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.store.FindOne(ctx, docstore.Users, docstore.Query{"id": userID}, &user)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return User{}, fmt.Errorf("%w: unknown user", faults.ErrUnauthenticated)
	}
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if user.AccountState != AccountActive {
		return User{}, fmt.Errorf("%w: account %s", faults.ErrUnauthenticated, strings.ToLower(string(user.AccountState)))
	}
	return user, nil
}

// UnlockUser restores a LOCKED account to ACTIVE. SAIL_ADMIN only.
func (s *Service) UnlockUser(ctx context.Context, principal authz.Principal, userID string) error {
	if !principal.HasRole(authz.RoleSailAdmin) {
		return authz.ErrDenied
	}
	res, err := s.store.UpdateOne(ctx, docstore.Users,
		docstore.Query{"id": userID},
		docstore.Ops{Set: map[string]any{"account_state": AccountActive, "failed_login_attempts": int64(0)}},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if res.Matched == 0 {
		return faults.NotFoundf("user %s", userID)
	}
	return nil
}

// GetUser loads a user record. Directory reads are limited to the user's own
// organization unless the principal is SAIL_ADMIN.
func (s *Service) GetUser(ctx context.Context, principal authz.Principal, userID string) (User, error) {
	var user User
	err := s.store.FindOne(ctx, docstore.Users, docstore.Query{"id": userID}, &user)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return User{}, faults.NotFoundf("user %s", userID)
	}
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if !principal.HasRole(authz.RoleSailAdmin) && principal.OrganizationID != user.OrganizationID && principal.UserID != userID {
		return User{}, authz.ErrDenied
	}
	return user, nil
}

// UpdateUser applies a partial update. Role and account-state changes require
// ORGANIZATION_ADMIN in the same organization or SAIL_ADMIN; self-edits are
// limited to job title and avatar.
func (s *Service) UpdateUser(ctx context.Context, principal authz.Principal, userID string, upd UserUpdate) (User, error) {
	var target User
	err := s.store.FindOne(ctx, docstore.Users, docstore.Query{"id": userID}, &target)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return User{}, faults.NotFoundf("user %s", userID)
	}
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	scope := authz.Scope{OrganizationID: target.OrganizationID, UserID: target.ID}

	set := map[string]any{}
	if upd.Roles != nil || upd.AccountState != nil {
		if err := authz.Allow(principal, authz.OpUpdateUserAccess, scope); err != nil {
			return User{}, err
		}
	}
	if upd.Roles != nil {
		roles := dedupeRoles(upd.Roles)
		if hasRole(roles, authz.RoleSailAdmin) {
			return User{}, faults.Conflictf("SAIL_ADMIN cannot be assigned through user update")
		}
		for _, r := range roles {
			if _, ok := authz.ValidRoles[r]; !ok {
				return User{}, faults.BadRequestf("unknown role %s", r)
			}
		}
		if target.Freemium {
			for _, r := range roles {
				if _, ok := authz.FreeRoles[r]; !ok {
					return User{}, faults.Conflictf("role %s requires a non-freemium organization", r)
				}
			}
		}
		set["roles"] = roles
	}
	if upd.AccountState != nil {
		switch *upd.AccountState {
		case AccountActive, AccountInactive, AccountLocked:
		default:
			return User{}, faults.BadRequestf("unknown account state %s", *upd.AccountState)
		}
		set["account_state"] = *upd.AccountState
	}
	if upd.JobTitle != nil || upd.Avatar != nil {
		if err := authz.Allow(principal, authz.OpUpdateUserProfile, scope); err != nil {
			return User{}, err
		}
		if upd.JobTitle != nil {
			set["job_title"] = strings.TrimSpace(*upd.JobTitle)
		}
		if upd.Avatar != nil {
			set["avatar"] = *upd.Avatar
		}
	}
	if len(set) == 0 {
		return User{}, faults.BadRequestf("no fields to update")
	}
	if _, err := s.store.UpdateOne(ctx, docstore.Users, docstore.Query{"id": userID}, docstore.Ops{Set: set}); err != nil {
		return User{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return s.GetUser(ctx, principal, userID)
}

// GetOrganization returns an organization visible to the principal.
func (s *Service) GetOrganization(ctx context.Context, principal authz.Principal, orgID string) (Organization, error) {
	if err := authz.Allow(principal, authz.OpGetOrganization, authz.Scope{OrganizationID: orgID}); err != nil {
		return Organization{}, err
	}
	return s.lookupOrganization(ctx, orgID)
}

// UpdateOrganization applies a partial metadata update.
func (s *Service) UpdateOrganization(ctx context.Context, principal authz.Principal, orgID string, upd OrganizationUpdate) (Organization, error) {
	if err := authz.Allow(principal, authz.OpUpdateOrganization, authz.Scope{OrganizationID: orgID}); err != nil {
		return Organization{}, err
	}
	set := map[string]any{}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Organization{}, faults.BadRequestf("organization name cannot be empty")
		}
		set["name"] = name
	}
	if upd.Description != nil {
		set["description"] = strings.TrimSpace(*upd.Description)
	}
	if upd.Avatar != nil {
		set["avatar"] = *upd.Avatar
	}
	if len(set) == 0 {
		return Organization{}, faults.BadRequestf("no fields to update")
	}
	res, err := s.store.UpdateOne(ctx, docstore.Organizations, docstore.Query{"id": orgID}, docstore.Ops{Set: set})
	if err != nil {
		return Organization{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if res.Matched == 0 {
		return Organization{}, faults.NotFoundf("organization %s", orgID)
	}
	return s.lookupOrganization(ctx, orgID)
}

// DeleteOrganization soft-deletes: the organization transitions to INACTIVE
// and every user's account state cascades with it.
func (s *Service) DeleteOrganization(ctx context.Context, principal authz.Principal, orgID string) error {
	if err := authz.Allow(principal, authz.OpDeleteOrganization, authz.Scope{OrganizationID: orgID}); err != nil {
		return err
	}
	res, err := s.store.UpdateOne(ctx, docstore.Organizations,
		docstore.Query{"id": orgID},
		docstore.Ops{Set: map[string]any{"state": OrgInactive}},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if res.Matched == 0 {
		return faults.NotFoundf("organization %s", orgID)
	}
	if _, err := s.store.UpdateMany(ctx, docstore.Users,
		docstore.Query{"organization_id": orgID},
		docstore.Ops{Set: map[string]any{"account_state": AccountInactive}},
	); err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return nil
}

// ListUsers enumerates an organization's users.
func (s *Service) ListUsers(ctx context.Context, principal authz.Principal, orgID string) ([]User, error) {
	if err := authz.Allow(principal, authz.OpGetOrganization, authz.Scope{OrganizationID: orgID}); err != nil {
		return nil, err
	}
	var users []User
	if err := s.store.Find(ctx, docstore.Users, docstore.Query{"organization_id": orgID}, &users); err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return users, nil
}

// UpgradeOrganization clears the freemium flag on every user of the target
// organization. SAIL_ADMIN only.
func (s *Service) UpgradeOrganization(ctx context.Context, principal authz.Principal, orgID string) error {
	if !principal.HasRole(authz.RoleSailAdmin) {
		return authz.ErrDenied
	}
	if _, err := s.lookupOrganization(ctx, orgID); err != nil {
		return err
	}
	if _, err := s.store.UpdateMany(ctx, docstore.Users,
		docstore.Query{"organization_id": orgID},
		docstore.Ops{Set: map[string]any{"freemium": false}},
	); err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return nil
}

// BasicInfo resolves an id to its kind and display name, checking
// organizations first and then users. Name-only reads are deliberately
// unscoped so any authenticated caller can render references to entities in
// other organizations.
func (s *Service) BasicInfo(ctx context.Context, id string) (kind, name string, err error) {
	var org Organization
	err = s.store.FindOne(ctx, docstore.Organizations, docstore.Query{"id": id}, &org)
	if err == nil {
		return "organization", org.Name, nil
	}
	if !errors.Is(err, docstore.ErrNoDocuments) {
		return "", "", fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	var user User
	err = s.store.FindOne(ctx, docstore.Users, docstore.Query{"id": id}, &user)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return "", "", faults.NotFoundf("no organization or user %s", id)
	}
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return "user", user.Name, nil
}

// --- helpers ---

func (s *Service) lookupOrganization(ctx context.Context, orgID string) (Organization, error) {
	var org Organization
	err := s.store.FindOne(ctx, docstore.Organizations, docstore.Query{"id": orgID}, &org)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return Organization{}, faults.NotFoundf("organization %s", orgID)
	}
	if err != nil {
		return Organization{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return org, nil
}

func (s *Service) ensureEmailFree(ctx context.Context, email string) error {
	var existing User
	err := s.store.FindOne(ctx, docstore.Users, docstore.Query{"email": email}, &existing)
	if err == nil {
		return faults.Conflictf("email %s is already registered", email)
	}
	if !errors.Is(err, docstore.ErrNoDocuments) {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return nil
}

// claimSailAdmin enforces the at-most-one SAIL_ADMIN invariant with a
// compare-and-set on a singleton claim document: the losing writer observes
// zero matched rows.
func (s *Service) claimSailAdmin(ctx context.Context) error {
	var claim struct {
		ID      string `bson:"id"`
		Claimed bool   `bson:"claimed"`
	}
	err := s.store.FindOne(ctx, docstore.SystemFlags, docstore.Query{"id": sailAdminClaimID}, &claim)
	if errors.Is(err, docstore.ErrNoDocuments) {
		claim.ID = sailAdminClaimID
		if err := s.store.Insert(ctx, docstore.SystemFlags, claim); err != nil {
			return fmt.Errorf("%w: %v", faults.ErrInternal, err)
		}
	} else if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	res, err := s.store.UpdateOne(ctx, docstore.SystemFlags,
		docstore.Query{"id": sailAdminClaimID, "claimed": false},
		docstore.Ops{Set: map[string]any{"claimed": true}},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	if res.Matched == 0 {
		return faults.Conflictf("a SAIL_ADMIN already exists")
	}
	return nil
}

// releaseSailAdmin reverts a claim after a failed registration so the
// platform administrator can be registered again.
func (s *Service) releaseSailAdmin(ctx context.Context) {
	_, err := s.store.UpdateOne(ctx, docstore.SystemFlags,
		docstore.Query{"id": sailAdminClaimID, "claimed": true},
		docstore.Ops{Set: map[string]any{"claimed": false}},
	)
	if err != nil {
		obs.LogEvent("sail_admin_release_failed", map[string]any{"error": err.Error()})
	}
}

func (s *Service) hashPassword(email, password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(s.passwordInput(email, password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("%w: hash password: %v", faults.ErrInternal, err)
	}
	return string(hash), nil
}

// passwordInput composes bcrypt input as email || password || pepper.
// bcrypt only considers 72 bytes; truncate explicitly so the library does not
// reject long emails.
func (s *Service) passwordInput(email, password string) []byte {
	in := []byte(email + password + s.pepper)
	if len(in) > 72 {
		in = in[:72]
	}
	return in
}

func (s *Service) organizationFreemium(ctx context.Context, orgID string) (bool, error) {
	// The freemium flag lives on users; any admin of the org is authoritative.
	var users []User
	if err := s.store.Find(ctx, docstore.Users, docstore.Query{"organization_id": orgID}, &users); err != nil {
		return false, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	for _, u := range users {
		if hasRole(u.Roles, authz.RoleOrganizationAdmin) {
			return u.Freemium, nil
		}
	}
	return len(users) > 0 && users[0].Freemium, nil
}

func dedupeRoles(roles []authz.Role) []authz.Role {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[authz.Role]struct{}, len(roles))
	var out []authz.Role
	for _, r := range roles {
		r = authz.Role(strings.TrimSpace(strings.ToUpper(string(r))))
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func hasRole(roles []authz.Role, role authz.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
