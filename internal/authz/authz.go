// Package authz is the authorization kernel: given a principal and an
// operation scoped to a resource, it returns allow or deny. Rules are a fixed
// table; any operation without a matching rule is denied.
package authz

import "fedvault.org/internal/faults"

// ErrDenied indicates the principal lacks the role or scope for an operation.
var ErrDenied = faults.ErrDenied

// Role is a platform-wide capability grouping.
type Role string

const (
	RoleSailAdmin         Role = "SAIL_ADMIN"
	RoleOrganizationAdmin Role = "ORGANIZATION_ADMIN"
	RoleDataModelEditor   Role = "DATA_MODEL_EDITOR"
	RoleDatasetAdmin      Role = "DATASET_ADMIN"
	RoleResearcher        Role = "RESEARCHER"
	RoleAdmin             Role = "ADMIN"
	RoleAuditor           Role = "AUDITOR"
	RoleUser              Role = "USER"
)

// FreeRoles is the set a freemium organization's users may hold.
var FreeRoles = map[Role]struct{}{
	RoleOrganizationAdmin: {},
	RoleUser:              {},
}

// ValidRoles enumerates every assignable role.
var ValidRoles = map[Role]struct{}{
	RoleSailAdmin:         {},
	RoleOrganizationAdmin: {},
	RoleDataModelEditor:   {},
	RoleDatasetAdmin:      {},
	RoleResearcher:        {},
	RoleAdmin:             {},
	RoleAuditor:           {},
	RoleUser:              {},
}

// Principal is the authenticated caller: user, organization and resolved roles.
type Principal struct {
	UserID         string
	OrganizationID string
	Roles          []Role
}

// HasRole reports role membership.
func (p Principal) HasRole(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Scope identifies the resource an operation targets.
type Scope struct {
	// OrganizationID is the organization owning (or invited to, or
	// submitting in) the resource, depending on the operation.
	OrganizationID string
	// UserID is set for user-targeted operations.
	UserID string
}

// Operation names an action subject to the kernel's rules.
type Operation string

const (
	OpGetOrganization      Operation = "organization.get"
	OpUpdateOrganization   Operation = "organization.update"
	OpDeleteOrganization   Operation = "organization.delete"
	OpRegisterUser         Operation = "user.register"
	OpUpdateUserAccess     Operation = "user.update_access"
	OpUpdateUserProfile    Operation = "user.update_profile"
	OpRegisterFederation   Operation = "federation.register"
	OpManageFederation     Operation = "federation.manage_members"
	OpRespondInvite        Operation = "federation.respond_invite"
	OpAddFederationDataset Operation = "federation.add_dataset"
	OpProvisionSCN         Operation = "provision.create"
	OpReadUserActivity     Operation = "audit.user_activity"
	OpReadComputation      Operation = "audit.computation"
)

type rule struct {
	// always lists roles allowed regardless of scope.
	always []Role
	// scoped lists roles allowed only when the scope org is the principal's.
	scoped []Role
	// self allows the operation when the scope user is the principal.
	self bool
	// denySelf forbids the operation on the principal's own user record
	// unless the principal is SAIL_ADMIN.
	denySelf bool
}

var rules = map[Operation]rule{
	OpGetOrganization:      {always: []Role{RoleSailAdmin}, scoped: []Role{RoleOrganizationAdmin}},
	OpUpdateOrganization:   {always: []Role{RoleSailAdmin}, scoped: []Role{RoleOrganizationAdmin}},
	OpDeleteOrganization:   {always: []Role{RoleSailAdmin}, scoped: []Role{RoleOrganizationAdmin}},
	OpRegisterUser:         {always: []Role{RoleSailAdmin}, scoped: []Role{RoleOrganizationAdmin}},
	OpUpdateUserAccess:     {always: []Role{RoleSailAdmin}, scoped: []Role{RoleOrganizationAdmin}, denySelf: true},
	OpUpdateUserProfile:    {always: []Role{RoleSailAdmin}, scoped: []Role{RoleOrganizationAdmin}, self: true},
	OpRegisterFederation:   {always: []Role{RoleOrganizationAdmin}},
	OpManageFederation:     {scoped: []Role{RoleOrganizationAdmin}},
	OpRespondInvite:        {scoped: []Role{RoleOrganizationAdmin}},
	OpAddFederationDataset: {scoped: []Role{RoleOrganizationAdmin}},
	OpProvisionSCN:         {scoped: []Role{RoleResearcher}},
	OpReadUserActivity:     {always: []Role{RoleSailAdmin}},
	OpReadComputation:      {always: []Role{RoleSailAdmin}, scoped: []Role{RoleOrganizationAdmin, RoleDatasetAdmin}},
}

// Allow resolves the rule table for a principal, operation and scope.
func Allow(p Principal, op Operation, scope Scope) error {
	r, ok := rules[op]
	if !ok {
		return ErrDenied
	}
	if r.denySelf && scope.UserID != "" && scope.UserID == p.UserID && !p.HasRole(RoleSailAdmin) {
		return ErrDenied
	}
	for _, role := range r.always {
		if p.HasRole(role) {
			return nil
		}
	}
	if scope.OrganizationID != "" && scope.OrganizationID == p.OrganizationID {
		for _, role := range r.scoped {
			if p.HasRole(role) {
				return nil
			}
		}
	}
	if r.self && scope.UserID != "" && scope.UserID == p.UserID {
		return nil
	}
	return ErrDenied
}
