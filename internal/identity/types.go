package identity

import (
	"time"

	"fedvault.org/internal/authz"
)

// OrganizationState is the lifecycle state of an organization.
type OrganizationState string

const (
	OrgActive   OrganizationState = "ACTIVE"
	OrgInactive OrganizationState = "INACTIVE"
)

// AccountState is the lifecycle state of a user account.
type AccountState string

const (
	AccountActive   AccountState = "ACTIVE"
	AccountInactive AccountState = "INACTIVE"
	AccountLocked   AccountState = "LOCKED"
)

// Organization is a registered participant. Soft deletion moves it to
// INACTIVE and cascades to its users.
type Organization struct {
	ID          string            `bson:"id" json:"id"`
	Name        string            `bson:"name" json:"name"`
	Description string            `bson:"description" json:"description"`
	Avatar      string            `bson:"avatar,omitempty" json:"avatar,omitempty"`
	State       OrganizationState `bson:"state" json:"state"`
	CreatedAt   time.Time         `bson:"account_created_time" json:"account_created_time"`
}

// User belongs to exactly one organization.
type User struct {
	ID                  string       `bson:"id" json:"id"`
	OrganizationID      string       `bson:"organization_id" json:"organization_id"`
	Name                string       `bson:"name" json:"name"`
	Email               string       `bson:"email" json:"email"`
	JobTitle            string       `bson:"job_title" json:"job_title"`
	Roles               []authz.Role `bson:"roles" json:"roles"`
	Avatar              string       `bson:"avatar,omitempty" json:"avatar,omitempty"`
	HashedPassword      string       `bson:"hashed_password" json:"-"`
	AccountState        AccountState `bson:"account_state" json:"account_state"`
	LastLoginAt         *time.Time   `bson:"last_login_time,omitempty" json:"last_login_time,omitempty"`
	FailedLoginAttempts int64        `bson:"failed_login_attempts" json:"-"`
	Freemium            bool         `bson:"freemium" json:"freemium"`
	CreatedAt           time.Time    `bson:"account_creation_time" json:"account_creation_time"`
}

// Principal converts the stored user into the authorization kernel's view.
func (u User) Principal() authz.Principal {
	roles := make([]authz.Role, len(u.Roles))
	copy(roles, u.Roles)
	return authz.Principal{UserID: u.ID, OrganizationID: u.OrganizationID, Roles: roles}
}

// RegisterOrganizationRequest creates an organization together with its first
// admin user in one logical action.
type RegisterOrganizationRequest struct {
	Name          string       `json:"name"`
	Description   string       `json:"description"`
	Avatar        string       `json:"avatar,omitempty"`
	AdminName     string       `json:"admin_name"`
	AdminEmail    string       `json:"admin_email"`
	AdminPassword string       `json:"admin_password"`
	AdminJobTitle string       `json:"admin_job_title"`
	AdminRoles    []authz.Role `json:"admin_roles,omitempty"`
}

// UserUpdate is a partial update; nil fields are left untouched.
type UserUpdate struct {
	JobTitle     *string       `json:"job_title,omitempty"`
	Avatar       *string       `json:"avatar,omitempty"`
	Roles        []authz.Role  `json:"roles,omitempty"`
	AccountState *AccountState `json:"account_state,omitempty"`
}

// OrganizationUpdate is a partial update of organization metadata.
type OrganizationUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
}
